// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guda

import (
	"fmt"
	"runtime/debug"
)

const modulePath = "github.com/LynnColeArt/guda-launch"

// Version reports the module version and checksum of the launch runtime
// linked into the running binary. Both are empty when the binary carries
// no build information. Binaries built inside this module report the
// main module, usually as "(devel)".
func Version() (version, sum string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	if info.Main.Path == modulePath {
		return info.Main.Version, info.Main.Sum
	}
	for _, m := range info.Deps {
		if m.Path != modulePath {
			continue
		}
		if r := m.Replace; r != nil {
			target := r.Path
			if r.Version != "" {
				target = fmt.Sprintf("%s %s", r.Path, r.Version)
			}
			return fmt.Sprintf("%s=>%s", m.Version, target), r.Sum
		}
		return m.Version, m.Sum
	}
	return "", ""
}
