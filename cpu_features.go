package guda

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures tracks available CPU instruction set extensions
type CPUFeatures struct {
	HasSSE4     bool
	HasAVX      bool
	HasAVX2     bool
	HasAVX512F  bool // Foundation
	HasAVX512BW bool // Byte/Word
	HasFMA      bool
	HasNEON     bool
	HasSVE      bool
}

// Global CPU feature detection
var cpuFeatures = detectCPUFeatures()

// detectCPUFeatures reads the instruction set extensions of the host
func detectCPUFeatures() CPUFeatures {
	return CPUFeatures{
		HasSSE4:     cpu.X86.HasSSE41 || cpu.X86.HasSSE42,
		HasAVX:      cpu.X86.HasAVX,
		HasAVX2:     cpu.X86.HasAVX2,
		HasAVX512F:  cpu.X86.HasAVX512F,
		HasAVX512BW: cpu.X86.HasAVX512BW,
		HasFMA:      cpu.X86.HasFMA,
		HasNEON:     cpu.ARM64.HasASIMD,
		HasSVE:      cpu.ARM64.HasSVE,
	}
}

// Features returns the detected CPU features.
func Features() CPUFeatures {
	return cpuFeatures
}

// SIMDWidth returns the number of float32 lanes in the widest vector
// unit available. It is the scheduling granularity (warp size) of the
// CPU device: a block is executed a vector of threads at a time.
func (f CPUFeatures) SIMDWidth() int {
	switch {
	case f.HasAVX512F:
		return 16
	case f.HasAVX2, f.HasAVX:
		return 8
	case f.HasSSE4, f.HasNEON, f.HasSVE:
		return 4
	}
	if runtime.GOARCH == "amd64" {
		// SSE2 is baseline on amd64
		return 4
	}
	return 1
}

// GetCPUInfo returns a string describing available CPU features
func GetCPUInfo() string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}
	add(cpuFeatures.HasSSE4, "SSE4")
	add(cpuFeatures.HasAVX, "AVX")
	add(cpuFeatures.HasAVX2, "AVX2")
	add(cpuFeatures.HasFMA, "FMA")
	add(cpuFeatures.HasAVX512F, "AVX512F")
	add(cpuFeatures.HasAVX512BW, "AVX512BW")
	add(cpuFeatures.HasNEON, "NEON")
	add(cpuFeatures.HasSVE, "SVE")

	if len(features) == 0 {
		return "No SIMD extensions detected"
	}
	return "CPU features: " + strings.Join(features, ", ")
}
