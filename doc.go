// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package guda is the device runtime underneath the closure launcher.
//
// The runtime runs CUDA-style launches on the CPU: every core acts as a
// multiprocessor, the widest SIMD unit sets the warp size, and device
// memory is host memory handed out by a bounded pool. It exposes what an
// occupancy-driven launcher consumes:
//   - device limits (Context.Device)
//   - per entry point resource attributes (RegisterFunction, FuncGetAttributes)
//   - device memory with an out-of-memory signal (Malloc, Free, FreeAsync)
//   - ordered streams with latent fault reporting (LaunchKernel, Synchronize)
//   - the diagnostic hook SynchronizeIfEnabled
//
// Sub-packages build on it: occupancy computes launch shapes, probe reads
// limits and footprints, closure launches user closures.
package guda
