package guda

import (
	"testing"
)

// newTestContext creates a context destroyed at the end of the test
func newTestContext(t testing.TB, opts ...ContextOption) *Context {
	t.Helper()
	opts = append([]ContextOption{WithConfig(Config{Workers: 4})}, opts...)
	ctx := NewContext(opts...)
	t.Cleanup(func() { ctx.Destroy() })
	return ctx
}

// MallocOrFail allocates device memory and fails the test if unsuccessful
func MallocOrFail(t testing.TB, ctx *Context, size int) DevicePtr {
	t.Helper()
	ptr, err := ctx.Malloc(size)
	if err != nil {
		t.Fatalf("Failed to allocate %d bytes: %v", size, err)
	}
	return ptr
}

// MemcpyOrFail copies data and fails the test if unsuccessful
func MemcpyOrFail(t testing.TB, ctx *Context, dst, src interface{}, size int, direction MemcpyKind) {
	t.Helper()
	err := ctx.Memcpy(dst, src, size, direction)
	if err != nil {
		t.Fatalf("Memcpy failed: %v", err)
	}
}

// LaunchOrFail launches a kernel and fails the test if unsuccessful
func LaunchOrFail(t testing.TB, ctx *Context, kernel KernelFunc, grid, block Dim3, args ...interface{}) {
	t.Helper()
	err := ctx.LaunchFunc(kernel, grid, block, args...)
	if err != nil {
		t.Fatalf("Kernel launch failed: %v", err)
	}
}

// SynchronizeOrFail synchronizes and fails the test if unsuccessful
func SynchronizeOrFail(t testing.TB, ctx *Context) {
	t.Helper()
	err := ctx.Synchronize()
	if err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
}
