package guda

import (
	"fmt"
	"sync"
	"unsafe"
)

// MemcpyKind specifies the direction of memory transfer.
// In GUDA's unified memory model, these are provided for CUDA compatibility
// but may be treated identically since all memory is CPU-accessible.
type MemcpyKind int

const (
	MemcpyHostToHost     MemcpyKind = iota // Host to host transfer
	MemcpyHostToDevice                     // Host to device transfer
	MemcpyDeviceToHost                     // Device to host transfer
	MemcpyDeviceToDevice                   // Device to device transfer
	MemcpyDefault                          // Default transfer (infer direction)
)

// defaultSystemMemory is reported when the host cannot be queried.
const defaultSystemMemory = 16 * 1024 * 1024 * 1024

// MemoryPool manages device memory allocation with efficient reuse.
// It maintains a free list of previously allocated blocks to reduce
// allocation overhead, and refuses allocations that would take the
// in-use total past its limit.
type MemoryPool struct {
	mu         sync.Mutex
	limit      int64
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
	failures   int64
}

type allocation struct {
	buf  []byte
	size int
	used bool
}

func (a *allocation) ptr() unsafe.Pointer {
	return unsafe.Pointer(&a.buf[0])
}

// NewMemoryPool creates a new memory pool. A limit of zero or less
// leaves the pool unbounded.
func NewMemoryPool(limit int64) *MemoryPool {
	return &MemoryPool{
		limit:     limit,
		allocated: make(map[uintptr]*allocation),
	}
}

// Malloc allocates device memory of the specified size in bytes.
// The memory is aligned for optimal SIMD performance.
//
// Example:
//
//	ptr, err := ctx.Malloc(1024 * 4) // Allocate 1024 float32s
//	if err != nil {
//	    return err
//	}
//	defer ctx.Free(ptr)
func (ctx *Context) Malloc(size int) (DevicePtr, error) {
	if ctx.isDestroyed() {
		return DevicePtr{}, ErrContextDestroyed
	}
	return ctx.memory.Allocate(size)
}

// Free releases device memory allocated by Malloc.
// It is safe to call Free with a zero DevicePtr.
// The memory may be retained in the pool for future allocations.
func (ctx *Context) Free(ptr DevicePtr) error {
	if ptr.ptr == nil {
		return nil
	}
	return ctx.memory.Free(ptr)
}

// FreeAsync releases ptr once every task submitted to stream before the
// call has finished. Kernels still reading ptr keep it alive.
func (ctx *Context) FreeAsync(ptr DevicePtr, stream *Stream) error {
	if ptr.ptr == nil {
		return nil
	}
	if stream == nil {
		stream = ctx.defaultStream
	}
	return stream.Submit(func() {
		if err := ctx.memory.Free(ptr); err != nil {
			stream.setError(err)
		}
	})
}

// Memcpy copies memory between host and device.
// Supports various combinations of DevicePtr and Go slices.
//
// Parameters:
//   - dst: Destination (DevicePtr or Go slice)
//   - src: Source (DevicePtr or Go slice)
//   - size: Number of bytes to copy
//   - kind: Transfer direction (for CUDA compatibility)
//
// Example:
//
//	h_data := make([]float32, 1024)
//	d_data, _ := ctx.Malloc(1024 * 4)
//	ctx.Memcpy(d_data, h_data, 1024*4, guda.MemcpyHostToDevice)
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	// On CPU, all memory transfers are just memcpy
	// We keep the API for compatibility
	if size < 0 {
		return NewInvalidArgError("Memcpy", fmt.Sprintf("negative size %d", size))
	}

	dstPtr, dstLen, err := rawRegion(dst)
	if err != nil {
		return NewInvalidArgError("Memcpy", fmt.Sprintf("unsupported dst type: %T", dst))
	}
	srcPtr, srcLen, err := rawRegion(src)
	if err != nil {
		return NewInvalidArgError("Memcpy", fmt.Sprintf("unsupported src type: %T", src))
	}
	if (dstLen >= 0 && size > dstLen) || (srcLen >= 0 && size > srcLen) {
		return NewInvalidArgError("Memcpy", fmt.Sprintf("copy of %d bytes exceeds region (dst %d, src %d)", size, dstLen, srcLen))
	}

	if dstPtr != nil && srcPtr != nil && size > 0 {
		copy(unsafe.Slice((*byte)(dstPtr), size), unsafe.Slice((*byte)(srcPtr), size))
	}
	return nil
}

// rawRegion returns the base address and byte length of a copy operand.
// A length of -1 means unknown (raw pointers).
func rawRegion(v interface{}) (unsafe.Pointer, int, error) {
	switch d := v.(type) {
	case DevicePtr:
		return d.ptr, d.size, nil
	case unsafe.Pointer:
		return d, -1, nil
	case []byte:
		if len(d) > 0 {
			return unsafe.Pointer(&d[0]), len(d), nil
		}
		return nil, 0, nil
	case []float32:
		if len(d) > 0 {
			return unsafe.Pointer(&d[0]), len(d) * 4, nil
		}
		return nil, 0, nil
	case []float64:
		if len(d) > 0 {
			return unsafe.Pointer(&d[0]), len(d) * 8, nil
		}
		return nil, 0, nil
	case []int32:
		if len(d) > 0 {
			return unsafe.Pointer(&d[0]), len(d) * 4, nil
		}
		return nil, 0, nil
	case []uint64:
		if len(d) > 0 {
			return unsafe.Pointer(&d[0]), len(d) * 8, nil
		}
		return nil, 0, nil
	}
	return nil, 0, fmt.Errorf("unsupported type %T", v)
}

// MemoryPool methods

// Allocate allocates memory from the pool
func (mp *MemoryPool) Allocate(size int) (DevicePtr, error) {
	if size <= 0 {
		return DevicePtr{}, ErrInvalidSize
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	// Round up to alignment
	alignedSize := (size + MemoryAlignment - 1) &^ (MemoryAlignment - 1)

	if mp.limit > 0 && mp.totalAlloc+int64(alignedSize) > mp.limit {
		mp.failures++
		return DevicePtr{}, &GUDAError{
			Type:    ErrTypeMemory,
			Op:      "Malloc",
			Message: "out of memory",
			Context: fmt.Sprintf("requested %d bytes, %d of %d in use", size, mp.totalAlloc, mp.limit),
		}
	}

	// Try to reuse from free list
	for i, alloc := range mp.freeList {
		if alloc.size >= alignedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			mp.track(alloc.size)
			return DevicePtr{ptr: alloc.ptr(), size: size}, nil
		}
	}

	alloc := &allocation{
		buf:  make([]byte, alignedSize),
		size: alignedSize,
		used: true,
	}
	mp.allocated[uintptr(alloc.ptr())] = alloc
	mp.track(alignedSize)

	return DevicePtr{ptr: alloc.ptr(), size: size}, nil
}

// track must be called with mp.mu held.
func (mp *MemoryPool) track(n int) {
	mp.totalAlloc += int64(n)
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}
}

// Free returns memory to the pool
func (mp *MemoryPool) Free(ptr DevicePtr) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	alloc, ok := mp.allocated[uintptr(ptr.ptr)-uintptr(ptr.offset)]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}

	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.totalAlloc -= int64(alloc.size)
	return nil
}

// GetStats returns memory pool statistics
func (mp *MemoryPool) GetStats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// Failures returns how many allocations were refused for lack of memory.
func (mp *MemoryPool) Failures() int64 {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.failures
}

// DevicePtr methods for convenience

// Float32 returns a float32 slice view of the device memory.
// The slice can be used directly for reading and writing data.
//
// Example:
//
//	d_data, _ := guda.Malloc(1024 * 4) // Allocate for 1024 float32s
//	data := d_data.Float32()
//	data[0] = 3.14 // Direct access
func (d DevicePtr) Float32() []float32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float32)(d.ptr), d.size/4)
}

// Float64 returns a float64 slice view of the device memory.
func (d DevicePtr) Float64() []float64 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float64)(d.ptr), d.size/8)
}

// Int32 returns an int32 slice view of the device memory.
func (d DevicePtr) Int32() []int32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*int32)(d.ptr), d.size/4)
}

// Uint64 returns a uint64 slice view of the device memory.
func (d DevicePtr) Uint64() []uint64 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*uint64)(d.ptr), d.size/8)
}

// Byte returns a byte slice view of the device memory.
// The slice covers the entire allocated memory region.
// Useful for raw memory operations or interfacing with I/O.
func (d DevicePtr) Byte() []byte {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(d.ptr), d.size)
}

// Pointer returns the raw device address. Kernels that receive their
// arguments by address dereference it directly.
func (d DevicePtr) Pointer() unsafe.Pointer {
	return d.ptr
}

// Offset returns a new DevicePtr offset by the given number of bytes.
// Useful for accessing sub-regions of allocated memory.
// The returned DevicePtr shares the same underlying memory.
//
// Example:
//
//	d_array, _ := guda.Malloc(1024 * 4) // 1024 float32s
//	d_second_half := d_array.Offset(512 * 4) // Start at element 512
//	data := d_second_half.Float32() // Access second half
func (d DevicePtr) Offset(bytes int) DevicePtr {
	return DevicePtr{
		ptr:    unsafe.Add(d.ptr, bytes),
		size:   d.size - bytes,
		offset: d.offset + bytes,
	}
}

// Size returns the size in bytes of the memory region
func (d DevicePtr) Size() int {
	return d.size
}

// IsNil reports whether d refers to no memory.
func (d DevicePtr) IsNil() bool {
	return d.ptr == nil
}
