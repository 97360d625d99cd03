// Package guda provides a CUDA-compatible API for CPU execution.
// It models the device runtime a closure launcher needs: device limits,
// compiled function attributes, device memory, ordered streams and a
// diagnostic synchronization hook.
//
// Example usage:
//
//	ctx := guda.NewContext()
//	defer ctx.Destroy()
//
//	// Allocate device memory
//	d_a, _ := ctx.Malloc(n * 4) // n float32s
//	d_b, _ := ctx.Malloc(n * 4)
//
//	// Copy data to device
//	ctx.Memcpy(d_a, h_a, n*4, guda.MemcpyHostToDevice)
//	ctx.Memcpy(d_b, h_b, n*4, guda.MemcpyHostToDevice)
//
//	// Launch kernel
//	grid := guda.Dim3{X: (n + 255) / 256, Y: 1, Z: 1}
//	block := guda.Dim3{X: 256, Y: 1, Z: 1}
//	ctx.LaunchKernel(myKernel, grid, block, 0, nil)
package guda

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Device represents a compute device. In GUDA, this is the CPU with its
// cores and available memory. Each core plays the role of a
// multiprocessor and the SIMD width plays the role of the warp.
type Device struct {
	ID         int    // Unique device identifier
	Name       string // Human-readable device name
	TotalMem   uint64 // Total available memory in bytes
	NumCores   int    // Number of CPU cores
	MaxThreads int    // Maximum concurrent threads

	WarpSize                    int // Scheduling granularity in threads
	MaxThreadsPerBlock          int
	MaxThreadsPerMultiprocessor int
	MaxBlocksPerMultiprocessor  int
	MultiprocessorCount         int
	RegistersPerMultiprocessor  int
	MaxRegistersPerThread       int
	SharedMemPerMultiprocessor  int
	SharedMemPerBlock           int
	RegisterAllocationUnit      int
	SharedMemAllocationUnit     int
	WarpAllocationMultiple      int
}

// NewCPUDevice describes the host CPU as a device.
func NewCPUDevice() *Device {
	cores := runtime.NumCPU()
	return &Device{
		ID:                          0,
		Name:                        "CPU",
		TotalMem:                    getSystemMemory(),
		NumCores:                    cores,
		MaxThreads:                  cores * 2, // Hyperthreading
		WarpSize:                    Features().SIMDWidth(),
		MaxThreadsPerBlock:          MaxThreadsPerBlock,
		MaxThreadsPerMultiprocessor: MaxThreadsPerMultiprocessor,
		MaxBlocksPerMultiprocessor:  MaxBlocksPerMultiprocessor,
		MultiprocessorCount:         cores,
		RegistersPerMultiprocessor:  RegistersPerMultiprocessor,
		MaxRegistersPerThread:       MaxRegistersPerThread,
		SharedMemPerMultiprocessor:  SharedMemPerMultiprocessor,
		SharedMemPerBlock:           SharedMemPerBlock,
		RegisterAllocationUnit:      RegisterAllocationUnit,
		SharedMemAllocationUnit:     SharedMemAllocationUnit,
		WarpAllocationMultiple:      WarpAllocationMultiple,
	}
}

// Context represents an execution context for GUDA operations.
// It manages device resources, memory allocation, and stream execution.
// A Context must be created before any GUDA operations and should be
// destroyed when no longer needed.
type Context struct {
	device        *Device
	config        Config
	mu            sync.Mutex
	streams       map[int]*Stream
	streamID      int32
	memory        *MemoryPool
	defaultStream *Stream
	workers       *WorkerPool
	functions     *functionTable
	attached      sync.Map
	destroyed     atomic.Bool
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithConfig replaces the context configuration.
func WithConfig(cfg Config) ContextOption {
	return func(ctx *Context) { ctx.config = cfg }
}

// WithDevice runs the context on dev instead of the host CPU description.
func WithDevice(dev *Device) ContextOption {
	return func(ctx *Context) { ctx.device = dev }
}

// WithMemoryLimit caps the device memory the context may hold at once.
func WithMemoryLimit(bytes int64) ContextOption {
	return func(ctx *Context) { ctx.config.MemoryLimit = bytes }
}

// WithDebugSync turns the diagnostic synchronization hook on or off.
func WithDebugSync(enabled bool) ContextOption {
	return func(ctx *Context) { ctx.config.DebugSync = enabled }
}

// Stream represents an ordered sequence of operations that execute
// asynchronously. Operations within a stream execute in order, but
// operations in different streams may execute concurrently.
//
// A fault raised by a task is kept as the stream's latent error until the
// next Synchronize reports it.
type Stream struct {
	id        int
	tasks     chan func()
	done      chan struct{}
	wg        sync.WaitGroup
	submitted atomic.Int64

	closeMu sync.RWMutex
	closed  bool

	errMu sync.Mutex
	err   error
}

// Dim3 represents 3D dimensions for grid and block configurations.
// This matches CUDA's dim3 structure for kernel launch parameters.
type Dim3 struct {
	X, Y, Z int
}

// ThreadID identifies a thread's position within the execution hierarchy.
// It provides the same indexing semantics as CUDA's built-in variables:
// blockIdx, threadIdx, blockDim, and gridDim. Shared is the block's
// dynamic shared memory; it is nil when the launch requested none.
type ThreadID struct {
	BlockIdx  Dim3 // Block index within the grid
	ThreadIdx Dim3 // Thread index within the block
	BlockDim  Dim3 // Dimensions of the block
	GridDim   Dim3 // Dimensions of the grid
	Shared    []byte
}

// Kernel represents a compute kernel that can be executed in parallel.
// Implementations should be thread-safe as Execute will be called
// concurrently from multiple threads.
type Kernel interface {
	Execute(tid ThreadID, args ...interface{})
}

// KernelFunc is a function that can be launched as a kernel.
// It receives thread identification and variadic arguments.
type KernelFunc func(tid ThreadID, args ...interface{})

// DevicePtr represents a pointer to device memory. It provides type-safe
// access to device memory and supports pointer arithmetic through the
// Offset method. Use the type conversion methods (Float32, Float64, etc.)
// to access the underlying data with proper type safety.
type DevicePtr struct {
	ptr    unsafe.Pointer
	size   int
	offset int
}

// Global runtime state
var (
	defaultContext *Context
	initOnce       sync.Once
)

// Initialize GUDA runtime
func init() {
	initOnce.Do(func() {
		defaultContext = NewContext(WithConfig(LoadConfig()))
	})
}

// NewContext creates a context on the host CPU device configured from
// DefaultConfig and the given options.
func NewContext(opts ...ContextOption) *Context {
	ctx := &Context{
		config:    DefaultConfig(),
		streams:   make(map[int]*Stream),
		functions: newFunctionTable(),
	}
	for _, opt := range opts {
		opt(ctx)
	}
	if ctx.device == nil {
		ctx.device = NewCPUDevice()
	}

	limit := ctx.config.MemoryLimit
	if limit <= 0 {
		limit = int64(ctx.device.TotalMem)
	}
	ctx.memory = NewMemoryPool(limit)
	ctx.workers = NewWorkerPool(ctx.config.Workers)

	// Create default stream
	ctx.defaultStream = ctx.CreateStream()
	return ctx
}

// Default returns the process-wide context used by the package-level
// functions.
func Default() *Context {
	return defaultContext
}

// Malloc allocates device memory of the specified size in bytes.
// In GUDA, this allocates CPU memory with proper alignment for SIMD operations.
// The returned DevicePtr can be used with all GUDA operations.
//
// Example:
//
//	d_data, err := guda.Malloc(1024 * 4) // Allocate 1024 float32s
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer guda.Free(d_data)
func Malloc(size int) (DevicePtr, error) {
	return defaultContext.Malloc(size)
}

// Free releases device memory allocated by Malloc.
// It is safe to call Free with a zero-value DevicePtr.
func Free(ptr DevicePtr) error {
	return defaultContext.Free(ptr)
}

// Memcpy copies memory between host and device.
// In GUDA's unified memory model, this is a simple copy.
// Supports various Go slice types ([]float32, []float64, []int32, etc.).
func Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	return defaultContext.Memcpy(dst, src, size, kind)
}

// Launch executes a kernel on the default stream.
// The kernel is executed across a grid of thread blocks.
//
// Example:
//
//	kernel := MyKernel{}
//	err := guda.Launch(kernel, guda.Dim3{X: 256, Y: 1, Z: 1}, guda.Dim3{X: 64, Y: 1, Z: 1})
func Launch(kernel Kernel, grid, block Dim3, args ...interface{}) error {
	return defaultContext.Launch(kernel, grid, block, args...)
}

// LaunchFunc executes a kernel function
func LaunchFunc(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	return defaultContext.LaunchFunc(fn, grid, block, args...)
}

// Synchronize waits for all operations on all streams to complete and
// returns any latent fault they recorded.
//
// Example:
//
//	guda.Launch(kernel, grid, block)
//	err := guda.Synchronize() // Wait for kernel to complete
func Synchronize() error {
	return defaultContext.Synchronize()
}

// GetDevice returns the current device information.
func GetDevice() *Device {
	return defaultContext.device
}

// SetDevice sets the active device (no-op for CPU)
func SetDevice(id int) error {
	if id != 0 {
		return ErrInvalidDevice
	}
	return nil
}

// GetDeviceCount returns the number of available devices.
// GUDA always returns 1 as it only supports CPU execution.
func GetDeviceCount() int {
	return 1 // Only CPU
}

// GetDeviceProperties returns device properties
func GetDeviceProperties(id int) (*Device, error) {
	if id != 0 {
		return nil, NewInvalidArgError("GetDeviceProperties", fmt.Sprintf("invalid device ID: %d", id))
	}
	return defaultContext.device, nil
}

// Context methods

// Device returns the device the context runs on.
func (ctx *Context) Device() *Device {
	return ctx.device
}

// Config returns the context configuration.
func (ctx *Context) Config() Config {
	return ctx.config
}

// Memory returns the context's device memory pool.
func (ctx *Context) Memory() *MemoryPool {
	return ctx.memory
}

// DefaultStream returns the stream used when no stream is given.
func (ctx *Context) DefaultStream() *Stream {
	return ctx.defaultStream
}

// CreateStream creates a new execution stream
func (ctx *Context) CreateStream() *Stream {
	id := int(atomic.AddInt32(&ctx.streamID, 1))
	stream := &Stream{
		id:    id,
		tasks: make(chan func(), 1000),
		done:  make(chan struct{}),
	}

	// Start worker goroutine for stream
	go stream.worker()

	ctx.mu.Lock()
	ctx.streams[id] = stream
	ctx.mu.Unlock()
	return stream
}

// Launch executes a kernel on the default stream
func (ctx *Context) Launch(kernel Kernel, grid, block Dim3, args ...interface{}) error {
	return ctx.LaunchStream(kernel, grid, block, ctx.defaultStream, args...)
}

// LaunchFunc executes a kernel function on the default stream
func (ctx *Context) LaunchFunc(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	return ctx.LaunchFuncStream(fn, grid, block, ctx.defaultStream, args...)
}

// LaunchStream executes a kernel on a specific stream
func (ctx *Context) LaunchStream(kernel Kernel, grid, block Dim3, stream *Stream, args ...interface{}) error {
	return ctx.launchInternal(kernel.Execute, grid, block, 0, stream, args...)
}

// LaunchFuncStream executes a kernel function on a specific stream
func (ctx *Context) LaunchFuncStream(fn KernelFunc, grid, block Dim3, stream *Stream, args ...interface{}) error {
	return ctx.launchInternal(fn, grid, block, 0, stream, args...)
}

// LaunchKernel executes a kernel function with sharedMem bytes of dynamic
// shared memory per block. A nil stream selects the default stream.
//
// Like a CUDA launch, LaunchKernel only reports errors that prevent
// submission. Geometry the device cannot run is reported by the next
// Synchronize.
func (ctx *Context) LaunchKernel(fn KernelFunc, grid, block Dim3, sharedMem int, stream *Stream, args ...interface{}) error {
	return ctx.launchInternal(fn, grid, block, sharedMem, stream, args...)
}

// Synchronize waits for all streams to complete
func (ctx *Context) Synchronize() error {
	ctx.mu.Lock()
	streams := make([]*Stream, 0, len(ctx.streams))
	for _, stream := range ctx.streams {
		streams = append(streams, stream)
	}
	ctx.mu.Unlock()

	var errs []error
	for _, stream := range streams {
		if err := stream.Synchronize(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroy waits for outstanding work, then releases the streams and
// workers of the context. The context must not be used afterwards.
func (ctx *Context) Destroy() error {
	if !ctx.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	err := ctx.Synchronize()

	ctx.mu.Lock()
	for id, stream := range ctx.streams {
		stream.close()
		delete(ctx.streams, id)
	}
	ctx.mu.Unlock()

	ctx.workers.Close()
	ctx.attached.Clear()
	return err
}

// Attached returns the value stored on the context under key, storing the
// result of create on first use. Sub-packages keep per-context state here so
// that it lives and dies with the context. Destroy drops every value.
func (ctx *Context) Attached(key any, create func() any) any {
	if v, ok := ctx.attached.Load(key); ok {
		return v
	}
	v, _ := ctx.attached.LoadOrStore(key, create())
	return v
}

// Detach drops the value stored under key.
func (ctx *Context) Detach(key any) {
	ctx.attached.Delete(key)
}

func (ctx *Context) isDestroyed() bool {
	return ctx.destroyed.Load()
}

// Stream methods

// worker processes tasks for a stream
func (s *Stream) worker() {
	for task := range s.tasks {
		task()
		s.wg.Done()
	}
	close(s.done)
}

// Synchronize waits for all tasks in the stream to complete and returns,
// then clears, the stream's latent error.
func (s *Stream) Synchronize() error {
	s.wg.Wait()

	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Submit adds a task to the stream
func (s *Stream) Submit(task func()) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrContextDestroyed
	}
	s.wg.Add(1)
	s.submitted.Add(1)
	s.tasks <- task
	return nil
}

// Submitted returns the number of tasks ever accepted by the stream.
func (s *Stream) Submitted() int64 {
	return s.submitted.Load()
}

// ID returns the stream identifier.
func (s *Stream) ID() int {
	return s.id
}

// setError records err unless an earlier fault is still pending.
func (s *Stream) setError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.tasks)
	<-s.done
}

// Helper functions

// Global returns the global thread index
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalX returns the global X index
func (tid ThreadID) GlobalX() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalY returns the global Y index
func (tid ThreadID) GlobalY() int {
	return tid.BlockIdx.Y*tid.BlockDim.Y + tid.ThreadIdx.Y
}

// GlobalZ returns the global Z index
func (tid ThreadID) GlobalZ() int {
	return tid.BlockIdx.Z*tid.BlockDim.Z + tid.ThreadIdx.Z
}

// GridStride returns the number of threads in the whole grid along X,
// the step of a grid-stride loop.
func (tid ThreadID) GridStride() int {
	return tid.GridDim.X * tid.BlockDim.X
}

// Size returns the total number of elements
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// Linear returns a Dim3 of n along X.
func Linear(n int) Dim3 {
	return Dim3{X: n, Y: 1, Z: 1}
}

// Implement KernelFunc as Kernel
func (fn KernelFunc) Execute(tid ThreadID, args ...interface{}) {
	fn(tid, args...)
}
