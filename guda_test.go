package guda

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
)

// Test basic memory allocation and deallocation
func TestMemoryAllocation(t *testing.T) {
	sizes := []int{100, 1000, 10000, 1000000}

	for _, size := range sizes {
		ptr, err := Malloc(size * 4)
		if err != nil {
			t.Fatalf("Failed to allocate %d bytes: %v", size*4, err)
		}

		// Verify we can access the memory
		slice := ptr.Float32()
		if len(slice) != size {
			t.Errorf("Expected slice length %d, got %d", size, len(slice))
		}

		// Write and read test
		for i := 0; i < min(100, size); i++ {
			slice[i] = float32(i)
		}

		for i := 0; i < min(100, size); i++ {
			if slice[i] != float32(i) {
				t.Errorf("Memory corruption at index %d", i)
			}
		}

		err = Free(ptr)
		if err != nil {
			t.Fatalf("Failed to free memory: %v", err)
		}
	}
}

// Test memory copy operations
func TestMemcpy(t *testing.T) {
	const N = 1000
	ctx := newTestContext(t)

	// Create host data
	h_src := make([]float32, N)
	h_dst := make([]float32, N)
	for i := 0; i < N; i++ {
		h_src[i] = rand.Float32()
	}

	d_src := MallocOrFail(t, ctx, N*4)
	d_dst := MallocOrFail(t, ctx, N*4)
	defer ctx.Free(d_src)
	defer ctx.Free(d_dst)

	MemcpyOrFail(t, ctx, d_src, h_src, N*4, MemcpyHostToDevice)
	MemcpyOrFail(t, ctx, d_dst, d_src, N*4, MemcpyDeviceToDevice)
	MemcpyOrFail(t, ctx, h_dst, d_dst, N*4, MemcpyDeviceToHost)

	// Verify data
	for i := 0; i < N; i++ {
		if math.Abs(float64(h_src[i]-h_dst[i])) > 1e-6 {
			t.Errorf("Data mismatch at index %d: %f vs %f", i, h_src[i], h_dst[i])
		}
	}

	// Copies past either region are rejected
	if err := ctx.Memcpy(h_dst, d_src, N*4+4, MemcpyDeviceToHost); !IsInvalidArgError(err) {
		t.Errorf("Expected invalid argument error for oversized copy, got %v", err)
	}
	if err := ctx.Memcpy(h_dst, "not memory", 4, MemcpyDefault); !IsInvalidArgError(err) {
		t.Errorf("Expected invalid argument error for unsupported type, got %v", err)
	}
}

// Test basic kernel launch
func TestKernelLaunch(t *testing.T) {
	const N = 10000

	d_data, _ := Malloc(N * 4)
	defer Free(d_data)

	slice := d_data.Float32()
	for i := 0; i < N; i++ {
		slice[i] = 0
	}

	// Launch kernel to set values
	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) {
		idx := tid.Global()
		if idx < N {
			slice[idx] = float32(idx)
		}
	})

	err := Launch(kernel, Dim3{X: (N + 255) / 256, Y: 1, Z: 1}, Dim3{X: 256, Y: 1, Z: 1})
	if err != nil {
		t.Fatalf("Kernel launch failed: %v", err)
	}

	err = Synchronize()
	if err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	for i := 0; i < N; i++ {
		if slice[i] != float32(i) {
			t.Errorf("Incorrect value at index %d: expected %f, got %f", i, float32(i), slice[i])
		}
	}
}

// Test kernel arguments and grid-stride loops
func TestKernelArgs(t *testing.T) {
	const N = 4096
	ctx := newTestContext(t)

	d_x := MallocOrFail(t, ctx, N*4)
	x := d_x.Float32()
	for i := range x {
		x[i] = float32(i)
	}

	// 4 blocks of 32 threads cover N by striding
	LaunchOrFail(t, ctx, func(tid ThreadID, args ...interface{}) {
		alpha := args[0].(float32)
		data := args[1].(DevicePtr).Float32()
		for i := tid.Global(); i < len(data); i += tid.GridStride() {
			data[i] *= alpha
		}
	}, Linear(4), Linear(32), float32(2), d_x)
	SynchronizeOrFail(t, ctx)

	for i, v := range x {
		if v != float32(2*i) {
			t.Fatalf("x[%d] = %f, want %f", i, v, float32(2*i))
		}
	}
}

// Test 3D thread indexing covers every thread exactly once
func TestThreadIndexing3D(t *testing.T) {
	ctx := newTestContext(t)
	grid := Dim3{X: 2, Y: 3, Z: 2}
	block := Dim3{X: 4, Y: 2, Z: 2}
	total := grid.Size() * block.Size()
	seen := make([]int32, total)

	LaunchOrFail(t, ctx, func(tid ThreadID, args ...interface{}) {
		blockLinear := (tid.BlockIdx.Z*grid.Y+tid.BlockIdx.Y)*grid.X + tid.BlockIdx.X
		threadLinear := (tid.ThreadIdx.Z*block.Y+tid.ThreadIdx.Y)*block.X + tid.ThreadIdx.X
		atomic.AddInt32(&seen[blockLinear*block.Size()+threadLinear], 1)
	}, grid, block)
	SynchronizeOrFail(t, ctx)

	for i, n := range seen {
		if n != 1 {
			t.Fatalf("Thread %d ran %d times", i, n)
		}
	}
}

// Test per-block shared memory is sized and cleared for every block
func TestSharedMemory(t *testing.T) {
	const blocks, threads, smem = 16, 8, 64
	ctx := newTestContext(t)
	out := make([]int32, blocks*threads)

	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) {
		if len(tid.Shared) != smem {
			out[tid.Global()] = -1
			return
		}
		tid.Shared[tid.ThreadIdx.X]++
		out[tid.Global()] = int32(tid.Shared[tid.ThreadIdx.X])
	})
	if err := ctx.LaunchKernel(kernel, Linear(blocks), Linear(threads), smem, nil); err != nil {
		t.Fatalf("LaunchKernel failed: %v", err)
	}
	SynchronizeOrFail(t, ctx)

	for i, v := range out {
		if v != 1 {
			t.Fatalf("Thread %d saw shared value %d, want 1", i, v)
		}
	}
}

// Test tasks on one stream run in submission order
func TestStreamOrdering(t *testing.T) {
	ctx := newTestContext(t)
	stream := ctx.CreateStream()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		if err := stream.Submit(func() { order = append(order, i) }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("Task %d ran at position %d", v, i)
		}
	}
	if stream.Submitted() != 100 {
		t.Errorf("Submitted() = %d, want 100", stream.Submitted())
	}
}

// Test a panicking kernel becomes a latent execution fault
func TestLatentExecutionFault(t *testing.T) {
	ctx := newTestContext(t)

	err := ctx.LaunchFunc(func(tid ThreadID, args ...interface{}) {
		if tid.Global() == 5 {
			panic("illegal address")
		}
	}, Linear(4), Linear(8))
	if err != nil {
		t.Fatalf("Launch should succeed, got %v", err)
	}

	err = ctx.Synchronize()
	if !errors.Is(err, ErrDeviceExecutionFault) {
		t.Fatalf("Expected device execution fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "illegal address") {
		t.Errorf("Fault should carry the panic value, got %v", err)
	}

	// The fault is reported once
	if err := ctx.Synchronize(); err != nil {
		t.Errorf("Second Synchronize returned %v", err)
	}
}

// Test invalid geometry is accepted by the launch and reported later
func TestInvalidGeometryIsLatent(t *testing.T) {
	ctx := newTestContext(t)
	var ran atomic.Bool
	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) { ran.Store(true) })

	tests := []struct {
		name      string
		grid      Dim3
		block     Dim3
		sharedMem int
	}{
		{"block too large", Linear(1), Linear(MaxThreadsPerBlock * 2), 0},
		{"zero block", Linear(1), Dim3{X: 0, Y: 1, Z: 1}, 0},
		{"negative grid", Dim3{X: -1, Y: 1, Z: 1}, Linear(32), 0},
		{"shared memory too large", Linear(1), Linear(32), SharedMemPerBlock + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ctx.LaunchKernel(kernel, tt.grid, tt.block, tt.sharedMem, nil); err != nil {
				t.Fatalf("LaunchKernel returned %v", err)
			}
			err := ctx.Synchronize()
			if !errors.Is(err, ErrInvalidLaunchConfiguration) {
				t.Errorf("Expected invalid launch configuration, got %v", err)
			}
		})
	}

	if ran.Load() {
		t.Error("Kernel ran with invalid geometry")
	}
}

// Test the memory limit of a context
func TestMemoryLimit(t *testing.T) {
	ctx := newTestContext(t, WithMemoryLimit(1024))

	_, err := ctx.Malloc(2048)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Expected out of memory, got %v", err)
	}
	if ctx.Memory().Failures() != 1 {
		t.Errorf("Failures() = %d, want 1", ctx.Memory().Failures())
	}

	ptr, err := ctx.Malloc(512)
	if err != nil {
		t.Fatalf("Allocation within the limit failed: %v", err)
	}
	if _, err := ctx.Malloc(1024); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Expected out of memory past the limit, got %v", err)
	}

	ctx.Free(ptr)
	if _, err := ctx.Malloc(1024); err != nil {
		t.Errorf("Allocation after free failed: %v", err)
	}
}

// Test FreeAsync releases memory only after earlier work on the stream
func TestFreeAsync(t *testing.T) {
	ctx := newTestContext(t)
	stream := ctx.CreateStream()

	ptr := MallocOrFail(t, ctx, 256)
	data := ptr.Int32()
	release := make(chan struct{})

	if err := stream.Submit(func() {
		<-release
		data[0] = 42
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := ctx.FreeAsync(ptr, stream); err != nil {
		t.Fatalf("FreeAsync failed: %v", err)
	}

	if allocated, _ := ctx.Memory().GetStats(); allocated == 0 {
		t.Error("Memory released before earlier work finished")
	}
	close(release)
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if allocated, _ := ctx.Memory().GetStats(); allocated != 0 {
		t.Errorf("Allocated = %d after FreeAsync, want 0", allocated)
	}

	// A zero pointer submits nothing
	before := ctx.DefaultStream().Submitted()
	if err := ctx.FreeAsync(DevicePtr{}, nil); err != nil {
		t.Errorf("FreeAsync of zero pointer returned %v", err)
	}
	if ctx.DefaultStream().Submitted() != before {
		t.Error("FreeAsync of zero pointer submitted a task")
	}
}

// Test the function attribute registry
func TestFunctionAttributes(t *testing.T) {
	ctx := newTestContext(t)

	first := FuncAttributes{NumRegs: 32, SharedSizeBytes: 1024}
	if got := ctx.RegisterFunction("saxpy", first); got != first {
		t.Errorf("RegisterFunction() = %+v, want %+v", got, first)
	}
	if got := ctx.RegisterFunction("saxpy", FuncAttributes{NumRegs: 8}); got != first {
		t.Errorf("Second registration replaced attributes: %+v", got)
	}

	attrs, err := ctx.FuncGetAttributes("saxpy")
	if err != nil {
		t.Fatalf("FuncGetAttributes failed: %v", err)
	}
	if attrs != first {
		t.Errorf("FuncGetAttributes() = %+v, want %+v", attrs, first)
	}

	if _, err := ctx.FuncGetAttributes("missing"); !IsInvalidArgError(err) {
		t.Errorf("Expected invalid argument error, got %v", err)
	}
}

// Test the diagnostic synchronization hook
func TestSynchronizeIfEnabled(t *testing.T) {
	fault := KernelFunc(func(tid ThreadID, args ...interface{}) { panic("boom") })

	t.Run("disabled", func(t *testing.T) {
		ctx := newTestContext(t)
		LaunchOrFail(t, ctx, fault, Linear(1), Linear(1))
		if err := ctx.SynchronizeIfEnabled("launch"); err != nil {
			t.Errorf("Disabled hook returned %v", err)
		}
		if err := ctx.Synchronize(); !IsExecutionError(err) {
			t.Errorf("Fault should stay latent, got %v", err)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		ctx := newTestContext(t, WithDebugSync(true))
		if err := ctx.SynchronizeIfEnabled("idle"); err != nil {
			t.Errorf("Hook on idle context returned %v", err)
		}

		LaunchOrFail(t, ctx, fault, Linear(1), Linear(1))
		err := ctx.SynchronizeIfEnabled("launch_closure_by_value")
		if !errors.Is(err, ErrDeviceExecutionFault) {
			t.Fatalf("Expected device execution fault, got %v", err)
		}
		if !strings.HasPrefix(err.Error(), "launch_closure_by_value: ") {
			t.Errorf("Error not tagged with label: %v", err)
		}
	})
}

// Test a destroyed context refuses work
func TestDestroyedContext(t *testing.T) {
	ctx := NewContext(WithConfig(Config{Workers: 1}))
	if err := ctx.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := ctx.Destroy(); err != nil {
		t.Errorf("Second Destroy returned %v", err)
	}

	if _, err := ctx.Malloc(16); !errors.Is(err, ErrContextDestroyed) {
		t.Errorf("Malloc after Destroy returned %v", err)
	}
	err := ctx.LaunchFunc(func(ThreadID, ...interface{}) {}, Linear(1), Linear(1))
	if !errors.Is(err, ErrContextDestroyed) {
		t.Errorf("Launch after Destroy returned %v", err)
	}
}

// Test values attached to a context are created once and dropped by Destroy
func TestAttached(t *testing.T) {
	type key struct{}
	ctx := NewContext(WithConfig(Config{Workers: 1}))

	calls := 0
	create := func() any { calls++; return new(int) }
	a := ctx.Attached(key{}, create)
	if b := ctx.Attached(key{}, create); a != b {
		t.Errorf("Attached returned a new value for the same key")
	}
	if calls != 1 {
		t.Errorf("create ran %d times, want 1", calls)
	}

	ctx.Detach(key{})
	if c := ctx.Attached(key{}, create); c == a {
		t.Errorf("Attached returned the detached value")
	}

	if err := ctx.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, ok := ctx.attached.Load(key{}); ok {
		t.Errorf("Destroy kept an attached value")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvDebugSync, "true")
	t.Setenv(EnvVerbose, "1")
	t.Setenv(EnvMemoryLimit, "4096")
	t.Setenv(EnvWorkers, "3")

	want := Config{DebugSync: true, Verbose: true, MemoryLimit: 4096, Workers: 3}
	if got := LoadConfig(); got != want {
		t.Errorf("LoadConfig() = %+v, want %+v", got, want)
	}

	t.Setenv(EnvDebugSync, "maybe")
	t.Setenv(EnvWorkers, "-2")
	t.Setenv(EnvMemoryLimit, "lots")
	got := LoadConfig()
	if got.DebugSync || got.MemoryLimit != 0 || got.Workers != runtime.NumCPU() {
		t.Errorf("Invalid values should be ignored, got %+v", got)
	}
}

func TestVerboseLogging(t *testing.T) {
	old := Logger()
	defer SetLogger(old)

	var buf bytes.Buffer
	SetLogger(log.New(&buf, "", 0))

	quiet := newTestContext(t)
	quiet.Logf("quiet %d", 1)
	if buf.Len() != 0 {
		t.Errorf("Quiet context logged %q", buf.String())
	}

	verbose := newTestContext(t, WithConfig(Config{Verbose: true, Workers: 1}))
	verbose.Logf("launch %d", 2)
	if !strings.Contains(buf.String(), "launch 2") {
		t.Errorf("Verbose context did not log, got %q", buf.String())
	}

	SetLogger(nil)
	verbose.Logf("dropped")
	if strings.Contains(buf.String(), "dropped") {
		t.Error("Nil logger should discard output")
	}
}

func TestDeviceProperties(t *testing.T) {
	dev, err := GetDeviceProperties(0)
	if err != nil {
		t.Fatalf("GetDeviceProperties(0) failed: %v", err)
	}
	if dev.WarpSize != Features().SIMDWidth() {
		t.Errorf("WarpSize = %d, want SIMD width %d", dev.WarpSize, Features().SIMDWidth())
	}
	if dev.MultiprocessorCount != runtime.NumCPU() {
		t.Errorf("MultiprocessorCount = %d, want %d", dev.MultiprocessorCount, runtime.NumCPU())
	}
	if dev.TotalMem == 0 {
		t.Error("TotalMem should be positive")
	}
	if MaxThreadsPerBlock%dev.WarpSize != 0 {
		t.Errorf("Block limit %d is not a multiple of the warp %d", MaxThreadsPerBlock, dev.WarpSize)
	}

	if _, err := GetDeviceProperties(1); !IsInvalidArgError(err) {
		t.Errorf("Expected invalid argument error, got %v", err)
	}
	if GetCPUInfo() == "" {
		t.Error("GetCPUInfo() returned empty string")
	}
}

// Test error conditions
func TestErrorHandling(t *testing.T) {
	ptr, _ := Malloc(100)
	err := Free(ptr)
	if err != nil {
		t.Fatalf("First free failed: %v", err)
	}

	err = Free(ptr)
	if !errors.Is(err, ErrDoubleFree) {
		t.Errorf("Double free should have failed, got %v", err)
	}

	if _, err := Malloc(0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Malloc(0) returned %v", err)
	}

	err = SetDevice(1)
	if err == nil {
		t.Error("SetDevice(1) should have failed")
	}

	count := GetDeviceCount()
	if count != 1 {
		t.Errorf("Expected 1 device, got %d", count)
	}
}

// Test memory pool statistics
func TestMemoryPoolStats(t *testing.T) {
	ctx := newTestContext(t)
	allocated1, _ := ctx.Memory().GetStats()

	ptrs := make([]DevicePtr, 10)
	for i := range ptrs {
		ptrs[i] = MallocOrFail(t, ctx, 1024*1024) // 1MB each
	}

	allocated2, peak2 := ctx.Memory().GetStats()
	if allocated2 <= allocated1 {
		t.Error("Allocated memory should have increased")
	}
	if peak2 < allocated2 {
		t.Error("Peak should be at least current allocation")
	}

	for i := 0; i < 5; i++ {
		ctx.Free(ptrs[i])
	}

	// Check allocated decreased but peak unchanged
	allocated3, peak3 := ctx.Memory().GetStats()
	if allocated3 >= allocated2 {
		t.Error("Allocated memory should have decreased")
	}
	if peak3 != peak2 {
		t.Error("Peak should not have changed")
	}

	// Offsets free their whole allocation
	for i := 5; i < 10; i++ {
		if err := ctx.Free(ptrs[i].Offset(128)); err != nil {
			t.Errorf("Free of offset pointer failed: %v", err)
		}
	}
	if allocated, _ := ctx.Memory().GetStats(); allocated != allocated1 {
		t.Errorf("Allocated = %d after freeing everything, want %d", allocated, allocated1)
	}
}

// Benchmark kernel launch overhead
func BenchmarkLaunch(b *testing.B) {
	ctx := newTestContext(b)
	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) {})

	for _, blocks := range []int{1, 64, 1024} {
		b.Run(fmt.Sprintf("Blocks_%d", blocks), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				ctx.LaunchFunc(kernel, Linear(blocks), Linear(256))
				ctx.Synchronize()
			}
		})
	}
}
