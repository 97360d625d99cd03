package guda

import (
	"fmt"
	"runtime"
	"sync"
)

// LaunchGeometry is the grid/block/shared memory shape of one launch.
// It is attached to launch configuration errors.
type LaunchGeometry struct {
	Grid      Dim3
	Block     Dim3
	SharedMem int
}

func (g LaunchGeometry) String() string {
	return fmt.Sprintf("grid=(%d,%d,%d) block=(%d,%d,%d) smem=%d",
		g.Grid.X, g.Grid.Y, g.Grid.Z, g.Block.X, g.Block.Y, g.Block.Z, g.SharedMem)
}

// ValidateGeometry checks a launch shape against the device limits.
func (d *Device) ValidateGeometry(g LaunchGeometry) error {
	var reason string
	switch {
	case g.Block.X <= 0 || g.Block.Y <= 0 || g.Block.Z <= 0:
		reason = "block dimensions must be positive"
	case g.Grid.X < 0 || g.Grid.Y < 0 || g.Grid.Z < 0:
		reason = "grid dimensions must not be negative"
	case g.Block.Size() > d.MaxThreadsPerBlock:
		reason = fmt.Sprintf("block of %d threads exceeds device maximum %d", g.Block.Size(), d.MaxThreadsPerBlock)
	case g.SharedMem < 0:
		reason = "shared memory must not be negative"
	case g.SharedMem > d.SharedMemPerBlock:
		reason = fmt.Sprintf("%d bytes of shared memory exceed device maximum %d", g.SharedMem, d.SharedMemPerBlock)
	default:
		return nil
	}
	return &GUDAError{
		Type:    ErrTypeLaunchConfig,
		Op:      "Launch",
		Message: "invalid launch configuration",
		Err:     fmt.Errorf("%s", reason),
		Context: g,
	}
}

// launchInternal implements the core kernel execution logic
func (ctx *Context) launchInternal(
	kernelFunc func(ThreadID, ...interface{}),
	grid, block Dim3,
	sharedMem int,
	stream *Stream,
	args ...interface{},
) error {
	if ctx.isDestroyed() {
		return ErrContextDestroyed
	}
	if stream == nil {
		stream = ctx.defaultStream
	}

	geometry := LaunchGeometry{Grid: grid, Block: block, SharedMem: sharedMem}
	if err := ctx.device.ValidateGeometry(geometry); err != nil {
		// The device rejects the launch when it reaches the queue; the
		// host only learns about it at the next synchronization.
		return stream.Submit(func() { stream.setError(err) })
	}

	// Calculate total work items
	gridSize := grid.Size()
	blockSize := block.Size()

	// Handle edge case where grid size is zero
	if gridSize == 0 {
		// Submit an empty task to maintain stream ordering
		return stream.Submit(func() {})
	}

	// Determine parallelism strategy
	numWorkers := ctx.workers.Size()
	if gridSize < numWorkers {
		numWorkers = gridSize
	}

	// Cache-aware scheduling: each worker processes multiple blocks
	// to maximize cache reuse
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	return stream.Submit(func() {
		var wg sync.WaitGroup
		wg.Add(numWorkers)

		for workerID := 0; workerID < numWorkers; workerID++ {
			startBlock := workerID * blocksPerWorker
			endBlock := min(startBlock+blocksPerWorker, gridSize)

			ctx.workers.Submit(func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						stream.setError(&GUDAError{
							Type:    ErrTypeExecution,
							Op:      "Kernel",
							Message: "device execution fault",
							Err:     fmt.Errorf("%v", r),
							Context: geometry,
						})
					}
				}()

				var shared []byte
				if sharedMem > 0 {
					shared = make([]byte, sharedMem)
				}

				for blockID := startBlock; blockID < endBlock; blockID++ {
					blockIdx := linearTo3D(blockID, grid)
					if shared != nil {
						clear(shared)
					}

					// Threads of a block run sequentially on one worker
					// This maximizes cache reuse and minimizes synchronization
					for threadID := 0; threadID < blockSize; threadID++ {
						kernelFunc(ThreadID{
							BlockIdx:  blockIdx,
							ThreadIdx: linearTo3D(threadID, block),
							BlockDim:  block,
							GridDim:   grid,
							Shared:    shared,
						}, args...)
					}
				}
			})
		}

		wg.Wait()
	})
}

// linearTo3D converts a linear index to 3D coordinates
func linearTo3D(linear int, dim Dim3) Dim3 {
	z := linear / (dim.X * dim.Y)
	y := (linear % (dim.X * dim.Y)) / dim.X
	x := linear % dim.X
	return Dim3{X: x, Y: y, Z: z}
}

// WorkerPool manages a pool of worker goroutines for kernel execution
type WorkerPool struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	pool := &WorkerPool{
		workers: workers,
		tasks:   make(chan func(), workers*2),
	}

	// Start workers
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}

	return pool
}

// worker processes tasks from the queue
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for task := range wp.tasks {
		task()
	}
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int {
	return wp.workers
}

// Submit adds a task to the pool
func (wp *WorkerPool) Submit(task func()) {
	wp.tasks <- task
}

// Close shuts down the worker pool
func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		close(wp.tasks)
		wp.wg.Wait()
	})
}
