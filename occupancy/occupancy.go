// Package occupancy derives launch shapes that keep a device busy.
//
// All functions are pure: they evaluate the occupancy model of a device
// (DeviceLimits) for one compiled entry point (KernelFootprint). The
// model follows the CUDA occupancy calculator: a multiprocessor hosts as
// many blocks as its register file, its shared memory, its thread slots
// and its block slots allow, whichever runs out first.
package occupancy

import (
	"fmt"

	guda "github.com/LynnColeArt/guda-launch"
)

// DeviceLimits are the per-device inputs of the occupancy model.
type DeviceLimits struct {
	WarpSize                    int // Scheduling granularity in threads
	MaxThreadsPerBlock          int
	MaxThreadsPerMultiprocessor int
	MaxBlocksPerMultiprocessor  int
	MultiprocessorCount         int
	RegistersPerMultiprocessor  int
	SharedMemPerMultiprocessor  int
	SharedMemPerBlock           int // Zero means bounded only by SharedMemPerMultiprocessor

	// Allocation granularities; zero or one means none
	RegisterAllocationUnit  int
	SharedMemAllocationUnit int
	WarpAllocationMultiple  int
}

// Validate reports limits the model cannot work with.
func (l DeviceLimits) Validate() error {
	switch {
	case l.WarpSize <= 0:
		return guda.NewInvalidArgError("DeviceLimits", "warp size must be positive")
	case l.MaxThreadsPerBlock < l.WarpSize:
		return guda.NewInvalidArgError("DeviceLimits", fmt.Sprintf("max threads per block %d below warp size %d", l.MaxThreadsPerBlock, l.WarpSize))
	case l.MaxThreadsPerMultiprocessor <= 0, l.MaxBlocksPerMultiprocessor <= 0, l.MultiprocessorCount <= 0:
		return guda.NewInvalidArgError("DeviceLimits", "multiprocessor limits must be positive")
	case l.RegistersPerMultiprocessor < 0, l.SharedMemPerMultiprocessor < 0, l.SharedMemPerBlock < 0:
		return guda.NewInvalidArgError("DeviceLimits", "resource limits must not be negative")
	}
	return nil
}

// KernelFootprint is the resource usage of one compiled entry point.
type KernelFootprint struct {
	RegistersPerThread int
	StaticSharedMem    int // Bytes per block
	MaxThreadsPerBlock int // Zero means the device limit applies
}

// Config is a launch configuration.
type Config struct {
	NumBlocks      int
	BlockSize      int
	SharedMemBytes int
}

// Grid returns the grid dimensions of c.
func (c Config) Grid() guda.Dim3 { return guda.Linear(c.NumBlocks) }

// Block returns the block dimensions of c.
func (c Config) Block() guda.Dim3 { return guda.Linear(c.BlockSize) }

// Threads returns the number of invocations c launches.
func (c Config) Threads() uint64 { return uint64(c.NumBlocks) * uint64(c.BlockSize) }

func (c Config) String() string {
	return fmt.Sprintf("%d blocks x %d threads, %d B shared", c.NumBlocks, c.BlockSize, c.SharedMemBytes)
}

// Validate checks c against the device limits and the footprint.
func (c Config) Validate(l DeviceLimits, fp KernelFootprint) error {
	maxThreads := blockLimit(l, fp)
	var reason string
	switch {
	case c.NumBlocks <= 0:
		reason = "block count must be positive"
	case c.BlockSize <= 0:
		reason = "block size must be positive"
	case c.BlockSize > maxThreads:
		reason = fmt.Sprintf("block size %d exceeds maximum %d", c.BlockSize, maxThreads)
	case c.SharedMemBytes < 0:
		reason = "shared memory must not be negative"
	case l.SharedMemPerBlock > 0 && fp.StaticSharedMem+c.SharedMemBytes > l.SharedMemPerBlock:
		reason = fmt.Sprintf("%d bytes of shared memory exceed per-block maximum %d", fp.StaticSharedMem+c.SharedMemBytes, l.SharedMemPerBlock)
	default:
		return nil
	}
	return configError("Config.Validate", reason, c)
}

// Size is any integer type a problem size or block size may be given in.
type Size interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

func configError(op, reason string, context interface{}) error {
	return &guda.GUDAError{
		Type:    guda.ErrTypeLaunchConfig,
		Op:      op,
		Message: "invalid launch configuration",
		Err:     fmt.Errorf("%s", reason),
		Context: context,
	}
}

func blockLimit(l DeviceLimits, fp KernelFootprint) int {
	if fp.MaxThreadsPerBlock > 0 && fp.MaxThreadsPerBlock < l.MaxThreadsPerBlock {
		return fp.MaxThreadsPerBlock
	}
	return l.MaxThreadsPerBlock
}

func divideRoundUp(x, y int) int {
	return (x + y - 1) / y
}

func roundUp(x, unit int) int {
	if unit <= 1 {
		return x
	}
	return divideRoundUp(x, unit) * unit
}

// MaxActiveBlocksPerMultiprocessor returns how many blocks of blockSize
// threads, each using dynamicSmem bytes of dynamic shared memory, one
// multiprocessor can hold at the same time. It is zero when a single
// block does not fit.
func MaxActiveBlocksPerMultiprocessor(l DeviceLimits, fp KernelFootprint, blockSize, dynamicSmem int) int {
	if blockSize <= 0 || blockSize > blockLimit(l, fp) || l.WarpSize <= 0 || dynamicSmem < 0 {
		return 0
	}

	// Warps are allocated in groups, registers and shared memory in units
	warps := roundUp(divideRoundUp(blockSize, l.WarpSize), l.WarpAllocationMultiple)
	regsPerBlock := roundUp(fp.RegistersPerThread*l.WarpSize*warps, l.RegisterAllocationUnit)

	smemBytes := fp.StaticSharedMem + dynamicSmem
	if l.SharedMemPerBlock > 0 && smemBytes > l.SharedMemPerBlock {
		return 0
	}
	smemPerBlock := roundUp(smemBytes, l.SharedMemAllocationUnit)

	blocks := l.MaxBlocksPerMultiprocessor
	if regsPerBlock > 0 {
		blocks = min(blocks, l.RegistersPerMultiprocessor/regsPerBlock)
	}
	if smemPerBlock > 0 {
		blocks = min(blocks, l.SharedMemPerMultiprocessor/smemPerBlock)
	}
	blocks = min(blocks, l.MaxThreadsPerMultiprocessor/blockSize)
	return max(blocks, 0)
}

// MaxActiveBlocks returns the device-wide number of concurrently resident
// blocks at blockSize.
func MaxActiveBlocks(l DeviceLimits, fp KernelFootprint, blockSize, dynamicSmem int) int {
	return MaxActiveBlocksPerMultiprocessor(l, fp, blockSize, dynamicSmem) * l.MultiprocessorCount
}

// BlockSizeWithMaximalOccupancy returns the block size that keeps the most
// threads resident per multiprocessor when every thread needs
// dynamicSmemPerThread bytes of shared memory. Candidates are the
// multiples of the warp size up to the block limit; among equally good
// candidates the largest wins. The search stops as soon as a candidate
// fills every thread slot of the multiprocessor.
//
// A footprint that allows only one resident block still yields a block
// size. An error is returned only if no candidate fits at all.
func BlockSizeWithMaximalOccupancy(l DeviceLimits, fp KernelFootprint, dynamicSmemPerThread int) (int, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	if dynamicSmemPerThread < 0 {
		return 0, guda.NewInvalidArgError("BlockSizeWithMaximalOccupancy", "shared memory per thread must not be negative")
	}

	largest := blockLimit(l, fp) / l.WarpSize * l.WarpSize
	if largest <= 0 {
		return 0, configError("BlockSizeWithMaximalOccupancy",
			fmt.Sprintf("function limit of %d threads is below the warp size %d", fp.MaxThreadsPerBlock, l.WarpSize), fp)
	}

	bestSize, bestOccupancy := 0, 0
	for blockSize := largest; blockSize > 0; blockSize -= l.WarpSize {
		occupancy := blockSize * MaxActiveBlocksPerMultiprocessor(l, fp, blockSize, dynamicSmemPerThread*blockSize)
		if occupancy > bestOccupancy {
			bestSize, bestOccupancy = blockSize, occupancy
		}
		if bestOccupancy == l.MaxThreadsPerMultiprocessor {
			break
		}
	}

	if bestSize == 0 {
		return 0, configError("BlockSizeWithMaximalOccupancy",
			fmt.Sprintf("%d registers/thread and %d B static shared memory leave no room for a block", fp.RegistersPerThread, fp.StaticSharedMem), fp)
	}
	return bestSize, nil
}

// NumBlocksWithMaximalOccupancy returns enough blocks of blockSize
// threads to cover n work items (zero for no items), clamped to the number of blocks the
// device can hold at once. A clamped result under-covers n; the work is
// expected to stride across the resident grid.
//
// Both sizes are promoted to uint64 before dividing, and the result is
// narrowed to int only after the clamp.
func NumBlocksWithMaximalOccupancy[N1, N2 Size](l DeviceLimits, fp KernelFootprint, n N1, blockSize N2, dynamicSmemPerBlock int) (int, error) {
	if n < 0 {
		return 0, guda.NewInvalidArgError("NumBlocksWithMaximalOccupancy", fmt.Sprintf("negative problem size %d", n))
	}
	if dynamicSmemPerBlock < 0 {
		return 0, guda.NewInvalidArgError("NumBlocksWithMaximalOccupancy", "shared memory per block must not be negative")
	}
	if blockSize <= 0 || uint64(blockSize) > uint64(blockLimit(l, fp)) {
		return 0, configError("NumBlocksWithMaximalOccupancy", fmt.Sprintf("block size %d out of range", blockSize), blockSize)
	}

	maxBlocks := MaxActiveBlocks(l, fp, int(blockSize), dynamicSmemPerBlock)
	if maxBlocks == 0 {
		return 0, configError("NumBlocksWithMaximalOccupancy",
			fmt.Sprintf("no block of %d threads with %d B dynamic shared memory fits", blockSize, dynamicSmemPerBlock), blockSize)
	}

	needed := CeilDiv(uint64(n), uint64(blockSize))
	return int(min(needed, uint64(maxBlocks))), nil
}

// CeilDiv returns n/d rounded up without overflowing for n near the
// maximum of N. d must be positive.
func CeilDiv[N Size](n, d N) N {
	q := n / d
	if n%d != 0 {
		q++
	}
	return q
}

// ConfigurationWithMaximalOccupancy picks the block size of
// BlockSizeWithMaximalOccupancy and the block count of
// NumBlocksWithMaximalOccupancy for n work items, without dynamic shared
// memory.
//
// For n == 0 the block count is zero: the configuration describes an
// empty launch and must not be submitted.
func ConfigurationWithMaximalOccupancy[N Size](l DeviceLimits, fp KernelFootprint, n N) (Config, error) {
	blockSize, err := BlockSizeWithMaximalOccupancy(l, fp, 0)
	if err != nil {
		return Config{}, err
	}
	numBlocks, err := NumBlocksWithMaximalOccupancy(l, fp, n, blockSize, 0)
	if err != nil {
		return Config{}, err
	}
	return Config{NumBlocks: numBlocks, BlockSize: blockSize}, nil
}
