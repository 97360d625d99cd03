// Package guda configuration constants
package guda

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// L2 cache size per core (typical for modern CPUs)
const L2CacheSize = 256 * 1024 // 256KB

// Thread and block dimensions
const (
	// Block size launches use when nobody tuned it; the occupancy
	// report compares against it
	DefaultBlockSize = 256

	// Maximum threads per block (CUDA compatibility)
	MaxThreadsPerBlock = 1024

	// Maximum resident threads per core
	MaxThreadsPerMultiprocessor = 2048

	// Maximum resident blocks per core
	MaxBlocksPerMultiprocessor = 32

	// Register file modelled per core, in 32-bit registers
	RegistersPerMultiprocessor = 64 * 1024

	// Hard cap on registers a single thread may use
	MaxRegistersPerThread = 255

	// Block shared memory is carved out of L2
	SharedMemPerMultiprocessor = L2CacheSize

	// Largest shared memory request a single block may make
	SharedMemPerBlock = 48 * 1024

	// Allocation granularities used by the occupancy model
	RegisterAllocationUnit  = 256
	SharedMemAllocationUnit = 256
	WarpAllocationMultiple  = 2
)

// Memory pool parameters
const (
	// Memory alignment for allocations
	MemoryAlignment = 64
)

// Environment variables read by LoadConfig
const (
	EnvDebugSync   = "GUDA_DEBUG_SYNC"
	EnvVerbose     = "GUDA_VERBOSE"
	EnvMemoryLimit = "GUDA_MEMORY_LIMIT"
	EnvWorkers     = "GUDA_WORKERS"
)

// Config holds the runtime settings of a Context.
type Config struct {
	// DebugSync makes SynchronizeIfEnabled block after every launch and
	// report latent faults immediately.
	DebugSync bool

	// Verbose enables launch logging.
	Verbose bool

	// MemoryLimit caps the bytes a context may have allocated at once.
	// Zero means the device's total memory.
	MemoryLimit int64

	// Workers is the number of goroutines executing blocks. Zero means
	// runtime.NumCPU().
	Workers int
}

// DefaultConfig returns the production settings: asynchronous launches,
// no logging, the whole device memory.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU()}
}

// LoadConfig returns DefaultConfig overridden by the GUDA_* environment
// variables. Unparseable values are ignored.
func LoadConfig() Config {
	cfg := DefaultConfig()
	if v, ok := envBool(EnvDebugSync); ok {
		cfg.DebugSync = v
	}
	if v, ok := envBool(EnvVerbose); ok {
		cfg.Verbose = v
	}
	if v, err := strconv.ParseInt(os.Getenv(EnvMemoryLimit), 10, 64); err == nil && v > 0 {
		cfg.MemoryLimit = v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvWorkers)); err == nil && v > 0 {
		cfg.Workers = v
	}
	return cfg
}

func envBool(name string) (bool, bool) {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return v, true
}
