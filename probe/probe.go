// Package probe answers the two questions the occupancy model asks of a
// device: what its limits are, and what resources a compiled entry point
// uses. Answers are looked up once and cached.
package probe

import (
	"fmt"
	"sync"
	"sync/atomic"

	guda "github.com/LynnColeArt/guda-launch"
	"github.com/LynnColeArt/guda-launch/occupancy"
)

// Probe reports device limits and kernel footprints.
type Probe interface {
	DeviceLimits() (occupancy.DeviceLimits, error)
	FunctionFootprint(entry string) (occupancy.KernelFootprint, error)
}

// LimitsFromDevice converts the runtime's device description.
func LimitsFromDevice(d *guda.Device) occupancy.DeviceLimits {
	return occupancy.DeviceLimits{
		WarpSize:                    d.WarpSize,
		MaxThreadsPerBlock:          d.MaxThreadsPerBlock,
		MaxThreadsPerMultiprocessor: d.MaxThreadsPerMultiprocessor,
		MaxBlocksPerMultiprocessor:  d.MaxBlocksPerMultiprocessor,
		MultiprocessorCount:         d.MultiprocessorCount,
		RegistersPerMultiprocessor:  d.RegistersPerMultiprocessor,
		SharedMemPerMultiprocessor:  d.SharedMemPerMultiprocessor,
		SharedMemPerBlock:           d.SharedMemPerBlock,
		RegisterAllocationUnit:      d.RegisterAllocationUnit,
		SharedMemAllocationUnit:     d.SharedMemAllocationUnit,
		WarpAllocationMultiple:      d.WarpAllocationMultiple,
	}
}

// FootprintFromAttributes converts the attributes of a loaded function.
func FootprintFromAttributes(a guda.FuncAttributes) occupancy.KernelFootprint {
	return occupancy.KernelFootprint{
		RegistersPerThread: a.NumRegs,
		StaticSharedMem:    a.SharedSizeBytes,
		MaxThreadsPerBlock: a.MaxThreadsPerBlock,
	}
}

type footprintKey struct {
	device int
	entry  string
}

// Runtime probes a guda.Context. Limits are read once per device and
// footprints once per (device, entry point); later calls are served from
// the cache. Failed lookups are not cached.
type Runtime struct {
	ctx *guda.Context

	mu         sync.Mutex
	limits     map[int]occupancy.DeviceLimits
	footprints map[footprintKey]occupancy.KernelFootprint

	deviceQueries   atomic.Int64
	functionQueries atomic.Int64
}

// NewRuntime returns a probe with an empty cache. Most callers want For.
func NewRuntime(ctx *guda.Context) *Runtime {
	return &Runtime{
		ctx:        ctx,
		limits:     make(map[int]occupancy.DeviceLimits),
		footprints: make(map[footprintKey]occupancy.KernelFootprint),
	}
}

type sharedKey struct{}

// For returns the probe shared by every caller using ctx. The probe is
// attached to ctx and released with it.
func For(ctx *guda.Context) *Runtime {
	return ctx.Attached(sharedKey{}, func() any { return NewRuntime(ctx) }).(*Runtime)
}

// Forget drops the shared probe of ctx so the next For starts with an
// empty cache.
func Forget(ctx *guda.Context) {
	ctx.Detach(sharedKey{})
}

// DeviceLimits implements Probe.
func (r *Runtime) DeviceLimits() (occupancy.DeviceLimits, error) {
	dev := r.ctx.Device()
	if dev == nil {
		return occupancy.DeviceLimits{}, guda.ErrNoDevice
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limits[dev.ID]; ok {
		return l, nil
	}

	r.deviceQueries.Add(1)
	l := LimitsFromDevice(dev)
	if err := l.Validate(); err != nil {
		return occupancy.DeviceLimits{}, fmt.Errorf("device %d: %w", dev.ID, err)
	}
	r.limits[dev.ID] = l
	return l, nil
}

// FunctionFootprint implements Probe.
func (r *Runtime) FunctionFootprint(entry string) (occupancy.KernelFootprint, error) {
	dev := r.ctx.Device()
	if dev == nil {
		return occupancy.KernelFootprint{}, guda.ErrNoDevice
	}
	key := footprintKey{device: dev.ID, entry: entry}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fp, ok := r.footprints[key]; ok {
		return fp, nil
	}

	r.functionQueries.Add(1)
	attrs, err := r.ctx.FuncGetAttributes(entry)
	if err != nil {
		return occupancy.KernelFootprint{}, err
	}
	fp := FootprintFromAttributes(attrs)
	r.footprints[key] = fp
	return fp, nil
}

// Queries returns how many times the device and the function attributes
// were actually consulted.
func (r *Runtime) Queries() (device, function int64) {
	return r.deviceQueries.Load(), r.functionQueries.Load()
}

// Static is a Probe with fixed answers. Entry points missing from
// Footprints get Default.
type Static struct {
	Limits     occupancy.DeviceLimits
	Footprints map[string]occupancy.KernelFootprint
	Default    occupancy.KernelFootprint
}

// DeviceLimits implements Probe.
func (s *Static) DeviceLimits() (occupancy.DeviceLimits, error) {
	if err := s.Limits.Validate(); err != nil {
		return occupancy.DeviceLimits{}, err
	}
	return s.Limits, nil
}

// FunctionFootprint implements Probe.
func (s *Static) FunctionFootprint(entry string) (occupancy.KernelFootprint, error) {
	if fp, ok := s.Footprints[entry]; ok {
		return fp, nil
	}
	return s.Default, nil
}
