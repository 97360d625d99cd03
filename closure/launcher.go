// Package closure runs Go closures across a guda device grid.
//
// A closure is any value type with a Run(guda.ThreadID) method. Its state
// reaches the device by value when it is at most ByValueThreshold bytes,
// and through a transient device buffer otherwise. Unless the caller
// gives the geometry explicitly, the launch configuration is the one that
// maximizes occupancy for the closure's entry point on the context's
// device.
//
// Example:
//
//	type scale struct {
//		x     []float32
//		alpha float32
//	}
//
//	func (s scale) Run(tid guda.ThreadID) {
//		for i := tid.Global(); i < len(s.x); i += tid.GridStride() {
//			s.x[i] *= s.alpha
//		}
//	}
//
//	err := closure.Launch(ctx, scale{x: d.Float32(), alpha: 2}, n)
//
// Closures are copied bytewise. Anything they reference must stay valid
// until the launch has completed.
package closure

import (
	"fmt"
	"log"

	guda "github.com/LynnColeArt/guda-launch"
	"github.com/LynnColeArt/guda-launch/occupancy"
	"github.com/LynnColeArt/guda-launch/probe"
)

// Closure is a unit of work run once per device thread.
type Closure interface {
	Run(tid guda.ThreadID)
}

// Option configures a Launcher.
type Option func(*options)

type options struct {
	stream    *guda.Stream
	probe     probe.Probe
	footprint *guda.FuncAttributes
	logger    *log.Logger
	path      *Path
}

// WithStream submits launches to s instead of the context's default stream.
func WithStream(s *guda.Stream) Option {
	return func(o *options) { o.stream = s }
}

// WithProbe answers occupancy questions with p instead of the context's
// shared runtime probe.
func WithProbe(p probe.Probe) Option {
	return func(o *options) { o.probe = p }
}

// WithFootprint registers the entry point with attrs instead of the
// estimate derived from the closure size. The first registration of an
// entry point on a context wins.
func WithFootprint(attrs guda.FuncAttributes) Option {
	return func(o *options) { o.footprint = &attrs }
}

// WithLogger logs every launch to l. Without it, launches are logged only
// by verbose contexts.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// withPath overrides the size-based path selection.
func withPath(p Path) Option {
	return func(o *options) { o.path = &p }
}

// Launcher launches closures of type F on one context and stream.
// It is safe for concurrent use.
type Launcher[F Closure] struct {
	ctx      *guda.Context
	stream   *guda.Stream
	probe    probe.Probe
	dispatch dispatcher[F]
	entry    string
	logger   *log.Logger
}

// NewLauncher returns a launcher for closures of type F on ctx, or on the
// default context if ctx is nil. The entry point for F is registered with
// the context.
func NewLauncher[F Closure](ctx *guda.Context, opts ...Option) *Launcher[F] {
	if ctx == nil {
		ctx = guda.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p := PathOf[F]()
	if o.path != nil {
		p = *o.path
	}

	l := &Launcher[F]{
		ctx:      ctx,
		stream:   o.stream,
		probe:    o.probe,
		dispatch: newDispatcher[F](p),
		entry:    entryPointName[F](p),
		logger:   o.logger,
	}
	if l.stream == nil {
		l.stream = ctx.DefaultStream()
	}
	if l.probe == nil {
		l.probe = probe.For(ctx)
	}

	attrs := EstimateAttributes(SizeOf[F](), p, ctx.Device().MaxRegistersPerThread)
	if o.footprint != nil {
		attrs = *o.footprint
	}
	ctx.RegisterFunction(l.entry, attrs)
	return l
}

// Path returns the path closures of this launcher take.
func (l *Launcher[F]) Path() Path {
	return l.dispatch.path()
}

// EntryPoint returns the name the closure's kernel is registered under.
func (l *Launcher[F]) EntryPoint() string {
	return l.entry
}

// Context returns the context the launcher submits to.
func (l *Launcher[F]) Context() *guda.Context {
	return l.ctx
}

// Launch runs f for n work items with the configuration of maximal
// occupancy. If the device cannot hold enough blocks to give every item
// its own thread, the grid is clamped and f must stride over the items.
// A zero n submits nothing.
//
// Launch returns once the work is queued.
func (l *Launcher[F]) Launch(f F, n uint64) error {
	if n == 0 {
		return nil
	}
	cfg, err := l.ConfigurationWithMaximalOccupancy(n)
	if err != nil {
		return err
	}
	l.logf("%s: %d items, %v", l.entry, n, cfg)
	return l.submit(f, cfg)
}

// LaunchBlocks runs f on numBlocks blocks of blockSize threads.
// The geometry is not checked before submission; the device reports an
// invalid one at the next synchronization.
func (l *Launcher[F]) LaunchBlocks(f F, numBlocks, blockSize int) error {
	return l.LaunchShared(f, numBlocks, blockSize, 0)
}

// LaunchShared is LaunchBlocks with smemBytes of dynamic shared memory
// per block, visible to f as tid.Shared.
func (l *Launcher[F]) LaunchShared(f F, numBlocks, blockSize, smemBytes int) error {
	cfg := occupancy.Config{NumBlocks: numBlocks, BlockSize: blockSize, SharedMemBytes: smemBytes}
	l.logf("%s: %v", l.entry, cfg)
	return l.submit(f, cfg)
}

// BlockSizeWithMaximalOccupancy returns the block size of maximal
// occupancy for F when each thread uses smemPerThread bytes of dynamic
// shared memory.
func (l *Launcher[F]) BlockSizeWithMaximalOccupancy(smemPerThread int) (int, error) {
	limits, fp, err := l.resources()
	if err != nil {
		return 0, err
	}
	return occupancy.BlockSizeWithMaximalOccupancy(limits, fp, smemPerThread)
}

// NumBlocksWithMaximalOccupancy returns the block count for n items in
// blocks of blockSize threads using smemPerBlock bytes of dynamic shared
// memory.
func (l *Launcher[F]) NumBlocksWithMaximalOccupancy(n uint64, blockSize, smemPerBlock int) (int, error) {
	limits, fp, err := l.resources()
	if err != nil {
		return 0, err
	}
	return occupancy.NumBlocksWithMaximalOccupancy(limits, fp, n, blockSize, smemPerBlock)
}

// ConfigurationWithMaximalOccupancy returns the configuration Launch uses
// for n items.
func (l *Launcher[F]) ConfigurationWithMaximalOccupancy(n uint64) (occupancy.Config, error) {
	limits, fp, err := l.resources()
	if err != nil {
		return occupancy.Config{}, err
	}
	return occupancy.ConfigurationWithMaximalOccupancy(limits, fp, n)
}

func (l *Launcher[F]) resources() (occupancy.DeviceLimits, occupancy.KernelFootprint, error) {
	limits, err := l.probe.DeviceLimits()
	if err != nil {
		return occupancy.DeviceLimits{}, occupancy.KernelFootprint{}, err
	}
	fp, err := l.probe.FunctionFootprint(l.entry)
	if err != nil {
		return occupancy.DeviceLimits{}, occupancy.KernelFootprint{}, err
	}
	return limits, fp, nil
}

func (l *Launcher[F]) submit(f F, cfg occupancy.Config) error {
	if err := l.dispatch.launch(l.ctx, l.stream, f, cfg); err != nil {
		return err
	}
	return l.ctx.SynchronizeIfEnabled(l.dispatch.path().Label())
}

func (l *Launcher[F]) logf(format string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
		return
	}
	l.ctx.Logf(format, args...)
}

// Launch runs f for n work items on ctx. See Launcher.Launch.
func Launch[F Closure, N occupancy.Size](ctx *guda.Context, f F, n N, opts ...Option) error {
	if n < 0 {
		return guda.NewInvalidArgError("Launch", fmt.Sprintf("negative problem size %d", n))
	}
	return NewLauncher[F](ctx, opts...).Launch(f, uint64(n))
}

// LaunchBlocks runs f on numBlocks blocks of blockSize threads on ctx.
func LaunchBlocks[F Closure](ctx *guda.Context, f F, numBlocks, blockSize int, opts ...Option) error {
	return NewLauncher[F](ctx, opts...).LaunchBlocks(f, numBlocks, blockSize)
}

// LaunchShared runs f on numBlocks blocks of blockSize threads with
// smemBytes of dynamic shared memory per block on ctx.
func LaunchShared[F Closure](ctx *guda.Context, f F, numBlocks, blockSize, smemBytes int, opts ...Option) error {
	return NewLauncher[F](ctx, opts...).LaunchShared(f, numBlocks, blockSize, smemBytes)
}

// BlockSizeWithMaximalOccupancy returns the block size of maximal
// occupancy for closures of type F on ctx.
func BlockSizeWithMaximalOccupancy[F Closure](ctx *guda.Context, smemPerThread int, opts ...Option) (int, error) {
	return NewLauncher[F](ctx, opts...).BlockSizeWithMaximalOccupancy(smemPerThread)
}

// NumBlocksWithMaximalOccupancy returns the block count for n items in
// blocks of blockSize threads for closures of type F on ctx.
func NumBlocksWithMaximalOccupancy[F Closure, N1, N2 occupancy.Size](ctx *guda.Context, n N1, blockSize N2, smemPerBlock int, opts ...Option) (int, error) {
	limits, fp, err := NewLauncher[F](ctx, opts...).resources()
	if err != nil {
		return 0, err
	}
	return occupancy.NumBlocksWithMaximalOccupancy(limits, fp, n, blockSize, smemPerBlock)
}
