package closure

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"unsafe"

	guda "github.com/LynnColeArt/guda-launch"
	"github.com/LynnColeArt/guda-launch/occupancy"
)

// ByValueThreshold is the largest closure, in bytes, passed to the device
// as a kernel argument. Larger closures are staged in device memory.
const ByValueThreshold = 256

// Path is the way a closure's state reaches the device.
type Path int

const (
	// ByValue passes the closure as the kernel argument; every invocation
	// runs its own copy.
	ByValue Path = iota

	// ByPointer copies the closure into a transient device buffer and
	// passes its address; every invocation loads a local copy from it.
	ByPointer
)

func (p Path) String() string {
	switch p {
	case ByValue:
		return "by_value"
	case ByPointer:
		return "by_pointer"
	default:
		return fmt.Sprintf("Path(%d)", int(p))
	}
}

// Label is the name of the entry point family, also used to tag faults
// reported by the debug synchronization hook.
func (p Path) Label() string {
	return "launch_closure_" + p.String()
}

// PathFor selects the path for a closure of size bytes.
func PathFor(size uintptr) Path {
	if size <= ByValueThreshold {
		return ByValue
	}
	return ByPointer
}

// SizeOf returns the number of bytes a closure of type F occupies.
func SizeOf[F Closure]() uintptr {
	var f F
	return unsafe.Sizeof(f)
}

// PathOf returns the path closures of type F take.
func PathOf[F Closure]() Path {
	return PathFor(SizeOf[F]())
}

// entryPointName names the kernel specialization for F on path p.
func entryPointName[F Closure](p Path) string {
	return fmt.Sprintf("%s[%s]", p.Label(), reflect.TypeFor[F]())
}

// dispatcher submits one launch of a closure with a fixed configuration.
type dispatcher[F Closure] interface {
	path() Path
	launch(ctx *guda.Context, stream *guda.Stream, f F, cfg occupancy.Config) error
}

func newDispatcher[F Closure](p Path) dispatcher[F] {
	if p == ByPointer {
		return byPointer[F]{}
	}
	return byValue[F]{}
}

type byValue[F Closure] struct{}

func (byValue[F]) path() Path { return ByValue }

func (byValue[F]) launch(ctx *guda.Context, stream *guda.Stream, f F, cfg occupancy.Config) error {
	kernel := func(tid guda.ThreadID, _ ...interface{}) {
		local := f
		local.Run(tid)
	}
	return ctx.LaunchKernel(kernel, cfg.Grid(), cfg.Block(), cfg.SharedMemBytes, stream)
}

type byPointer[F Closure] struct{}

func (byPointer[F]) path() Path { return ByPointer }

func (byPointer[F]) launch(ctx *guda.Context, stream *guda.Stream, f F, cfg occupancy.Config) error {
	size := int(unsafe.Sizeof(f))
	buf, err := ctx.Malloc(size)
	if err != nil {
		return err
	}
	copy(buf.Byte(), unsafe.Slice((*byte)(unsafe.Pointer(&f)), size))

	addr := buf.Pointer()
	kernel := func(tid guda.ThreadID, _ ...interface{}) {
		local := *(*F)(addr)
		local.Run(tid)
		// The device copy holds f's references as raw bytes; the host copy
		// keeps their targets reachable until the kernel is done.
		runtime.KeepAlive(f)
	}

	if err := ctx.LaunchKernel(kernel, cfg.Grid(), cfg.Block(), cfg.SharedMemBytes, stream); err != nil {
		return errors.Join(err, ctx.Free(buf))
	}
	// Ordered after the kernel on the same stream
	return ctx.FreeAsync(buf, stream)
}
