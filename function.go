package guda

import (
	"fmt"
	"sync"
)

// FuncAttributes describes the resources a compiled entry point uses,
// as cudaFuncGetAttributes does for a loaded binary.
type FuncAttributes struct {
	NumRegs            int // Registers per thread
	SharedSizeBytes    int // Static shared memory per block
	MaxThreadsPerBlock int // Largest block the function can launch with, 0 for the device limit
	ParamSizeBytes     int // Size of the argument area
}

type functionTable struct {
	mu    sync.RWMutex
	attrs map[string]FuncAttributes
}

func newFunctionTable() *functionTable {
	return &functionTable{attrs: make(map[string]FuncAttributes)}
}

// RegisterFunction loads an entry point into the context. Attributes are
// fixed by the first registration of a name; later registrations return
// the attributes already loaded.
func (ctx *Context) RegisterFunction(name string, attrs FuncAttributes) FuncAttributes {
	t := ctx.functions
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.attrs[name]; ok {
		return existing
	}
	t.attrs[name] = attrs
	return attrs
}

// FuncGetAttributes returns the attributes of a registered entry point.
func (ctx *Context) FuncGetAttributes(name string) (FuncAttributes, error) {
	t := ctx.functions
	t.mu.RLock()
	defer t.mu.RUnlock()
	attrs, ok := t.attrs[name]
	if !ok {
		return FuncAttributes{}, NewInvalidArgError("FuncGetAttributes", fmt.Sprintf("unknown function %q", name))
	}
	return attrs, nil
}
