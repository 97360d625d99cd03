package closure

import (
	guda "github.com/LynnColeArt/guda-launch"
)

const (
	baseRegisters    = 16 // Indexing and loop state of the entry point
	pointerRegisters = 2  // Buffer address held by by-pointer entry points
	bytesPerRegister = 8
	pointerParamSize = 8
)

// EstimateAttributes returns the attributes registered for a closure
// entry point when the caller supplies none. A closure of size bytes is
// assumed to live in registers, one per eight bytes, on top of the entry
// point's own state, capped at maxRegs. Closures never use static shared
// memory.
func EstimateAttributes(size uintptr, p Path, maxRegs int) guda.FuncAttributes {
	regs := baseRegisters + int((size+bytesPerRegister-1)/bytesPerRegister)
	param := int(size)
	if p == ByPointer {
		regs += pointerRegisters
		param = pointerParamSize
	}
	if maxRegs > 0 {
		regs = min(regs, maxRegs)
	}
	return guda.FuncAttributes{
		NumRegs:        regs,
		ParamSizeBytes: param,
	}
}
