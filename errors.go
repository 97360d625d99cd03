// Package guda structured error types for better error handling
package guda

import (
	"errors"
	"fmt"
)

// ErrorType represents categories of errors
type ErrorType int

const (
	// Memory errors
	ErrTypeMemory ErrorType = iota
	// Invalid argument errors
	ErrTypeInvalidArg
	// Execution errors
	ErrTypeExecution
	// Launch configuration errors
	ErrTypeLaunchConfig
	// Device errors
	ErrTypeDevice
)

// GUDAError represents a structured error with context
type GUDAError struct {
	Type    ErrorType
	Op      string      // Operation that failed
	Message string      // Human-readable message
	Err     error       // Underlying error if any
	Context interface{} // Additional context
}

// Error implements the error interface
func (e *GUDAError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GUDA %s error in %s: %s (caused by: %v)",
			e.Type.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("GUDA %s error in %s: %s",
		e.Type.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection
func (e *GUDAError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the package sentinel of the same type and
// message. Errors raised under a different Op still match, so
//
//	errors.Is(err, guda.ErrOutOfMemory)
//
// holds for every out-of-memory failure regardless of where it was raised.
func (e *GUDAError) Is(target error) bool {
	t, ok := target.(*GUDAError)
	if !ok || !isSentinel(t) {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message
}

// String returns the error type as a string
func (t ErrorType) String() string {
	switch t {
	case ErrTypeMemory:
		return "Memory"
	case ErrTypeInvalidArg:
		return "InvalidArgument"
	case ErrTypeExecution:
		return "Execution"
	case ErrTypeLaunchConfig:
		return "LaunchConfiguration"
	case ErrTypeDevice:
		return "Device"
	default:
		return "Unknown"
	}
}

// Common error constructors

// NewMemoryError creates a memory-related error
func NewMemoryError(op string, message string, err error) error {
	return &GUDAError{
		Type:    ErrTypeMemory,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewInvalidArgError creates an invalid argument error
func NewInvalidArgError(op string, message string) error {
	return &GUDAError{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: message,
	}
}

// NewExecutionError creates an execution error
func NewExecutionError(op string, message string, err error) error {
	return &GUDAError{
		Type:    ErrTypeExecution,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewLaunchConfigError creates a launch configuration error. The context
// carries the offending geometry.
func NewLaunchConfigError(op string, message string, context interface{}) error {
	return &GUDAError{
		Type:    ErrTypeLaunchConfig,
		Op:      op,
		Message: message,
		Context: context,
	}
}

// Common pre-defined errors

var (
	// ErrOutOfMemory indicates memory allocation failure
	ErrOutOfMemory = NewMemoryError("Malloc", "out of memory", nil)

	// ErrInvalidSize indicates invalid size parameter
	ErrInvalidSize = NewInvalidArgError("Malloc", "size must be positive")

	// ErrNullPointer indicates null pointer access
	ErrNullPointer = NewInvalidArgError("Memory", "null pointer")

	// ErrDoubleFree indicates double free attempt
	ErrDoubleFree = NewMemoryError("Free", "double free detected", nil)

	// ErrInvalidDevice indicates invalid device ID
	ErrInvalidDevice = NewInvalidArgError("SetDevice", "invalid device ID")

	// ErrNoDevice indicates the context has no usable device
	ErrNoDevice = &GUDAError{Type: ErrTypeDevice, Op: "Device", Message: "no compute device available"}

	// ErrInvalidLaunchConfiguration indicates grid/block/shared memory
	// dimensions the device cannot schedule
	ErrInvalidLaunchConfiguration = NewLaunchConfigError("Launch", "invalid launch configuration", nil)

	// ErrDeviceExecutionFault indicates a fault raised while a kernel was running
	ErrDeviceExecutionFault = NewExecutionError("Kernel", "device execution fault", nil)

	// ErrContextDestroyed indicates use of a context after Destroy
	ErrContextDestroyed = &GUDAError{Type: ErrTypeDevice, Op: "Context", Message: "context destroyed"}
)

func isSentinel(e *GUDAError) bool {
	switch e {
	case ErrOutOfMemory, ErrInvalidSize, ErrNullPointer, ErrDoubleFree,
		ErrInvalidDevice, ErrNoDevice, ErrInvalidLaunchConfiguration,
		ErrDeviceExecutionFault, ErrContextDestroyed:
		return true
	}
	return false
}

func typeOf(err error) (ErrorType, bool) {
	var e *GUDAError
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

// IsMemoryError checks if an error is a memory error
func IsMemoryError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeMemory
}

// IsInvalidArgError checks if an error is an invalid argument error
func IsInvalidArgError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeInvalidArg
}

// IsExecutionError checks if an error is a device execution error
func IsExecutionError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeExecution
}

// IsLaunchConfigError checks if an error is a launch configuration error
func IsLaunchConfigError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeLaunchConfig
}

// IsDeviceError checks if an error is a device error
func IsDeviceError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrTypeDevice
}
