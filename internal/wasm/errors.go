package wasm

import (
	"errors"
	"fmt"
	"time"

	abi "github.com/woxQAQ/chart-worker/api/wasm"
)

// ErrRuntimeClosed is returned for work submitted after Close.
var ErrRuntimeClosed = errors.New("wasm runtime closed")

// CompilationError occurs when a module fails to compile.
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails.
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module source cannot be read.
type ModuleNotFoundError struct {
	ModuleName string
	Err        error
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found: %v", e.ModuleName, e.Err)
}

func (e *ModuleNotFoundError) Unwrap() error {
	return e.Err
}

// FunctionNotFoundError occurs when an export is missing.
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// SignatureError occurs when a declared export signature does not match
// the compiled function.
type SignatureError struct {
	FunctionName string
	Want         string
	Got          string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("function '%s' has signature %s, declared %s",
		e.FunctionName, e.Got, e.Want)
}

// ArgumentError occurs when a callback argument cannot be converted to
// its declared type.
type ArgumentError struct {
	FunctionName string
	Index        int
	Type         abi.ValueType
	Value        any
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("function '%s' argument %d: cannot convert %T to %s",
		e.FunctionName, e.Index, e.Value, e.Type)
}

// MemoryAccessError occurs when guest memory operations fail.
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when the host module cannot be installed.
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// ExecutionError occurs when an exported function traps.
type ExecutionError struct {
	ModuleName   string
	FunctionName string
	Err          error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("function '%s' in module '%s' failed: %v",
		e.FunctionName, e.ModuleName, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when a call exceeds the execution timeout. The
// instance is closed and unusable afterwards.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution timed out after %v", e.Duration)
}

// InstanceLimitError occurs when MaxInstances are already live.
type InstanceLimitError struct {
	Max int
}

func (e *InstanceLimitError) Error() string {
	return fmt.Sprintf("instance limit of %d reached", e.Max)
}

// CacheError occurs when the compilation cache directory is unusable.
type CacheError struct {
	Dir string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("failed to open compilation cache '%s': %v", e.Dir, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}
