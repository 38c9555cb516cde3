// Package wasm defines the contract between the worker and compiled
// callback modules.
//
// A callback module is a WebAssembly binary that exports one function
// per callback. Numeric parameters and results map directly onto Wasm
// value types. Strings travel through guest memory:
//
//   - a string parameter is passed as two i32 values (ptr, len). The host
//     obtains ptr by calling the guest export "alloc(len i32) i32" and
//     writes the UTF-8 bytes there;
//   - a string result is returned as one i64 holding ptr<<32 | len.
//
// Modules may import "host.log_message(level, ptr, len i32)" to log
// through the worker, with level 0 debug, 1 info, 2 warn, 3 error.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses
// a 32-bit linear memory model.
package wasm

import (
	"fmt"
	"strings"
)

// Guest exports and host imports named by the contract.
const (
	AllocExport    = "alloc"
	HostModule     = "host"
	LogMessageFunc = "log_message"
)

// Log levels accepted by log_message.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// ValueType is a parameter or result type in a module manifest.
type ValueType string

const (
	I32    ValueType = "i32"
	I64    ValueType = "i64"
	F32    ValueType = "f32"
	F64    ValueType = "f64"
	String ValueType = "string"
)

// ParseValueType accepts a manifest type name, case-insensitively.
func ParseValueType(s string) (ValueType, error) {
	switch t := ValueType(strings.ToLower(strings.TrimSpace(s))); t {
	case I32, I64, F32, F64, String:
		return t, nil
	default:
		return "", fmt.Errorf("unknown value type %q", s)
	}
}

// PackPtrLen packs a guest memory region into one i64 result.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen splits a packed i64 result into pointer and length.
func UnpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
