package wasm

import (
	"context"
	"errors"

	"github.com/tetratelabs/wazero/api"

	abi "github.com/woxQAQ/chart-worker/api/wasm"
)

var (
	errNoMemory = errors.New("module exports no memory")
	errNoAlloc  = errors.New("module exports no alloc function")
	errBounds   = errors.New("out of range")
)

// Memory reads and writes an instance's linear memory.
type Memory struct {
	mem   api.Memory
	alloc api.Function
}

func newMemory(mod api.Module) *Memory {
	return &Memory{
		mem:   mod.Memory(),
		alloc: mod.ExportedFunction(abi.AllocExport),
	}
}

// ReadBytes copies length bytes starting at ptr.
func (m *Memory) ReadBytes(ptr, length uint32) ([]byte, error) {
	if m.mem == nil {
		return nil, &MemoryAccessError{Operation: "read", Address: ptr, Length: length, Err: errNoMemory}
	}
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, &MemoryAccessError{Operation: "read", Address: ptr, Length: length, Err: errBounds}
	}
	return append([]byte(nil), buf...), nil
}

// ReadString reads a UTF-8 string at ptr.
func (m *Memory) ReadString(ptr, length uint32) (string, error) {
	b, err := m.ReadBytes(ptr, length)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadPacked reads a string returned as ptr<<32 | len.
func (m *Memory) ReadPacked(packed uint64) (string, error) {
	return m.ReadString(abi.UnpackPtrLen(packed))
}

// WriteString copies s into a buffer obtained from the guest's alloc
// export and returns its location.
func (m *Memory) WriteString(ctx context.Context, s string) (ptr, length uint32, err error) {
	length = uint32(len(s))
	if m.mem == nil {
		return 0, 0, &MemoryAccessError{Operation: "write", Length: length, Err: errNoMemory}
	}
	if m.alloc == nil {
		return 0, 0, &MemoryAccessError{Operation: "write", Length: length, Err: errNoAlloc}
	}

	res, err := m.alloc.Call(ctx, api.EncodeU32(length))
	if err != nil {
		return 0, 0, &MemoryAccessError{Operation: "alloc", Length: length, Err: err}
	}
	ptr = api.DecodeU32(res[0])
	if !m.mem.WriteString(ptr, s) {
		return 0, 0, &MemoryAccessError{Operation: "write", Address: ptr, Length: length, Err: errBounds}
	}
	return ptr, length, nil
}

// Size returns the memory size in bytes.
func (m *Memory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}
