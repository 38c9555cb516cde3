package wasm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	abi "github.com/woxQAQ/chart-worker/api/wasm"
	"github.com/woxQAQ/chart-worker/internal/callback"
)

// doubleModule exports double(f64) f64.
var doubleModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // \0asm v1
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7c, 0x01, 0x7c, // type (f64)->(f64)
	0x03, 0x02, 0x01, 0x00, // func 0: type 0
	0x07, 0x0a, 0x01, 0x06, 0x64, 0x6f, 0x75, 0x62, 0x6c, 0x65, 0x00, 0x00, // export "double"
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x00, 0xa0, 0x0b, // local.get 0 x2, f64.add
}

// echoModule imports host.log_message, exports memory, alloc(i32) i32
// returning 1024, and echo(ptr, len i32) i64 which logs the string at
// info level and returns it packed.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x12, 0x03, 0x60,
	0x03, 0x7f, 0x7f, 0x7f, 0x00, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02,
	0x7f, 0x7f, 0x01, 0x7e, 0x02, 0x14, 0x01, 0x04, 0x68, 0x6f, 0x73, 0x74,
	0x0b, 0x6c, 0x6f, 0x67, 0x5f, 0x6d, 0x65, 0x73, 0x73, 0x61, 0x67, 0x65,
	0x00, 0x00, 0x03, 0x03, 0x02, 0x01, 0x02, 0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x19, 0x03, 0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x05, 0x61, 0x6c, 0x6c, 0x6f, 0x63, 0x00, 0x01, 0x04, 0x65, 0x63, 0x68,
	0x6f, 0x00, 0x02, 0x0a, 0x1c, 0x02, 0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x14, 0x00, 0x41, 0x01, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x20, 0x00,
	0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b,
}

// spinModule exports spin() which never returns.
var spinModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x04, 0x01, 0x60,
	0x00, 0x00, 0x03, 0x02, 0x01, 0x00, 0x07, 0x08, 0x01, 0x04, 0x73, 0x70,
	0x69, 0x6e, 0x00, 0x00, 0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c,
	0x00, 0x0b, 0x0b,
}

func instantiate(t *testing.T, logger *zap.Logger, config *RuntimeConfig, name string, bin []byte) *Instance {
	t.Helper()
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runtime.Close(ctx) })

	compiled, err := NewModuleLoader(runtime, logger).Load(ctx, BytesSource{ModuleName: name, Bytes: bin})
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	inst, err := NewInstanceManager(runtime, logger).Instantiate(ctx, compiled)
	if err != nil {
		t.Fatalf("Failed to instantiate module: %v", err)
	}
	return inst
}

// TestLoadModuleFromMemory checks the cache is keyed by content.
func TestLoadModuleFromMemory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)

	module, err := loader.Load(ctx, BytesSource{ModuleName: "callbacks", Bytes: doubleModule})
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	if module.Name != "callbacks" || module.Source != "memory" {
		t.Errorf("Module = %s from %s, want callbacks from memory", module.Name, module.Source)
	}

	again, err := loader.Load(ctx, BytesSource{ModuleName: "callbacks", Bytes: doubleModule})
	if err != nil {
		t.Fatal(err)
	}
	if again != module {
		t.Error("Unchanged binary should hit the cache")
	}

	changed, err := loader.Load(ctx, BytesSource{ModuleName: "callbacks", Bytes: echoModule})
	if err != nil {
		t.Fatal(err)
	}
	if changed == module || changed.Digest == module.Digest {
		t.Error("Changed binary should be recompiled")
	}

	if err := loader.Evict(ctx, "callbacks"); err != nil {
		t.Fatal(err)
	}
	if _, ok := runtime.GetCompiledModule("callbacks"); ok {
		t.Error("Module should have been evicted")
	}
}

func TestModuleLoaderFileSource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)
	loader := NewModuleLoader(runtime, logger)

	path := filepath.Join(t.TempDir(), "double.wasm")
	if err := os.WriteFile(path, doubleModule, 0o644); err != nil {
		t.Fatal(err)
	}
	module, err := loader.Load(ctx, FileSource{ModuleName: "double", Path: path})
	if err != nil {
		t.Fatalf("Failed to load module from file: %v", err)
	}
	if module.Source != path {
		t.Errorf("Source = %s, want %s", module.Source, path)
	}

	_, err = loader.Load(ctx, FileSource{ModuleName: "missing", Path: filepath.Join(t.TempDir(), "nope.wasm")})
	var notFound *ModuleNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Expected ModuleNotFoundError, got %v", err)
	}
}

func TestLoadInvalidModule(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	_, err = NewModuleLoader(runtime, logger).Load(ctx, BytesSource{ModuleName: "bad", Bytes: []byte{0x00, 0x01, 0x02}})
	var compErr *CompilationError
	if !errors.As(err, &compErr) {
		t.Fatalf("Expected CompilationError, got %v", err)
	}
}

func TestInstanceCall(t *testing.T) {
	inst := instantiate(t, zaptest.NewLogger(t), nil, "double", doubleModule)

	res, err := inst.Call(context.Background(), "double", 0x4008000000000000) // 3.0
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 0x4018000000000000 { // 6.0
		t.Errorf("double(3) = %#x, want 6.0", res[0])
	}

	_, err = inst.Call(context.Background(), "triple")
	var fnErr *FunctionNotFoundError
	if !errors.As(err, &fnErr) {
		t.Errorf("Expected FunctionNotFoundError, got %v", err)
	}
}

func TestBindNumericExport(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inst := instantiate(t, logger, nil, "double", doubleModule)
	table := callback.NewTable(logger)

	ids, err := inst.Bind([]Export{{
		Name:      "double",
		ClosureID: "twice",
		Params:    []abi.ValueType{abi.F64},
		Results:   []abi.ValueType{abi.F64},
	}}, table)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "twice" {
		t.Fatalf("ids = %v, want [twice]", ids)
	}

	for _, arg := range []any{3.0, 3, int64(3)} {
		got, err := table.Invoke("twice", arg)
		if err != nil {
			t.Fatal(err)
		}
		if got != 6.0 {
			t.Errorf("twice(%v) = %v, want 6", arg, got)
		}
	}

	// A delegating function resolves the wasm callback through the table.
	fn, err := callback.NewDerationalizer(table, nil).Build(&callback.Descriptor{Args: []string{"v"}, ClosureID: "twice"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := fn.Call(1.5)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3.0 {
		t.Errorf("delegate(1.5) = %v, want 3", got)
	}

	_, err = table.Invoke("twice", "three")
	var argErr *ArgumentError
	if !errors.As(err, &argErr) {
		t.Errorf("Expected ArgumentError, got %v", err)
	}
}

func TestBindRejectsBadSignature(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inst := instantiate(t, logger, nil, "double", doubleModule)
	table := callback.NewTable(logger)

	tests := []struct {
		name   string
		export Export
	}{
		{"wrong param type", Export{Name: "double", Params: []abi.ValueType{abi.I32}, Results: []abi.ValueType{abi.F64}}},
		{"missing result", Export{Name: "double", Params: []abi.ValueType{abi.F64}}},
		{"missing export", Export{Name: "halve", Params: []abi.ValueType{abi.F64}, Results: []abi.ValueType{abi.F64}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := Export{Name: "double", ClosureID: "ok", Params: []abi.ValueType{abi.F64}, Results: []abi.ValueType{abi.F64}}
			if _, err := inst.Bind([]Export{ok, tt.export}, table); err == nil {
				t.Fatal("Expected bind error")
			}
			if table.Len() != 0 {
				t.Errorf("Nothing should be registered on failure, got %v", table.IDs())
			}
		})
	}
}

func TestBindStringExport(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	inst := instantiate(t, logger, nil, "echo", echoModule)
	table := callback.NewTable(logger)

	if _, err := inst.Bind([]Export{{
		Name:    "echo",
		Params:  []abi.ValueType{abi.String},
		Results: []abi.ValueType{abi.String},
	}}, table); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	got, err := table.Invoke("echo", "$5.00")
	if err != nil {
		t.Fatal(err)
	}
	if got != "$5.00" {
		t.Errorf("echo = %q, want $5.00", got)
	}

	guest := logs.FilterMessage("$5.00").All()
	if len(guest) != 1 {
		t.Fatalf("Expected one guest log entry, got %d", len(guest))
	}
	if guest[0].ContextMap()["instance"] != inst.ID {
		t.Errorf("Guest log should carry the instance id")
	}
}

func TestStringParamNeedsAlloc(t *testing.T) {
	inst := instantiate(t, zaptest.NewLogger(t), nil, "double", doubleModule)

	_, _, err := inst.Memory().WriteString(context.Background(), "x")
	var memErr *MemoryAccessError
	if !errors.As(err, &memErr) {
		t.Fatalf("Expected MemoryAccessError, got %v", err)
	}
}

func TestExecutionTimeout(t *testing.T) {
	config := DefaultRuntimeConfig()
	config.ExecutionTimeout = 50 * time.Millisecond
	inst := instantiate(t, zaptest.NewLogger(t), config, "spin", spinModule)

	_, err := inst.Invoke(context.Background(), Export{Name: "spin"})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if timeoutErr.Duration != 50*time.Millisecond {
		t.Errorf("Duration = %v, want 50ms", timeoutErr.Duration)
	}

	if _, err := inst.Call(context.Background(), "spin"); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Instance should be unusable after a timeout, got %v", err)
	}
}
