package wasm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// InstanceManager instantiates compiled modules.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates an instance manager.
func NewInstanceManager(r *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: r,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// Instance is one instantiated module. Guest code is single threaded, so
// calls on an instance are serialized.
type Instance struct {
	ID         string
	ModuleName string
	CreatedAt  time.Time

	runtime *Runtime
	module  api.Module
	memory  *Memory
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	exports map[string]api.Function
	defs    map[string]api.FunctionDefinition
	closed  bool
}

// Instantiate creates a new instance of compiled. Reactor modules have
// their "_initialize" export run first.
func (m *InstanceManager) Instantiate(ctx context.Context, compiled *CompiledModule) (*Instance, error) {
	if m.runtime.IsClosed() {
		return nil, ErrRuntimeClosed
	}
	if err := m.runtime.acquire(); err != nil {
		return nil, err
	}

	id := "inst-" + uuid.NewString()
	cfg := wazero.NewModuleConfig().
		WithName(id).
		WithStartFunctions("_initialize")

	mod, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, cfg)
	if err != nil {
		m.runtime.release()
		return nil, &InstantiationError{ModuleName: compiled.Name, InstanceID: id, Err: err}
	}

	inst := &Instance{
		ID:         id,
		ModuleName: compiled.Name,
		CreatedAt:  time.Now(),
		runtime:    m.runtime,
		module:     mod,
		memory:     newMemory(mod),
		timeout:    m.runtime.config.ExecutionTimeout,
		logger:     m.logger.With(zap.String("instance_id", id), zap.String("module", compiled.Name)),
		exports:    make(map[string]api.Function),
		defs:       compiled.Module.ExportedFunctions(),
	}
	for name := range inst.defs {
		if fn := mod.ExportedFunction(name); fn != nil {
			inst.exports[name] = fn
		}
	}
	m.runtime.storeInstance(inst)

	inst.logger.Info("Module instantiated", zap.Strings("exports", inst.Exports()))
	return inst, nil
}

// Exports returns exported function names in sorted order.
func (i *Instance) Exports() []string {
	names := make([]string, 0, len(i.exports))
	for name := range i.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition returns the signature of an export.
func (i *Instance) Definition(name string) (api.FunctionDefinition, bool) {
	def, ok := i.defs[name]
	return def, ok
}

// Memory returns the instance's memory accessor.
func (i *Instance) Memory() *Memory {
	return i.memory
}

// Call invokes an export with raw Wasm values.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.callLocked(ctx, name, params...)
}

func (i *Instance) callLocked(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if i.closed {
		return nil, ErrRuntimeClosed
	}
	fn, ok := i.exports[name]
	if !ok {
		return nil, &FunctionNotFoundError{ModuleName: i.ModuleName, FunctionName: name}
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	res, err := fn.Call(ctx, params...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The runtime closed the module when the deadline passed.
			i.closeLocked(context.Background())
			return nil, &TimeoutError{Duration: i.timeout}
		}
		return nil, &ExecutionError{ModuleName: i.ModuleName, FunctionName: name, Err: err}
	}
	return res, nil
}

// Close releases the instance.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closeLocked(ctx)
}

func (i *Instance) closeLocked(ctx context.Context) error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.runtime.deleteInstance(i.ID)
	err := i.module.Close(ctx)
	i.logger.Debug("Instance closed")
	return err
}
