// Package wasm runs compiled callback modules with wazero and binds their
// exports into the callback table.
package wasm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runtime owns the single wazero runtime of the process, the compiled
// module cache and the set of live instances.
type Runtime struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache

	// key: module name -> *CompiledModule
	modules sync.Map
	// key: instance id -> *Instance
	instances sync.Map
	live      atomic.Int32

	config *RuntimeConfig
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limit per module in 64KiB pages. Zero keeps the wazero default.
	MemoryPages uint32

	// DebugEnabled forwards guest debug-level log messages.
	DebugEnabled bool

	// CacheDir enables wazero's on-disk compilation cache.
	CacheDir string

	// MaxInstances caps live instances. Zero means no cap.
	MaxInstances int

	// ExecutionTimeout bounds every exported function call.
	ExecutionTimeout time.Duration
}

// DefaultRuntimeConfig returns the defaults used when no config is given.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:      256, // 16MB
		MaxInstances:     100,
		ExecutionTimeout: 30 * time.Second,
	}
}

// CompiledModule is a compiled binary with the digest it was built from.
type CompiledModule struct {
	Module wazero.CompiledModule

	Name       string
	Source     string
	Digest     string
	SizeBytes  int64
	CompiledAt time.Time
}

// NewRuntime creates the wazero runtime and installs the "host" module
// every callback module may import.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	// Cancelling a call's context must stop a runaway guest.
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, &CacheError{Dir: config.CacheDir, Err: err}
		}
		rc = rc.WithCompilationCache(cache)
	}

	r := &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, rc),
		cache:   cache,
		config:  config,
		logger:  logger.With(zap.String("component", "wasm-runtime")),
		closed:  make(chan struct{}),
	}

	host := NewHostFunctions(logger, config.DebugEnabled)
	if err := host.Instantiate(ctx, r.runtime); err != nil {
		_ = r.runtime.Close(ctx)
		return nil, &HostFunctionError{FunctionName: "host", Err: err}
	}

	r.logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Duration("execution_timeout", config.ExecutionTimeout),
	)
	return r, nil
}

// Close closes every live instance, then the runtime. Safe to call more
// than once.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")
		close(r.closed)

		r.instances.Range(func(_, value any) bool {
			err = multierr.Append(err, value.(*Instance).Close(ctx))
			return true
		})
		err = multierr.Append(err, r.runtime.Close(ctx))
		if r.cache != nil {
			err = multierr.Append(err, r.cache.Close(ctx))
		}
		r.logger.Info("Wasm runtime shutdown complete")
	})
	return err
}

// GetCompiledModule returns a cached module by name.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		return val.(*CompiledModule), true
	}
	return nil, false
}

func (r *Runtime) storeCompiledModule(m *CompiledModule) {
	r.modules.Store(m.Name, m)
}

func (r *Runtime) deleteCompiledModule(name string) {
	r.modules.Delete(name)
}

// acquire reserves a slot for a new instance.
func (r *Runtime) acquire() error {
	n := r.live.Add(1)
	if max := r.config.MaxInstances; max > 0 && int(n) > max {
		r.live.Add(-1)
		return &InstanceLimitError{Max: max}
	}
	return nil
}

func (r *Runtime) release() {
	r.live.Add(-1)
}

func (r *Runtime) storeInstance(inst *Instance) {
	r.instances.Store(inst.ID, inst)
}

func (r *Runtime) deleteInstance(id string) {
	if _, ok := r.instances.LoadAndDelete(id); ok {
		r.release()
	}
}

// InstanceCount returns the number of live instances.
func (r *Runtime) InstanceCount() int {
	return int(r.live.Load())
}

// IsClosed reports whether Close has been called.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
