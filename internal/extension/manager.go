package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/config"
	"github.com/woxQAQ/chart-worker/internal/pipeline"
	"github.com/woxQAQ/chart-worker/internal/script"
	"github.com/woxQAQ/chart-worker/internal/wasm"
)

// Script globals installed in every pack sandbox.
const (
	RegisterCallbackFunc = "registerCallback"
	RegisterPluginFunc   = "registerPlugin"
)

// Bindings are the tables packs contribute to.
type Bindings struct {
	Table    *callback.Table
	Plugins  *pipeline.Plugins
	Mutators *pipeline.Mutators
}

// active tracks what a loaded pack contributed so it can be withdrawn.
type active struct {
	ext       *Extension
	sandbox   *script.Sandbox
	instance  *wasm.Instance
	callbacks []string
	plugins   []string
	mutator   bool
}

// Manager manages extension lifecycle. When two packs bind the same
// closure id, plugin name or the mutator, the one loaded last wins and
// unloading the loser leaves the winner in place.
type Manager struct {
	cfg         *config.WorkerConfig
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	bindings    Bindings
	logger      *zap.Logger

	mu     sync.Mutex
	active map[string]*active
	owners map[string]string // binding key -> extension name
	loaded bool
}

// NewManager creates a manager. runtime may be nil to disable wasm packs.
func NewManager(cfg *config.WorkerConfig, runtime *wasm.Runtime, bindings Bindings, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		runtime:  runtime,
		loader:   NewLoader(runtime, logger),
		registry: NewRegistry(logger),
		bindings: bindings,
		logger:   logger.With(zap.String("component", "extension-manager")),
		active:   make(map[string]*active),
		owners:   make(map[string]string),
	}
	if runtime != nil {
		m.instanceMgr = wasm.NewInstanceManager(runtime, logger)
	}
	return m
}

// LoadAll discovers and activates every pack under the configured paths.
// Packs that fail are skipped and reported in the returned error.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return errors.New("extensions already loaded")
	}

	m.logger.Info("Loading extensions", zap.Strings("paths", m.cfg.ExtensionPaths))

	exts, err := m.loader.Discover(ctx, m.cfg.ExtensionPaths)
	var none *NoExtensionsFoundError
	if errors.As(err, &none) {
		m.logger.Warn("No extensions found in configured paths", zap.Strings("paths", m.cfg.ExtensionPaths))
		m.loaded = true
		return nil
	}
	errs := err

	for _, ext := range exts {
		if err := m.install(ctx, ext); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	m.loaded = true

	m.logger.Info("Extensions loaded",
		zap.Int("count", m.registry.Count()),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return errs
}

// Load loads and activates the pack in dir.
func (m *Manager) Load(ctx context.Context, dir string) (*Extension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, dir)
}

func (m *Manager) load(ctx context.Context, dir string) (*Extension, error) {
	ext, err := m.loader.LoadExtension(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := m.install(ctx, ext); err != nil {
		return nil, err
	}
	return ext, nil
}

// Unload withdraws a pack's contributions and forgets it.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unload(ctx, name)
}

func (m *Manager) unload(ctx context.Context, name string) error {
	a, ok := m.active[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	err := m.deactivate(ctx, a)
	delete(m.active, name)
	m.registry.Unregister(name)
	err = multierr.Append(err, m.loader.Evict(ctx, name))
	m.logger.Info("Extension unloaded", zap.String("name", name))
	return err
}

// Reload unloads a pack and loads it again from its directory.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	dir := a.ext.Manifest.Dir()
	if err := m.unload(ctx, name); err != nil {
		m.logger.Warn("Unload before reload failed", zap.String("name", name), zap.Error(err))
	}
	_, err := m.load(ctx, dir)
	return err
}

// Get retrieves a loaded extension by name.
func (m *Manager) Get(name string) (*Extension, error) {
	ext, ok := m.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return ext, nil
}

// FindByCapability returns the loaded extensions declaring c.
func (m *Manager) FindByCapability(c Capability) []*Extension {
	return m.registry.LookupByCapability(c)
}

// NameForDir returns the loaded pack rooted at dir.
func (m *Manager) NameForDir(dir string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, a := range m.active {
		if a.ext.Manifest.Dir() == dir {
			return name, true
		}
	}
	return "", false
}

// Shutdown unloads every pack and closes the Wasm runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down extension manager")

	m.mu.Lock()
	var err error
	for name := range m.active {
		err = multierr.Append(err, m.unload(ctx, name))
	}
	m.mu.Unlock()

	if m.runtime != nil {
		err = multierr.Append(err, m.runtime.Close(ctx))
	}
	if err != nil {
		m.logger.Error("Extension shutdown incomplete", zap.Error(err))
		return err
	}
	m.logger.Info("Extension manager shutdown complete")
	return nil
}

// Registry returns the extension registry (for testing/inspection).
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Loader returns the pack loader.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// IsLoaded returns whether LoadAll has run.
func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *Manager) install(ctx context.Context, ext *Extension) error {
	if err := m.registry.Register(ext); err != nil {
		return err
	}
	a, err := m.activate(ctx, ext)
	if err != nil {
		m.registry.Unregister(ext.Name())
		return &LoadError{Name: ext.Name(), Err: err}
	}
	m.active[ext.Name()] = a
	m.logger.Info("Extension activated",
		zap.String("name", ext.Name()),
		zap.Strings("callbacks", a.callbacks),
		zap.Strings("plugins", a.plugins),
		zap.Bool("mutator", a.mutator),
	)
	return nil
}

func (m *Manager) activate(ctx context.Context, ext *Extension) (_ *active, err error) {
	a := &active{ext: ext}
	defer func() {
		if err != nil {
			_ = m.deactivate(ctx, a)
		}
	}()

	if ext.Source != "" {
		if err := m.runScript(ctx, a); err != nil {
			return nil, err
		}
	}

	if ext.Compiled != nil {
		inst, err := m.instanceMgr.Instantiate(ctx, ext.Compiled)
		if err != nil {
			return nil, err
		}
		a.instance = inst

		exports, err := ext.Manifest.Exports()
		if err != nil {
			return nil, err
		}
		ids, err := inst.Bind(exports, m.bindings.Table)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			m.own(callbackKey(id), ext.Name())
		}
		a.callbacks = append(a.callbacks, ids...)
	}
	return a, nil
}

func (m *Manager) runScript(ctx context.Context, a *active) error {
	ext := a.ext
	sb := script.New(ext.Name(), m.logger, &script.Config{Timeout: m.cfg.ScriptTimeout()})
	a.sandbox = sb

	if err := sb.SetFunc(RegisterCallbackFunc, func(args ...any) (any, error) {
		if !ext.Has(CapabilityCallbacks) {
			return nil, &CapabilityError{Name: ext.Name(), Capability: CapabilityCallbacks, Message: "not declared"}
		}
		id, fn, err := nameAndFunction(RegisterCallbackFunc, args)
		if err != nil {
			return nil, err
		}
		m.bindings.Table.Register(id, fn.Call)
		m.own(callbackKey(id), ext.Name())
		a.callbacks = append(a.callbacks, id)
		return nil, nil
	}); err != nil {
		return err
	}

	if err := sb.SetFunc(RegisterPluginFunc, func(args ...any) (any, error) {
		if !ext.Has(CapabilityPlugins) {
			return nil, &CapabilityError{Name: ext.Name(), Capability: CapabilityPlugins, Message: "not declared"}
		}
		name, fn, err := nameAndFunction(RegisterPluginFunc, args)
		if err != nil {
			return nil, err
		}
		m.bindings.Plugins.Register(name, func(options map[string]any) (any, error) {
			return fn.Call(options)
		})
		m.own(pluginKey(name), ext.Name())
		a.plugins = append(a.plugins, name)
		return nil, nil
	}); err != nil {
		return err
	}

	if _, err := sb.Eval(ctx, script.KindScript, ext.Source); err != nil {
		return err
	}

	fn, defined := sb.Function(pipeline.MutatorName)
	switch {
	case ext.Has(CapabilityMutator) && !defined:
		return &CapabilityError{
			Name:       ext.Name(),
			Capability: CapabilityMutator,
			Message:    fmt.Sprintf("script does not define %s", pipeline.MutatorName),
		}
	case ext.Has(CapabilityMutator):
		m.bindings.Mutators.Register(pipeline.MutatorName, pipeline.CallableMutator(fn))
		m.own(mutatorKey, ext.Name())
		a.mutator = true
	case defined:
		m.logger.Warn("Ignoring mutator of extension without the mutator capability", zap.String("name", ext.Name()))
	}
	return nil
}

func (m *Manager) deactivate(ctx context.Context, a *active) error {
	name := a.ext.Name()
	for _, id := range a.callbacks {
		if m.disown(callbackKey(id), name) {
			m.bindings.Table.Unregister(id)
		}
	}
	for _, p := range a.plugins {
		if m.disown(pluginKey(p), name) {
			m.bindings.Plugins.Unregister(p)
		}
	}
	if a.mutator && m.disown(mutatorKey, name) {
		m.bindings.Mutators.Unregister(pipeline.MutatorName)
	}
	if a.instance != nil {
		return a.instance.Close(ctx)
	}
	return nil
}

const mutatorKey = "mutator"

func callbackKey(id string) string { return "callback:" + id }

func pluginKey(name string) string { return "plugin:" + name }

func (m *Manager) own(key, name string) {
	if prev, ok := m.owners[key]; ok && prev != name {
		m.logger.Warn("Extension binding replaced",
			zap.String("binding", key),
			zap.String("previous", prev),
			zap.String("extension", name),
		)
	}
	m.owners[key] = name
}

// disown releases key if name still owns it.
func (m *Manager) disown(key, name string) bool {
	if m.owners[key] != name {
		return false
	}
	delete(m.owners, key)
	return true
}

func nameAndFunction(fn string, args []any) (string, *callback.Function, error) {
	if len(args) < 2 {
		return "", nil, fmt.Errorf("%s expects a name and a function", fn)
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("%s: name must be a non-empty string, got %T", fn, args[0])
	}
	f, ok := args[1].(*callback.Function)
	if !ok {
		return "", nil, fmt.Errorf("%s: %s must be a function, got %T", fn, name, args[1])
	}
	return name, f, nil
}
