package pipeline

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/chart"
)

// MutatorName is the well-known name the mutate stage looks up.
const MutatorName = "mutate_chart_object"

// Mutator rewrites a spec before it reaches the engine.
type Mutator interface {
	Mutate(ctx context.Context, spec chart.Spec) (chart.Spec, error)
}

// MutatorFunc adapts a plain function to Mutator.
type MutatorFunc func(ctx context.Context, spec chart.Spec) (chart.Spec, error)

// Mutate calls f.
func (f MutatorFunc) Mutate(ctx context.Context, spec chart.Spec) (chart.Spec, error) {
	return f(ctx, spec)
}

// CallableMutator adapts a callable, such as a script function, that
// takes the spec and returns the new one.
func CallableMutator(fn chart.Callable) Mutator {
	return MutatorFunc(func(ctx context.Context, spec chart.Spec) (chart.Spec, error) {
		res, err := fn.Call(map[string]any(spec))
		if err != nil {
			return nil, err
		}
		switch v := res.(type) {
		case map[string]any:
			return chart.Spec(v), nil
		case chart.Spec:
			return v, nil
		default:
			return nil, &InvalidResultError{Stage: "mutate", Expected: "a mapping", Got: res}
		}
	})
}

// Mutators holds mutators by name.
type Mutators struct {
	sync.RWMutex
	mutators map[string]Mutator
	logger   *zap.Logger
}

// NewMutators creates an empty mutator table.
func NewMutators(logger *zap.Logger) *Mutators {
	return &Mutators{
		mutators: make(map[string]Mutator),
		logger:   logger.With(zap.String("component", "mutators")),
	}
}

// Register binds m to name, replacing any previous binding.
func (t *Mutators) Register(name string, m Mutator) {
	t.Lock()
	defer t.Unlock()

	if _, exists := t.mutators[name]; exists {
		t.logger.Debug("Mutator replaced", zap.String("name", name))
	}
	t.mutators[name] = m
}

// Unregister removes the binding for name.
func (t *Mutators) Unregister(name string) {
	t.Lock()
	defer t.Unlock()
	delete(t.mutators, name)
}

// Lookup returns the mutator bound to name.
func (t *Mutators) Lookup(name string) (Mutator, bool) {
	t.RLock()
	defer t.RUnlock()

	m, ok := t.mutators[name]
	return m, ok
}

// PluginFactory builds a plugin object from its options.
type PluginFactory func(options map[string]any) (any, error)

// Plugins holds plugin factories by name.
type Plugins struct {
	sync.RWMutex
	factories map[string]PluginFactory
	logger    *zap.Logger
}

// NewPlugins creates an empty plugin table.
func NewPlugins(logger *zap.Logger) *Plugins {
	return &Plugins{
		factories: make(map[string]PluginFactory),
		logger:    logger.With(zap.String("component", "plugins")),
	}
}

// Register binds factory to name, replacing any previous binding.
func (p *Plugins) Register(name string, factory PluginFactory) {
	p.Lock()
	defer p.Unlock()

	if _, exists := p.factories[name]; exists {
		p.logger.Debug("Plugin factory replaced", zap.String("name", name))
	}
	p.factories[name] = factory
}

// Unregister removes the factory bound to name.
func (p *Plugins) Unregister(name string) {
	p.Lock()
	defer p.Unlock()
	delete(p.factories, name)
}

// Build runs the factory bound to name.
func (p *Plugins) Build(name string, options map[string]any) (any, error) {
	p.RLock()
	factory, ok := p.factories[name]
	p.RUnlock()

	if !ok {
		return nil, &PluginNotFoundError{Name: name}
	}
	return factory(options)
}

// Names returns the registered factory names in sorted order.
func (p *Plugins) Names() []string {
	p.RLock()
	defer p.RUnlock()

	names := make([]string, 0, len(p.factories))
	for name := range p.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
