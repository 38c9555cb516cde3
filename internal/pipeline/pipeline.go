// Package pipeline prepares a chart spec for the engine.
//
// Prepare runs up to three optional stages, in this order: evaluate the
// defaults source and merge it into the engine-wide defaults, evaluate
// the plugins source into spec.plugins, and hand the spec to the
// mutator registered under MutatorName. The result is then
// derationalized and validated.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/chart"
	"github.com/woxQAQ/chart-worker/internal/script"
)

// Evaluator runs plugin and defaults source text.
type Evaluator interface {
	Eval(ctx context.Context, kind script.Kind, source string) (any, error)
}

// Binder exposes host functions to an evaluator.
type Binder interface {
	SetFunc(name string, fn callback.Func) error
}

// DefaultsSetter receives evaluated defaults. chart.Engine satisfies it.
type DefaultsSetter interface {
	SetDefaults(defaults map[string]any) error
}

// Options selects the stages Prepare runs. Nil or blank source text
// skips its stage.
type Options struct {
	Mutate   bool
	Plugins  *string
	Defaults *string
}

// Pipeline runs the preparation stages.
type Pipeline struct {
	eval           Evaluator
	derationalizer *callback.Derationalizer
	mutators       *Mutators
	defaults       DefaultsSetter
	logger         *zap.Logger
}

// New creates a pipeline.
func New(eval Evaluator, d *callback.Derationalizer, mutators *Mutators, defaults DefaultsSetter, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		eval:           eval,
		derationalizer: d,
		mutators:       mutators,
		defaults:       defaults,
		logger:         logger.With(zap.String("component", "pipeline")),
	}
}

// Bind installs the host functions scripts use while preparing a spec:
// plugin(name, options) builds a registered plugin, and
// invokeCallback(id, ...args) calls into the callback table.
func Bind(b Binder, plugins *Plugins, table *callback.Table) error {
	err := b.SetFunc("plugin", func(args ...any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("plugin: name is required")
		}
		name, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("plugin: name must be a string, got %T", args[0])
		}
		var opts map[string]any
		if len(args) > 1 && args[1] != nil {
			if opts, ok = args[1].(map[string]any); !ok {
				return nil, fmt.Errorf("plugin %s: options must be an object, got %T", name, args[1])
			}
		}
		return plugins.Build(name, opts)
	})
	if err != nil {
		return err
	}

	return b.SetFunc("invokeCallback", func(args ...any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("invokeCallback: closure id is required")
		}
		id, ok := args[0].(string)
		if !ok {
			id = fmt.Sprint(args[0])
		}
		return table.Invoke(id, args[1:]...)
	})
}

// Prepare runs the selected stages on spec. spec itself is not modified.
func (p *Pipeline) Prepare(ctx context.Context, spec chart.Spec, opts Options) (chart.Spec, error) {
	out := chart.Spec(chart.Merge(nil, spec))

	if src, ok := present(opts.Defaults); ok {
		if err := p.applyDefaults(ctx, src); err != nil {
			return nil, &StageError{Stage: "defaults", Err: err}
		}
	}

	if src, ok := present(opts.Plugins); ok {
		plugins, err := p.evalPlugins(ctx, src)
		if err != nil {
			return nil, &StageError{Stage: "plugins", Err: err}
		}
		out["plugins"] = plugins
	}

	if opts.Mutate {
		mutated, err := p.mutate(ctx, out)
		if err != nil {
			return nil, &StageError{Stage: "mutate", Err: err}
		}
		out = mutated
	}

	live, err := p.derationalizer.DerationalizeMap(out)
	if err != nil {
		return nil, &StageError{Stage: "derationalize", Err: err}
	}
	out = chart.Spec(live)

	if err := out.Validate(); err != nil {
		return nil, err
	}

	p.logger.Debug("Spec prepared",
		zap.String("type", out.Type()),
		zap.Bool("mutated", opts.Mutate),
		zap.Bool("plugins", opts.Plugins != nil),
		zap.Bool("defaults", opts.Defaults != nil),
	)
	return out, nil
}

func (p *Pipeline) applyDefaults(ctx context.Context, src string) error {
	v, err := p.eval.Eval(ctx, script.KindDefaults, src)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return &InvalidResultError{Stage: "defaults", Expected: "a mapping", Got: v}
	}
	live, err := p.derationalizer.DerationalizeMap(m)
	if err != nil {
		return err
	}
	if p.defaults == nil {
		return nil
	}
	return p.defaults.SetDefaults(live)
}

func (p *Pipeline) evalPlugins(ctx context.Context, src string) ([]any, error) {
	v, err := p.eval.Eval(ctx, script.KindPlugins, src)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &InvalidResultError{Stage: "plugins", Expected: "a sequence", Got: v}
	}
	return list, nil
}

func (p *Pipeline) mutate(ctx context.Context, spec chart.Spec) (chart.Spec, error) {
	m, ok := p.mutators.Lookup(MutatorName)
	if !ok {
		return nil, &MutatorNotFoundError{Name: MutatorName}
	}
	out, err := m.Mutate(ctx, spec)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, &InvalidResultError{Stage: "mutate", Expected: "a mapping", Got: nil}
	}
	return out, nil
}

func present(src *string) (string, bool) {
	if src == nil || strings.TrimSpace(*src) == "" {
		return "", false
	}
	return *src, true
}
