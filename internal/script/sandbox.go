// Package script runs caller-supplied chart logic (callback bodies,
// plugin lists, defaults) inside an embedded JavaScript interpreter.
//
// Source text never reaches the host: it runs in a goja runtime that
// only sees what the sandbox explicitly installs, and every evaluation
// is bounded by a timeout.
//
// A Sandbox serializes access to its runtime. The lock is released while
// a script is calling into Go, so Go code may call functions exported
// from the same sandbox; such nested calls share the outermost
// evaluation's timeout.
package script

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/chart"
)

// Kind labels what a piece of source text is for.
type Kind string

const (
	KindCallback Kind = "callback"
	KindPlugins  Kind = "plugins"
	KindDefaults Kind = "defaults"
	KindScript   Kind = "script"
)

// Config holds sandbox limits.
type Config struct {
	// Timeout bounds a single evaluation or call. Zero disables it.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Timeout: 5 * time.Second}
}

// Sandbox wraps one goja runtime.
type Sandbox struct {
	mu      sync.Mutex
	depth   int // runs in progress, guarded by mu
	vm      *goja.Runtime
	name    string
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a sandbox with a console bound to logger.
func New(name string, logger *zap.Logger, config *Config) *Sandbox {
	if config == nil {
		config = DefaultConfig()
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	s := &Sandbox{
		vm:      vm,
		name:    name,
		timeout: config.Timeout,
		logger:  logger.With(zap.String("component", "script-sandbox"), zap.String("sandbox", name)),
	}
	s.installConsole()
	return s
}

// Name returns the sandbox name.
func (s *Sandbox) Name() string {
	return s.name
}

// Eval runs source and exports its completion value. Functions in the
// result become *callback.Function values bound to this sandbox.
func (s *Sandbox) Eval(ctx context.Context, kind Kind, source string) (any, error) {
	return s.run(ctx, kind, func(vm *goja.Runtime) (goja.Value, error) {
		return vm.RunScript(string(kind), source)
	})
}

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Compile builds a function from parameter names, statements and a
// return expression. It implements callback.Compiler.
func (s *Sandbox) Compile(params []string, body, returnValue string) (callback.Func, error) {
	for _, p := range params {
		if !identifier.MatchString(p) {
			return nil, &EvaluationError{Kind: KindCallback, Err: fmt.Errorf("invalid parameter name %q", p)}
		}
	}

	src := fmt.Sprintf("(function(%s) {\n%s\nreturn %s;\n})", strings.Join(params, ", "), body, returnValue)

	var fn goja.Callable
	_, err := s.run(context.Background(), KindCallback, func(vm *goja.Runtime) (goja.Value, error) {
		v, err := vm.RunScript("callback", src)
		if err != nil {
			return nil, err
		}
		f, ok := goja.AssertFunction(v)
		if !ok {
			return nil, fmt.Errorf("callback source did not produce a function")
		}
		fn = f
		return goja.Undefined(), nil
	})
	if err != nil {
		return nil, err
	}

	return s.caller(fn), nil
}

// SetFunc exposes a Go function to scripts under name. Arguments arrive
// exported; a returned error is thrown as a script exception.
func (s *Sandbox) SetFunc(name string, fn callback.Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm.Set(name, s.native(fn))
}

// Set exposes a Go value to scripts under name.
func (s *Sandbox) Set(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm.Set(name, s.toJS(value))
}

// Global exports the global binding name, if it is defined.
func (s *Sandbox) Global(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	return s.export(v), true
}

// Function returns the global function name as a callback.
func (s *Sandbox) Function(name string) (*callback.Function, bool) {
	v, ok := s.Global(name)
	if !ok {
		return nil, false
	}
	fn, ok := v.(*callback.Function)
	return fn, ok
}

func (s *Sandbox) caller(fn goja.Callable) callback.Func {
	return func(args ...any) (any, error) {
		return s.run(context.Background(), KindCallback, func(vm *goja.Runtime) (goja.Value, error) {
			jsArgs := make([]goja.Value, len(args))
			for i, a := range args {
				jsArgs[i] = s.toJS(a)
			}
			return fn(goja.Undefined(), jsArgs...)
		})
	}
}

// run executes fn under the sandbox lock. Only the outermost run arms the
// timeout.
func (s *Sandbox) run(ctx context.Context, kind Kind, fn func(vm *goja.Runtime) (goja.Value, error)) (result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.depth++
	defer func() { s.depth-- }()
	if s.depth == 1 {
		disarm := s.arm(ctx)
		defer disarm()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &EvaluationError{Kind: kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	v, err := fn(s.vm)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok && s.depth > 1 {
			// Raising the interrupt cleared it; the enclosing run stops too.
			s.vm.Interrupt(ie.Value())
		}
		return nil, s.wrapError(kind, err)
	}
	return s.export(v), nil
}

// arm schedules an interrupt on timeout or ctx cancellation. The returned
// func must run before the lock is released.
func (s *Sandbox) arm(ctx context.Context) func() {
	var (
		mu   sync.Mutex
		done bool
	)
	interrupt := func(reason any) {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			s.vm.Interrupt(reason)
		}
	}

	var timer *time.Timer
	if s.timeout > 0 {
		timeout := s.timeout
		timer = time.AfterFunc(timeout, func() {
			interrupt(&TimeoutError{Duration: timeout})
		})
	}

	stopCtx := func() bool { return false }
	if ctx != nil && ctx.Done() != nil {
		stopCtx = context.AfterFunc(ctx, func() {
			interrupt(ctx.Err())
		})
	}

	return func() {
		mu.Lock()
		done = true
		mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		stopCtx()
		s.vm.ClearInterrupt()
	}
}

func (s *Sandbox) wrapError(kind Kind, err error) error {
	if ie, ok := err.(*goja.InterruptedError); ok {
		if te, ok := ie.Value().(*TimeoutError); ok {
			return te
		}
		if cause, ok := ie.Value().(error); ok {
			return &EvaluationError{Kind: kind, Err: cause}
		}
	}
	return &EvaluationError{Kind: kind, Err: err}
}

// native adapts a Go callback for the runtime. Callers hold s.mu.
func (s *Sandbox) native(fn callback.Func) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = s.export(a)
		}
		res, err := s.callOut(fn, args)
		if err != nil {
			panic(s.vm.NewGoError(err))
		}
		return s.toJS(res)
	}
}

// callOut runs fn with s.mu released so fn can call back into the
// sandbox. The lock is held again when it returns or panics.
func (s *Sandbox) callOut(fn callback.Func, args []any) (any, error) {
	s.mu.Unlock()
	defer s.mu.Lock()
	return fn(args...)
}

// toJS copies Go data into runtime values. Mappings and sequences are
// copied so that callbacks nested in them stay callable.
func (s *Sandbox) toJS(v any) goja.Value {
	switch x := v.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return x
	case *callback.Function:
		return s.vm.ToValue(s.native(x.Call))
	case callback.Func:
		return s.vm.ToValue(s.native(x))
	case chart.Spec:
		return s.toJS(map[string]any(x))
	case map[string]any:
		obj := s.vm.NewObject()
		for k, item := range x {
			_ = obj.Set(k, s.toJS(item))
		}
		return obj
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = s.toJS(item)
		}
		return s.vm.NewArray(items...)
	default:
		return s.vm.ToValue(x)
	}
}

// export copies a runtime value out. Callers hold s.mu.
func (s *Sandbox) export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}

	if fn, ok := goja.AssertFunction(obj); ok {
		arity := int(obj.Get("length").ToInteger())
		params := make([]string, arity)
		for i := range params {
			params[i] = "arg" + strconv.Itoa(i)
		}
		return callback.NewVariadicFunction(params, s.caller(fn))
	}

	switch exported := obj.Export().(type) {
	case []any:
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = s.export(obj.Get(strconv.Itoa(i)))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(exported))
		for _, k := range obj.Keys() {
			out[k] = s.export(obj.Get(k))
		}
		return out
	default:
		return exported
	}
}

func (s *Sandbox) installConsole() {
	console := s.vm.NewObject()
	logAt := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			level(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("debug", logAt(s.logger.Debug))
	_ = console.Set("log", logAt(s.logger.Info))
	_ = console.Set("info", logAt(s.logger.Info))
	_ = console.Set("warn", logAt(s.logger.Warn))
	_ = console.Set("error", logAt(s.logger.Error))
	_ = s.vm.Set("console", console)
}
