package callback

// Func is the Go shape of a live callback.
type Func func(args ...any) (any, error)

// Function is a callable reconstructed from a descriptor. Like a script
// function with declared parameters, it always receives exactly Arity
// arguments: missing ones are nil, extra ones are dropped.
type Function struct {
	params    []string
	closureID string
	variadic  bool
	call      Func
}

// NewFunction wraps fn with the given parameter names.
func NewFunction(params []string, fn Func) *Function {
	return &Function{params: append([]string(nil), params...), call: fn}
}

// NewVariadicFunction wraps fn without binding arguments to the declared
// arity. It suits functions that come from a script runtime, which
// receive every argument they are called with.
func NewVariadicFunction(params []string, fn Func) *Function {
	f := NewFunction(params, fn)
	f.variadic = true
	return f
}

// Arity returns the number of declared parameters.
func (f *Function) Arity() int {
	return len(f.params)
}

// Params returns the declared parameter names.
func (f *Function) Params() []string {
	return append([]string(nil), f.params...)
}

// ClosureID returns the callback table id this function delegates to,
// or "" for a body callback.
func (f *Function) ClosureID() string {
	return f.closureID
}

// Delegating reports whether calls are forwarded to the callback table.
func (f *Function) Delegating() bool {
	return f.closureID != ""
}

// Call invokes the function.
func (f *Function) Call(args ...any) (any, error) {
	return f.call(f.bind(args)...)
}

func (f *Function) bind(args []any) []any {
	if f.variadic || len(args) == len(f.params) {
		return args
	}
	bound := make([]any, len(f.params))
	copy(bound, args)
	return bound
}

// MarshalJSON renders a function as null; live callables have no wire form.
func (f *Function) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}
