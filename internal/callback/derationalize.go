// Package callback reconstructs live callables from the callback
// descriptors embedded in serialized chart specs.
//
// A descriptor is a mapping with exactly the keys args, body, closureId
// and returnValue (closureId may be missing or null). The snake-case
// spelling closure_id / return_value is accepted as the same shape. A
// descriptor with a closure id becomes a function that delegates to the
// callback table; one without becomes a function compiled from its body.
package callback

import (
	"fmt"
	"strconv"
)

// Descriptor is the data form of a function.
type Descriptor struct {
	Args        []string
	Body        string
	ClosureID   string
	ReturnValue string
}

// Delegating reports whether the descriptor names a closure id.
func (d *Descriptor) Delegating() bool {
	return d.ClosureID != ""
}

var descriptorFields = map[string]string{
	"args":         "args",
	"body":         "body",
	"closureId":    "closureId",
	"closure_id":   "closureId",
	"returnValue":  "returnValue",
	"return_value": "returnValue",
}

// ParseDescriptor reports whether m has the descriptor shape and, if so,
// decodes it.
func ParseDescriptor(m map[string]any) (*Descriptor, bool) {
	if len(m) < 3 || len(m) > 4 {
		return nil, false
	}

	fields := make(map[string]any, len(m))
	for k, v := range m {
		canon, ok := descriptorFields[k]
		if !ok {
			return nil, false
		}
		if _, dup := fields[canon]; dup {
			return nil, false
		}
		fields[canon] = v
	}

	rawArgs, hasArgs := fields["args"]
	rawBody, hasBody := fields["body"]
	rawReturn, hasReturn := fields["returnValue"]
	if !hasArgs || !hasBody || !hasReturn {
		return nil, false
	}

	args, ok := stringList(rawArgs)
	if !ok {
		return nil, false
	}
	body, ok := optionalString(rawBody)
	if !ok {
		return nil, false
	}
	ret, ok := optionalString(rawReturn)
	if !ok {
		return nil, false
	}

	return &Descriptor{
		Args:        args,
		Body:        body,
		ClosureID:   closureID(fields["closureId"]),
		ReturnValue: ret,
	}, true
}

func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}

func optionalString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// closureID normalizes an id to text. Falsy values (null, "", 0, false)
// mean "no closure".
func closureID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		if id == 0 {
			return ""
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		if id == 0 {
			return ""
		}
		return strconv.Itoa(id)
	case int64:
		if id == 0 {
			return ""
		}
		return strconv.FormatInt(id, 10)
	case bool:
		if !id {
			return ""
		}
		return "true"
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// Compiler builds functions from source text.
type Compiler interface {
	Compile(params []string, body, returnValue string) (Func, error)
}

// Derationalizer walks plain data and swaps descriptors for functions.
type Derationalizer struct {
	table    *Table
	compiler Compiler
}

// NewDerationalizer creates a derationalizer. compiler may be nil, in
// which case body callbacks fail to build.
func NewDerationalizer(table *Table, compiler Compiler) *Derationalizer {
	return &Derationalizer{table: table, compiler: compiler}
}

// Derationalize returns a copy of node with every descriptor replaced by
// a *Function. Values that are neither sequences nor mappings, including
// functions already built, are returned unchanged.
func (d *Derationalizer) Derationalize(node any) (any, error) {
	switch n := node.(type) {
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			v, err := d.Derationalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case map[string]any:
		if desc, ok := ParseDescriptor(n); ok {
			return d.Build(desc)
		}
		out := make(map[string]any, len(n))
		for k, item := range n {
			v, err := d.Derationalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	default:
		return node, nil
	}
}

// DerationalizeMap is Derationalize for a top-level mapping.
func (d *Derationalizer) DerationalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := d.Derationalize(m)
	if err != nil {
		return nil, err
	}
	if out, ok := v.(map[string]any); ok {
		return out, nil
	}
	return nil, fmt.Errorf("top-level value is a callback descriptor, not a mapping")
}

// Build turns one descriptor into a function.
func (d *Derationalizer) Build(desc *Descriptor) (*Function, error) {
	if desc.Delegating() {
		id := desc.ClosureID
		fn := NewFunction(desc.Args, func(args ...any) (any, error) {
			return d.table.Invoke(id, args...)
		})
		fn.closureID = id
		return fn, nil
	}

	if d.compiler == nil {
		return nil, &CompileError{Params: desc.Args, Err: fmt.Errorf("no compiler configured")}
	}
	compiled, err := d.compiler.Compile(desc.Args, desc.Body, desc.ReturnValue)
	if err != nil {
		return nil, &CompileError{Params: desc.Args, Err: err}
	}
	return NewFunction(desc.Args, compiled), nil
}
