package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/chart-worker/api/wasm"
	"github.com/woxQAQ/chart-worker/internal/callback"
)

// Export declares a module function exposed as a callback.
type Export struct {
	Name      string
	ClosureID string
	Params    []abi.ValueType
	Results   []abi.ValueType
}

// ID returns the closure id the export registers under.
func (e Export) ID() string {
	if e.ClosureID != "" {
		return e.ClosureID
	}
	return e.Name
}

// Bind checks each export against the compiled signature and registers
// it in table. It returns the registered ids. Nothing is registered when
// any export fails to check.
func (i *Instance) Bind(exports []Export, table *callback.Table) ([]string, error) {
	for _, e := range exports {
		if err := i.check(e); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(exports))
	for _, e := range exports {
		table.Register(e.ID(), i.Callback(e))
		ids = append(ids, e.ID())
		i.logger.Debug("Export bound", zap.String("function", e.Name), zap.String("closure_id", e.ID()))
	}
	return ids, nil
}

// Callback adapts an export to the callback calling convention.
func (i *Instance) Callback(e Export) callback.Func {
	return func(args ...any) (any, error) {
		return i.Invoke(context.Background(), e, args...)
	}
}

// Invoke converts args to the declared parameter types, calls the export
// and converts its results back. No result is nil, one result is returned
// as is, several come back as a slice.
func (i *Instance) Invoke(ctx context.Context, e Export, args ...any) (any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	params := make([]uint64, 0, len(e.Params))
	for idx, t := range e.Params {
		var arg any
		if idx < len(args) {
			arg = args[idx]
		}
		if t == abi.String {
			ptr, length, err := i.memory.WriteString(ctx, stringArg(arg))
			if err != nil {
				return nil, err
			}
			params = append(params, api.EncodeU32(ptr), api.EncodeU32(length))
			continue
		}
		v, err := encode(t, arg)
		if err != nil {
			return nil, &ArgumentError{FunctionName: e.Name, Index: idx, Type: t, Value: arg}
		}
		params = append(params, v)
	}

	raw, err := i.callLocked(ctx, e.Name, params...)
	if err != nil {
		return nil, err
	}

	out := make([]any, len(e.Results))
	for idx, t := range e.Results {
		if t == abi.String {
			s, err := i.memory.ReadPacked(raw[idx])
			if err != nil {
				return nil, err
			}
			out[idx] = s
			continue
		}
		out[idx] = decode(t, raw[idx])
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

func (i *Instance) check(e Export) error {
	def, ok := i.defs[e.Name]
	if !ok {
		return &FunctionNotFoundError{ModuleName: i.ModuleName, FunctionName: e.Name}
	}

	var wantParams, wantResults []api.ValueType
	for _, t := range e.Params {
		if t == abi.String {
			wantParams = append(wantParams, api.ValueTypeI32, api.ValueTypeI32)
			continue
		}
		wantParams = append(wantParams, wasmType(t))
	}
	for _, t := range e.Results {
		if t == abi.String {
			wantResults = append(wantResults, api.ValueTypeI64)
			continue
		}
		wantResults = append(wantResults, wasmType(t))
	}

	want := signature(wantParams, wantResults)
	got := signature(def.ParamTypes(), def.ResultTypes())
	if want != got {
		return &SignatureError{FunctionName: e.Name, Want: want, Got: got}
	}
	return nil
}

func wasmType(t abi.ValueType) api.ValueType {
	switch t {
	case abi.I32:
		return api.ValueTypeI32
	case abi.I64:
		return api.ValueTypeI64
	case abi.F32:
		return api.ValueTypeF32
	default:
		return api.ValueTypeF64
	}
}

func signature(params, results []api.ValueType) string {
	names := func(ts []api.ValueType) string {
		s := make([]string, len(ts))
		for i, t := range ts {
			s[i] = api.ValueTypeName(t)
		}
		return strings.Join(s, ",")
	}
	return fmt.Sprintf("(%s)->(%s)", names(params), names(results))
}

func encode(t abi.ValueType, v any) (uint64, error) {
	f, err := number(v)
	if err != nil {
		return 0, err
	}
	switch t {
	case abi.I32:
		return api.EncodeI32(int32(f)), nil
	case abi.I64:
		return api.EncodeI64(int64(f)), nil
	case abi.F32:
		return api.EncodeF32(float32(f)), nil
	default:
		return api.EncodeF64(f), nil
	}
}

func decode(t abi.ValueType, v uint64) any {
	switch t {
	case abi.I32:
		return api.DecodeI32(v)
	case abi.I64:
		return int64(v)
	case abi.F32:
		return float64(api.DecodeF32(v))
	default:
		return api.DecodeF64(v)
	}
}

// number accepts the numeric shapes produced by JSON decoding and the
// script runtime. Null is zero.
func number(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return n.Float64()
	default:
		return math.NaN(), fmt.Errorf("not a number: %T", v)
	}
}

func stringArg(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
