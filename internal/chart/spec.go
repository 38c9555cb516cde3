package chart

import (
	"fmt"
)

// Spec is a chart specification: nested mappings, sequences and scalars
// describing a chart's type, data and options.
type Spec map[string]any

// Type returns the declared chart type.
func (s Spec) Type() string {
	t, _ := s["type"].(string)
	return t
}

// ID returns the spec's own "id" field, which mutators may consult.
func (s Spec) ID() string {
	switch v := s["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Options returns the options mapping, or nil.
func (s Spec) Options() map[string]any {
	o, _ := s["options"].(map[string]any)
	return o
}

// Validate checks the fields the engine requires.
func (s Spec) Validate() error {
	if s == nil {
		return &InvalidSpecError{Field: "type", Message: "spec is nil"}
	}
	if _, ok := s["type"]; !ok {
		return &InvalidSpecError{Field: "type", Message: "type is required"}
	}
	if _, ok := s["data"]; !ok {
		return &InvalidSpecError{Field: "data", Message: "data is required"}
	}
	return nil
}

// AnimationDisabled reports whether options.animation is explicitly false.
func (s Spec) AnimationDisabled() bool {
	opts := s.Options()
	if opts == nil {
		return false
	}
	v, ok := opts["animation"].(bool)
	return ok && !v
}

// Merge deep-merges src into dst. Nested mappings are merged, every
// other value in src replaces the one in dst.
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = Merge(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}
