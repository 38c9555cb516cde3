package chart

import "fmt"

// InvalidSpecError occurs when a spec misses a field the engine requires.
type InvalidSpecError struct {
	Field   string
	Message string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid chart spec: %s (field: %s)", e.Message, e.Field)
}
