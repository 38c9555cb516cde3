package script

import (
	"fmt"
	"time"
)

// EvaluationError occurs when source text fails to compile or throws.
type EvaluationError struct {
	Kind Kind
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate %s source: %v", e.Kind, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when an evaluation runs past the sandbox timeout.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script execution timed out after %v", e.Duration)
}
