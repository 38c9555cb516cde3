package callback

import "fmt"

// CallbackNotFoundError occurs when a delegating function is called and
// its closure id is not in the callback table.
type CallbackNotFoundError struct {
	ClosureID string
}

func (e *CallbackNotFoundError) Error() string {
	return fmt.Sprintf("callback '%s' not found", e.ClosureID)
}

// CompileError occurs when a body callback cannot be built.
type CompileError struct {
	Params []string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile callback (%d params): %v", len(e.Params), e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
