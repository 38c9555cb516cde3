package pipeline

import "fmt"

// MutatorNotFoundError occurs when mutation is requested but no mutator
// is registered under the name.
type MutatorNotFoundError struct {
	Name string
}

func (e *MutatorNotFoundError) Error() string {
	return fmt.Sprintf("mutator '%s' not found", e.Name)
}

// PluginNotFoundError occurs when plugin source refers to an unknown
// plugin factory.
type PluginNotFoundError struct {
	Name string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("plugin '%s' not found", e.Name)
}

// InvalidResultError occurs when a stage produces a value of the wrong
// shape, such as plugin source that does not evaluate to a sequence.
type InvalidResultError struct {
	Stage    string
	Expected string
	Got      any
}

func (e *InvalidResultError) Error() string {
	return fmt.Sprintf("%s produced %T, expected %s", e.Stage, e.Got, e.Expected)
}

// StageError wraps a failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
