package worker

import (
	"fmt"

	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// LookupError occurs when an update or destroy request names a chart
// that does not exist.
type LookupError struct {
	ChartID protocol.ChartID
	Canvas  string
}

func (e *LookupError) Error() string {
	switch {
	case e.ChartID != "":
		return fmt.Sprintf("chart '%s' is not registered", e.ChartID)
	case e.Canvas != "":
		return fmt.Sprintf("no chart on canvas '%s'", e.Canvas)
	default:
		return "request names neither a chart id nor a canvas"
	}
}

// CreationError occurs when the engine fails to instantiate a chart.
type CreationError struct {
	ChartID protocol.ChartID
	Err     error
}

func (e *CreationError) Error() string {
	if e.ChartID == "" {
		return fmt.Sprintf("failed to create chart: %v", e.Err)
	}
	return fmt.Sprintf("failed to create chart '%s': %v", e.ChartID, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// MalformedMessageError occurs when an inbound message cannot be decoded
// or lacks a required field.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}
