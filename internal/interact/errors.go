package interact

import (
	"fmt"

	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// ChartNotFoundError occurs when an event names a chart id that is not
// registered.
type ChartNotFoundError struct {
	ChartID protocol.ChartID
}

func (e *ChartNotFoundError) Error() string {
	return fmt.Sprintf("chart '%s' not found", e.ChartID)
}

// UnsupportedEventError occurs for event types the adapter does not relay.
type UnsupportedEventError struct {
	EventType protocol.EventType
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported event type '%s'", e.EventType)
}

// ClickHandlerError wraps a failure raised by a chart's onClick handler.
type ClickHandlerError struct {
	ChartID protocol.ChartID
	Err     error
}

func (e *ClickHandlerError) Error() string {
	return fmt.Sprintf("onClick handler of chart '%s' failed: %v", e.ChartID, e.Err)
}

func (e *ClickHandlerError) Unwrap() error {
	return e.Err
}
