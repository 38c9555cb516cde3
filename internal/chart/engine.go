// Package chart defines the chart domain types and the contract of the
// rendering engine the worker drives.
//
// The engine is opaque: the worker creates handles, swaps their type,
// data and options, and relays synthetic pointer events into them. How a
// handle lays out, renders or hit-tests is the engine's business.
package chart

import "context"

// UpdateMode selects how a handle re-renders.
type UpdateMode string

const (
	ModeDefault UpdateMode = ""
	ModeNone    UpdateMode = "none"
	ModeActive  UpdateMode = "active"
	ModeResize  UpdateMode = "resize"
)

// DefaultInteractionMode is used when a handle does not configure one.
const DefaultInteractionMode = "index"

// Config is the replaceable part of a live chart's configuration.
type Config struct {
	Type    string
	Data    any
	Options map[string]any
	Plugins []any
}

// Element is a data element matched at a position.
type Element struct {
	DatasetIndex int     `json:"datasetIndex"`
	Index        int     `json:"index"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
}

// HitBox is a legend item's rectangle.
type HitBox struct {
	Left         float64 `json:"left"`
	Top          float64 `json:"top"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	DatasetIndex int     `json:"datasetIndex"`
}

// Contains reports whether (x, y) falls inside the box, edges included.
func (b HitBox) Contains(x, y float64) bool {
	return x >= b.Left && x <= b.Left+b.Width && y >= b.Top && y <= b.Top+b.Height
}

// Event is a DOM-shaped pointer event synthesized inside the worker.
type Event struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// NewEvent builds a synthetic event.
func NewEvent(eventType string, x, y float64) *Event {
	return &Event{Type: eventType, X: x, Y: y}
}

// PreventDefault is a no-op; there is no DOM default to prevent.
func (e *Event) PreventDefault() {}

// StopPropagation is a no-op; there is no DOM tree to propagate through.
func (e *Event) StopPropagation() {}

// Callable is anything the worker can invoke on behalf of the engine,
// such as a reconstructed callback.
type Callable interface {
	Call(args ...any) (any, error)
}

// Handle is a live chart owned by the engine.
type Handle interface {
	Canvas() *Canvas
	Config() *Config

	Update(mode UpdateMode) error
	Resize() error
	Draw() error

	InteractionMode() string
	ElementsAt(ev *Event, mode string) []Element
	SetActiveElements(elements []Element)
	ActiveElements() []Element

	LegendHitBoxes() []HitBox
	ToggleDataset(index int)
	DatasetVisible(index int) bool

	// HandleEvent runs the engine's own event processing.
	HandleEvent(ev *Event, elements []Element) error
}

// Engine is the rendering engine.
type Engine interface {
	Create(ctx context.Context, canvas *Canvas, spec Spec) (Handle, error)
	GetHandle(canvasID string) (Handle, bool)
	Destroy(h Handle) error
	SetDefaults(defaults map[string]any) error
}
