// Package headless is an in-memory chart engine.
//
// It keeps chart state and counts render requests instead of drawing.
// Legend items are laid out left to right along the top edge, one per
// dataset, and element lookup splits the plot width evenly between the
// data points. That is all the geometry the worker protocol needs.
package headless

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/chart"
)

// Default canvas size, matching an unsized HTML canvas.
const (
	DefaultWidth  = 300
	DefaultHeight = 150
)

// Config holds layout settings.
type Config struct {
	LegendItemWidth  float64
	LegendItemHeight float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{LegendItemWidth: 60, LegendItemHeight: 20}
}

// Engine implements chart.Engine.
type Engine struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
	defaults map[string]any
	config   *Config
	logger   *zap.Logger
}

var _ chart.Engine = (*Engine)(nil)

// New creates an engine.
func New(logger *zap.Logger, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		handles:  make(map[string]*Handle),
		defaults: make(map[string]any),
		config:   config,
		logger:   logger.With(zap.String("component", "headless-engine")),
	}
}

// Create builds a handle for canvas. A canvas holds at most one chart.
func (e *Engine) Create(ctx context.Context, canvas *chart.Canvas, spec chart.Spec) (chart.Handle, error) {
	if canvas == nil {
		return nil, fmt.Errorf("canvas is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.handles[canvas.ID]; exists {
		return nil, &CanvasInUseError{CanvasID: canvas.ID}
	}

	if w, h := canvas.Size(); w == 0 && h == 0 {
		canvas.SetSize(DefaultWidth, DefaultHeight)
	}

	opts, _ := spec["options"].(map[string]any)
	plugins, _ := spec["plugins"].([]any)
	h := &Handle{
		engine: e,
		canvas: canvas,
		config: &chart.Config{
			Type:    spec.Type(),
			Data:    spec["data"],
			Options: opts,
			Plugins: plugins,
		},
		hidden:  make(map[int]bool),
		updates: make(map[chart.UpdateMode]int),
	}
	e.handles[canvas.ID] = h

	e.logger.Debug("Chart created",
		zap.String("canvas", canvas.ID),
		zap.String("type", h.config.Type),
	)
	return h, nil
}

// GetHandle returns the chart drawn on canvasID.
func (e *Engine) GetHandle(canvasID string) (chart.Handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h, ok := e.handles[canvasID]
	if !ok {
		return nil, false
	}
	return h, true
}

// Destroy releases the canvas held by h.
func (e *Engine) Destroy(h chart.Handle) error {
	hh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("handle %T was not created by this engine", h)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.handles[hh.canvas.ID]; !ok || cur != hh {
		return fmt.Errorf("chart on canvas '%s' is not live", hh.canvas.ID)
	}
	delete(e.handles, hh.canvas.ID)
	return nil
}

// SetDefaults deep-merges defaults into the engine-wide defaults.
func (e *Engine) SetDefaults(defaults map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.defaults = chart.Merge(e.defaults, defaults)
	return nil
}

// Defaults returns the engine-wide defaults.
func (e *Engine) Defaults() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return chart.Merge(nil, e.defaults)
}

// Len returns the number of live charts.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handles)
}

// CanvasInUseError occurs when a chart is created on a canvas that
// already holds one.
type CanvasInUseError struct {
	CanvasID string
}

func (e *CanvasInUseError) Error() string {
	return fmt.Sprintf("canvas '%s' is already in use", e.CanvasID)
}
