// Package interact replays host pointer events on live charts.
//
// The host forwards mousemove, mouseleave and click events in canvas
// coordinates together with the computed styles of the canvas element.
// The adapter stores the styles, makes them visible to the engine
// through a style shim on the canvas, and drives the handle the way a
// browser event listener would.
package interact

import (
	"context"

	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/chart"
	"github.com/woxQAQ/chart-worker/internal/registry"
	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// ClickFunc is the Go form of an options.onClick handler.
type ClickFunc func(ev *chart.Event, elements []chart.Element, h chart.Handle) error

// Adapter relays events to registered charts.
type Adapter struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// New creates an adapter over reg.
func New(reg *registry.Registry, logger *zap.Logger) *Adapter {
	return &Adapter{
		registry: reg,
		logger:   logger.With(zap.String("component", "interaction-adapter")),
	}
}

// Handle applies one event. Events for unknown charts are dropped with
// a *ChartNotFoundError.
func (a *Adapter) Handle(ctx context.Context, msg protocol.MouseEvent) error {
	h, ok := a.registry.Get(msg.ChartID)
	if !ok {
		return &ChartNotFoundError{ChartID: msg.ChartID}
	}

	if msg.ComputedStyles != nil {
		a.registry.SetStyles(msg.ChartID, chart.Styles(msg.ComputedStyles))
	}
	if h.Canvas().InstallStyleShim(a.styleShim(msg.ChartID)) {
		a.logger.Debug("Style shim installed", zap.String("chart_id", string(msg.ChartID)))
	}

	ev := chart.NewEvent(string(msg.EventType), msg.X, msg.Y)

	switch msg.EventType {
	case protocol.EventMouseMove:
		h.SetActiveElements(h.ElementsAt(ev, h.InteractionMode()))
		return h.Draw()

	case protocol.EventMouseLeave:
		h.SetActiveElements(nil)
		return h.Draw()

	case protocol.EventClick:
		return a.click(msg.ChartID, h, ev)

	default:
		return &UnsupportedEventError{EventType: msg.EventType}
	}
}

// click toggles a dataset when a legend item is hit. Otherwise the event
// goes to the engine and then to the chart's onClick handler.
func (a *Adapter) click(id protocol.ChartID, h chart.Handle, ev *chart.Event) error {
	for _, box := range h.LegendHitBoxes() {
		if !box.Contains(ev.X, ev.Y) {
			continue
		}
		h.ToggleDataset(box.DatasetIndex)
		a.logger.Debug("Legend item toggled",
			zap.String("chart_id", string(id)),
			zap.Int("dataset", box.DatasetIndex),
			zap.Bool("visible", h.DatasetVisible(box.DatasetIndex)),
		)
		return h.Update(chart.ModeDefault)
	}

	elements := h.ElementsAt(ev, h.InteractionMode())
	if err := h.HandleEvent(ev, elements); err != nil {
		return err
	}

	var onClick any
	if opts := h.Config().Options; opts != nil {
		onClick = opts["onClick"]
	}

	var err error
	switch fn := onClick.(type) {
	case nil:
		return nil
	case chart.Callable:
		_, err = fn.Call(ev, elements, h)
	case ClickFunc:
		err = fn(ev, elements, h)
	case func(*chart.Event, []chart.Element, chart.Handle) error:
		err = fn(ev, elements, h)
	default:
		a.logger.Debug("Ignoring non-callable onClick", zap.String("chart_id", string(id)))
		return nil
	}
	if err != nil {
		return &ClickHandlerError{ChartID: id, Err: err}
	}
	return nil
}

// styleShim answers style queries from the latest snapshot stored for id.
func (a *Adapter) styleShim(id protocol.ChartID) chart.StyleFunc {
	return func(property string) string {
		styles, ok := a.registry.GetStyles(id)
		if !ok {
			return ""
		}
		v, _ := styles.Lookup(property)
		return v
	}
}
