package interact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/chart"
	"github.com/woxQAQ/chart-worker/internal/engine/headless"
	"github.com/woxQAQ/chart-worker/internal/registry"
	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

func setup(t *testing.T, options map[string]any) (*Adapter, *headless.Handle) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	engine := headless.New(logger, &headless.Config{LegendItemWidth: 60, LegendItemHeight: 20})
	canvas := chart.NewCanvas("cv")
	canvas.SetSize(300, 150)

	datasets := make([]any, 3)
	for i := range datasets {
		datasets[i] = map[string]any{"data": []any{1.0, 2.0, 3.0}}
	}
	spec := chart.Spec{"type": "bar", "data": map[string]any{"datasets": datasets}}
	if options != nil {
		spec["options"] = options
	}

	h, err := engine.Create(context.Background(), canvas, spec)
	require.NoError(t, err)

	reg := registry.New(logger)
	reg.Register("c1", h)
	return New(reg, logger), h.(*headless.Handle)
}

func mouse(eventType protocol.EventType, x, y float64) protocol.MouseEvent {
	return protocol.MouseEvent{
		Type:      protocol.MessageTypeMouseEvent,
		EventType: eventType,
		X:         x,
		Y:         y,
		ChartID:   "c1",
	}
}

func TestUnknownChartDropped(t *testing.T) {
	a, h := setup(t, nil)

	ev := mouse(protocol.EventMouseMove, 10, 50)
	ev.ChartID = "ghost"
	err := a.Handle(context.Background(), ev)

	var notFound *ChartNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, protocol.ChartID("ghost"), notFound.ChartID)
	assert.Equal(t, 0, h.Stats().Draws)
}

func TestMouseMoveSetsActiveElements(t *testing.T) {
	a, h := setup(t, nil)

	require.NoError(t, a.Handle(context.Background(), mouse(protocol.EventMouseMove, 150, 100)))

	active := h.ActiveElements()
	require.Len(t, active, 3)
	assert.Equal(t, 1, active[0].Index)
	assert.Equal(t, 1, h.Stats().Draws)
}

func TestMouseLeaveClearsActiveElements(t *testing.T) {
	a, h := setup(t, nil)

	require.NoError(t, a.Handle(context.Background(), mouse(protocol.EventMouseMove, 150, 100)))
	require.NoError(t, a.Handle(context.Background(), mouse(protocol.EventMouseLeave, 0, 0)))

	assert.Empty(t, h.ActiveElements())
	assert.Equal(t, 2, h.Stats().Draws)
}

func TestLegendClickTogglesDataset(t *testing.T) {
	called := false
	a, h := setup(t, map[string]any{
		"onClick": ClickFunc(func(*chart.Event, []chart.Element, chart.Handle) error {
			called = true
			return nil
		}),
	})

	// Third legend item spans x 120..180 along the top edge.
	require.NoError(t, a.Handle(context.Background(), mouse(protocol.EventClick, 150, 10)))

	assert.False(t, h.DatasetVisible(2))
	assert.True(t, h.DatasetVisible(0))
	assert.Equal(t, 1, h.Stats().Updates[chart.ModeDefault])
	assert.Equal(t, 0, h.Stats().Events)
	assert.False(t, called, "legend hits must not reach onClick")

	require.NoError(t, a.Handle(context.Background(), mouse(protocol.EventClick, 150, 10)))
	assert.True(t, h.DatasetVisible(2))
}

func TestClickOutsideLegendCallsOnClick(t *testing.T) {
	var (
		gotElements []chart.Element
		gotEvent    *chart.Event
		gotHandle   any
	)
	a, h := setup(t, map[string]any{
		"onClick": callback.NewFunction([]string{"e", "els", "chart"}, func(args ...any) (any, error) {
			gotEvent = args[0].(*chart.Event)
			gotElements = args[1].([]chart.Element)
			gotHandle = args[2]
			return nil, nil
		}),
	})

	require.NoError(t, a.Handle(context.Background(), mouse(protocol.EventClick, 10, 100)))

	require.NotNil(t, gotEvent)
	assert.Equal(t, "click", gotEvent.Type)
	assert.Len(t, gotElements, 3)
	assert.Same(t, h, gotHandle)
	assert.Equal(t, 1, h.Stats().Events)
}

func TestClickHandlerErrorWrapped(t *testing.T) {
	boom := errors.New("boom")
	a, _ := setup(t, map[string]any{
		"onClick": callback.NewFunction(nil, func(args ...any) (any, error) { return nil, boom }),
	})

	err := a.Handle(context.Background(), mouse(protocol.EventClick, 10, 100))
	var handlerErr *ClickHandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.ErrorIs(t, err, boom)
}

func TestStyleShimInstalledOnce(t *testing.T) {
	a, h := setup(t, nil)

	first := mouse(protocol.EventMouseMove, 10, 100)
	first.ComputedStyles = map[string]string{"fontFamily": "Inter", "fontSize": "12px"}
	require.NoError(t, a.Handle(context.Background(), first))
	require.NoError(t, a.Handle(context.Background(), mouse(protocol.EventMouseMove, 20, 100)))

	assert.Equal(t, 1, h.Canvas().ShimInstalls())
	assert.Equal(t, "Inter", h.Canvas().ComputedStyle("font-family"))
	assert.Equal(t, "12px", h.Canvas().ComputedStyle("fontSize"))

	// The shim reads the latest snapshot at query time.
	next := mouse(protocol.EventMouseMove, 30, 100)
	next.ComputedStyles = map[string]string{"fontFamily": "Roboto"}
	require.NoError(t, a.Handle(context.Background(), next))

	assert.Equal(t, 1, h.Canvas().ShimInstalls())
	assert.Equal(t, "Roboto", h.Canvas().ComputedStyle("font-family"))
	assert.Equal(t, "", h.Canvas().ComputedStyle("font-size"))
}

func TestUnsupportedEvent(t *testing.T) {
	a, _ := setup(t, nil)

	err := a.Handle(context.Background(), mouse("wheel", 0, 0))
	var unsupported *UnsupportedEventError
	require.ErrorAs(t, err, &unsupported)
}
