// Package worker is the chart worker's command router.
//
// A worker reads one message at a time from its connection and handles
// it fully before reading the next. Mouse events are relayed to the
// interaction adapter and never answered. Request tuples
// [transaction, payload] create, update or destroy a chart and are
// answered with exactly one [transaction, success] tuple, whatever
// happens while handling them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/chart"
	"github.com/woxQAQ/chart-worker/internal/interact"
	"github.com/woxQAQ/chart-worker/internal/pipeline"
	"github.com/woxQAQ/chart-worker/internal/registry"
	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// Writer posts one message to the host.
type Writer interface {
	Write(ctx context.Context, v any) error
}

// Conn is a bidirectional message channel to the host.
type Conn interface {
	Writer
	Read(ctx context.Context) ([]byte, error)
}

// Worker routes host messages.
type Worker struct {
	engine         chart.Engine
	pipeline       *pipeline.Pipeline
	derationalizer *callback.Derationalizer
	registry       *registry.Registry
	adapter        *interact.Adapter
	logger         *zap.Logger

	mu       sync.Mutex
	canvases map[string]*chart.Canvas
}

// New creates a worker.
func New(
	engine chart.Engine,
	pipe *pipeline.Pipeline,
	d *callback.Derationalizer,
	reg *registry.Registry,
	adapter *interact.Adapter,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		engine:         engine,
		pipeline:       pipe,
		derationalizer: d,
		registry:       reg,
		adapter:        adapter,
		logger:         logger.With(zap.String("component", "worker")),
		canvases:       make(map[string]*chart.Canvas),
	}
}

// Ready posts the startup signal.
func (w *Worker) Ready(ctx context.Context, out Writer) error {
	if err := out.Write(ctx, protocol.ReadySignal); err != nil {
		return fmt.Errorf("failed to send ready signal: %w", err)
	}
	w.logger.Debug("Ready signal sent")
	return nil
}

// Serve sends the ready signal and then handles messages in arrival
// order until the connection closes or ctx is done.
func (w *Worker) Serve(ctx context.Context, conn Conn) error {
	if err := w.Ready(ctx, conn); err != nil {
		return err
	}

	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				w.logger.Info("Connection closed")
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		w.OnCommand(ctx, raw, conn)
	}
}

// OnCommand handles one inbound message. It never panics and never
// returns an error; failures are logged, and request tuples are answered
// with success false.
func (w *Worker) OnCommand(ctx context.Context, raw []byte, out Writer) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic while handling message", zap.Any("panic", r))
		}
	}()

	switch kind := protocol.Sniff(raw); kind {
	case protocol.KindMouseEvent:
		w.onMouseEvent(ctx, raw)
	case protocol.KindTuple:
		w.onRequest(ctx, raw, out)
	case protocol.KindReady:
		w.logger.Debug("Ignoring ready signal from host")
	default:
		w.logger.Warn("Dropping message of unknown shape",
			zap.Error(&MalformedMessageError{Reason: "unknown message shape"}),
			zap.Int("size", len(raw)),
		)
	}
}

func (w *Worker) onMouseEvent(ctx context.Context, raw []byte) {
	var ev protocol.MouseEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		w.logger.Warn("Dropping mouse event",
			zap.Error(&MalformedMessageError{Reason: "invalid mouse event", Err: err}))
		return
	}

	if err := w.adapter.Handle(ctx, ev); err != nil {
		var notFound *interact.ChartNotFoundError
		if errors.As(err, &notFound) {
			w.logger.Warn("Mouse event for unknown chart", zap.String("chart_id", string(ev.ChartID)))
			return
		}
		w.logger.Error("Failed to handle mouse event",
			zap.String("chart_id", string(ev.ChartID)),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err),
		)
	}
}

func (w *Worker) onRequest(ctx context.Context, raw []byte, out Writer) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		// Answer when at least the transaction is readable.
		var parts []json.RawMessage
		if json.Unmarshal(raw, &parts) != nil || len(parts) == 0 || req.Transaction.UnmarshalJSON(parts[0]) != nil {
			w.logger.Warn("Dropping request",
				zap.Error(&MalformedMessageError{Reason: "invalid request tuple", Err: err}))
			return
		}
		w.logger.Warn("Rejecting request",
			zap.Stringer("transaction", req.Transaction),
			zap.Error(&MalformedMessageError{Reason: "invalid request payload", Err: err}),
		)
		w.respond(ctx, out, req.Transaction, false)
		return
	}

	success := false
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic while handling request",
				zap.Stringer("transaction", req.Transaction),
				zap.Any("panic", r),
			)
			success = false
		}
		w.respond(ctx, out, req.Transaction, success)
	}()

	var err error
	p := &req.Payload
	switch {
	case p.Destroy:
		err = w.destroy(ctx, p)
	case p.Updated != nil:
		err = w.update(ctx, p)
	default:
		err = w.create(ctx, p)
	}
	if err != nil {
		w.logger.Error("Request failed",
			zap.Stringer("transaction", req.Transaction),
			zap.String("chart_id", string(p.ID)),
			zap.Error(err),
		)
		return
	}
	success = true
}

func (w *Worker) respond(ctx context.Context, out Writer, t protocol.Transaction, success bool) {
	if err := out.Write(ctx, protocol.Response{Transaction: t, Success: success}); err != nil {
		w.logger.Error("Failed to send response",
			zap.Stringer("transaction", t),
			zap.Error(err),
		)
	}
}

func (w *Worker) create(ctx context.Context, p *protocol.Payload) error {
	if p.Canvas == "" {
		return &MalformedMessageError{Reason: "create request requires a canvas"}
	}
	if p.Obj == nil {
		return &MalformedMessageError{Reason: "create request requires obj"}
	}

	spec, err := w.pipeline.Prepare(ctx, chart.Spec(p.Obj), pipeline.Options{
		Mutate:   p.Mutate,
		Plugins:  p.Plugins,
		Defaults: p.Defaults,
	})
	if err != nil {
		return err
	}

	canvas := w.canvas(p.Canvas)
	if p.Width != nil || p.Height != nil {
		width, height := canvas.Size()
		if p.Width != nil {
			width = int(*p.Width)
		}
		if p.Height != nil {
			height = int(*p.Height)
		}
		canvas.SetSize(width, height)
	}

	h, err := w.instantiate(ctx, canvas, spec)
	if err != nil {
		return &CreationError{ChartID: p.ID, Err: err}
	}
	if p.ID != "" {
		w.registry.Register(p.ID, h)
	}

	if err := h.Resize(); err != nil {
		return err
	}
	if !spec.AnimationDisabled() {
		if err := h.Update(chart.ModeActive); err != nil {
			return err
		}
	}

	w.logger.Info("Chart created",
		zap.String("chart_id", string(p.ID)),
		zap.String("canvas", p.Canvas),
		zap.String("type", spec.Type()),
	)
	return nil
}

// instantiate calls the engine, turning a panic into an error.
func (w *Worker) instantiate(ctx context.Context, canvas *chart.Canvas, spec chart.Spec) (h chart.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("engine panicked: %v", r)
		}
	}()
	return w.engine.Create(ctx, canvas, spec)
}

// update replaces the chart's type, data and options with the values in
// p.Updated. Keys absent from p.Updated keep their current value; an
// explicit null clears data or options.
func (w *Worker) update(ctx context.Context, p *protocol.Payload) error {
	updated, err := w.derationalizer.DerationalizeMap(p.Updated)
	if err != nil {
		return err
	}

	h, err := w.lookup(p)
	if err != nil {
		return err
	}

	cfg := h.Config()
	if v, ok := updated["type"]; ok {
		t, ok := v.(string)
		if !ok {
			return &MalformedMessageError{Reason: fmt.Sprintf("updated.type must be a string, got %T", v)}
		}
		cfg.Type = t
	}
	if v, ok := updated["data"]; ok {
		cfg.Data = v
	}
	if v, ok := updated["options"]; ok {
		opts, ok := v.(map[string]any)
		if v != nil && !ok {
			return &MalformedMessageError{Reason: fmt.Sprintf("updated.options must be an object, got %T", v)}
		}
		cfg.Options = opts
	}

	if p.Animate {
		if err := h.Update(chart.ModeDefault); err != nil {
			return err
		}
		if err := h.Resize(); err != nil {
			return err
		}
	} else if err := h.Update(chart.ModeNone); err != nil {
		return err
	}

	w.logger.Debug("Chart updated",
		zap.String("chart_id", string(p.ID)),
		zap.Bool("animate", p.Animate),
	)
	return nil
}

func (w *Worker) destroy(ctx context.Context, p *protocol.Payload) error {
	h, err := w.lookup(p)
	if err != nil {
		return err
	}
	if err := w.engine.Destroy(h); err != nil {
		return err
	}
	if p.ID != "" {
		w.registry.Remove(p.ID)
	}

	w.mu.Lock()
	delete(w.canvases, h.Canvas().ID)
	w.mu.Unlock()

	w.logger.Info("Chart destroyed",
		zap.String("chart_id", string(p.ID)),
		zap.String("canvas", h.Canvas().ID),
	)
	return nil
}

// Close destroys every registered chart and empties the registry. The
// worker must not be serving when Close is called.
func (w *Worker) Close() error {
	var err error
	ids := w.registry.IDs()
	for _, id := range ids {
		if h, ok := w.registry.Get(id); ok {
			err = multierr.Append(err, w.engine.Destroy(h))
		}
	}
	w.registry.Reset()

	w.mu.Lock()
	w.canvases = make(map[string]*chart.Canvas)
	w.mu.Unlock()

	w.logger.Debug("Worker closed", zap.Int("charts", len(ids)))
	return err
}

// lookup resolves a request's chart by id, falling back to the canvas
// only when no id is given.
func (w *Worker) lookup(p *protocol.Payload) (chart.Handle, error) {
	if p.ID != "" {
		if h, ok := w.registry.Get(p.ID); ok {
			return h, nil
		}
		return nil, &LookupError{ChartID: p.ID}
	}
	if p.Canvas != "" {
		if h, ok := w.engine.GetHandle(p.Canvas); ok {
			return h, nil
		}
	}
	return nil, &LookupError{Canvas: p.Canvas}
}

// canvas returns the worker-side canvas for id, creating it on first use.
func (w *Worker) canvas(id string) *chart.Canvas {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.canvases[id]
	if !ok {
		c = chart.NewCanvas(id)
		w.canvases[id] = c
	}
	return c
}
