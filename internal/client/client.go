// Package client is the host side of the worker protocol.
//
// A Client waits for the worker's ready signal, then sends render,
// update and destroy requests tagged with fresh transaction ids. Many
// requests may be outstanding at once; a single reader goroutine routes
// each [transaction, success] response to the caller waiting on it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/chart"
	"github.com/woxQAQ/chart-worker/internal/transport"
	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("client: closed")

// RenderRequest creates a chart.
type RenderRequest struct {
	Canvas string
	// Width and Height are canvas dimensions; zero leaves them unset.
	Width, Height float64
	Spec          map[string]any
	ID            protocol.ChartID
	Mutate        bool
	Plugins       string
	Defaults      string
}

// UpdateRequest replaces a chart's type, data and options.
type UpdateRequest struct {
	ID      protocol.ChartID
	Canvas  string
	Updated map[string]any
	Animate bool
}

// Client talks to one worker.
type Client struct {
	conn   transport.Conn
	logger *zap.Logger
	newID  func() string

	mu      sync.Mutex
	pending map[string]chan bool
	err     error
	done    chan struct{}
}

// Dial connects to a websocket worker and waits for it to be ready.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, conn, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// New waits for the ready signal on conn and starts routing responses.
func New(ctx context.Context, conn transport.Conn, logger *zap.Logger) (*Client, error) {
	c := &Client{
		conn:    conn,
		logger:  logger.With(zap.String("component", "worker-client")),
		newID:   uuid.NewString,
		pending: make(map[string]chan bool),
		done:    make(chan struct{}),
	}

	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) awaitReady(ctx context.Context) error {
	for {
		raw, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("worker did not become ready: %w", err)
		}
		if protocol.Sniff(raw) == protocol.KindReady {
			c.logger.Debug("Worker ready")
			return nil
		}
		c.logger.Debug("Ignoring message before ready signal", zap.ByteString("message", raw))
	}
}

// Render asks the worker to create a chart and reports whether it did.
func (c *Client) Render(ctx context.Context, req RenderRequest) (bool, error) {
	if req.Spec == nil {
		return false, fmt.Errorf("render request requires a spec")
	}
	p := protocol.Payload{
		Canvas: req.Canvas,
		Obj:    req.Spec,
		ID:     req.ID,
		Mutate: req.Mutate,
	}
	if req.Width > 0 {
		p.Width = &req.Width
	}
	if req.Height > 0 {
		p.Height = &req.Height
	}
	if req.Plugins != "" {
		p.Plugins = &req.Plugins
	}
	if req.Defaults != "" {
		p.Defaults = &req.Defaults
	}
	return c.call(ctx, p)
}

// Update asks the worker to replace a chart's configuration.
func (c *Client) Update(ctx context.Context, req UpdateRequest) (bool, error) {
	updated := req.Updated
	if updated == nil {
		updated = map[string]any{}
	}
	return c.call(ctx, protocol.Payload{
		ID:      req.ID,
		Canvas:  req.Canvas,
		Updated: updated,
		Animate: req.Animate,
	})
}

// Destroy asks the worker to tear a chart down.
func (c *Client) Destroy(ctx context.Context, id protocol.ChartID) (bool, error) {
	return c.call(ctx, protocol.Payload{ID: id, Destroy: true})
}

// SendMouseEvent relays a pointer event. The worker does not answer.
func (c *Client) SendMouseEvent(ctx context.Context, ev protocol.MouseEvent) error {
	ev.Type = protocol.MessageTypeMouseEvent
	return c.conn.Write(ctx, ev)
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the connection and fails outstanding requests.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, p protocol.Payload) (bool, error) {
	t := protocol.NewTransaction(c.newID())
	key := t.Key()
	ch := make(chan bool, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return false, err
	}
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.conn.Write(ctx, protocol.Request{Transaction: t, Payload: p}); err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case ok := <-ch:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.done:
		return false, c.closeErr()
	}
}

func (c *Client) readLoop() {
	for {
		raw, err := c.conn.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		if protocol.Sniff(raw) != protocol.KindTuple {
			c.logger.Debug("Ignoring non-response message", zap.ByteString("message", raw))
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			c.logger.Warn("Dropping malformed response", zap.Error(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.Transaction.Key()]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Response for unknown transaction", zap.Stringer("transaction", resp.Transaction))
			continue
		}
		select {
		case ch <- resp.Success:
		default:
			c.logger.Warn("Duplicate response", zap.Stringer("transaction", resp.Transaction))
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// StyleKeys are the computed-style properties forwarded with pointer
// events.
var StyleKeys = []string{"fontFamily", "fontSize", "fontWeight", "fontStyle", "lineHeight", "color"}

// StylesFrom picks StyleKeys out of a computed-style listing keyed by
// either CSS or camel-case names.
func StylesFrom(computed map[string]string) map[string]string {
	src := chart.Styles(computed)
	out := make(map[string]string, len(StyleKeys))
	for _, key := range StyleKeys {
		if v, ok := src.Lookup(key); ok {
			out[key] = v
		}
	}
	return out
}
