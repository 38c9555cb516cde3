package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/engine/headless"
	"github.com/woxQAQ/chart-worker/internal/interact"
	"github.com/woxQAQ/chart-worker/internal/pipeline"
	"github.com/woxQAQ/chart-worker/internal/registry"
	"github.com/woxQAQ/chart-worker/internal/script"
	"github.com/woxQAQ/chart-worker/internal/transport"
	"github.com/woxQAQ/chart-worker/internal/worker"
	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// pipePair connects a client and a worker through in-memory pipes.
func pipePair() (host, remote *transport.StreamConn) {
	hostR, remoteW := io.Pipe()
	remoteR, hostW := io.Pipe()
	host = transport.NewStreamConn(hostR, hostW, closers{hostR, hostW})
	remote = transport.NewStreamConn(remoteR, remoteW, closers{remoteR, remoteW})
	return host, remote
}

type closers []io.Closer

func (cs closers) Close() error {
	for _, c := range cs {
		_ = c.Close()
	}
	return nil
}

type env struct {
	client   *Client
	registry *registry.Registry
	engine   *headless.Engine
}

func startWorker(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sandbox := script.New("main", logger, &script.Config{Timeout: time.Second})
	table := callback.NewTable(logger)
	d := callback.NewDerationalizer(table, sandbox)
	engine := headless.New(logger, nil)
	reg := registry.New(logger)
	w := worker.New(engine, pipeline.New(sandbox, d, pipeline.NewMutators(logger), engine, logger), d, reg, interact.New(reg, logger), logger)

	host, remote := pipePair()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = w.Serve(ctx, remote)
	}()

	readyCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	c, err := New(readyCtx, host, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		_ = remote.Close()
		<-served
	})
	return &env{client: c, registry: reg, engine: engine}
}

func barSpec() map[string]any {
	return map[string]any{
		"type": "bar",
		"data": map[string]any{"datasets": []any{map[string]any{"data": []any{1, 2}}}},
	}
}

func TestRenderUpdateDestroy(t *testing.T) {
	e := startWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := e.client.Render(ctx, RenderRequest{Canvas: "cv1", Width: 400, Height: 200, Spec: barSpec(), ID: "c1"})
	require.NoError(t, err)
	assert.True(t, ok)

	h, found := e.registry.Get("c1")
	require.True(t, found)
	w, ht := h.Canvas().Size()
	assert.Equal(t, 400, w)
	assert.Equal(t, 200, ht)

	ok, err = e.client.Update(ctx, UpdateRequest{ID: "c1", Updated: map[string]any{"type": "line", "data": map[string]any{}}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "line", h.Config().Type)

	ok, err = e.client.Update(ctx, UpdateRequest{ID: "missing", Updated: map[string]any{"type": "line"}})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.client.Destroy(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, e.engine.Len())
	assert.Equal(t, 0, e.client.Pending())
}

func TestConcurrentRequestsMatchByTransaction(t *testing.T) {
	e := startWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 8
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			spec := barSpec()
			if i%2 == 1 {
				delete(spec, "data")
			}
			ok, err := e.client.Render(ctx, RenderRequest{
				Canvas: fmt.Sprintf("cv%d", i),
				Spec:   spec,
				ID:     protocol.ChartID(fmt.Sprintf("c%d", i)),
			})
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.Equal(t, i%2 == 0, ok, "request %d", i)
	}
	assert.Equal(t, n/2, e.registry.Len())
}

func TestMouseEventNotAnswered(t *testing.T) {
	e := startWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := e.client.Render(ctx, RenderRequest{Canvas: "cv1", Spec: barSpec(), ID: "c1"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.client.SendMouseEvent(ctx, protocol.MouseEvent{
		EventType:      protocol.EventMouseMove,
		X:              10,
		Y:              100,
		ChartID:        "c1",
		ComputedStyles: StylesFrom(map[string]string{"font-family": "Inter", "color": "red", "margin": "0"}),
	}))

	// A later request still gets its own answer.
	ok, err = e.client.Destroy(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, e.client.Pending())
}

func TestRequestHonorsContext(t *testing.T) {
	host, remote := pipePair()
	defer remote.Close()

	go func() {
		_ = remote.Write(context.Background(), protocol.ReadySignal)
		// Swallow requests without answering.
		for {
			if _, err := remote.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	c, err := New(context.Background(), host, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Render(ctx, RenderRequest{Canvas: "cv", Spec: barSpec()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestClosedClient(t *testing.T) {
	e := startWorker(t)
	require.NoError(t, e.client.Close())

	_, err := e.client.Render(context.Background(), RenderRequest{Canvas: "cv", Spec: barSpec()})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStylesFrom(t *testing.T) {
	got := StylesFrom(map[string]string{
		"font-family": "Inter",
		"fontSize":    "12px",
		"line-height": "1.5",
		"margin":      "0",
	})
	assert.Equal(t, map[string]string{
		"fontFamily": "Inter",
		"fontSize":   "12px",
		"lineHeight": "1.5",
	}, got)
}
