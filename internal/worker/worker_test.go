package worker

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/chart-worker/internal/callback"
	"github.com/woxQAQ/chart-worker/internal/chart"
	"github.com/woxQAQ/chart-worker/internal/engine/headless"
	"github.com/woxQAQ/chart-worker/internal/interact"
	"github.com/woxQAQ/chart-worker/internal/pipeline"
	"github.com/woxQAQ/chart-worker/internal/registry"
	"github.com/woxQAQ/chart-worker/internal/script"
	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// recorder collects everything a worker posts, JSON encoded.
type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) Write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, string(b))
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// scripted replays inbound messages, then reports EOF.
type scripted struct {
	recorder
	inbound []string
}

func (s *scripted) Read(ctx context.Context) ([]byte, error) {
	if len(s.inbound) == 0 {
		return nil, io.EOF
	}
	msg := s.inbound[0]
	s.inbound = s.inbound[1:]
	return []byte(msg), nil
}

type fixture struct {
	worker   *Worker
	engine   *headless.Engine
	registry *registry.Registry
	table    *callback.Table
	mutators *pipeline.Mutators
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sandbox := script.New("main", logger, &script.Config{Timeout: time.Second})
	table := callback.NewTable(logger)
	d := callback.NewDerationalizer(table, sandbox)
	engine := headless.New(logger, nil)
	mutators := pipeline.NewMutators(logger)
	reg := registry.New(logger)

	pipe := pipeline.New(sandbox, d, mutators, engine, logger)
	return &fixture{
		worker:   New(engine, pipe, d, reg, interact.New(reg, logger), logger),
		engine:   engine,
		registry: reg,
		table:    table,
		mutators: mutators,
	}
}

const barObj = `{"type":"bar","data":{"labels":["a","b"],"datasets":[{"data":[1,2]}]}}`

func (f *fixture) send(t *testing.T, msg string) []string {
	t.Helper()
	out := &recorder{}
	f.worker.OnCommand(context.Background(), []byte(msg), out)
	return out.messages()
}

func TestServeSendsReadyFirst(t *testing.T) {
	f := newFixture(t)
	conn := &scripted{inbound: []string{
		`["t1",{"canvas":"cv1","obj":` + barObj + `,"id":"c1"}]`,
	}}

	require.NoError(t, f.worker.Serve(context.Background(), conn))

	ready, err := json.Marshal(protocol.ReadySignal)
	require.NoError(t, err)
	assert.Equal(t, []string{string(ready), `["t1",true]`}, conn.messages())
}

func TestCreateRespondsOnceAndRegisters(t *testing.T) {
	f := newFixture(t)

	got := f.send(t, `["t1",{"canvas":"cv1","width":640,"height":480,"obj":`+barObj+`,"id":"c1"}]`)
	assert.Equal(t, []string{`["t1",true]`}, got)

	h, ok := f.registry.Get("c1")
	require.True(t, ok)
	w, ht := h.Canvas().Size()
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, ht)

	st := h.(*headless.Handle).Stats()
	assert.Equal(t, 1, st.Resizes)
	assert.Equal(t, 1, st.Updates[chart.ModeActive])
}

func TestCreateRespectsDisabledAnimation(t *testing.T) {
	f := newFixture(t)

	obj := `{"type":"bar","data":{},"options":{"animation":false}}`
	require.Equal(t, []string{`[1,true]`}, f.send(t, `[1,{"canvas":"cv1","obj":`+obj+`,"id":7}]`))

	h, ok := f.registry.Get("7")
	require.True(t, ok)
	st := h.(*headless.Handle).Stats()
	assert.Equal(t, 1, st.Resizes)
	assert.Zero(t, st.Updates[chart.ModeActive])
}

func TestCreateWithoutIDIsNotRegistered(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{`["t",true]`}, f.send(t, `["t",{"canvas":"cv1","obj":`+barObj+`}]`))
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 1, f.engine.Len())
}

func TestCreateFailureRespondsFalse(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"missing canvas", `["t",{"obj":` + barObj + `}]`},
		{"missing obj", `["t",{"canvas":"cv1"}]`},
		{"invalid spec", `["t",{"canvas":"cv1","obj":{"type":"bar"}}]`},
		{"missing mutator", `["t",{"canvas":"cv1","obj":` + barObj + `,"mutate":true}]`},
		{"plugin source throws", `["t",{"canvas":"cv1","obj":` + barObj + `,"plugins":"throw new Error('x')"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			assert.Equal(t, []string{`["t",false]`}, f.send(t, tt.msg))
			assert.Equal(t, 0, f.engine.Len())
		})
	}
}

func TestCreateOnBusyCanvasRespondsFalse(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))
	assert.Equal(t, []string{`["t2",false]`}, f.send(t, `["t2",{"canvas":"cv1","obj":`+barObj+`,"id":"c2"}]`))

	_, ok := f.registry.Get("c2")
	assert.False(t, ok)
}

func TestMutatorPanicRespondsFalse(t *testing.T) {
	f := newFixture(t)
	f.mutators.Register(pipeline.MutatorName, pipeline.MutatorFunc(func(ctx context.Context, spec chart.Spec) (chart.Spec, error) {
		panic("mutator exploded")
	}))

	assert.Equal(t, []string{`["t",false]`}, f.send(t, `["t",{"canvas":"cv1","obj":`+barObj+`,"mutate":true}]`))
}

func TestUpdateWithoutChartRespondsFalse(t *testing.T) {
	f := newFixture(t)

	got := f.send(t, `["t2",{"canvas":"cv9","id":"c9","updated":{"type":"line","data":{},"options":{}}}]`)
	assert.Equal(t, []string{`["t2",false]`}, got)
	assert.Equal(t, 0, f.registry.Len())
}

func TestUpdateReplacesConfig(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))

	got := f.send(t, `["t2",{"id":"c1","updated":{"type":"line","data":{"datasets":[]},"options":{"responsive":false}}}]`)
	assert.Equal(t, []string{`["t2",true]`}, got)

	h, _ := f.registry.Get("c1")
	assert.Equal(t, "line", h.Config().Type)
	assert.Equal(t, map[string]any{"datasets": []any{}}, h.Config().Data)
	assert.Equal(t, map[string]any{"responsive": false}, h.Config().Options)
	assert.Equal(t, 1, h.(*headless.Handle).Stats().Updates[chart.ModeNone])
}

func TestUpdateKeepsAbsentKeys(t *testing.T) {
	f := newFixture(t)
	obj := `{"type":"bar","data":{"labels":["a"]},"options":{"responsive":true}}`
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+obj+`,"id":"c1"}]`))

	require.Equal(t, []string{`["t2",true]`}, f.send(t, `["t2",{"id":"c1","updated":{"data":{"labels":["b"]}}}]`))

	h, _ := f.registry.Get("c1")
	assert.Equal(t, "bar", h.Config().Type)
	assert.Equal(t, map[string]any{"labels": []any{"b"}}, h.Config().Data)
	assert.Equal(t, map[string]any{"responsive": true}, h.Config().Options)
}

func TestUpdateAnimated(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))

	require.Equal(t, []string{`["t2",true]`}, f.send(t, `["t2",{"id":"c1","animate":true,"updated":{"type":"bar","data":{}}}]`))

	h, _ := f.registry.Get("c1")
	st := h.(*headless.Handle).Stats()
	assert.Equal(t, 1, st.Updates[chart.ModeDefault])
	assert.Equal(t, 2, st.Resizes)
}

func TestUpdateFallsBackToCanvas(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`}]`))

	assert.Equal(t, []string{`["t2",true]`}, f.send(t, `["t2",{"canvas":"cv1","updated":{"type":"line","data":{}}}]`))
	h, ok := f.engine.GetHandle("cv1")
	require.True(t, ok)
	assert.Equal(t, "line", h.Config().Type)
}

func TestUpdateDerationalizesCallbacks(t *testing.T) {
	f := newFixture(t)
	f.table.Register("fmt", func(args ...any) (any, error) { return "formatted", nil })
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))

	msg := `["t2",{"id":"c1","updated":{"type":"bar","data":{},"options":{"onClick":{"args":["e"],"body":"","closure_id":"fmt","return_value":""}}}}]`
	require.Equal(t, []string{`["t2",true]`}, f.send(t, msg))

	h, _ := f.registry.Get("c1")
	fn, ok := h.Config().Options["onClick"].(*callback.Function)
	require.True(t, ok)
	res, err := fn.Call(nil)
	require.NoError(t, err)
	assert.Equal(t, "formatted", res)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))

	assert.Equal(t, []string{`["t2",true]`}, f.send(t, `["t2",{"id":"c1","destroy":true}]`))
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.engine.Len())

	assert.Equal(t, []string{`["t3",false]`}, f.send(t, `["t3",{"id":"c1","destroy":true}]`))

	// The canvas is free again.
	assert.Equal(t, []string{`["t4",true]`}, f.send(t, `["t4",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))
}

func TestCloseDestroysRegisteredCharts(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))
	require.Equal(t, []string{`["t2",true]`}, f.send(t, `["t2",{"canvas":"cv2","obj":`+barObj+`,"id":"c2"}]`))

	require.NoError(t, f.worker.Close())
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 0, f.engine.Len())

	// Canvases are free for a new chart.
	assert.Equal(t, []string{`["t3",true]`}, f.send(t, `["t3",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))
}

func TestMouseEventsAreNotAnswered(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, []string{`["t1",true]`}, f.send(t, `["t1",{"canvas":"cv1","obj":`+barObj+`,"id":"c1"}]`))

	assert.Empty(t, f.send(t, `{"type":"mouse-event","eventType":"mousemove","x":10,"y":100,"chartId":"c1","computedStyles":{"fontFamily":"Inter"}}`))
	assert.Empty(t, f.send(t, `{"type":"mouse-event","eventType":"click","x":10,"y":100,"chartId":"ghost"}`))

	styles, ok := f.registry.GetStyles("c1")
	require.True(t, ok)
	assert.Equal(t, "Inter", styles["fontFamily"])
}

func TestMalformedMessages(t *testing.T) {
	f := newFixture(t)

	assert.Empty(t, f.send(t, `not json`))
	assert.Empty(t, f.send(t, `{"type":"other"}`))
	assert.Empty(t, f.send(t, `[]`))
	assert.Empty(t, f.send(t, `""`))
	assert.Equal(t, []string{`["t",false]`}, f.send(t, `["t",{"canvas":5}]`))
}

func TestTransactionEchoedVerbatim(t *testing.T) {
	f := newFixture(t)

	got := f.send(t, `[{"seq":3,"tag":"x"},{"canvas":"cv1","obj":`+barObj+`}]`)
	assert.Equal(t, []string{`[{"seq":3,"tag":"x"},true]`}, got)
}

func TestLoopSurvivesFailures(t *testing.T) {
	f := newFixture(t)
	conn := &scripted{inbound: []string{
		`garbage`,
		`["a",{"canvas":"cv1"}]`,
		`{"type":"mouse-event","eventType":"click","chartId":"none"}`,
		`["b",{"canvas":"cv1","obj":` + barObj + `,"id":"c1"}]`,
	}}

	require.NoError(t, f.worker.Serve(context.Background(), conn))
	assert.Equal(t, []string{`""`, `["a",false]`, `["b",true]`}, conn.messages())
}
