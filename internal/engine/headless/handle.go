package headless

import (
	"sync"

	"github.com/woxQAQ/chart-worker/internal/chart"
)

// Stats counts what a handle was asked to do.
type Stats struct {
	Draws   int
	Resizes int
	Updates map[chart.UpdateMode]int
	Events  int
	// LastEvent is the type of the most recent event handled.
	LastEvent string
}

// Handle is a live headless chart.
type Handle struct {
	engine *Engine
	canvas *chart.Canvas

	mu      sync.Mutex
	config  *chart.Config
	hidden  map[int]bool
	active  []chart.Element
	draws   int
	resizes int
	updates map[chart.UpdateMode]int
	events  int
	last    string
}

var _ chart.Handle = (*Handle)(nil)

// Canvas returns the canvas the chart draws on.
func (h *Handle) Canvas() *chart.Canvas {
	return h.canvas
}

// Config returns the live configuration. Callers may replace its fields
// and then call Update.
func (h *Handle) Config() *chart.Config {
	return h.config
}

// Update re-renders the chart.
func (h *Handle) Update(mode chart.UpdateMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates[mode]++
	h.draws++
	return nil
}

// Resize re-lays out the chart for the current canvas size.
func (h *Handle) Resize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes++
	h.draws++
	return nil
}

// Draw redraws the chart without updating its elements.
func (h *Handle) Draw() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draws++
	return nil
}

// InteractionMode returns options.interaction.mode, or the default mode.
func (h *Handle) InteractionMode() string {
	if mode, ok := lookupString(h.config.Options, "interaction", "mode"); ok && mode != "" {
		return mode
	}
	return chart.DefaultInteractionMode
}

// ElementsAt returns the elements under ev. In index mode every visible
// dataset contributes the element at the x index; any other mode returns
// only the first visible dataset's element.
func (h *Handle) ElementsAt(ev *chart.Event, mode string) []chart.Element {
	if ev == nil {
		return nil
	}
	datasets := h.datasets()
	points := 0
	for _, ds := range datasets {
		if n := len(datasetData(ds)); n > points {
			points = n
		}
	}
	if points == 0 {
		return nil
	}

	w, ht := h.canvas.Size()
	top := h.legendHeight(len(datasets))
	if ev.X < 0 || ev.X > float64(w) || ev.Y < top || ev.Y > float64(ht) {
		return nil
	}

	step := float64(w) / float64(points)
	index := int(ev.X / step)
	if index >= points {
		index = points - 1
	}

	var out []chart.Element
	for i, ds := range datasets {
		if !h.DatasetVisible(i) || index >= len(datasetData(ds)) {
			continue
		}
		out = append(out, chart.Element{
			DatasetIndex: i,
			Index:        index,
			X:            step*float64(index) + step/2,
			Y:            ev.Y,
		})
		if mode != chart.DefaultInteractionMode {
			break
		}
	}
	return out
}

// SetActiveElements sets the highlighted elements.
func (h *Handle) SetActiveElements(elements []chart.Element) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = append([]chart.Element(nil), elements...)
}

// ActiveElements returns the highlighted elements.
func (h *Handle) ActiveElements() []chart.Element {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chart.Element(nil), h.active...)
}

// LegendHitBoxes returns one box per dataset, left to right along the
// top edge. A legend with display: false has no boxes.
func (h *Handle) LegendHitBoxes() []chart.HitBox {
	if display, ok := lookupBool(h.config.Options, "plugins", "legend", "display"); ok && !display {
		return nil
	}
	n := len(h.datasets())
	boxes := make([]chart.HitBox, n)
	for i := range boxes {
		boxes[i] = chart.HitBox{
			Left:         float64(i) * h.engine.config.LegendItemWidth,
			Top:          0,
			Width:        h.engine.config.LegendItemWidth,
			Height:       h.engine.config.LegendItemHeight,
			DatasetIndex: i,
		}
	}
	return boxes
}

// ToggleDataset flips the visibility of a dataset.
func (h *Handle) ToggleDataset(index int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hidden[index] = !h.hidden[index]
}

// DatasetVisible reports whether a dataset is shown.
func (h *Handle) DatasetVisible(index int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.hidden[index]
}

// HandleEvent records the event.
func (h *Handle) HandleEvent(ev *chart.Event, elements []chart.Element) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events++
	if ev != nil {
		h.last = ev.Type
	}
	return nil
}

// Stats returns a snapshot of the handle's counters.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	updates := make(map[chart.UpdateMode]int, len(h.updates))
	for k, v := range h.updates {
		updates[k] = v
	}
	return Stats{
		Draws:     h.draws,
		Resizes:   h.resizes,
		Updates:   updates,
		Events:    h.events,
		LastEvent: h.last,
	}
}

func (h *Handle) legendHeight(datasets int) float64 {
	if datasets == 0 || len(h.LegendHitBoxes()) == 0 {
		return 0
	}
	return h.engine.config.LegendItemHeight
}

func (h *Handle) datasets() []any {
	data, ok := h.config.Data.(map[string]any)
	if !ok {
		return nil
	}
	ds, _ := data["datasets"].([]any)
	return ds
}

func datasetData(ds any) []any {
	m, ok := ds.(map[string]any)
	if !ok {
		return nil
	}
	d, _ := m["data"].([]any)
	return d
}

func lookup(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(m map[string]any, path ...string) (string, bool) {
	v, ok := lookup(m, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func lookupBool(m map[string]any, path ...string) (bool, bool) {
	v, ok := lookup(m, path...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
