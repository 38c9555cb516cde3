// Package registry tracks the live charts of one worker.
//
// Charts are keyed by the caller-assigned chart id. Each entry holds a
// non-owning reference to the engine handle and the most recent
// computed-style snapshot the host sent for that chart. Writes are
// last-write-wins and nothing is evicted until Remove or Reset.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/chart"
	"github.com/woxQAQ/chart-worker/pkg/protocol"
)

// Registry maps chart ids to handles and style snapshots.
type Registry struct {
	sync.RWMutex
	handles map[protocol.ChartID]chart.Handle
	styles  map[protocol.ChartID]chart.Styles
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		handles: make(map[protocol.ChartID]chart.Handle),
		styles:  make(map[protocol.ChartID]chart.Styles),
		logger:  logger.With(zap.String("component", "chart-registry")),
	}
}

// Register stores handle under id, replacing any previous handle.
func (r *Registry) Register(id protocol.ChartID, handle chart.Handle) {
	r.Lock()
	defer r.Unlock()

	if _, exists := r.handles[id]; exists {
		r.logger.Debug("Chart handle replaced", zap.String("chart_id", string(id)))
	}
	r.handles[id] = handle

	r.logger.Info("Chart registered", zap.String("chart_id", string(id)))
}

// Get returns the handle stored under id.
func (r *Registry) Get(id protocol.ChartID) (chart.Handle, bool) {
	r.RLock()
	defer r.RUnlock()

	h, ok := r.handles[id]
	return h, ok
}

// SetStyles stores a copy of snapshot under id.
func (r *Registry) SetStyles(id protocol.ChartID, snapshot chart.Styles) {
	cp := make(chart.Styles, len(snapshot))
	for k, v := range snapshot {
		cp[k] = v
	}

	r.Lock()
	defer r.Unlock()
	r.styles[id] = cp
}

// GetStyles returns the snapshot stored under id.
func (r *Registry) GetStyles(id protocol.ChartID) (chart.Styles, bool) {
	r.RLock()
	defer r.RUnlock()

	s, ok := r.styles[id]
	return s, ok
}

// Remove drops the handle and snapshot stored under id.
func (r *Registry) Remove(id protocol.ChartID) {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.handles[id]; !ok {
		delete(r.styles, id)
		return
	}
	delete(r.handles, id)
	delete(r.styles, id)

	r.logger.Info("Chart removed", zap.String("chart_id", string(id)))
}

// IDs returns the registered chart ids in sorted order.
func (r *Registry) IDs() []protocol.ChartID {
	r.RLock()
	defer r.RUnlock()

	ids := make([]protocol.ChartID, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered charts.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.handles)
}

// Reset drops every handle and snapshot.
func (r *Registry) Reset() {
	r.Lock()
	defer r.Unlock()

	n := len(r.handles)
	r.handles = make(map[protocol.ChartID]chart.Handle)
	r.styles = make(map[protocol.ChartID]chart.Styles)

	r.logger.Info("Chart registry reset", zap.Int("dropped", n))
}
