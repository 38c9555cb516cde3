package callback

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Table maps closure ids to live callbacks. Entries are looked up when a
// delegating function is called, not when it is built.
type Table struct {
	sync.RWMutex
	funcs  map[string]Func
	logger *zap.Logger
}

// NewTable creates an empty callback table.
func NewTable(logger *zap.Logger) *Table {
	return &Table{
		funcs:  make(map[string]Func),
		logger: logger.With(zap.String("component", "callback-table")),
	}
}

// Register binds fn to id, replacing any previous binding.
func (t *Table) Register(id string, fn Func) {
	t.Lock()
	defer t.Unlock()

	if _, exists := t.funcs[id]; exists {
		t.logger.Debug("Callback replaced", zap.String("closure_id", id))
	}
	t.funcs[id] = fn
}

// Unregister removes the binding for id.
func (t *Table) Unregister(id string) {
	t.Lock()
	defer t.Unlock()
	delete(t.funcs, id)
}

// Lookup returns the callback bound to id.
func (t *Table) Lookup(id string) (Func, bool) {
	t.RLock()
	defer t.RUnlock()

	fn, ok := t.funcs[id]
	return fn, ok
}

// Invoke calls the callback bound to id.
func (t *Table) Invoke(id string, args ...any) (any, error) {
	fn, ok := t.Lookup(id)
	if !ok {
		return nil, &CallbackNotFoundError{ClosureID: id}
	}
	return fn(args...)
}

// IDs returns the registered ids in sorted order.
func (t *Table) IDs() []string {
	t.RLock()
	defer t.RUnlock()

	ids := make([]string, 0, len(t.funcs))
	for id := range t.funcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered callbacks.
func (t *Table) Len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.funcs)
}

// Reset drops every binding.
func (t *Table) Reset() {
	t.Lock()
	defer t.Unlock()

	t.funcs = make(map[string]Func)
	t.logger.Info("Callback table reset")
}
