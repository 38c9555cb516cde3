// Package extension loads packs that contribute callbacks, plugin
// factories and the spec mutator to the worker.
//
// A pack is a directory with a manifest.yaml, an optional script run in
// its own sandbox and an optional compiled callback module.
package extension

import (
	"time"

	"github.com/woxQAQ/chart-worker/internal/wasm"
)

// Extension is a parsed pack with its compiled module, if any.
type Extension struct {
	Manifest *Manifest

	// Compiled is nil for script-only packs.
	Compiled *wasm.CompiledModule

	// Source is the script text, empty for wasm-only packs.
	Source string

	LoadedAt time.Time
}

// Name returns the extension name.
func (e *Extension) Name() string {
	return e.Manifest.Name
}

// Version returns the extension version.
func (e *Extension) Version() string {
	return e.Manifest.Version
}

// Capabilities returns the declared capabilities.
func (e *Extension) Capabilities() []Capability {
	return e.Manifest.Capabilities
}

// Has reports whether the extension declares c.
func (e *Extension) Has(c Capability) bool {
	return e.Manifest.Has(c)
}
