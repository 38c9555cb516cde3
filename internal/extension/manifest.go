package extension

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	abi "github.com/woxQAQ/chart-worker/api/wasm"
	"github.com/woxQAQ/chart-worker/internal/wasm"
)

// ManifestFile is the file that marks a directory as an extension pack.
const ManifestFile = "manifest.yaml"

// Capability names what a pack contributes.
type Capability string

const (
	CapabilityCallbacks Capability = "callbacks"
	CapabilityPlugins   Capability = "plugins"
	CapabilityMutator   Capability = "mutator"
)

var validCapabilities = map[Capability]bool{
	CapabilityCallbacks: true,
	CapabilityPlugins:   true,
	CapabilityMutator:   true,
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manifest represents the manifest.yaml structure.
type Manifest struct {
	Name         string       `yaml:"name"`
	Version      string       `yaml:"version"`
	Description  string       `yaml:"description"`
	Capabilities []Capability `yaml:"capabilities"`
	Script       string       `yaml:"script"`
	Wasm         *WasmConfig  `yaml:"wasm"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig declares a compiled callback module.
type WasmConfig struct {
	File    string         `yaml:"file"`
	Exports []ExportConfig `yaml:"exports"`
}

// ExportConfig declares one module function bound as a callback.
type ExportConfig struct {
	Name      string   `yaml:"name"`
	ClosureID string   `yaml:"closure_id"`
	Params    []string `yaml:"params"`
	Results   []string `yaml:"results"`
}

// ParseManifest reads and validates manifest.yaml from a directory.
// Unknown keys are rejected.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = filepath.Clean(dir)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest fields and that referenced files exist.
func (m *Manifest) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &ManifestValidationError{Path: m.Path(), Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if m.Name == "" {
		return invalid("name", "name is required")
	}
	if !namePattern.MatchString(m.Name) {
		return invalid("name", "name %q must be lower case letters, digits, '-' or '_'", m.Name)
	}
	if m.Version == "" {
		return invalid("version", "version is required")
	}

	if len(m.Capabilities) == 0 {
		return invalid("capabilities", "at least one capability is required")
	}
	for _, c := range m.Capabilities {
		if !validCapabilities[c] {
			return invalid("capabilities", "unknown capability: %s (must be one of: callbacks, plugins, mutator)", c)
		}
	}

	if m.Script == "" && m.Wasm == nil {
		return invalid("script", "a script or a wasm module is required")
	}
	if m.Script != "" {
		if _, err := os.Stat(m.ScriptPath()); err != nil {
			return &FileNotFoundError{ManifestPath: m.Path(), Field: "script", File: m.Script}
		}
	}
	if m.Has(CapabilityMutator) && m.Script == "" {
		return invalid("capabilities", "the mutator capability requires a script")
	}

	if m.Wasm == nil {
		return nil
	}
	if m.Wasm.File == "" {
		return invalid("wasm.file", "wasm.file is required")
	}
	if !m.Has(CapabilityCallbacks) {
		return invalid("capabilities", "wasm exports require the callbacks capability")
	}
	if len(m.Wasm.Exports) == 0 {
		return invalid("wasm.exports", "at least one export is required")
	}
	if _, err := m.Exports(); err != nil {
		return invalid("wasm.exports", "%v", err)
	}
	if _, err := os.Stat(m.WasmPath()); err != nil {
		return &FileNotFoundError{ManifestPath: m.Path(), Field: "wasm", File: m.Wasm.File}
	}
	return nil
}

// Has reports whether the manifest declares c.
func (m *Manifest) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Exports converts the declared wasm exports.
func (m *Manifest) Exports() ([]wasm.Export, error) {
	if m.Wasm == nil {
		return nil, nil
	}
	out := make([]wasm.Export, 0, len(m.Wasm.Exports))
	for i, e := range m.Wasm.Exports {
		if e.Name == "" {
			return nil, fmt.Errorf("export %d: name is required", i)
		}
		params, err := valueTypes(e.Params)
		if err != nil {
			return nil, fmt.Errorf("export %s params: %w", e.Name, err)
		}
		results, err := valueTypes(e.Results)
		if err != nil {
			return nil, fmt.Errorf("export %s results: %w", e.Name, err)
		}
		out = append(out, wasm.Export{Name: e.Name, ClosureID: e.ClosureID, Params: params, Results: results})
	}
	return out, nil
}

func valueTypes(names []string) ([]abi.ValueType, error) {
	out := make([]abi.ValueType, len(names))
	for i, n := range names {
		t, err := abi.ParseValueType(n)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// ScriptPath returns the path of the script file.
func (m *Manifest) ScriptPath() string {
	return filepath.Join(m.dir, m.Script)
}

// WasmPath returns the path of the Wasm file.
func (m *Manifest) WasmPath() string {
	if m.Wasm == nil {
		return ""
	}
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
