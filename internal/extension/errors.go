package extension

import (
	"fmt"
)

// ManifestNotFoundError occurs when manifest.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when manifest.yaml cannot be parsed as valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when manifest.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// FileNotFoundError occurs when a script or Wasm file referenced in the
// manifest doesn't exist.
type FileNotFoundError struct {
	ManifestPath string
	Field        string
	File         string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("%s file '%s' not found (referenced in manifest '%s')",
		e.Field, e.File, e.ManifestPath)
}

// LoadError occurs when an extension fails to load or activate.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load extension '%s': %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NotFoundError occurs when an extension is not loaded.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("extension '%s' not found", e.Name)
}

// AlreadyRegisteredError occurs when two extensions share a name.
type AlreadyRegisteredError struct {
	Name string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("extension '%s' is already registered", e.Name)
}

// CapabilityError occurs when a script uses a capability its manifest
// does not declare, or declares one it does not provide.
type CapabilityError struct {
	Name       string
	Capability Capability
	Message    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("extension '%s' capability '%s': %s", e.Name, e.Capability, e.Message)
}

// NoExtensionsFoundError occurs when the configured paths hold no packs.
type NoExtensionsFoundError struct {
	Paths []string
}

func (e *NoExtensionsFoundError) Error() string {
	return fmt.Sprintf("no extensions found in paths: %v", e.Paths)
}
