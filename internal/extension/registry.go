package extension

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry indexes loaded extensions by name and capability.
type Registry struct {
	sync.RWMutex
	extensions   map[string]*Extension       // name -> extension
	byCapability map[Capability][]*Extension // capability -> extensions
	logger       *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		extensions:   make(map[string]*Extension),
		byCapability: make(map[Capability][]*Extension),
		logger:       logger.With(zap.String("component", "extension-registry")),
	}
}

// Register adds an extension.
func (r *Registry) Register(ext *Extension) error {
	r.Lock()
	defer r.Unlock()

	name := ext.Name()
	if _, exists := r.extensions[name]; exists {
		return &AlreadyRegisteredError{Name: name}
	}

	r.extensions[name] = ext
	for _, c := range ext.Capabilities() {
		r.byCapability[c] = append(r.byCapability[c], ext)
	}

	r.logger.Info("Extension registered",
		zap.String("name", name),
		zap.Any("capabilities", ext.Capabilities()),
	)
	return nil
}

// Get retrieves an extension by name.
func (r *Registry) Get(name string) (*Extension, bool) {
	r.RLock()
	defer r.RUnlock()

	ext, ok := r.extensions[name]
	return ext, ok
}

// LookupByCapability returns the extensions declaring c, in registration
// order.
func (r *Registry) LookupByCapability(c Capability) []*Extension {
	r.RLock()
	defer r.RUnlock()

	exts := r.byCapability[c]
	result := make([]*Extension, len(exts))
	copy(result, exts)
	return result
}

// List returns all extensions sorted by name.
func (r *Registry) List() []*Extension {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Extension, 0, len(r.extensions))
	for _, ext := range r.extensions {
		result = append(result, ext)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Unregister removes an extension.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	ext, ok := r.extensions[name]
	if !ok {
		return
	}

	for _, c := range ext.Capabilities() {
		exts := r.byCapability[c]
		for i, e := range exts {
			if e.Name() == name {
				r.byCapability[c] = append(exts[:i:i], exts[i+1:]...)
				break
			}
		}
	}
	delete(r.extensions, name)

	r.logger.Info("Extension unregistered", zap.String("name", name))
}

// Count returns the number of registered extensions.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.extensions)
}
