package chart

import (
	"strings"
	"sync"
	"unicode"
)

// Styles is a computed-style snapshot sent by the host, keyed by CSS
// property name or by its camel-cased accessor.
type Styles map[string]string

// Lookup resolves a property by its exact name, then by its camel-case
// and kebab-case forms.
func (s Styles) Lookup(property string) (string, bool) {
	if s == nil {
		return "", false
	}
	if v, ok := s[property]; ok {
		return v, true
	}
	if v, ok := s[CamelCase(property)]; ok {
		return v, true
	}
	if v, ok := s[KebabCase(property)]; ok {
		return v, true
	}
	return "", false
}

// CamelCase turns "font-family" into "fontFamily".
func CamelCase(s string) string {
	if !strings.Contains(s, "-") {
		return s
	}
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '-' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// KebabCase turns "fontFamily" into "font-family".
func KebabCase(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsUpper(r) {
			b.WriteByte('-')
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StyleFunc answers computed-style queries for a canvas.
type StyleFunc func(property string) string

// Canvas is the worker-side stand-in for a transferred canvas.
type Canvas struct {
	ID string

	mu           sync.RWMutex
	width        int
	height       int
	style        StyleFunc
	shimInstalls int
}

// NewCanvas creates a canvas with no size and no style shim.
func NewCanvas(id string) *Canvas {
	return &Canvas{ID: id}
}

// SetSize sets the drawing buffer dimensions.
func (c *Canvas) SetSize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width, c.height = width, height
}

// Size returns the drawing buffer dimensions.
func (c *Canvas) Size() (width, height int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.width, c.height
}

// InstallStyleShim installs fn as the canvas style resolver unless one is
// already installed. It reports whether fn was installed.
func (c *Canvas) InstallStyleShim(fn StyleFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.style != nil {
		return false
	}
	c.style = fn
	c.shimInstalls++
	return true
}

// ShimInstalls returns how many times a style shim was installed.
func (c *Canvas) ShimInstalls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shimInstalls
}

// ComputedStyle resolves property through the installed shim. Without a
// shim every property resolves to the empty string.
func (c *Canvas) ComputedStyle(property string) string {
	c.mu.RLock()
	fn := c.style
	c.mu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn(property)
}
