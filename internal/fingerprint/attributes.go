// Package fingerprint derives a deterministic device fingerprint from platform
// attributes, used for probabilistic attribution matching without relying on
// advertising identifiers.
//
// Attributes come from the host platform through a Collector. The fingerprint
// hash is computed over a canonical rendering of the attribute set with keys
// sorted, so the same attributes always produce the same digest regardless of
// the order they were collected in.
package fingerprint

import (
	"sync"
)

// Attributes is the raw platform attribute set. Any field may be empty; a
// partial set still yields a usable fingerprint.
type Attributes struct {
	// Platform is "ios", "android" or "web".
	Platform string `json:"platform"`

	// Model is the device model (e.g., "Pixel 8").
	Model string `json:"model"`

	// OSVersion is the OS version string (e.g., "14").
	OSVersion string `json:"osVersion"`

	// TimezoneOffset is the UTC offset in minutes.
	TimezoneOffset int `json:"timezone"`

	// Locale is the device locale (e.g., "en-US").
	Locale string `json:"locale"`

	// UserAgent is the platform user agent string.
	UserAgent string `json:"userAgent"`

	// AppVersion is the host application version.
	AppVersion string `json:"appVersion,omitempty"`

	// Screen holds display metrics when the platform exposes them.
	Screen *Screen `json:"screen,omitempty"`

	// Extra carries further best-effort attributes. Nested maps are allowed one
	// level deep; keys colliding with the named fields are ignored.
	Extra map[string]any `json:"extra,omitempty"`
}

// Screen holds display metrics.
type Screen struct {
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Density float64 `json:"density,omitempty"`
}

// Map renders the attributes as the map that gets canonicalized and hashed.
func (a Attributes) Map() map[string]any {
	m := make(map[string]any, 8+len(a.Extra))
	for k, v := range a.Extra {
		m[k] = v
	}

	m["platform"] = a.Platform
	m["model"] = a.Model
	m["osVersion"] = a.OSVersion
	m["timezone"] = a.TimezoneOffset
	m["locale"] = a.Locale
	m["userAgent"] = a.UserAgent
	if a.AppVersion != "" {
		m["appVersion"] = a.AppVersion
	}
	if a.Screen != nil {
		screen := map[string]any{
			"width":  a.Screen.Width,
			"height": a.Screen.Height,
		}
		if a.Screen.Density != 0 {
			screen["density"] = a.Screen.Density
		}
		m["screen"] = screen
	}
	return m
}

// Collector gathers platform attributes. Implementations are best effort and
// may return partial attributes; an error makes the generator fall back to a
// non-reproducible fingerprint.
type Collector interface {
	Collect() (Attributes, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func() (Attributes, error)

// Collect calls f.
func (f CollectorFunc) Collect() (Attributes, error) {
	return f()
}

// PlatformCollector holds attributes pushed by the native layer. It is safe for
// concurrent use; Set may be called again when the platform reports changes.
type PlatformCollector struct {
	mu    sync.RWMutex
	attrs Attributes
}

// NewPlatformCollector returns a collector seeded with attrs.
func NewPlatformCollector(attrs Attributes) *PlatformCollector {
	return &PlatformCollector{attrs: attrs}
}

// Set replaces the collected attributes.
func (p *PlatformCollector) Set(attrs Attributes) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attrs = attrs
}

// Collect returns a copy of the current attributes.
func (p *PlatformCollector) Collect() (Attributes, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := p.attrs
	if p.attrs.Screen != nil {
		s := *p.attrs.Screen
		out.Screen = &s
	}
	if p.attrs.Extra != nil {
		out.Extra = make(map[string]any, len(p.attrs.Extra))
		for k, v := range p.attrs.Extra {
			out.Extra[k] = v
		}
	}
	return out, nil
}
