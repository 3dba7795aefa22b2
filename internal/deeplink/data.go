// Package deeplink parses inbound URIs and routes them to host actions.
//
// Routes are registered once as an ordered table; the first pattern that
// matches an inbound path wins. Short links on the configured link domains
// are resolved through the backend before routing, and an identical URI
// delivered twice in quick succession is routed once.
package deeplink

import (
	"net/url"
	"strings"

	"github.com/SebastienMelki/tappick/internal/utm"
)

// Data is the parsed form of an inbound URI.
type Data struct {
	Raw    string            `json:"raw"`
	Scheme string            `json:"scheme,omitempty"`
	Host   string            `json:"host,omitempty"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	UTM    utm.Params        `json:"utm"`

	// Resolved marks a backend-resolved destination that must not be
	// resolved again.
	Resolved bool `json:"resolved,omitempty"`
}

// Parse parses raw into Data. It never fails: a string url.Parse rejects is
// split by hand into path and query.
func Parse(raw string) Data {
	d := Data{Raw: raw, Query: map[string]string{}}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return d
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return parseLenient(d, trimmed)
	}

	d.Scheme = strings.ToLower(u.Scheme)
	d.Host = strings.ToLower(u.Hostname())
	d.Path = u.Path
	if d.Path == "" && u.Opaque != "" {
		d.Path = u.Opaque
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		d.Query = splitQuery(u.RawQuery)
	} else {
		for k, v := range q {
			if len(v) > 0 {
				d.Query[k] = v[0]
			}
		}
	}
	d.UTM = utm.FromMap(d.Query)
	return d
}

// RoutePath is the path routes are matched against. Custom-scheme links put
// the first route segment in the host position (myapp://product/42), so for
// schemes other than http and https the host is prepended.
func (d Data) RoutePath() string {
	if d.Host == "" || d.Scheme == "" || d.Scheme == "http" || d.Scheme == "https" {
		return d.Path
	}
	return "/" + d.Host + d.Path
}

// ShortCode returns the first segment of a non-root path, or "" for the root.
// For example "/tappick-test/extra" yields "tappick-test".
func (d Data) ShortCode() string {
	p := strings.TrimPrefix(d.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}

func parseLenient(d Data, raw string) Data {
	rest := raw
	if i := strings.Index(rest, "://"); i > 0 {
		d.Scheme = strings.ToLower(rest[:i])
		rest = rest[i+3:]
		if j := strings.IndexAny(rest, "/?#"); j >= 0 {
			d.Host = strings.ToLower(rest[:j])
			rest = rest[j:]
		} else {
			d.Host = strings.ToLower(rest)
			rest = ""
		}
	}

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	path, query, _ := strings.Cut(rest, "?")
	d.Path = path
	d.Query = splitQuery(query)
	d.UTM = utm.FromMap(d.Query)
	return d
}

// splitQuery decodes a query string pair by pair, keeping the raw text of
// any value that does not unescape.
func splitQuery(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}
