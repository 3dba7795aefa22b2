// Package referrer extracts the deferred-link token and UTM tags from the raw
// install-referrer string a platform hands over after installation.
//
// Only platforms with a native install-referrer mechanism (Android) provide a
// Provider. The first resolution is cached on the Resolver for the lifetime of
// the instance.
package referrer

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/SebastienMelki/tappick/internal/storage"
	"github.com/SebastienMelki/tappick/internal/utm"
)

// TokenParam is the referrer query parameter carrying the deferred-link token.
const TokenParam = "deferred_link"

// Provider returns the raw install-referrer string. ok is false when the
// platform has no referrer for this install.
type Provider interface {
	InstallReferrer(ctx context.Context) (raw string, ok bool, err error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (string, bool, error)

// InstallReferrer calls f.
func (f ProviderFunc) InstallReferrer(ctx context.Context) (string, bool, error) {
	return f(ctx)
}

// Resolver resolves the install referrer once and caches the outcome.
// It is safe for concurrent use.
type Resolver struct {
	provider Provider
	store    storage.Store
	logger   *slog.Logger

	mu       sync.Mutex
	resolved bool
	raw      string
	token    string
	utm      utm.Params
}

// NewResolver creates a Resolver. A nil provider means the platform has no
// install-referrer mechanism; Available then reports false. store may be nil.
func NewResolver(provider Provider, store storage.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		provider: provider,
		store:    store,
		logger:   logger.With("component", "referrer"),
	}
}

// Available reports whether deterministic matching is possible on this platform.
func (r *Resolver) Available() bool {
	return r.provider != nil
}

// Resolve returns the deferred-link token from the install referrer.
// The provider is queried at most once per Resolver until ClearCache.
func (r *Resolver) Resolve(ctx context.Context) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolveLocked(ctx)
	return r.token, r.token != ""
}

// UTM returns the UTM tags carried by the install referrer. When the referrer
// has none (or this process has no provider) the tags persisted by an earlier
// process are returned.
func (r *Resolver) UTM(ctx context.Context) (utm.Params, bool) {
	r.mu.Lock()
	r.resolveLocked(ctx)
	params := r.utm
	r.mu.Unlock()

	if !params.IsZero() {
		return params, true
	}

	if r.store == nil {
		return utm.Params{}, false
	}
	var persisted utm.Params
	if err := storage.GetJSON(ctx, r.store, storage.KeyInstallUTM, &persisted); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("failed to load persisted install utm", "error", err)
		}
		return utm.Params{}, false
	}
	return persisted, !persisted.IsZero()
}

// Raw returns the cached raw referrer string, resolving it if needed.
func (r *Resolver) Raw(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolveLocked(ctx)
	return r.raw
}

// ClearCache forgets the cached resolution so the next call queries the
// provider again.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolved = false
	r.raw = ""
	r.token = ""
	r.utm = utm.Params{}
}

func (r *Resolver) resolveLocked(ctx context.Context) {
	if r.resolved {
		return
	}
	r.resolved = true

	if r.provider == nil {
		return
	}

	raw, ok, err := r.provider.InstallReferrer(ctx)
	if err != nil {
		r.logger.Warn("install referrer unavailable", "error", err)
		return
	}
	if !ok || raw == "" {
		r.logger.Debug("no install referrer for this install")
		return
	}

	r.raw = raw
	r.token, _ = ExtractToken(raw)
	r.utm = ExtractUTM(raw)

	if !r.utm.IsZero() && r.store != nil {
		if err := storage.SetJSON(ctx, r.store, storage.KeyInstallUTM, r.utm); err != nil {
			r.logger.Warn("failed to persist install utm", "error", err)
		}
	}

	r.logger.Debug("install referrer resolved",
		"has_token", r.token != "",
		"utm_source", r.utm.Source,
	)
}

var tokenPattern = regexp.MustCompile(`(?:^|[?&])` + TokenParam + `=([^&#]*)`)

// ExtractToken returns the deferred_link value from a raw referrer string.
// Standard query decoding is tried first; malformed strings fall back to a
// regular expression.
func ExtractToken(raw string) (string, bool) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "?")
	if raw == "" {
		return "", false
	}

	if q, err := url.ParseQuery(raw); err == nil {
		v := q.Get(TokenParam)
		return v, v != ""
	}

	v := regexValue(tokenPattern, raw)
	return v, v != ""
}

var utmPatterns = map[string]*regexp.Regexp{
	utm.ParamSource:   regexp.MustCompile(`(?:^|[?&])utm_source=([^&#]*)`),
	utm.ParamMedium:   regexp.MustCompile(`(?:^|[?&])utm_medium=([^&#]*)`),
	utm.ParamCampaign: regexp.MustCompile(`(?:^|[?&])utm_campaign=([^&#]*)`),
	utm.ParamContent:  regexp.MustCompile(`(?:^|[?&])utm_content=([^&#]*)`),
	utm.ParamTerm:     regexp.MustCompile(`(?:^|[?&])utm_term=([^&#]*)`),
}

// ExtractUTM returns the UTM tags in a raw referrer string, using the same
// structured-then-regex strategy as ExtractToken.
func ExtractUTM(raw string) utm.Params {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "?")
	if raw == "" {
		return utm.Params{}
	}

	if q, err := url.ParseQuery(raw); err == nil {
		return utm.FromValues(q)
	}

	m := make(map[string]string, len(utmPatterns))
	for param, re := range utmPatterns {
		if v := regexValue(re, raw); v != "" {
			m[param] = v
		}
	}
	return utm.FromMap(m)
}

func regexValue(re *regexp.Regexp, raw string) string {
	match := re.FindStringSubmatch(raw)
	if len(match) < 2 {
		return ""
	}
	if v, err := url.QueryUnescape(match[1]); err == nil {
		return v
	}
	return match[1]
}
