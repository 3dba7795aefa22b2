package attribution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/tappick/internal/fingerprint"
	"github.com/SebastienMelki/tappick/internal/observability"
	"github.com/SebastienMelki/tappick/internal/retry"
	"github.com/SebastienMelki/tappick/internal/transport"
	"github.com/SebastienMelki/tappick/internal/utm"
)

// Backend is the subset of the backend API used for matching.
type Backend interface {
	MatchReferrer(ctx context.Context, token string) (*transport.ReferrerMatch, error)
	MatchFingerprint(ctx context.Context, fp fingerprint.DeviceFingerprint) (transport.FingerprintMatch, error)
}

// TokenSource yields the install-referrer token. Available is false on
// platforms without a native install referrer.
type TokenSource interface {
	Available() bool
	Resolve(ctx context.Context) (string, bool)
	UTM(ctx context.Context) (utm.Params, bool)
}

// FingerprintSource builds a fresh device fingerprint.
type FingerprintSource interface {
	Generate(ctx context.Context) fingerprint.DeviceFingerprint
}

// Engine runs attribution matching. It is safe for concurrent use, though a
// host normally runs it once per first launch.
type Engine struct {
	backend      Backend
	referrer     TokenSource
	fingerprints FingerprintSource

	policy    retry.Policy
	retryOpts []retry.Option
	retrier   *retry.Retrier

	metrics *observability.Metrics
	onError func(error)
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides retry.DefaultPolicy.
func WithPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithRetryOptions passes options to the underlying retrier.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(e *Engine) { e.retryOpts = append(e.retryOpts, opts...) }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithErrorHandler registers a side channel for failures that were absorbed
// into a "no match" result.
func WithErrorHandler(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an Engine. referrer may be nil when the platform has no
// install referrer.
func NewEngine(backend Backend, referrer TokenSource, fingerprints FingerprintSource, opts ...Option) *Engine {
	e := &Engine{
		backend:      backend,
		referrer:     referrer,
		fingerprints: fingerprints,
		policy:       retry.DefaultPolicy,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewNoopMetrics()
	}
	e.logger = e.logger.With("component", "attribution")

	retryOpts := []retry.Option{
		retry.WithClassifier(transport.IsTransient),
		retry.WithNotify(e.onRetry),
	}
	e.retrier = retry.New(e.policy, append(retryOpts, e.retryOpts...)...)
	return e
}

// MatchWithRetry resolves attribution for this install. It never fails: any
// network or backend failure ends in a zero Match and is reported through the
// logger and the error handler.
func (e *Engine) MatchWithRetry(ctx context.Context) Match {
	start := e.now()

	m := e.match(ctx)

	method := string(m.Method)
	if method == "" {
		method = "none"
	}
	e.metrics.MatchResults.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", m.Outcome()),
	))
	e.metrics.MatchDuration.Record(ctx, float64(e.now().Sub(start).Milliseconds()))

	e.logger.Info("attribution resolved",
		"method", method,
		"outcome", m.Outcome(),
		"confidence", m.Confidence,
		"link_id", m.LinkID,
	)
	return m
}

func (e *Engine) match(ctx context.Context) Match {
	if e.referrer != nil && e.referrer.Available() {
		if token, ok := e.referrer.Resolve(ctx); ok {
			if m, final := e.matchReferrer(ctx, token); final {
				return m
			}
		} else {
			e.logger.Debug("no referrer token, using fingerprint matching")
		}
	}
	return e.matchFingerprint(ctx)
}

// matchReferrer performs the deterministic lookup. final is false when the
// caller should fall back to fingerprint matching.
func (e *Engine) matchReferrer(ctx context.Context, token string) (m Match, final bool) {
	resp, err := retry.Value(ctx, e.retrier, func(ctx context.Context) (*transport.ReferrerMatch, error) {
		return e.backend.MatchReferrer(ctx, token)
	})
	if err != nil {
		e.report("referrer match failed", err)
		return Match{}, false
	}

	if resp.AlreadyClaimed {
		e.logger.Info("referrer link already claimed by a previous install",
			"link_id", resp.LinkID,
			"claimed_at", resp.ClaimedAt,
		)
		m := Match{
			Success:        resp.Success,
			Method:         MethodReferrer,
			LinkID:         resp.LinkID,
			ShortCode:      resp.ShortCode,
			AlreadyClaimed: true,
			MatchedAt:      e.now().UTC(),
		}
		if t := resp.ClaimedTime(); !t.IsZero() {
			m.ClaimedAt = &t
		}
		return m, true
	}

	if !resp.Success {
		e.logger.Debug("referrer token not matched, using fingerprint matching")
		return Match{}, false
	}

	params := utm.Params{}
	if resp.UTM != nil {
		params = *resp.UTM
	}
	if installUTM, ok := e.referrer.UTM(ctx); ok {
		params = params.Merge(installUTM)
	}

	return Match{
		Success:     true,
		Method:      MethodReferrer,
		Confidence:  ConfidenceHigh,
		Score:       1,
		LinkID:      resp.LinkID,
		ShortCode:   resp.ShortCode,
		DeepLinkURL: resp.DeepLink(),
		UTM:         params,
		MatchedAt:   e.now().UTC(),
	}, true
}

func (e *Engine) matchFingerprint(ctx context.Context) Match {
	if e.fingerprints == nil {
		return Match{}
	}
	fp := e.fingerprints.Generate(ctx)

	resp, err := retry.Value(ctx, e.retrier, func(ctx context.Context) (transport.FingerprintMatch, error) {
		return e.backend.MatchFingerprint(ctx, fp)
	})
	if err != nil {
		e.report("fingerprint match failed", err)
		return Match{}
	}
	if !resp.Found {
		return Match{}
	}

	m := Match{
		Success:     true,
		Method:      MethodFingerprint,
		Confidence:  ParseConfidence(resp.Confidence),
		Score:       resp.Score,
		LinkID:      resp.LinkID,
		DeepLinkURL: resp.DeepLinkURL,
		Metadata:    resp.Metadata,
		MatchedAt:   e.now().UTC(),
	}
	if resp.UTM != nil {
		m.UTM = *resp.UTM
	}

	if !m.IsAcceptableConfidence() {
		e.logger.Info("fingerprint match below confidence threshold",
			"confidence", m.Confidence,
			"score", m.Score,
		)
	}
	return m
}

func (e *Engine) onRetry(attempt int, err error, delay time.Duration) {
	e.metrics.MatchRetries.Add(context.Background(), 1)
	e.logger.Warn("match attempt failed, retrying",
		"attempt", attempt,
		"max_attempts", e.policy.MaxAttempts,
		"delay", delay,
		"error", err,
	)
}

// report logs an absorbed failure and forwards it to the error handler.
// A 404 is the backend saying "no such token" and is not reported.
func (e *Engine) report(msg string, err error) {
	if transport.IsNotFound(err) {
		e.logger.Debug(msg, "error", err)
		return
	}
	if errors.Is(err, context.Canceled) {
		e.logger.Debug(msg, "error", err)
		return
	}
	e.logger.Warn(msg, "error", err)
	if e.onError != nil {
		e.onError(err)
	}
}
