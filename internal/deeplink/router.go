package deeplink

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/tappick/internal/observability"
	"github.com/SebastienMelki/tappick/internal/transport"
)

// MaxResolveDepth bounds how many times one inbound link is resolved through
// the backend before it is routed as-is.
const MaxResolveDepth = 1

// ShortLinkResolver resolves short codes on the backend.
type ShortLinkResolver interface {
	ResolveShortCode(ctx context.Context, code, platform string) (*transport.ShortLink, error)
}

// Router dispatches inbound links to the registered route table.
// It is safe for concurrent use.
type Router struct {
	navigator Navigator

	resolver    ShortLinkResolver
	platform    string
	linkDomains map[string]bool

	dedup   *dedupWindow
	metrics *observability.Metrics
	logger  *slog.Logger

	mu              sync.Mutex
	routes          []compiledRoute
	mode            MatchMode
	registered      bool
	initial         *Data
	initialConsumed bool
}

// Option configures a Router.
type Option func(*routerOptions)

type routerOptions struct {
	resolver    ShortLinkResolver
	platform    string
	linkDomains []string
	dedupWindow time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// WithShortLinks enables short-link resolution for links whose host is one of
// domains.
func WithShortLinks(resolver ShortLinkResolver, platform string, domains ...string) Option {
	return func(o *routerOptions) {
		o.resolver = resolver
		o.platform = platform
		o.linkDomains = append(o.linkDomains, domains...)
	}
}

// WithDedupWindow sets the duplicate suppression window. Zero disables it.
func WithDedupWindow(d time.Duration) Option {
	return func(o *routerOptions) { o.dedupWindow = d }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *routerOptions) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *routerOptions) { o.logger = logger }
}

// WithClock replaces time.Now for duplicate suppression.
func WithClock(now func() time.Time) Option {
	return func(o *routerOptions) { o.now = now }
}

// NewRouter creates a Router that navigates through nav.
func NewRouter(nav Navigator, opts ...Option) *Router {
	o := routerOptions{
		dedupWindow: DefaultDedupWindow,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observability.NewNoopMetrics()
	}

	r := &Router{
		navigator:   nav,
		resolver:    o.resolver,
		platform:    o.platform,
		linkDomains: make(map[string]bool, len(o.linkDomains)),
		metrics:     o.metrics,
		logger:      o.logger.With("component", "deeplink"),
	}
	for _, d := range o.linkDomains {
		r.linkDomains[strings.ToLower(d)] = true
	}
	if o.dedupWindow > 0 {
		r.dedup = newDedupWindow(o.dedupWindow, o.now)
	}
	return r
}

// RegisterRoutes installs the route table. It may be called once; evaluation
// order is the order of routes.
func (r *Router) RegisterRoutes(routes []Route, mode MatchMode) error {
	compiled, err := compile(routes)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return ErrRoutesRegistered
	}
	r.routes = compiled
	r.mode = mode
	r.registered = true

	r.logger.Debug("routes registered", "count", len(compiled), "mode", mode)
	return nil
}

// SetInitialLink retains the cold-start link until ConsumeInitialLink.
// Only the first initial link of a process is kept.
func (r *Router) SetInitialLink(raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initial != nil || r.initialConsumed {
		return
	}
	d := Parse(raw)
	r.initial = &d
}

// ConsumeInitialLink dispatches the cold-start link. It reports false if
// there is none or it was already consumed; the link is delivered at most
// once per process.
func (r *Router) ConsumeInitialLink(ctx context.Context) bool {
	r.mu.Lock()
	if r.initial == nil || r.initialConsumed {
		r.mu.Unlock()
		return false
	}
	d := *r.initial
	r.initial = nil
	r.initialConsumed = true
	r.mu.Unlock()

	r.handle(ctx, d, originInitial)
	return true
}

// Handle parses and dispatches a warm-start link. It reports whether a route
// ran.
func (r *Router) Handle(ctx context.Context, raw string) bool {
	return r.handle(ctx, Parse(raw), originStream)
}

// DispatchResolved routes a destination the backend already resolved, such
// as a deferred deep link recovered by attribution.
func (r *Router) DispatchResolved(ctx context.Context, raw string) bool {
	d := Parse(raw)
	d.Resolved = true
	return r.Dispatch(ctx, d)
}

// Listen handles every link received on links until ctx is done or links is
// closed.
func (r *Router) Listen(ctx context.Context, links <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-links:
			if !ok {
				return
			}
			r.Handle(ctx, raw)
		}
	}
}

func (r *Router) handle(ctx context.Context, d Data, origin linkOrigin) bool {
	if r.dedup != nil && d.Raw != "" && r.dedup.duplicate(d.Raw, origin) {
		r.logger.Debug("link already delivered on the other path, suppressed", "uri", d.Raw, "origin", origin)
		r.record(ctx, "duplicate")
		return false
	}
	return r.Dispatch(ctx, d)
}

// Dispatch routes d to the first matching route. Short links are resolved
// first, at most MaxResolveDepth times.
func (r *Router) Dispatch(ctx context.Context, d Data) bool {
	return r.dispatch(ctx, d, 0)
}

func (r *Router) dispatch(ctx context.Context, d Data, depth int) bool {
	if r.needsResolution(d) {
		if depth >= MaxResolveDepth {
			r.logger.Warn("short link resolution depth exceeded, routing as-is",
				"uri", d.Raw,
				"depth", depth,
			)
		} else if resolved, ok := r.resolve(ctx, d); ok {
			return r.dispatch(ctx, resolved, depth+1)
		}
	}

	r.mu.Lock()
	routes := r.routes
	mode := r.mode
	r.mu.Unlock()

	path := d.RoutePath()
	for _, route := range routes {
		if !route.matches(path, mode) {
			continue
		}
		r.logger.Debug("link routed", "path", path, "pattern", route.pattern)
		r.record(ctx, "routed")
		r.run(ctx, route, d)
		return true
	}

	r.logger.Info("no route for link, dropping", "path", path, "uri", d.Raw)
	r.record(ctx, "unmatched")
	return false
}

// run invokes a route action. A panicking host action is logged, not
// propagated.
func (r *Router) run(ctx context.Context, route compiledRoute, d Data) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("route action panicked", "pattern", route.pattern, "panic", rec)
		}
	}()

	nav := r.navigator
	if nav == nil {
		nav = NavigatorFunc(func(_ context.Context, route string, _ Data) {
			r.logger.Warn("no navigator configured, dropping navigation", "route", route)
		})
	}
	route.act(ctx, d, nav)
}

func (r *Router) needsResolution(d Data) bool {
	return !d.Resolved && r.resolver != nil && r.linkDomains[d.Host] && d.ShortCode() != ""
}

func (r *Router) resolve(ctx context.Context, d Data) (Data, bool) {
	code := d.ShortCode()
	link, err := r.resolver.ResolveShortCode(ctx, code, r.platform)
	if err != nil {
		r.logger.Warn("short link resolution failed", "code", code, "error", err)
		return Data{}, false
	}

	target := link.Destination
	if target == "" {
		target = link.Route
	}
	if target == "" {
		r.logger.Warn("short link resolved to no destination", "code", code)
		return Data{}, false
	}

	out := Parse(target)
	if link.UTM != nil {
		out.UTM = out.UTM.Merge(*link.UTM)
	}
	out.UTM = out.UTM.Merge(d.UTM)
	out.Resolved = true

	r.logger.Debug("short link resolved", "code", code, "destination", target)
	return out, true
}

func (r *Router) record(ctx context.Context, outcome string) {
	r.metrics.LinksDispatched.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
