// Package tappick is the client-side attribution and event-delivery engine.
//
// A Client recovers the marketing link behind an install (deterministically
// through the install referrer, probabilistically through a device
// fingerprint), routes inbound deep links to host navigation, and delivers
// analytics events in batches with a persistent offline queue.
//
// Every subsystem hangs off the Client; there is no package-level state.
//
// Usage:
//
//	cfg, err := tappick.LoadConfigFromEnv()
//	client, err := tappick.New(cfg, tappick.WithNavigator(nav))
//	client.RegisterRoutes(ctx, routes, tappick.MatchPrefix)
//	client.Start(ctx)
//	defer client.Close(ctx)
package tappick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/tappick/internal/attribution"
	"github.com/SebastienMelki/tappick/internal/deeplink"
	"github.com/SebastienMelki/tappick/internal/fingerprint"
	"github.com/SebastienMelki/tappick/internal/identity"
	"github.com/SebastienMelki/tappick/internal/observability"
	"github.com/SebastienMelki/tappick/internal/pipeline"
	"github.com/SebastienMelki/tappick/internal/referrer"
	"github.com/SebastienMelki/tappick/internal/session"
	"github.com/SebastienMelki/tappick/internal/storage"
	"github.com/SebastienMelki/tappick/internal/transport"
	"github.com/SebastienMelki/tappick/internal/utm"
)

// Event names tracked by the client itself.
const (
	EventAppOpen            = "app_open"
	EventDeferredLinkOpened = "deferred_link_opened"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("tappick: client closed")

// Client is the SDK handle. It is safe for concurrent use.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store      storage.Store
	closeStore func() error

	backend      *transport.Client
	sender       transport.EventSender
	ids          *fingerprint.IDManager
	fingerprints *fingerprint.Generator
	referrer     *referrer.Resolver
	engine       *attribution.Engine
	router       *deeplink.Router
	pipeline     *pipeline.Pipeline
	sessions     *session.Tracker
	identity     *identity.Manager
	callbacks    callbackRegistry

	// ctx outlives Start's caller and is canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mu               sync.RWMutex
	fingerprint      string
	attribution      *attribution.Match
	installUTM       utm.Params
	routesRegistered bool
	pendingLink      string
	linkEmitted      bool

	startMu         sync.Mutex
	started         bool
	closed          bool
	attributionDone chan struct{}
	background      sync.WaitGroup
}

// Option configures a Client.
type Option func(*options)

type options struct {
	store      storage.Store
	collector  fingerprint.Collector
	referrer   referrer.Provider
	navigator  deeplink.Navigator
	logger     *slog.Logger
	meter      otelmetric.Meter
	httpClient *http.Client
	sender     transport.EventSender
	callbacks  []ErrorCallback
	engineOpts []attribution.Option
}

// WithStore replaces the store selected from Config. The caller keeps
// ownership; Close does not close it.
func WithStore(store Store) Option {
	return func(o *options) { o.store = store }
}

// WithCollector sets the platform attribute source for fingerprints.
func WithCollector(c Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithReferrerProvider sets the native install-referrer source. Without one,
// attribution is fingerprint-only.
func WithReferrerProvider(p ReferrerProvider) Option {
	return func(o *options) { o.referrer = p }
}

// WithNavigator sets the host navigation handle used by named routes.
func WithNavigator(nav Navigator) Option {
	return func(o *options) { o.navigator = nav }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter records SDK metrics through meter. Without it metrics go to a
// noop meter.
func WithMeter(meter otelmetric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithHTTPClient sets the HTTP client for backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithEventSender delivers event batches through sender instead of the
// backend's HTTP events endpoint. The caller keeps ownership; Close does not
// close it.
func WithEventSender(sender EventSender) Option {
	return func(o *options) { o.sender = sender }
}

// WithErrorCallback registers an error callback at construction.
func WithErrorCallback(cb ErrorCallback) Option {
	return func(o *options) { o.callbacks = append(o.callbacks, cb) }
}

func withEngineOptions(opts ...attribution.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// New validates cfg and wires a Client. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg, err := cfg.prepared()
	if err != nil {
		return nil, err
	}

	o := options{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	metrics := observability.NewNoopMetrics()
	if o.meter != nil {
		m, err := observability.NewMetrics(o.meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		metrics = m
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:             cfg,
		logger:          o.logger.With("component", "tappick"),
		metrics:         metrics,
		ctx:             ctx,
		cancel:          cancel,
		now:             time.Now,
		attributionDone: make(chan struct{}),
	}
	for _, cb := range o.callbacks {
		c.callbacks.register(cb)
	}

	if err := c.openStore(ctx, o.store); err != nil {
		cancel()
		return nil, err
	}

	hc := &http.Client{Timeout: transport.DefaultTimeout}
	if o.httpClient != nil {
		copied := *o.httpClient
		hc = &copied
	}
	hc.Transport = observability.InstrumentTransport(hc.Transport, c.metrics)

	c.backend = transport.NewClient(cfg.BaseURL, cfg.APIKey,
		transport.WithHTTPClient(hc),
		transport.WithLogger(o.logger),
	)
	c.sender = c.backend
	if o.sender != nil {
		c.sender = o.sender
	}

	collector := o.collector
	if collector == nil {
		collector = fingerprint.NewPlatformCollector(fingerprint.Attributes{
			Platform:   cfg.Platform,
			AppVersion: cfg.AppVersion,
		})
	}
	c.ids = fingerprint.NewIDManager(c.store, o.logger)
	c.fingerprints = fingerprint.NewGenerator(collector, c.ids, c.store, o.logger)
	c.referrer = referrer.NewResolver(o.referrer, c.store, o.logger)

	var tokens attribution.TokenSource
	if o.referrer != nil {
		tokens = c.referrer
	}
	c.engine = attribution.NewEngine(c.backend, tokens, c.fingerprints, append([]attribution.Option{
		attribution.WithMetrics(c.metrics),
		attribution.WithErrorHandler(c.reportError),
		attribution.WithLogger(o.logger),
	}, o.engineOpts...)...)

	nav := o.navigator
	if nav == nil {
		nav = deeplink.NavigatorFunc(func(_ context.Context, route string, d deeplink.Data) {
			c.logger.Info("no navigator configured, dropping navigation", "route", route, "uri", d.Raw)
		})
	}
	c.router = deeplink.NewRouter(nav,
		deeplink.WithShortLinks(c.backend, cfg.Platform, cfg.LinkDomains...),
		deeplink.WithMetrics(c.metrics),
		deeplink.WithLogger(o.logger),
	)

	c.identity = identity.NewManager(c.store)
	if *cfg.EnableSessionTracking {
		c.sessions = session.NewTracker(
			time.Duration(cfg.SessionTimeoutMs)*time.Millisecond,
			session.WithStore(c.store),
			session.OnStart(c.onSessionStart),
			session.WithLogger(o.logger),
		)
	}

	c.pipeline = pipeline.New(c.sender, c.store, cfg.pipelineConfig(),
		pipeline.WithEnricher(c.enrichment),
		pipeline.WithErrorHandler(c.reportError),
		pipeline.WithMetrics(c.metrics),
		pipeline.WithLogger(o.logger),
	)

	c.logger.Debug("client initialized",
		"app_id", cfg.AppID,
		"base_url", cfg.BaseURL,
		"platform", cfg.Platform,
	)
	return c, nil
}

func (c *Client) openStore(ctx context.Context, injected storage.Store) error {
	switch {
	case injected != nil:
		c.store = injected
	case c.cfg.DataPath != "":
		s, err := storage.NewSQLiteStore(c.cfg.DataPath)
		if err != nil {
			return newSDKError(ErrCodeDiskError, SeverityFatal, fmt.Errorf("open store: %w", err))
		}
		c.store, c.closeStore = s, s.Close
	case c.cfg.RedisURL != "":
		s, err := storage.NewRedisStore(ctx, c.cfg.RedisURL, "tappick:"+c.cfg.AppID+":")
		if err != nil {
			return newSDKError(ErrCodeDiskError, SeverityFatal, fmt.Errorf("open store: %w", err))
		}
		c.store, c.closeStore = s, s.Close
	default:
		c.store = storage.NewMemoryStore()
	}
	return nil
}

// Start restores persisted state, starts event delivery, tracks app_open and,
// on first launch, resolves attribution in the background. AttributionDone
// is closed once that resolution finished (immediately on later launches).
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	c.restore(ctx)

	fp := c.fingerprints.Generate(ctx)
	c.mu.Lock()
	c.fingerprint = fp.Hash
	c.mu.Unlock()

	if err := c.pipeline.Start(c.ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	c.Track(EventAppOpen, nil)

	first := c.isFirstLaunch(ctx)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer close(c.attributionDone)
		if first {
			c.firstLaunch(c.ctx)
		}
	}()
	return nil
}

// AttributionDone is closed when first-launch attribution has finished, or
// when a client that was never started is closed.
func (c *Client) AttributionDone() <-chan struct{} {
	return c.attributionDone
}

func (c *Client) restore(ctx context.Context) {
	if c.sessions != nil {
		if err := c.sessions.Restore(ctx); err != nil {
			c.logger.Warn("failed to restore session", "error", err)
		}
	}
	if err := c.identity.Load(ctx); err != nil {
		c.logger.Warn("failed to restore user identity", "error", err)
	}

	var m attribution.Match
	if err := storage.GetJSON(ctx, c.store, storage.KeyAttribution, &m); err == nil {
		c.mu.Lock()
		c.attribution = &m
		c.installUTM = m.UTM
		c.mu.Unlock()
	} else if !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("cached attribution unreadable", "error", err)
	}

	var p utm.Params
	if err := storage.GetJSON(ctx, c.store, storage.KeyInstallUTM, &p); err == nil {
		c.mu.Lock()
		c.installUTM = c.installUTM.Merge(p)
		c.mu.Unlock()
	}
}

// isFirstLaunch reports whether the first-launch marker is absent. An
// unreadable marker counts as a first launch.
func (c *Client) isFirstLaunch(ctx context.Context) bool {
	_, err := c.store.Get(ctx, storage.KeyFirstLaunch)
	if err == nil {
		return false
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("first launch marker unreadable, assuming first launch", "error", err)
	}
	return true
}

func (c *Client) markLaunched(ctx context.Context) {
	if err := storage.SetJSON(ctx, c.store, storage.KeyFirstLaunch, false); err != nil {
		c.logger.Warn("failed to persist first launch marker", "error", err)
		c.callbacks.notify(newSDKError(ErrCodeDiskError, SeverityWarning, err))
	}
	if err := storage.SetJSON(ctx, c.store, storage.KeyInstallTimestamp, c.now().UTC()); err != nil {
		c.logger.Warn("failed to persist install timestamp", "error", err)
	}
}

// InstallTime returns when the first launch was recorded.
func (c *Client) InstallTime(ctx context.Context) (time.Time, bool) {
	var t time.Time
	if err := storage.GetJSON(ctx, c.store, storage.KeyInstallTimestamp, &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *Client) firstLaunch(ctx context.Context) {
	defer c.markLaunched(ctx)

	if cached := c.Attribution(); cached != nil {
		c.logger.Debug("attribution already cached, skipping match", "link_id", cached.LinkID)
		return
	}

	m := c.ResolveAttribution(ctx)
	req := c.installRequest(ctx, m)
	if err := c.backend.TrackInstall(ctx, req); err != nil {
		c.logger.Warn("install tracking failed", "error", err)
		c.reportError(err)
	}
}

// ResolveAttribution runs attribution matching and applies an actionable
// result: the attribution is cached, deferred_link_opened is tracked and the
// deep link is routed. The link is emitted at most once per install, however
// often resolution runs.
func (c *Client) ResolveAttribution(ctx context.Context) Attribution {
	m := c.engine.MatchWithRetry(ctx)
	if !m.Actionable() {
		return m
	}

	c.mu.Lock()
	if c.attribution != nil {
		cached := *c.attribution
		c.mu.Unlock()
		c.logger.Debug("attribution already applied", "link_id", cached.LinkID)
		return cached
	}
	c.attribution = &m
	c.installUTM = c.installUTM.Merge(m.UTM)
	c.mu.Unlock()

	if err := storage.SetJSON(ctx, c.store, storage.KeyAttribution, m); err != nil {
		c.logger.Warn("failed to persist attribution", "error", err)
		c.callbacks.notify(newSDKError(ErrCodeDiskError, SeverityWarning, err))
	}
	if !m.UTM.IsZero() {
		if err := storage.SetJSON(ctx, c.store, storage.KeyInstallUTM, m.UTM); err != nil {
			c.logger.Warn("failed to persist install utm", "error", err)
		}
	}

	c.Track(EventDeferredLinkOpened, map[string]any{
		"link_id":       m.LinkID,
		"method":        string(m.Method),
		"confidence":    string(m.Confidence),
		"score":         m.Score,
		"deep_link_url": m.DeepLinkURL,
	})
	c.emitDeferredLink(ctx, m.DeepLinkURL)
	return m
}

// emitDeferredLink routes the recovered link once. Before routes are
// registered the link is parked and routed by RegisterRoutes.
func (c *Client) emitDeferredLink(ctx context.Context, raw string) {
	if raw == "" {
		return
	}

	c.mu.Lock()
	if c.linkEmitted {
		c.mu.Unlock()
		return
	}
	c.linkEmitted = true
	if !c.routesRegistered {
		c.pendingLink = raw
		c.mu.Unlock()
		c.logger.Debug("deferred link parked until routes are registered", "uri", raw)
		return
	}
	c.mu.Unlock()

	c.router.DispatchResolved(ctx, raw)
}

func (c *Client) installRequest(ctx context.Context, m attribution.Match) transport.InstallRequest {
	c.mu.RLock()
	fp := c.fingerprint
	c.mu.RUnlock()

	req := transport.InstallRequest{
		Fingerprint: fp,
		DeviceID:    c.ids.GetOrCreateDeviceID(ctx),
		Platform:    c.cfg.Platform,
		AppVersion:  c.cfg.AppVersion,
	}
	if !m.Actionable() {
		return req
	}

	score := m.Score
	req.DeferredLinkID = m.LinkID
	req.MatchMethod = string(m.Method)
	req.MatchConfidence = string(m.Confidence)
	req.MatchScore = &score
	if !m.UTM.IsZero() {
		p := m.UTM
		req.UTM = &p
	}
	return req
}

// Attribution returns the cached actionable attribution, or nil.
func (c *Client) Attribution() *Attribution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.attribution == nil {
		return nil
	}
	m := *c.attribution
	return &m
}

// RegisterRoutes installs the route table, then routes the cold-start link
// and any deferred link recovered before registration.
func (c *Client) RegisterRoutes(ctx context.Context, routes []Route, mode MatchMode) error {
	if err := c.router.RegisterRoutes(routes, mode); err != nil {
		return err
	}

	c.mu.Lock()
	c.routesRegistered = true
	pending := c.pendingLink
	c.pendingLink = ""
	c.mu.Unlock()

	c.router.ConsumeInitialLink(ctx)
	if pending != "" {
		c.router.DispatchResolved(ctx, pending)
	}
	return nil
}

// SetInitialLink hands over the link the process was launched with. It is
// routed once, as soon as routes are registered.
func (c *Client) SetInitialLink(ctx context.Context, raw string) {
	c.router.SetInitialLink(raw)

	c.mu.RLock()
	registered := c.routesRegistered
	c.mu.RUnlock()
	if registered {
		c.router.ConsumeInitialLink(ctx)
	}
}

// HandleURI routes a link received while running. It reports whether a route
// ran.
func (c *Client) HandleURI(ctx context.Context, raw string) bool {
	return c.router.Handle(ctx, raw)
}

// ListenLinks routes every link received on links until ctx is done or links
// is closed.
func (c *Client) ListenLinks(ctx context.Context, links <-chan string) {
	c.router.Listen(ctx, links)
}

// Track enqueues an analytics event. It never blocks on the network.
func (c *Client) Track(name string, props map[string]any) {
	if c.sessions != nil {
		c.sessions.RecordActivity(c.ctx)
	}
	c.pipeline.Track(name, props)
}

func (c *Client) onSessionStart(id string) {
	c.pipeline.Track(session.EventSessionStart, session.StartProperties(id))
}

func (c *Client) enrichment() pipeline.Enrichment {
	c.mu.RLock()
	en := pipeline.Enrichment{
		Fingerprint: c.fingerprint,
		UTM:         c.installUTM,
	}
	if c.attribution != nil {
		en.LinkID = c.attribution.LinkID
	}
	c.mu.RUnlock()

	if c.sessions != nil {
		en.SessionID = c.sessions.CurrentSessionID()
	}
	en.UserID = c.identity.UserID()
	return en
}

// Flush delivers buffered events now.
func (c *Client) Flush(ctx context.Context) error {
	return c.pipeline.Flush(ctx)
}

// SetOnline records connectivity changes. Coming back online retries the
// offline queue in the background.
func (c *Client) SetOnline(online bool) {
	c.pipeline.SetOnline(c.ctx, online)
}

// PendingEvents returns the buffered and queued event counts.
func (c *Client) PendingEvents(ctx context.Context) (buffered, queued int) {
	queued, err := c.pipeline.FailedCount(ctx)
	if err != nil {
		c.logger.Warn("failed queue unreadable", "error", err)
	}
	return c.pipeline.Pending(), queued
}

// LastSync returns when events were last delivered.
func (c *Client) LastSync(ctx context.Context) (time.Time, bool) {
	return c.pipeline.LastSync(ctx)
}

// SetUser identifies the user on subsequent events.
func (c *Client) SetUser(ctx context.Context, userID string, traits map[string]any) error {
	if err := c.identity.SetUser(ctx, userID, traits); err != nil {
		if errors.Is(err, identity.ErrEmptyUserID) {
			return err
		}
		sdkErr := newSDKError(ErrCodeDiskError, SeverityWarning, err)
		c.callbacks.notify(sdkErr)
		return sdkErr
	}
	return nil
}

// User returns the current user identity, or nil.
func (c *Client) User() *User {
	return c.identity.User()
}

// ResetUser clears the user identity; the device id is kept.
func (c *Client) ResetUser(ctx context.Context) error {
	return c.identity.Reset(ctx)
}

// ResetAll clears the user identity and replaces the device id, for a logout
// or privacy reset. Later events carry a fingerprint derived from the new id.
func (c *Client) ResetAll(ctx context.Context) error {
	if err := c.identity.Reset(ctx); err != nil {
		sdkErr := newSDKError(ErrCodeDiskError, SeverityWarning, err)
		c.callbacks.notify(sdkErr)
		return sdkErr
	}

	deviceID := c.ids.RegenerateDeviceID(ctx)
	fp := c.fingerprints.Generate(ctx)

	c.mu.Lock()
	c.fingerprint = fp.Hash
	c.mu.Unlock()

	c.logger.Info("identity reset", "device_id", deviceID)
	return nil
}

// DeviceID returns the stable device id.
func (c *Client) DeviceID(ctx context.Context) string {
	return c.ids.GetOrCreateDeviceID(ctx)
}

// SessionID returns the active session id, or "".
func (c *Client) SessionID() string {
	if c.sessions == nil {
		return ""
	}
	return c.sessions.CurrentSessionID()
}

// AppDidEnterBackground flushes buffered events and notes the transition for
// session tracking.
func (c *Client) AppDidEnterBackground(ctx context.Context) {
	if c.sessions != nil {
		c.sessions.AppDidEnterBackground(ctx)
	}
	if err := c.pipeline.Flush(ctx); err != nil && !errors.Is(err, pipeline.ErrOffline) {
		c.logger.Debug("background flush failed", "error", err)
	}
}

// AppWillEnterForeground ends the session if the app stayed in background
// past the session timeout.
func (c *Client) AppWillEnterForeground(ctx context.Context) {
	if c.sessions != nil {
		c.sessions.AppWillEnterForeground(ctx)
	}
}

// RegisterErrorCallback adds an error callback.
func (c *Client) RegisterErrorCallback(cb ErrorCallback) {
	c.callbacks.register(cb)
}

// UnregisterErrorCallbacks removes every error callback.
func (c *Client) UnregisterErrorCallbacks() {
	c.callbacks.clear()
}

// reportError forwards a failure absorbed by a subsystem to error callbacks.
func (c *Client) reportError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.callbacks.notify(classify(err))
}

// Close cancels background work, makes a final flush with ctx and closes the
// store it opened. Injected stores and senders are left open.
func (c *Client) Close(ctx context.Context) error {
	c.startMu.Lock()
	if c.closed {
		c.startMu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.startMu.Unlock()

	c.cancel()
	c.background.Wait()

	var errs []error
	if started {
		if err := c.pipeline.Stop(ctx); err != nil && !errors.Is(err, pipeline.ErrOffline) {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
	} else {
		close(c.attributionDone)
	}
	c.callbacks.wait()

	if c.closeStore != nil {
		if err := c.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
