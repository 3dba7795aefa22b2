// Package pipeline batches analytics events and delivers them to the
// backend, keeping undelivered batches in a persistent, capped failed queue.
//
// Events are buffered in memory and flushed when the buffer reaches the batch
// size or when no event has been tracked for the flush interval. A flush
// swaps the buffer out under lock before any I/O, so Track never waits on the
// network. The failed queue is swept in the background on start and whenever
// connectivity comes back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/SebastienMelki/tappick/internal/observability"
	"github.com/SebastienMelki/tappick/internal/storage"
	"github.com/SebastienMelki/tappick/internal/transport"
	"github.com/SebastienMelki/tappick/internal/utm"
)

// UTMProperty is the reserved property key carrying install UTM attribution.
const UTMProperty = "utm"

// Sentinel errors for the pipeline package.
var (
	ErrOffline   = errors.New("pipeline: offline")
	ErrStarted   = errors.New("pipeline: already started")
	ErrQueueFull = errors.New("pipeline: failed queue full")
	ErrPersist   = errors.New("pipeline: persist failed queue")
)

// Enrichment is the context attached to every tracked event.
type Enrichment struct {
	SessionID   string
	UserID      string
	Fingerprint string
	LinkID      string
	UTM         utm.Params
}

// Pipeline buffers, batches and delivers events. It is safe for concurrent use.
type Pipeline struct {
	sender  transport.EventSender
	store   storage.Store
	failed  *storage.CappedList[transport.Event]
	limiter *rate.Limiter

	batchSize    int
	interval     time.Duration
	offlineQueue bool

	enrich  func() Enrichment
	onError func(error)
	newID   func() string
	now     func() time.Time
	metrics *observability.Metrics
	logger  *slog.Logger

	online atomic.Bool

	mu     sync.Mutex
	buffer []transport.Event

	// flushMu serializes flushes so batches leave in enqueue order.
	flushMu sync.Mutex
	sweepMu sync.Mutex
	sweeps  sync.WaitGroup

	// sweepState guards the fields below. A transition that arrives while a
	// sweep runs sets sweepPending; the running sweep then goes again once the
	// limiter allows.
	sweepState   sync.Mutex
	sweeping     bool
	sweepPending bool
	pacingCancel context.CancelFunc

	startMu sync.Mutex
	started bool
	kickCh  chan struct{}
	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEnricher sets the source of per-event context.
func WithEnricher(fn func() Enrichment) Option {
	return func(p *Pipeline) { p.enrich = fn }
}

// WithErrorHandler registers a callback for background delivery failures.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithLocks shares per-key storage locks with other users of the store.
func WithLocks(locks *storage.KeyedMutex) Option {
	return func(p *Pipeline) {
		p.failed = storage.NewCappedList[transport.Event](p.store, storage.KeyFailedEvents, p.failed.Capacity(), locks)
	}
}

// New creates a Pipeline. It starts online; call Start to run the flush loop.
func New(sender transport.EventSender, store storage.Store, cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.normalized()

	p := &Pipeline{
		sender:       sender,
		store:        store,
		failed:       storage.NewCappedList[transport.Event](store, storage.KeyFailedEvents, cfg.QueueCapacity, &storage.KeyedMutex{}),
		limiter:      rate.NewLimiter(rate.Every(cfg.SweepInterval), 1),
		batchSize:    cfg.BatchSize,
		interval:     cfg.FlushInterval,
		offlineQueue: cfg.OfflineQueue,
		enrich:       func() Enrichment { return Enrichment{} },
		newID:        func() string { return ulid.Make().String() },
		now:          time.Now,
		logger:       slog.Default(),
		kickCh:       make(chan struct{}, 1),
		flushCh:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	p.online.Store(true)

	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewNoopMetrics()
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// BatchSize returns the effective batch size.
func (p *Pipeline) BatchSize() int {
	return p.batchSize
}

// FlushInterval returns the effective idle flush interval.
func (p *Pipeline) FlushInterval() time.Duration {
	return p.interval
}

// Track enqueues an event. It never blocks on I/O.
func (p *Pipeline) Track(name string, props map[string]any) {
	e := transport.Event{
		ID:         p.newID(),
		Type:       name,
		Properties: maps.Clone(props),
		Timestamp:  p.now().UTC(),
	}

	en := p.enrich()
	e.SessionID = en.SessionID
	e.UserID = en.UserID
	e.Fingerprint = en.Fingerprint
	e.LinkID = en.LinkID
	if !en.UTM.IsZero() {
		if e.Properties == nil {
			e.Properties = make(map[string]any, 1)
		}
		e.Properties[UTMProperty] = en.UTM.Map()
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, e)
	n := len(p.buffer)
	p.mu.Unlock()

	p.metrics.EventsTracked.Add(context.Background(), 1)

	if n >= p.batchSize {
		signal(p.flushCh)
	} else {
		signal(p.kickCh)
	}
}

// Pending returns the number of buffered, not yet flushed events.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Flush delivers the buffered events. On failure (or while offline) the batch
// moves to the failed queue, or is dropped when offline queueing is disabled,
// and the delivery error is returned.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return p.deliver(ctx, batch)
}

func (p *Pipeline) deliver(ctx context.Context, batch []transport.Event) error {
	start := p.now()

	err := p.send(ctx, batch)
	p.metrics.FlushLatency.Record(ctx, float64(p.now().Sub(start).Milliseconds()))
	if err == nil {
		p.logger.Debug("batch delivered", "events", len(batch))
		p.recordSync(ctx)
		return nil
	}

	if !p.offlineQueue {
		p.logger.Warn("batch undelivered and offline queue disabled, dropping",
			"events", len(batch),
			"error", err,
		)
		p.metrics.EventsDropped.Add(ctx, int64(len(batch)))
		return err
	}

	evicted, qerr := p.failed.Append(ctx, batch...)
	if qerr != nil {
		p.logger.Error("failed to persist undelivered batch", "events", len(batch), "error", qerr)
		return errors.Join(err, fmt.Errorf("%w: %w", ErrPersist, qerr))
	}

	p.metrics.FailedQueueDepth.Add(ctx, int64(len(batch)-evicted))
	if evicted > 0 {
		p.logger.Warn("failed queue full, evicted oldest events", "evicted", evicted)
		p.metrics.EventsEvicted.Add(ctx, int64(evicted))
		p.report(fmt.Errorf("%w: evicted %d oldest events", ErrQueueFull, evicted))
	}
	p.logger.Info("batch queued for retry", "events", len(batch), "error", err)
	return err
}

func (p *Pipeline) send(ctx context.Context, batch []transport.Event) error {
	outcome := "delivered"
	defer func() {
		p.metrics.BatchesSent.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
		p.metrics.BatchSize.Record(ctx, int64(len(batch)))
	}()

	if !p.online.Load() {
		outcome = "offline"
		return ErrOffline
	}

	err := p.sender.SendEvents(ctx, transport.EventBatch{
		Events:      batch,
		Fingerprint: batch[0].Fingerprint,
		SessionID:   batch[0].SessionID,
	})
	if err != nil {
		outcome = "failed"
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// RetryFailed sends the failed queue oldest first in batch-size chunks. Each
// chunk is removed from the queue only after the backend accepted it; the
// sweep stops at the first failure.
func (p *Pipeline) RetryFailed(ctx context.Context) error {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	if !p.online.Load() {
		return ErrOffline
	}

	events, err := p.failed.Load(ctx)
	if err != nil {
		p.logger.Warn("failed queue unreadable", "error", err)
	}
	if len(events) == 0 {
		return nil
	}

	p.logger.Info("retrying failed events", "events", len(events))

	for start := 0; start < len(events); start += p.batchSize {
		end := min(start+p.batchSize, len(events))
		chunk := events[start:end]

		if err := p.send(ctx, chunk); err != nil {
			return err
		}

		ids := make(map[string]struct{}, len(chunk))
		for _, e := range chunk {
			ids[e.ID] = struct{}{}
		}
		removed, err := p.failed.RemoveIf(ctx, func(e transport.Event) bool {
			_, ok := ids[e.ID]
			return ok
		})
		if err != nil {
			return fmt.Errorf("remove delivered events: %w", err)
		}
		p.metrics.FailedQueueDepth.Add(ctx, -int64(removed))
	}

	p.recordSync(ctx)
	return nil
}

// FailedCount returns the number of events in the failed queue.
func (p *Pipeline) FailedCount(ctx context.Context) (int, error) {
	return p.failed.Len(ctx)
}

// SetOnline records connectivity. An offline to online transition starts a
// background sweep of the failed queue.
func (p *Pipeline) SetOnline(ctx context.Context, online bool) {
	was := p.online.Swap(online)
	if online && !was {
		p.logger.Info("connectivity restored")
		p.sweepInBackground(ctx)
	}
}

// Online reports the last connectivity state set.
func (p *Pipeline) Online() bool {
	return p.online.Load()
}

// LastSync returns when a batch was last delivered.
func (p *Pipeline) LastSync(ctx context.Context) (time.Time, bool) {
	var t time.Time
	if err := storage.GetJSON(ctx, p.store, storage.KeyLastEventSync, &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (p *Pipeline) recordSync(ctx context.Context) {
	if err := storage.SetJSON(ctx, p.store, storage.KeyLastEventSync, p.now().UTC()); err != nil {
		p.logger.Warn("failed to record last event sync", "error", err)
	}
}

// sweepInBackground retries the failed queue without blocking the caller.
// A request made while a sweep is running is never dropped: it is folded into
// one rerun that starts when the current sweep ends, paced by the limiter.
func (p *Pipeline) sweepInBackground(ctx context.Context) {
	p.sweepState.Lock()
	if p.sweeping {
		p.sweepPending = true
		p.sweepState.Unlock()
		p.logger.Debug("failed queue sweep already running, rerun queued")
		return
	}
	p.sweeping = true
	p.sweepState.Unlock()

	p.sweeps.Add(1)
	go p.sweepLoop(ctx)
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	defer p.sweeps.Done()

	for {
		if err := p.RetryFailed(ctx); err != nil && !errors.Is(err, ErrOffline) {
			p.logger.Warn("failed queue sweep incomplete", "error", err)
			p.report(err)
		}

		p.sweepState.Lock()
		if !p.sweepPending {
			p.sweeping = false
			p.sweepState.Unlock()
			return
		}
		p.sweepPending = false
		waitCtx, cancel := context.WithCancel(ctx)
		p.pacingCancel = cancel
		p.sweepState.Unlock()

		err := p.limiter.Wait(waitCtx)
		cancel()

		p.sweepState.Lock()
		p.pacingCancel = nil
		if err != nil {
			p.sweeping = false
			p.sweepState.Unlock()
			p.logger.Debug("queued failed queue sweep abandoned", "error", err)
			return
		}
		p.sweepState.Unlock()
	}
}

// cancelQueuedSweeps drops a rerun that has not started yet. A sweep already
// sending runs to completion.
func (p *Pipeline) cancelQueuedSweeps() {
	p.sweepState.Lock()
	defer p.sweepState.Unlock()
	p.sweepPending = false
	if p.pacingCancel != nil {
		p.pacingCancel()
	}
}

func (p *Pipeline) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
