// Package session tracks user sessions by combining an inactivity timeout with
// app lifecycle transitions.
//
// A session ends when no activity is recorded for the timeout, or when the app
// comes back from a background stay longer than the timeout. The active
// session is persisted so a quick process restart resumes it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SebastienMelki/tappick/internal/storage"
)

// DefaultTimeout is the inactivity period after which a new session starts.
const DefaultTimeout = 30 * time.Minute

// StartFunc is called after a new session begins.
type StartFunc func(sessionID string)

// EndFunc is called after a session ends. duration spans session start to last
// activity.
type EndFunc func(sessionID string, duration time.Duration)

// record is the persisted form of the active session.
type record struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Tracker manages the session lifecycle. It is safe for concurrent use.
// Callbacks run on the calling goroutine after the tracker's lock is released.
type Tracker struct {
	mu sync.Mutex

	current        record
	backgroundedAt time.Time

	timeout time.Duration
	enabled bool

	store   storage.Store
	onStart StartFunc
	onEnd   EndFunc
	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore persists the active session under storage.KeySessionID.
func WithStore(store storage.Store) Option {
	return func(t *Tracker) { t.store = store }
}

// OnStart registers the session start callback.
func OnStart(fn StartFunc) Option {
	return func(t *Tracker) { t.onStart = fn }
}

// OnEnd registers the session end callback.
func OnEnd(fn EndFunc) Option {
	return func(t *Tracker) { t.onEnd = fn }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a tracker. A non-positive timeout means DefaultTimeout.
func NewTracker(timeout time.Duration, opts ...Option) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &Tracker{
		timeout: timeout,
		enabled: true,
		clock:   time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "session")
	return t
}

// Restore resumes a persisted session that has not yet timed out. An expired
// or unreadable record is discarded.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	var rec record
	err := storage.GetJSON(ctx, t.store, storage.KeySessionID, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.logger.Warn("discarding unreadable session", "error", err)
		return t.store.Remove(ctx, storage.KeySessionID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.ID == "" || t.clock().Sub(rec.LastActivity) > t.timeout {
		return nil
	}
	t.current = rec
	t.logger.Debug("session resumed", "session_id", rec.ID)
	return nil
}

// RecordActivity marks user activity and returns the current session id,
// starting a new session when none is active or the current one expired. It
// returns "" while tracking is disabled.
func (t *Tracker) RecordActivity(ctx context.Context) string {
	t.mu.Lock()

	if !t.enabled {
		t.mu.Unlock()
		return ""
	}

	now := t.clock()
	if t.current.ID != "" && now.Sub(t.current.LastActivity) <= t.timeout {
		t.current.LastActivity = now
		id := t.current.ID
		t.mu.Unlock()
		return id
	}

	ended := t.endLocked()
	t.current = record{ID: t.newID(), StartedAt: now, LastActivity: now}
	t.backgroundedAt = time.Time{}
	started := t.current
	t.mu.Unlock()

	t.persist(ctx, started)
	t.notifyEnd(ended)
	if t.onStart != nil {
		t.onStart(started.ID)
	}
	return started.ID
}

// AppDidEnterBackground records when the app left the foreground. The
// session is kept; the user may come back quickly.
func (t *Tracker) AppDidEnterBackground(ctx context.Context) {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return
	}
	t.backgroundedAt = t.clock()
	cur := t.current
	t.mu.Unlock()

	if cur.ID != "" {
		t.persist(ctx, cur)
	}
}

// AppWillEnterForeground ends the session when the background stay exceeded
// the timeout. The next RecordActivity starts a new one.
func (t *Tracker) AppWillEnterForeground(ctx context.Context) {
	t.mu.Lock()
	if !t.enabled || t.current.ID == "" || t.backgroundedAt.IsZero() {
		t.mu.Unlock()
		return
	}

	var ended record
	if t.clock().Sub(t.backgroundedAt) > t.timeout {
		ended = t.endLocked()
	}
	t.backgroundedAt = time.Time{}
	t.mu.Unlock()

	if ended.ID != "" {
		t.clear(ctx)
		t.notifyEnd(ended)
	}
}

// CurrentSessionID returns the active session id, or "" when none.
func (t *Tracker) CurrentSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.ID
}

// Duration returns how long the active session has run.
func (t *Tracker) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.ID == "" {
		return 0
	}
	return t.clock().Sub(t.current.StartedAt)
}

// SetEnabled turns tracking on or off. Disabling ends the active session.
func (t *Tracker) SetEnabled(ctx context.Context, enabled bool) {
	t.mu.Lock()
	var ended record
	if !enabled {
		ended = t.endLocked()
	}
	t.enabled = enabled
	t.mu.Unlock()

	if ended.ID != "" {
		t.clear(ctx)
		t.notifyEnd(ended)
	}
}

// endLocked clears the active session and returns it. Must be called with mu
// held.
func (t *Tracker) endLocked() record {
	ended := t.current
	t.current = record{}
	return ended
}

func (t *Tracker) notifyEnd(ended record) {
	if ended.ID == "" || t.onEnd == nil {
		return
	}
	t.onEnd(ended.ID, ended.LastActivity.Sub(ended.StartedAt))
}

func (t *Tracker) persist(ctx context.Context, rec record) {
	if t.store == nil {
		return
	}
	if err := storage.SetJSON(ctx, t.store, storage.KeySessionID, rec); err != nil {
		t.logger.Warn("failed to persist session", "session_id", rec.ID, "error", err)
	}
}

func (t *Tracker) clear(ctx context.Context) {
	if t.store == nil {
		return
	}
	if err := t.store.Remove(ctx, storage.KeySessionID); err != nil {
		t.logger.Warn("failed to clear session", "error", err)
	}
}
