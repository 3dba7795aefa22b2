package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SebastienMelki/tappick/internal/storage"
)

// testClock provides a controllable clock for deterministic tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// callbackRecorder captures session start/end callbacks.
type callbackRecorder struct {
	mu     sync.Mutex
	starts []string
	ends   []endRecord
}

type endRecord struct {
	sessionID string
	duration  time.Duration
}

func (r *callbackRecorder) onStart(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, id)
}

func (r *callbackRecorder) onEnd(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, endRecord{sessionID: id, duration: d})
}

func (r *callbackRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts), len(r.ends)
}

func newTestTracker(opts ...Option) (*Tracker, *testClock, *callbackRecorder) {
	rec := &callbackRecorder{}
	clk := newTestClock()
	opts = append([]Option{OnStart(rec.onStart), OnEnd(rec.onEnd), WithClock(clk.Now)}, opts...)
	return NewTracker(30*time.Second, opts...), clk, rec
}

func TestNewTracker_DefaultTimeout(t *testing.T) {
	tracker := NewTracker(0)
	if tracker.timeout != DefaultTimeout {
		t.Errorf("timeout: got %v, want %v", tracker.timeout, DefaultTimeout)
	}
	if id := tracker.CurrentSessionID(); id != "" {
		t.Errorf("expected no session initially, got %q", id)
	}
}

func TestRecordActivity_SameSessionWithinTimeout(t *testing.T) {
	tracker, clk, rec := newTestTracker()
	ctx := context.Background()

	sid1 := tracker.RecordActivity(ctx)
	clk.Advance(10 * time.Second)
	sid2 := tracker.RecordActivity(ctx)

	if sid1 == "" || sid1 != sid2 {
		t.Errorf("expected one session, got %q and %q", sid1, sid2)
	}
	if starts, ends := rec.counts(); starts != 1 || ends != 0 {
		t.Errorf("callbacks: got %d starts, %d ends", starts, ends)
	}
}

func TestRecordActivity_RotatesAfterTimeout(t *testing.T) {
	tracker, clk, rec := newTestTracker()
	ctx := context.Background()

	sid1 := tracker.RecordActivity(ctx)
	clk.Advance(10 * time.Second)
	tracker.RecordActivity(ctx)
	clk.Advance(31 * time.Second)
	sid2 := tracker.RecordActivity(ctx)

	if sid1 == sid2 {
		t.Fatal("expected a new session after timeout")
	}
	if starts, ends := rec.counts(); starts != 2 || ends != 1 {
		t.Fatalf("callbacks: got %d starts, %d ends", starts, ends)
	}
	end := rec.ends[0]
	if end.sessionID != sid1 || end.duration != 10*time.Second {
		t.Errorf("end: got %+v", end)
	}
}

func TestLifecycle_QuickBackground(t *testing.T) {
	tracker, clk, rec := newTestTracker()
	ctx := context.Background()

	sid := tracker.RecordActivity(ctx)
	tracker.AppDidEnterBackground(ctx)
	clk.Advance(5 * time.Second)
	tracker.AppWillEnterForeground(ctx)

	if tracker.CurrentSessionID() != sid {
		t.Error("expected the session to survive a quick background")
	}
	if _, ends := rec.counts(); ends != 0 {
		t.Errorf("ends: got %d, want 0", ends)
	}
}

func TestLifecycle_LongBackground(t *testing.T) {
	tracker, clk, rec := newTestTracker()
	ctx := context.Background()

	sid1 := tracker.RecordActivity(ctx)
	tracker.AppDidEnterBackground(ctx)
	clk.Advance(time.Minute)
	tracker.AppWillEnterForeground(ctx)

	if tracker.CurrentSessionID() != "" {
		t.Error("expected the session to end after a long background")
	}
	if _, ends := rec.counts(); ends != 1 {
		t.Fatalf("ends: got %d, want 1", ends)
	}

	sid2 := tracker.RecordActivity(ctx)
	if sid2 == "" || sid2 == sid1 {
		t.Errorf("expected a fresh session, got %q", sid2)
	}
}

func TestLifecycle_ForegroundWithoutBackground(t *testing.T) {
	tracker, clk, rec := newTestTracker()
	ctx := context.Background()

	tracker.RecordActivity(ctx)
	clk.Advance(time.Minute)
	tracker.AppWillEnterForeground(ctx)

	if _, ends := rec.counts(); ends != 0 {
		t.Error("foreground without a background transition must be a no-op")
	}
}

func TestSetEnabled(t *testing.T) {
	tracker, _, rec := newTestTracker()
	ctx := context.Background()

	tracker.RecordActivity(ctx)
	tracker.SetEnabled(ctx, false)

	if tracker.CurrentSessionID() != "" {
		t.Error("disabling must end the session")
	}
	if sid := tracker.RecordActivity(ctx); sid != "" {
		t.Errorf("disabled tracker returned %q", sid)
	}

	tracker.SetEnabled(ctx, true)
	if sid := tracker.RecordActivity(ctx); sid == "" {
		t.Error("expected a session after re-enabling")
	}
	if starts, ends := rec.counts(); starts != 2 || ends != 1 {
		t.Errorf("callbacks: got %d starts, %d ends", starts, ends)
	}
}

func TestDuration(t *testing.T) {
	tracker, clk, _ := newTestTracker()
	if d := tracker.Duration(); d != 0 {
		t.Errorf("no session: got %v", d)
	}

	tracker.RecordActivity(context.Background())
	clk.Advance(5 * time.Second)
	if d := tracker.Duration(); d != 5*time.Second {
		t.Errorf("duration: got %v, want 5s", d)
	}
}

func TestCallbackMayReenterTracker(t *testing.T) {
	var seen string
	var tracker *Tracker
	tracker = NewTracker(time.Minute, OnStart(func(string) {
		seen = tracker.CurrentSessionID()
	}))

	sid := tracker.RecordActivity(context.Background())
	if seen != sid {
		t.Errorf("callback saw %q, want %q", seen, sid)
	}
}

func TestRestore(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	first, clk, _ := newTestTracker(WithStore(store))
	sid := first.RecordActivity(ctx)

	t.Run("resumes within timeout", func(t *testing.T) {
		clk.Advance(10 * time.Second)
		second, _, rec := newTestTracker(WithStore(store), WithClock(clk.Now))
		if err := second.Restore(ctx); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if got := second.RecordActivity(ctx); got != sid {
			t.Errorf("session: got %q, want %q", got, sid)
		}
		if starts, _ := rec.counts(); starts != 0 {
			t.Errorf("resumed session must not fire start, got %d", starts)
		}
	})

	t.Run("expired record ignored", func(t *testing.T) {
		clk.Advance(time.Hour)
		third, _, _ := newTestTracker(WithStore(store), WithClock(clk.Now))
		third.Restore(ctx)
		if third.CurrentSessionID() != "" {
			t.Error("expired session must not be resumed")
		}
	})

	t.Run("corrupt record discarded", func(t *testing.T) {
		store.Set(ctx, storage.KeySessionID, []byte("{"))
		fourth := NewTracker(time.Minute, WithStore(store))
		if err := fourth.Restore(ctx); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if _, err := store.Get(ctx, storage.KeySessionID); err != storage.ErrNotFound {
			t.Errorf("corrupt record not removed: %v", err)
		}
	})
}

func TestEventProperties(t *testing.T) {
	start := StartProperties("s1")
	if start["session_id"] != "s1" {
		t.Errorf("start: %v", start)
	}
	end := EndProperties("s1", 1500*time.Millisecond)
	if end["duration_ms"] != int64(1500) {
		t.Errorf("end: %v", end)
	}
}

func TestConcurrentRecordActivity(t *testing.T) {
	tracker, _, rec := newTestTracker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.RecordActivity(ctx)
		}()
	}
	wg.Wait()

	if starts, _ := rec.counts(); starts != 1 {
		t.Errorf("starts: got %d, want 1", starts)
	}
}
