package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	p.MaxDelay = 5 * time.Second
	if got := p.Delay(3); got != 5*time.Second {
		t.Errorf("capped Delay(3) = %v, want 5s", got)
	}
}

func TestPolicy_DelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 2, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-20%%", d)
		}
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	rec := &recordingSleep{}
	r := New(DefaultPolicy, WithSleep(rec.sleep))

	var calls int32
	err := r.Do(context.Background(), func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("server error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}

	delays := rec.recorded()
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Errorf("delays: got %v, want [2s 4s]", delays)
	}
}

func TestDo_Exhausted(t *testing.T) {
	rec := &recordingSleep{}
	r := New(DefaultPolicy, WithSleep(rec.sleep))

	cause := errors.New("unreachable")
	var calls int32
	err := r.Do(context.Background(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return cause
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, cause) {
		t.Fatalf("Do: got %v, want ErrExhausted wrapping cause", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
	if n := len(rec.recorded()); n != 2 {
		t.Errorf("sleeps: got %d, want 2", n)
	}
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	rec := &recordingSleep{}
	r := New(DefaultPolicy, WithSleep(rec.sleep))

	notFound := errors.New("404")
	var calls int32
	err := r.Do(context.Background(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(notFound)
	})
	if !errors.Is(err, notFound) || IsPermanent(err) {
		t.Fatalf("Do: got %v, want unwrapped permanent cause", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
	if len(rec.recorded()) != 0 {
		t.Error("no backoff expected after a permanent error")
	}
}

func TestDo_ClassifierRejects(t *testing.T) {
	terminal := errors.New("bad request")
	r := New(DefaultPolicy,
		WithSleep((&recordingSleep{}).sleep),
		WithClassifier(func(err error) bool { return !errors.Is(err, terminal) }),
	)

	var calls int32
	err := r.Do(context.Background(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("Do: got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestValue_AttemptTimeoutThenSuccess(t *testing.T) {
	policy := DefaultPolicy
	policy.AttemptTimeout = 20 * time.Millisecond

	var notified []int
	r := New(policy,
		WithSleep((&recordingSleep{}).sleep),
		WithNotify(func(attempt int, err error, _ time.Duration) {
			if !errors.Is(err, ErrAttemptTimeout) {
				t.Errorf("attempt %d: got %v, want ErrAttemptTimeout", attempt, err)
			}
			notified = append(notified, attempt)
		}),
	)

	release := make(chan struct{})
	defer close(release)

	var calls int32
	got, err := Value(context.Background(), r, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			// Ignore ctx to simulate a backend that never answers.
			<-release
			return "late", nil
		}
		return "matched", nil
	})
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if got != "matched" {
		t.Errorf("Value: got %q, want matched", got)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("notified attempts: got %v, want [1 2]", notified)
	}
}

func TestValue_ParentCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(DefaultPolicy, WithSleep(func(ctx context.Context, _ time.Duration) bool {
		cancel()
		return false
	}))

	var calls int32
	_, err := Value(ctx, r, func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("flaky")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Value: got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}
