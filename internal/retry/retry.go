package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the retry package.
var (
	ErrAttemptTimeout = errors.New("retry: attempt timed out")
	ErrExhausted      = errors.New("retry: attempts exhausted")
)

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as terminal: Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retrier executes operations under a Policy.
type Retrier struct {
	policy    Policy
	retryable func(error) bool
	sleep     func(ctx context.Context, d time.Duration) bool
	notify    func(attempt int, err error, delay time.Duration)
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithClassifier sets the function deciding whether an unmarked error is
// worth another attempt. The default retries every error not marked Permanent.
func WithClassifier(fn func(error) bool) Option {
	return func(r *Retrier) { r.retryable = fn }
}

// WithSleep replaces the backoff wait. fn returns false if ctx was canceled.
func WithSleep(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithNotify registers a callback invoked before each backoff wait with the
// 1-indexed attempt that failed.
func WithNotify(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retrier) { r.notify = fn }
}

// New creates a Retrier for policy.
func New(policy Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy:    policy,
		retryable: func(error) bool { return true },
		sleep:     sleepWithContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, fails terminally, or the attempts run out.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value runs fn under r's policy and returns its first successful result.
//
// A Permanent error is returned unwrapped, immediately. Errors rejected by the
// classifier are returned immediately too. When every attempt fails the
// returned error wraps both ErrExhausted and the last attempt's error.
func Value[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	maxAttempts := r.policy.attempts()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := runAttempt(ctx, r.policy.AttemptTimeout, fn)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !r.retryable(err) {
			return zero, err
		}

		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		delay := r.policy.Delay(attempt)
		if r.notify != nil {
			r.notify(attempt+1, err, delay)
		}
		if !r.sleep(ctx, delay) {
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

type result[T any] struct {
	value T
	err   error
}

// runAttempt runs fn bounded by timeout. If the timeout fires first the
// attempt is abandoned: fn keeps running on its own goroutine and whatever it
// returns later is dropped into a buffered channel nobody reads.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		ch <- result[T]{value: v, err: err}
	}()

	var zero T
	select {
	case res := <-ch:
		if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, timeout, res.err)
		}
		return res.value, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

// sleepWithContext sleeps for the given duration or until the context is canceled.
// Returns true if the full sleep completed, false if canceled.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
