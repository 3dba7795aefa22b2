// Package retry runs operations under an explicit retry policy: a bounded
// number of attempts, exponential backoff between them, and a per-attempt
// timeout after which the attempt is abandoned and its late result discarded.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after each further failure.
	Multiplier float64

	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration

	// AttemptTimeout bounds each attempt. Zero means attempts are bounded only
	// by the caller's context.
	AttemptTimeout time.Duration

	// Jitter is the proportion of randomness applied to each delay (0.0 to 1.0).
	// A jitter of 0.2 means the delay varies by +/- 20%.
	Jitter float64
}

// DefaultPolicy is used for attribution matching: 3 attempts, waits of 2s and
// 4s (8s if a fourth attempt is configured), 10s per attempt.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	BaseDelay:      2 * time.Second,
	Multiplier:     2,
	AttemptTimeout: 10 * time.Second,
}

// Delay returns the wait before retry number n (0-indexed: n=0 is the wait
// after the first failed attempt).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}

	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(n))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		//nolint:gosec // math/rand is fine for jitter; no security requirement
		delay += jitterRange * (rand.Float64()*2 - 1)
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// attempts returns MaxAttempts, treating non-positive values as a single attempt.
func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
