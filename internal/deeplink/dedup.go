package deeplink

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Default duplicate suppression settings.
const (
	DefaultDedupWindow = 5 * time.Second
	dedupCapacity      = 1000
	dedupFPRate        = 0.0001
)

// linkOrigin is the delivery path a link arrived on.
type linkOrigin int

const (
	originInitial linkOrigin = iota
	originStream
)

func (o linkOrigin) String() string {
	if o == originInitial {
		return "initial"
	}
	return "stream"
}

type sighting struct {
	origin linkOrigin
	at     time.Time
}

// dedupWindow suppresses a link delivered on both the cold-start path and the
// stream within the window. Repeats on the same path always pass, so a user
// tapping a link twice is routed twice.
//
// Two bloom filters (current and previous, rotated every half window) screen
// lookups; a hit is confirmed against the exact recent map before anything is
// suppressed. Rotation is driven by lookups rather than a ticker.
type dedupWindow struct {
	mu        sync.Mutex
	current   *bloom.BloomFilter
	previous  *bloom.BloomFilter
	recent    map[string]sighting
	window    time.Duration
	rotatedAt time.Time
	now       func() time.Time
}

func newDedupWindow(window time.Duration, now func() time.Time) *dedupWindow {
	return &dedupWindow{
		current:   bloom.NewWithEstimates(dedupCapacity, dedupFPRate),
		previous:  bloom.NewWithEstimates(dedupCapacity, dedupFPRate),
		recent:    make(map[string]sighting),
		window:    window,
		rotatedAt: now(),
		now:       now,
	}
}

// duplicate reports whether key already arrived on the other path within the
// window. A suppressed pair is forgotten, so a third delivery routes again.
// Otherwise the delivery is recorded.
func (w *dedupWindow) duplicate(key string, origin linkOrigin) bool {
	data := []byte(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.rotateLocked(now)

	if w.current.Test(data) || w.previous.Test(data) {
		if s, ok := w.recent[key]; ok && s.origin != origin && now.Sub(s.at) < w.window {
			delete(w.recent, key)
			return true
		}
	}

	w.current.Add(data)
	w.recent[key] = sighting{origin: origin, at: now}
	return false
}

func (w *dedupWindow) rotateLocked(now time.Time) {
	elapsed := now.Sub(w.rotatedAt)
	half := w.window / 2

	switch {
	case elapsed >= w.window:
		w.current.ClearAll()
		w.previous.ClearAll()
		clear(w.recent)
		w.rotatedAt = now
	case elapsed >= half:
		w.previous, w.current = w.current, w.previous
		w.current.ClearAll()
		w.rotatedAt = now
		for k, s := range w.recent {
			if now.Sub(s.at) >= w.window {
				delete(w.recent, k)
			}
		}
	}
}
