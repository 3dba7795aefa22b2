package pipeline

import "time"

// Batching and queue bounds.
const (
	DefaultBatchSize     = 20
	MinBatchSize         = 1
	MaxBatchSize         = 100
	DefaultFlushInterval = 30 * time.Second
	MinFlushInterval     = 1 * time.Second
	DefaultQueueCapacity = 1000
	DefaultSweepInterval = 10 * time.Second
)

// Config holds the pipeline settings.
type Config struct {
	// BatchSize is the buffered event count that triggers a flush.
	// Zero means DefaultBatchSize; values are clamped to [1, 100].
	BatchSize int

	// FlushInterval is the idle time after the last Track before the buffer
	// is flushed. Zero means DefaultFlushInterval; the minimum is 1s.
	FlushInterval time.Duration

	// OfflineQueue keeps undelivered batches in the persistent failed queue.
	// When false they are dropped with a warning.
	OfflineQueue bool

	// QueueCapacity caps the failed queue; the oldest events are evicted
	// first. Zero means DefaultQueueCapacity.
	QueueCapacity int

	// SweepInterval paces reruns of the failed-queue sweep when connectivity
	// flaps while a sweep is running. The first sweep after start or after a
	// recovery is never delayed. Zero means DefaultSweepInterval.
	SweepInterval time.Duration
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
		OfflineQueue:  true,
		QueueCapacity: DefaultQueueCapacity,
		SweepInterval: DefaultSweepInterval,
	}
}

// normalized returns c with defaults applied and bounds enforced.
func (c Config) normalized() Config {
	switch {
	case c.BatchSize == 0:
		c.BatchSize = DefaultBatchSize
	case c.BatchSize < MinBatchSize:
		c.BatchSize = MinBatchSize
	case c.BatchSize > MaxBatchSize:
		c.BatchSize = MaxBatchSize
	}

	switch {
	case c.FlushInterval == 0:
		c.FlushInterval = DefaultFlushInterval
	case c.FlushInterval < MinFlushInterval:
		c.FlushInterval = MinFlushInterval
	}

	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}
