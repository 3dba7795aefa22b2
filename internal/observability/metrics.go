package observability

import (
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all metric instruments used by the SDK. Instruments are
// created once by the client and shared with the matching engine, the event
// pipeline, the deep link router and the backend transport.
type Metrics struct {
	// Backend HTTP metrics
	HTTPRequestDuration otelmetric.Float64Histogram
	HTTPRequestTotal    otelmetric.Int64Counter
	HTTPRequestErrors   otelmetric.Int64Counter

	// Attribution metrics
	MatchResults  otelmetric.Int64Counter
	MatchRetries  otelmetric.Int64Counter
	MatchDuration otelmetric.Float64Histogram

	// Event pipeline metrics
	EventsTracked    otelmetric.Int64Counter
	BatchesSent      otelmetric.Int64Counter
	BatchSize        otelmetric.Int64Histogram
	FlushLatency     otelmetric.Float64Histogram
	FailedQueueDepth otelmetric.Int64UpDownCounter
	EventsEvicted    otelmetric.Int64Counter
	EventsDropped    otelmetric.Int64Counter

	// Deep link metrics
	LinksDispatched otelmetric.Int64Counter
}

// NewMetrics creates all metric instruments from the given Meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	// Backend HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.client.request.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Backend request duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestTotal, err = meter.Int64Counter(
		"http.client.request.total",
		otelmetric.WithDescription("Total backend requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestErrors, err = meter.Int64Counter(
		"http.client.request.errors",
		otelmetric.WithDescription("Backend requests that failed or returned 4xx/5xx"),
	)
	if err != nil {
		return nil, err
	}

	// Attribution metrics
	m.MatchResults, err = meter.Int64Counter(
		"attribution.match.results",
		otelmetric.WithDescription("Attribution match outcomes by method and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.MatchRetries, err = meter.Int64Counter(
		"attribution.match.retries",
		otelmetric.WithDescription("Attribution attempts retried after a transient failure"),
	)
	if err != nil {
		return nil, err
	}

	m.MatchDuration, err = meter.Float64Histogram(
		"attribution.match.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Total attribution resolution time in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	// Event pipeline metrics
	m.EventsTracked, err = meter.Int64Counter(
		"events.tracked",
		otelmetric.WithDescription("Analytics events enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesSent, err = meter.Int64Counter(
		"events.batches.sent",
		otelmetric.WithDescription("Event batch delivery attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchSize, err = meter.Int64Histogram(
		"events.batch.size",
		otelmetric.WithDescription("Event batch sizes"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushLatency, err = meter.Float64Histogram(
		"events.flush.latency",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Batch flush latency in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.FailedQueueDepth, err = meter.Int64UpDownCounter(
		"events.failed_queue.depth",
		otelmetric.WithDescription("Events waiting in the persistent failed queue"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsEvicted, err = meter.Int64Counter(
		"events.evicted",
		otelmetric.WithDescription("Oldest failed events evicted at the queue cap"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter(
		"events.dropped",
		otelmetric.WithDescription("Undelivered events dropped with offline queueing disabled"),
	)
	if err != nil {
		return nil, err
	}

	// Deep link metrics
	m.LinksDispatched, err = meter.Int64Counter(
		"deeplink.dispatched",
		otelmetric.WithDescription("Inbound deep links by routing outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// NewNoopMetrics returns instruments backed by a no-op meter. It is the
// default when the host does not install a meter provider.
func NewNoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("tappick"))
	if err != nil {
		// The noop meter never returns an error.
		panic(err)
	}
	return m
}
