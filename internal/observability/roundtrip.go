package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// RoundTripper records backend request metrics around next. Requests are
// tagged with method, host and status; paths are left out because they embed
// referrer tokens and short codes.
type RoundTripper struct {
	next    http.RoundTripper
	metrics *Metrics
}

// InstrumentTransport wraps next (http.DefaultTransport when nil).
//
// Usage:
//
//	hc := &http.Client{Transport: observability.InstrumentTransport(nil, metrics)}
func InstrumentTransport(next http.RoundTripper, metrics *Metrics) *RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RoundTripper{next: next, metrics: metrics}
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.next.RoundTrip(req)
	duration := float64(time.Since(start).Milliseconds())

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	attrs := otelmetric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("host", req.URL.Host),
		attribute.String("status", status),
	)

	ctx := req.Context()
	rt.metrics.HTTPRequestDuration.Record(ctx, duration, attrs)
	rt.metrics.HTTPRequestTotal.Add(ctx, 1, attrs)

	if err != nil || resp.StatusCode >= 400 {
		rt.metrics.HTTPRequestErrors.Add(ctx, 1, attrs)
	}

	return resp, err
}
