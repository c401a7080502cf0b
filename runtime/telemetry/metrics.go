// Package telemetry records pipeline counters through OTel metrics.
//
// The facade keeps instrument creation out of the hot path: counters are
// created once from the global MeterProvider (configure it via
// clue.ConfigureOpenTelemetry or OTEL_* environment variables) and a nil
// *Metrics is a valid no-op recorder so tests and minimal wirings can skip
// metrics entirely.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records pipeline instrumentation. All methods are safe on a nil
// receiver.
type Metrics struct {
	recorded        metric.Int64Counter
	dropped         metric.Int64Counter
	dedupHits       metric.Int64Counter
	publishFailures metric.Int64Counter
	modeChanges     metric.Int64Counter
	batchesFlushed  metric.Int64Counter
	eventsWritten   metric.Int64Counter
}

// NewMetrics builds the pipeline counters from the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("goa.design/widelog")
	m := &Metrics{}
	for _, c := range []struct {
		counter *metric.Int64Counter
		name    string
		desc    string
	}{
		{&m.recorded, "widelog.events.recorded", "Wide events accepted by the sampling policy"},
		{&m.dropped, "widelog.events.dropped", "Wide events shed by backpressure"},
		{&m.dedupHits, "widelog.finalize.dedup_hits", "Finalize calls suppressed by the dedup cache"},
		{&m.publishFailures, "widelog.bus.publish_failures", "Bus publish attempts that failed"},
		{&m.modeChanges, "widelog.mode.transitions", "Delivery mode transitions"},
		{&m.batchesFlushed, "widelog.store.batches_flushed", "Batches flushed to the store"},
		{&m.eventsWritten, "widelog.store.events_written", "Events written to the store"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.counter = counter
	}
	return m, nil
}

// EventRecorded counts an event accepted for delivery, tagged by reason.
func (m *Metrics) EventRecorded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// EventDropped counts a backpressure shed.
func (m *Metrics) EventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}

// DedupHit counts a duplicate finalize suppressed by the cache.
func (m *Metrics) DedupHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.dedupHits.Add(ctx, 1)
}

// PublishFailure counts a failed bus publish.
func (m *Metrics) PublishFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.publishFailures.Add(ctx, 1)
}

// ModeChange counts a delivery mode transition.
func (m *Metrics) ModeChange(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.modeChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// BatchFlushed counts a store flush of n events from the named source.
func (m *Metrics) BatchFlushed(ctx context.Context, n int, source string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.batchesFlushed.Add(ctx, 1, attrs)
	m.eventsWritten.Add(ctx, int64(n), attrs)
}
