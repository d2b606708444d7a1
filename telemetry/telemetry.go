// Package telemetry holds the OpenTelemetry instruments shared by the
// pipeline workers. Instruments are created against the global meter
// provider; with no provider installed they are no-ops, so tests and the
// dry-run mode need no telemetry wiring.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/tutorlinkhq/tutorlink"

// Metrics bundles the pipeline's counters.
type Metrics struct {
	EventsProcessed    metric.Int64Counter
	EventsSkipped      metric.Int64Counter
	EventsFailed       metric.Int64Counter
	DLQForwards        metric.Int64Counter
	Allocations        metric.Int64Counter
	SessionsCreated    metric.Int64Counter
	CacheInvalidations metric.Int64Counter
	LockAcquisitions   metric.Int64Counter
	LockTimeouts       metric.Int64Counter
}

// New creates the instrument set on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(scope)
	m := &Metrics{}
	for _, inst := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.EventsProcessed, "pipeline.events.processed", "Events handled to completion"},
		{&m.EventsSkipped, "pipeline.events.skipped", "Events short-circuited as already processed"},
		{&m.EventsFailed, "pipeline.events.failed", "Events whose handler failed"},
		{&m.DLQForwards, "pipeline.dlq.forwards", "Events forwarded to the dead-letter topic"},
		{&m.Allocations, "pipeline.allocations", "Allocation outcomes by result"},
		{&m.SessionsCreated, "pipeline.sessions.created", "Session rows materialised"},
		{&m.CacheInvalidations, "pipeline.cache.invalidations", "Read-model keys invalidated"},
		{&m.LockAcquisitions, "auth.refresh.lock.acquisitions", "Refresh locks acquired"},
		{&m.LockTimeouts, "auth.refresh.lock.timeouts", "Refresh lock waits that expired"},
	} {
		c, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, err
		}
		*inst.dst = c
	}
	return m, nil
}

// Count is a nil-safe counter increment with attributes.
func Count(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Tracer returns the module tracer.
func Tracer() trace.Tracer { return otel.Tracer(scope) }

// WorkerAttr labels a metric with the worker role.
func WorkerAttr(worker string) attribute.KeyValue { return attribute.String("worker", worker) }

// EventAttr labels a metric with the event type.
func EventAttr(eventType string) attribute.KeyValue { return attribute.String("event_type", eventType) }

// ResultAttr labels a metric with a business outcome.
func ResultAttr(result string) attribute.KeyValue { return attribute.String("result", result) }
