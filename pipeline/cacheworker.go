package pipeline

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/cache"
	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/telemetry"
)

// Invalidator deletes read-model cache keys.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// CacheWorker consumes every pipeline stage event and drops the affected
// student's cached read models. It keeps no ledger: deleting an absent
// key is a no-op, so duplicate deliveries are harmless, and a missed
// invalidation self-heals when the entry's TTL expires.
type CacheWorker struct {
	cache   Invalidator
	metrics *telemetry.Metrics
}

// NewCacheWorker wires the cache worker.
func NewCacheWorker(c Invalidator, metrics *telemetry.Metrics) *CacheWorker {
	return &CacheWorker{cache: c, metrics: metrics}
}

// Worker returns the consume runner for this worker. The cache worker
// has no dead-letter route: stale entries expire on their own, so an
// exhausted retry logs and acknowledges.
func (w *CacheWorker) Worker() *Worker {
	return &Worker{
		Role:    CacheGroup,
		Retry:   retry.CacheConfig(),
		Handle:  w.Handle,
		Metrics: w.metrics,
	}
}

// Handle invalidates the read models of the student the event concerns.
func (w *CacheWorker) Handle(ctx context.Context, ev event.Event) error {
	var studentID string
	switch e := ev.(type) {
	case *event.PurchaseCreated:
		studentID = e.StudentID
	case *event.TrainerAllocated:
		studentID = e.StudentID
	case *event.SessionsGenerated:
		studentID = e.StudentID
	default:
		return retry.Permanent(fmt.Errorf("cache worker: unexpected event %s", ev.EventType()))
	}
	if studentID == "" {
		return retry.Permanent(fmt.Errorf("cache worker: event %s carries no student id", ev.EventType()))
	}

	keys := cache.StudentKeys(studentID)
	if err := w.cache.Invalidate(ctx, keys...); err != nil {
		return fmt.Errorf("cache worker: %w", err)
	}
	telemetry.Count(ctx, w.metric().CacheInvalidations, int64(len(keys)))
	log.Debug(ctx, log.KV{K: "msg", V: "read models invalidated"},
		log.KV{K: "studentId", V: studentID},
		log.KV{K: "keys", V: len(keys)})
	return nil
}

func (w *CacheWorker) metric() *telemetry.Metrics {
	if w.metrics == nil {
		return &telemetry.Metrics{}
	}
	return w.metrics
}
