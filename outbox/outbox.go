// Package outbox implements idempotent event emission. An emit is recorded
// in the processed-events ledger before it is published, keyed by the
// correlation id of the step that caused it, so retrying the same step
// returns the original event id instead of emitting twice. Rows whose
// publish failed stay in the ledger unpublished; Replay sweeps them back
// onto the log.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/eventlog"
	"github.com/tutorlinkhq/tutorlink/store"
)

type (
	// Emitter is the idempotent emitter.
	Emitter struct {
		store  store.Store
		pub    eventlog.Publisher
		source string
	}

	// Options modify a single Emit call.
	Options struct {
		force  bool
		source string
	}

	// Option configures one Emit call.
	Option func(*Options)
)

// WithForce publishes even when the step already has a ledger row. The
// existing row keeps its event id; the event is re-stamped with it.
func WithForce() Option {
	return func(o *Options) { o.force = true }
}

// WithSource overrides the emitter's source label for one call.
func WithSource(source string) Option {
	return func(o *Options) { o.source = source }
}

// New returns an emitter that records to st and publishes to pub. source
// names the producing component on the envelope.
func New(st store.Store, pub eventlog.Publisher, source string) *Emitter {
	return &Emitter{store: st, pub: pub, source: source}
}

// Emit records and publishes ev. correlationID identifies the step that
// causes the emission — the consumed event's correlation id, not the
// emitted event's partition key — so a retried handler finds the prior
// row. It is stamped onto the envelope, carrying the chain's correlation
// downstream.
//
// The returned event id is valid even when the publish failed: the ledger
// row persists and Replay re-publishes it later. Callers decide whether a
// publish error is fatal for them.
func (e *Emitter) Emit(ctx context.Context, ev event.Event, correlationID string, opts ...Option) (string, error) {
	var o Options
	o.source = e.source
	for _, opt := range opts {
		opt(&o)
	}

	events := e.store.Events()
	prior, err := events.Get(ctx, correlationID, ev.EventType())
	switch {
	case err == nil && !o.force:
		log.Debug(ctx, log.KV{K: "msg", V: "emit deduplicated"},
			log.KV{K: "eventType", V: ev.EventType()},
			log.KV{K: "correlationId", V: correlationID},
			log.KV{K: "eventId", V: prior.EventID})
		return prior.EventID, nil
	case err == nil && o.force:
		return prior.EventID, e.publish(ctx, prior)
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("emit %s: ledger lookup: %w", ev.EventType(), err)
	}

	eventID := event.Stamp(ev, correlationID, o.source)
	payload, err := event.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("emit %s: %w", ev.EventType(), err)
	}
	row := store.ProcessedEvent{
		EventID:       eventID,
		EventType:     ev.EventType(),
		CorrelationID: correlationID,
		Payload:       payload,
		Source:        o.source,
		Version:       event.Version,
		Kind:          store.LedgerEmitted,
		ProcessedAt:   time.Now(),
	}
	if err := events.MarkProcessed(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race with a concurrent emit of the same step.
			prior, gerr := events.Get(ctx, correlationID, ev.EventType())
			if gerr != nil {
				return "", fmt.Errorf("emit %s: ledger race lookup: %w", ev.EventType(), gerr)
			}
			return prior.EventID, nil
		}
		return "", fmt.Errorf("emit %s: record: %w", ev.EventType(), err)
	}
	return eventID, e.publish(ctx, row)
}

// publish pushes a ledger row onto the log and stamps published_at. The
// partition key comes from the event's own identity, not the causing
// step, so one entity's events serialise through one partition.
func (e *Emitter) publish(ctx context.Context, row store.ProcessedEvent) error {
	ev, err := event.Decode(row.Payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", row.EventType, err)
	}
	rec := eventlog.Record{
		Topic: row.EventType.Topic(),
		Key:   []byte(ev.PartitionKey()),
		Value: row.Payload,
		Headers: map[string]string{
			"eventId":   row.EventID,
			"eventType": string(row.EventType),
		},
	}
	if err := e.pub.Publish(ctx, rec); err != nil {
		return fmt.Errorf("publish %s: %w", row.EventType, err)
	}
	if err := e.store.Events().MarkPublished(ctx, row.EventID, time.Now()); err != nil {
		// The event reached the log; a failed stamp only means Replay may
		// push it again, which consumers dedupe.
		log.Warn(ctx, log.KV{K: "msg", V: "mark published failed"},
			log.KV{K: "eventId", V: row.EventID},
			log.KV{K: "err", V: err.Error()})
	}
	return nil
}

// Replay re-publishes emitted ledger rows that never reached the log,
// oldest first, up to limit rows (0 means a default batch). It returns how
// many rows were successfully published. Rows that fail again stay
// unpublished for the next sweep.
func (e *Emitter) Replay(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.store.Events().ListUnpublished(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("replay: list unpublished: %w", err)
	}
	n := 0
	for _, row := range rows {
		if err := e.publish(ctx, row); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "replay publish failed"},
				log.KV{K: "eventId", V: row.EventID},
				log.KV{K: "eventType", V: row.EventType},
				log.KV{K: "err", V: err.Error()})
			continue
		}
		n++
	}
	return n, nil
}
