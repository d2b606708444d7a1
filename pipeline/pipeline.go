// Package pipeline contains the post-purchase coordination workers: the
// purchase, allocation, session and cache workers, the shared consume
// runner with retry and dead-letter handling, and the periodic session
// top-up sweep.
//
// Every worker shares one message discipline: validate at the boundary,
// check the processed-events ledger before side effects, run the handler
// under the worker's retry policy, and forward to the dead-letter topic
// once the policy is exhausted. Handlers are idempotent because the
// transport is at-least-once.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/eventlog"
	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/telemetry"
)

// Consumer group names, one per worker role.
const (
	PurchaseGroup   = "purchase-worker"
	AllocationGroup = "allocation-worker"
	SessionGroup    = "session-worker"
	CacheGroup      = "cache-worker"
)

// errAlreadyProcessed is returned by transactional handler bodies when
// the ledger insert lost its race: another handler finished the same step
// first, so this delivery counts as a success.
var errAlreadyProcessed = errors.New("pipeline: step already processed")

type (
	// Handler processes one decoded event.
	Handler func(ctx context.Context, ev event.Event) error

	// Worker drives one consumer role: decode, validate, retry, DLQ.
	Worker struct {
		// Role names the worker in logs, metrics and its consumer group.
		Role string
		// Retry is the handler retry policy.
		Retry retry.Config
		// Handle processes one event.
		Handle Handler
		// DLQ receives messages whose handling exhausted Retry. When nil
		// the worker logs and acknowledges instead — the policy of the
		// cache worker, whose effects self-heal.
		DLQ *DLQPublisher
		// Metrics is optional.
		Metrics *telemetry.Metrics
	}
)

// Run consumes messages until ctx is cancelled. A message is acknowledged
// when its handler succeeds, when it short-circuits as already processed,
// or when it has been safely forwarded to the dead-letter topic; any other
// outcome leaves it unacknowledged for redelivery.
func (w *Worker) Run(ctx context.Context, consumer eventlog.Consumer) error {
	ctx = log.With(ctx, log.KV{K: "worker", V: w.Role})
	log.Info(ctx, log.KV{K: "msg", V: "worker starting"})
	err := consumer.Consume(ctx, w.handleMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", w.Role, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "worker stopped"})
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg eventlog.Message) error {
	if err := event.Validate(msg.Value); err != nil {
		// Poison: the payload can never be handled, so it goes straight
		// to the dead-letter topic without retries.
		log.Error(ctx, err, log.KV{K: "msg", V: "poison message"},
			log.KV{K: "topic", V: msg.Topic},
			log.KV{K: "offset", V: msg.Offset})
		return w.exhausted(ctx, msg, err, 1)
	}
	ev, err := event.Decode(msg.Value)
	if err != nil {
		return w.exhausted(ctx, msg, err, 1)
	}

	h := headerOf(ev)
	ctx = log.With(ctx,
		log.KV{K: "eventType", V: string(h.Type)},
		log.KV{K: "correlationId", V: h.Meta.CorrelationID},
		log.KV{K: "eventId", V: h.Meta.EventID})

	err = retry.Do(ctx, w.Retry, func(ctx context.Context) error {
		err := w.Handle(ctx, ev)
		if errors.Is(err, errAlreadyProcessed) {
			// Duplicates are terminal, not transient.
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		telemetry.Count(ctx, w.metric().EventsProcessed, 1,
			telemetry.WorkerAttr(w.Role), telemetry.EventAttr(string(h.Type)))
		return nil
	case errors.Is(err, errAlreadyProcessed):
		telemetry.Count(ctx, w.metric().EventsSkipped, 1,
			telemetry.WorkerAttr(w.Role), telemetry.EventAttr(string(h.Type)))
		log.Debug(ctx, log.KV{K: "msg", V: "duplicate delivery skipped"})
		return nil
	case errors.Is(err, context.Canceled):
		return err
	}

	telemetry.Count(ctx, w.metric().EventsFailed, 1,
		telemetry.WorkerAttr(w.Role), telemetry.EventAttr(string(h.Type)))
	attempts := 1
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		attempts = exhausted.Attempts
	}
	return w.exhausted(ctx, msg, err, attempts)
}

// exhausted routes a failed message: to the DLQ when the worker has one,
// otherwise log-and-acknowledge.
func (w *Worker) exhausted(ctx context.Context, msg eventlog.Message, cause error, attempts int) error {
	if w.DLQ == nil {
		log.Warn(ctx, log.KV{K: "msg", V: "handler failed, acknowledging"},
			log.KV{K: "topic", V: msg.Topic},
			log.KV{K: "err", V: cause.Error()})
		return nil
	}
	if err := w.DLQ.Forward(ctx, msg, cause, attempts); err != nil {
		// The DLQ publish itself failed; leave the message unacknowledged
		// so the transport redelivers it.
		return fmt.Errorf("dead-letter forward: %w", err)
	}
	telemetry.Count(ctx, w.metric().DLQForwards, 1, telemetry.WorkerAttr(w.Role))
	return nil
}

func (w *Worker) metric() *telemetry.Metrics {
	if w.Metrics == nil {
		return &telemetry.Metrics{}
	}
	return w.Metrics
}

// headerOf extracts the envelope header of a decoded event.
func headerOf(ev event.Event) event.Header {
	switch e := ev.(type) {
	case *event.PurchaseConfirmed:
		return e.Header
	case *event.PurchaseCreated:
		return e.Header
	case *event.TrainerAllocated:
		return e.Header
	case *event.SessionsGenerated:
		return e.Header
	case *event.DeadLetter:
		return e.Header
	}
	return event.Header{}
}
