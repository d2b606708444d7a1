package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/outbox"
	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/store"
	"github.com/tutorlinkhq/tutorlink/telemetry"
)

// PurchaseWorker consumes PURCHASE_CONFIRMED: it creates the durable
// purchase record with its course unlocks and emits PURCHASE_CREATED.
type PurchaseWorker struct {
	store   store.Store
	emitter *outbox.Emitter
	metrics *telemetry.Metrics
}

// NewPurchaseWorker wires the purchase worker.
func NewPurchaseWorker(st store.Store, emitter *outbox.Emitter, metrics *telemetry.Metrics) *PurchaseWorker {
	return &PurchaseWorker{store: st, emitter: emitter, metrics: metrics}
}

// Worker returns the consume runner for this worker.
func (w *PurchaseWorker) Worker(dlq *DLQPublisher) *Worker {
	return &Worker{
		Role:    PurchaseGroup,
		Retry:   retry.DefaultConfig(),
		Handle:  w.Handle,
		DLQ:     dlq,
		Metrics: w.metrics,
	}
}

// Handle processes one PURCHASE_CONFIRMED event. Steps 2–6 of the
// algorithm run in one transaction: validation reads, deactivation of
// prior active purchases, the insert, the unlock upserts and the ledger
// mark either all commit or all roll back.
func (w *PurchaseWorker) Handle(ctx context.Context, ev event.Event) error {
	pc, ok := ev.(*event.PurchaseConfirmed)
	if !ok {
		return retry.Permanent(fmt.Errorf("purchase worker: unexpected event %s", ev.EventType()))
	}
	correlationID := pc.PaymentID

	done, err := w.store.Events().IsProcessed(ctx, correlationID, event.TypePurchaseConfirmed)
	if err != nil {
		return fmt.Errorf("purchase worker: ledger check: %w", err)
	}
	if done {
		// A prior delivery created the purchase but may have crashed
		// before its emit reached the ledger; re-emitting is a cheap
		// no-op when it did.
		if err := w.reemit(ctx, pc); err != nil {
			return err
		}
		return errAlreadyProcessed
	}

	tier := pc.Metadata.PurchaseTier
	if store.TierRank(tier) == 0 {
		return retry.Permanent(fmt.Errorf("purchase worker: invalid tier %d", tier))
	}

	purchase := store.Purchase{
		ID:        uuid.NewString(),
		StudentID: pc.StudentID,
		CourseID:  pc.CourseID,
		Tier:      tier,
		IsActive:  true,
		CreatedAt: time.Now(),
		Metadata:  pc.Metadata,
	}

	err = w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Students().Get(ctx, pc.StudentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return retry.Permanent(fmt.Errorf("purchase worker: unknown student %s", pc.StudentID))
			}
			return fmt.Errorf("purchase worker: load student: %w", err)
		}
		course, err := tx.Courses().Get(ctx, pc.CourseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return retry.Permanent(fmt.Errorf("purchase worker: unknown course %s", pc.CourseID))
			}
			return fmt.Errorf("purchase worker: load course: %w", err)
		}

		deactivated, err := tx.Purchases().DeactivateActive(ctx, pc.StudentID, pc.CourseID)
		if err != nil {
			return fmt.Errorf("purchase worker: deactivate prior purchases: %w", err)
		}
		if deactivated > 0 {
			log.Info(ctx, log.KV{K: "msg", V: "prior purchases deactivated"},
				log.KV{K: "count", V: deactivated})
		}
		if err := tx.Purchases().Insert(ctx, purchase); err != nil {
			return fmt.Errorf("purchase worker: insert purchase: %w", err)
		}
		if err := tx.Purchases().UpsertUnlocks(ctx, store.UnlockRows(pc.StudentID, course, tier)); err != nil {
			return fmt.Errorf("purchase worker: unlock levels: %w", err)
		}

		// The mark gets its own event id: event_id is the ledger primary
		// key, and the consumed id already names the producer's emit row.
		mark := store.ProcessedEvent{
			EventID:       uuid.NewString(),
			EventType:     event.TypePurchaseConfirmed,
			CorrelationID: correlationID,
			Source:        pc.Meta.Source,
			Version:       pc.Meta.Version,
			Kind:          store.LedgerObserved,
			ProcessedAt:   time.Now(),
		}
		if err := tx.Events().MarkProcessed(ctx, mark); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return errAlreadyProcessed
			}
			return fmt.Errorf("purchase worker: mark processed: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyProcessed) {
			return errAlreadyProcessed
		}
		return err
	}

	log.Info(ctx, log.KV{K: "msg", V: "purchase created"},
		log.KV{K: "purchaseId", V: purchase.ID},
		log.KV{K: "studentId", V: pc.StudentID},
		log.KV{K: "tier", V: tier})

	return w.emitCreated(ctx, correlationID, purchase)
}

// Upgrade moves the pair's active purchase to a higher tier: the prior
// purchase is deactivated, a new one inserted and the unlock rows
// expanded, all in one transaction. Unlocking is monotone, so re-running
// an upgrade is a no-op at the unlock level.
func (w *PurchaseWorker) Upgrade(ctx context.Context, studentID, courseID string, newTier int) (store.Purchase, error) {
	if store.TierRank(newTier) == 0 {
		return store.Purchase{}, fmt.Errorf("purchase worker: invalid tier %d", newTier)
	}
	var upgraded store.Purchase
	err := w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.Purchases().ActiveFor(ctx, studentID, courseID)
		if err != nil {
			return fmt.Errorf("purchase worker: load active purchase: %w", err)
		}
		if store.TierRank(newTier) <= store.TierRank(current.Tier) {
			return fmt.Errorf("purchase worker: tier %d does not upgrade tier %d", newTier, current.Tier)
		}
		course, err := tx.Courses().Get(ctx, courseID)
		if err != nil {
			return fmt.Errorf("purchase worker: load course: %w", err)
		}
		if _, err := tx.Purchases().DeactivateActive(ctx, studentID, courseID); err != nil {
			return fmt.Errorf("purchase worker: deactivate prior purchase: %w", err)
		}
		meta := current.Metadata
		meta.PurchaseTier = newTier
		upgraded = store.Purchase{
			ID:        uuid.NewString(),
			StudentID: studentID,
			CourseID:  courseID,
			Tier:      newTier,
			IsActive:  true,
			CreatedAt: time.Now(),
			Metadata:  meta,
		}
		if err := tx.Purchases().Insert(ctx, upgraded); err != nil {
			return fmt.Errorf("purchase worker: insert upgraded purchase: %w", err)
		}
		if err := tx.Purchases().UpsertUnlocks(ctx, store.UnlockRows(studentID, course, newTier)); err != nil {
			return fmt.Errorf("purchase worker: unlock levels: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Purchase{}, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "purchase upgraded"},
		log.KV{K: "purchaseId", V: upgraded.ID},
		log.KV{K: "tier", V: newTier})
	return upgraded, nil
}

// reemit rebuilds and emits PURCHASE_CREATED for a payment whose purchase
// already exists. The emitter deduplicates, so in the common case this is
// one indexed read.
func (w *PurchaseWorker) reemit(ctx context.Context, pc *event.PurchaseConfirmed) error {
	purchase, err := w.store.Purchases().ActiveFor(ctx, pc.StudentID, pc.CourseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Marked processed but no active purchase: superseded by a
			// newer purchase for the pair. Nothing to emit.
			return nil
		}
		return fmt.Errorf("purchase worker: load purchase for re-emit: %w", err)
	}
	return w.emitCreated(ctx, pc.PaymentID, purchase)
}

// emitCreated publishes PURCHASE_CREATED, deferring publish failures to
// the outbox replay and failing only when the ledger row itself could not
// be written.
func (w *PurchaseWorker) emitCreated(ctx context.Context, correlationID string, purchase store.Purchase) error {
	created := &event.PurchaseCreated{
		PurchaseID:   purchase.ID,
		StudentID:    purchase.StudentID,
		CourseID:     purchase.CourseID,
		PurchaseTier: purchase.Tier,
		Metadata:     purchase.Metadata,
	}
	created.UserID = purchase.StudentID
	created.Role = event.RoleStudent
	if eventID, err := w.emitter.Emit(ctx, created, correlationID); err != nil {
		if eventID == "" {
			// The ledger row never materialised; fail so the retry of
			// this delivery re-emits.
			return fmt.Errorf("purchase worker: emit purchase created: %w", err)
		}
		// Recorded but not published: the outbox replay will push it.
		log.Warn(ctx, log.KV{K: "msg", V: "purchase created emit deferred to replay"},
			log.KV{K: "eventId", V: eventID},
			log.KV{K: "err", V: err.Error()})
	}
	return nil
}
