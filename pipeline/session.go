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
	"github.com/tutorlinkhq/tutorlink/schedule"
	"github.com/tutorlinkhq/tutorlink/store"
	"github.com/tutorlinkhq/tutorlink/telemetry"
)

// SessionWorker consumes TRAINER_ALLOCATED: it materialises the first
// rolling window of session rows for the allocation and emits
// SESSIONS_GENERATED. The periodic top-up sweep reuses its materialiser.
type SessionWorker struct {
	store   store.Store
	emitter *outbox.Emitter
	metrics *telemetry.Metrics
}

// NewSessionWorker wires the session worker.
func NewSessionWorker(st store.Store, emitter *outbox.Emitter, metrics *telemetry.Metrics) *SessionWorker {
	return &SessionWorker{store: st, emitter: emitter, metrics: metrics}
}

// Worker returns the consume runner for this worker.
func (w *SessionWorker) Worker(dlq *DLQPublisher) *Worker {
	return &Worker{
		Role:    SessionGroup,
		Retry:   retry.DefaultConfig(),
		Handle:  w.Handle,
		DLQ:     dlq,
		Metrics: w.metrics,
	}
}

// Handle processes one TRAINER_ALLOCATED event. An empty trainer id marks
// a waitlisted allocation: there is nothing to materialise, so the step
// is recorded and acknowledged — a later re-allocation produces a fresh
// event.
func (w *SessionWorker) Handle(ctx context.Context, ev event.Event) error {
	ta, ok := ev.(*event.TrainerAllocated)
	if !ok {
		return retry.Permanent(fmt.Errorf("session worker: unexpected event %s", ev.EventType()))
	}
	correlationID := ta.AllocationID

	done, err := w.store.Events().IsProcessed(ctx, correlationID, event.TypeTrainerAllocated)
	if err != nil {
		return fmt.Errorf("session worker: ledger check: %w", err)
	}
	if done {
		return errAlreadyProcessed
	}

	// Fresh event id: the consumed id keys the producer's emit row on the
	// same ledger primary key.
	mark := store.ProcessedEvent{
		EventID:       uuid.NewString(),
		EventType:     event.TypeTrainerAllocated,
		CorrelationID: correlationID,
		Source:        ta.Meta.Source,
		Version:       ta.Meta.Version,
		Kind:          store.LedgerObserved,
		ProcessedAt:   time.Now(),
	}

	if ta.TrainerID == "" {
		log.Info(ctx, log.KV{K: "msg", V: "waitlisted allocation, no sessions to materialise"},
			log.KV{K: "allocationId", V: ta.AllocationID})
		if err := w.store.Events().MarkProcessed(ctx, mark); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("session worker: mark processed: %w", err)
		}
		return nil
	}

	alloc, err := w.store.Allocations().Get(ctx, ta.AllocationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return retry.Permanent(fmt.Errorf("session worker: unknown allocation %s", ta.AllocationID))
		}
		return fmt.Errorf("session worker: load allocation: %w", err)
	}

	inputs, err := w.planInputs(ctx, alloc, ta.SessionCount)
	if err != nil {
		return err
	}

	var created []string
	err = w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created, err = materialize(ctx, tx.Sessions(), alloc, inputs)
		if err != nil {
			return err
		}
		if err := tx.Events().MarkProcessed(ctx, mark); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return errAlreadyProcessed
			}
			return fmt.Errorf("session worker: mark processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.Count(ctx, w.metric().SessionsCreated, int64(len(created)))
	log.Info(ctx, log.KV{K: "msg", V: "sessions materialised"},
		log.KV{K: "allocationId", V: alloc.ID},
		log.KV{K: "created", V: len(created)})

	if len(created) > 0 {
		w.emitGenerated(ctx, alloc, inputs, created, alloc.ID)
	}
	return nil
}

// planInputs recovers the schedule inputs for an allocation from its
// metadata, falling back to the active purchase for the tier and to the
// defaults the allocation worker would have applied.
func (w *SessionWorker) planInputs(ctx context.Context, alloc store.Allocation, eventTotal int) (planInputs, error) {
	meta := alloc.Metadata

	total := eventTotal
	if total <= 0 {
		total = meta.PurchaseTier
	}
	if total <= 0 {
		purchase, err := w.store.Purchases().ActiveFor(ctx, alloc.StudentID, alloc.CourseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return planInputs{}, retry.Permanent(fmt.Errorf("session worker: no tier for allocation %s", alloc.ID))
			}
			return planInputs{}, fmt.Errorf("session worker: load purchase: %w", err)
		}
		total = purchase.Tier
	}

	slot := meta.TimeSlot
	if slot == "" {
		var err error
		slot, err = w.store.Sessions().LastSlot(ctx, alloc.ID)
		if errors.Is(err, store.ErrNotFound) {
			slot = schedule.DefaultTimeSlot
		} else if err != nil {
			return planInputs{}, fmt.Errorf("session worker: last slot: %w", err)
		}
	}
	if normalized, err := schedule.NormalizeSlot(slot); err == nil {
		slot = normalized
	} else {
		return planInputs{}, retry.Permanent(fmt.Errorf("session worker: %w", err))
	}

	mode := meta.DeliveryMode
	if !mode.Valid() {
		mode = schedule.WeekdayDaily
	}

	start := schedule.Date(alloc.CreatedAt)
	if meta.StartDate != "" {
		parsed, err := schedule.ParseDate(meta.StartDate)
		if err != nil {
			return planInputs{}, retry.Permanent(fmt.Errorf("session worker: %w", err))
		}
		start = parsed
	}
	start = schedule.NextDates(start, 1, mode)[0]

	return planInputs{
		class: meta.ClassType,
		total: total,
		mode:  mode,
		start: start,
		slot:  slot,
	}, nil
}

// planInputs are the resolved schedule inputs for one allocation.
type planInputs struct {
	class schedule.ClassType
	total int
	mode  schedule.DeliveryMode
	start time.Time
	slot  string
}

// materialize restores the allocation's rolling window inside the
// caller's transaction scope: it counts future sessions, slices the next
// entries off the allocation's full plan, and upserts them relying on the
// slot unique for idempotency. It returns the ids of newly created rows.
func materialize(ctx context.Context, sessions store.SessionRepo, alloc store.Allocation, in planInputs) ([]string, error) {
	future, err := sessions.CountFuture(ctx, alloc.ID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("count future sessions: %w", err)
	}
	existing, err := sessions.ListByAllocation(ctx, alloc.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	materialised := 0
	for _, s := range existing {
		if s.Number > materialised {
			materialised = s.Number
		}
	}

	needed := schedule.Window(future)
	if remaining := in.total - materialised; needed > remaining {
		needed = remaining
	}
	if needed <= 0 {
		return nil, nil
	}

	plan, err := schedule.Plan(in.class, in.total, in.mode, in.start, in.slot)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("session plan: %w", err))
	}

	now := time.Now()
	rows := make([]store.Session, 0, needed)
	for _, p := range plan[materialised : materialised+needed] {
		rows = append(rows, store.Session{
			ID:            uuid.NewString(),
			AllocationID:  alloc.ID,
			StudentID:     alloc.StudentID,
			TrainerID:     alloc.TrainerID,
			ScheduledDate: p.Date,
			ScheduledTime: p.TimeSlot,
			Status:        store.SessionScheduled,
			Type:          p.Type,
			Number:        p.Number,
			Bookable:      p.Bookable,
			FixedTime:     p.FixedTime,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	created, err := sessions.Upsert(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("upsert sessions: %w", err)
	}
	return created, nil
}

// CompleteSession marks a session COMPLETED and promotes its allocation
// from APPROVED to ACTIVE on the first completion.
func (w *SessionWorker) CompleteSession(ctx context.Context, sessionID string, at time.Time) (store.Session, error) {
	var completed store.Session
	err := w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		completed, err = tx.Sessions().Complete(ctx, sessionID, at)
		if err != nil {
			return fmt.Errorf("session worker: complete session: %w", err)
		}
		alloc, err := tx.Allocations().Get(ctx, completed.AllocationID)
		if err != nil {
			return fmt.Errorf("session worker: load allocation: %w", err)
		}
		if alloc.Status != store.AllocationApproved {
			return nil
		}
		if err := tx.Allocations().SetStatus(ctx, alloc.ID, store.AllocationActive); err != nil {
			return fmt.Errorf("session worker: activate allocation: %w", err)
		}
		log.Info(ctx, log.KV{K: "msg", V: "allocation activated"},
			log.KV{K: "allocationId", V: alloc.ID})
		return nil
	})
	if err != nil {
		return store.Session{}, err
	}
	return completed, nil
}

// emitGenerated publishes SESSIONS_GENERATED. Best effort: the event only
// feeds cache invalidation, so failures are logged, never fatal. The
// correlation id keys the dedupe step: the event-driven path uses the
// allocation id, the sweeper a per-sweep key so each batch emits once.
func (w *SessionWorker) emitGenerated(ctx context.Context, alloc store.Allocation, in planInputs, created []string, correlationID string) {
	generated := &event.SessionsGenerated{
		AllocationID: alloc.ID,
		TrainerID:    alloc.TrainerID,
		StudentID:    alloc.StudentID,
		CourseID:     alloc.CourseID,
		SessionCount: len(created),
		SessionIDs:   created,
		StartDate:    schedule.FormatDate(in.start),
	}
	generated.UserID = alloc.StudentID
	generated.Role = event.RoleStudent
	if _, err := w.emitter.Emit(ctx, generated, correlationID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "sessions generated emit failed"},
			log.KV{K: "allocationId", V: alloc.ID},
			log.KV{K: "err", V: err.Error()})
	}
}

func (w *SessionWorker) metric() *telemetry.Metrics {
	if w.metrics == nil {
		return &telemetry.Metrics{}
	}
	return w.metrics
}
