package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/assign"
	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/outbox"
	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/schedule"
	"github.com/tutorlinkhq/tutorlink/store"
	"github.com/tutorlinkhq/tutorlink/telemetry"
)

// AllocationWorker consumes PURCHASE_CREATED: it resolves the student's
// service zone, runs the auto-assignment engine and emits
// TRAINER_ALLOCATED. A waitlisted outcome emits the event with an empty
// trainer id; downstream consumers defer until capacity frees up.
type AllocationWorker struct {
	store   store.Store
	engine  *assign.Engine
	emitter *outbox.Emitter
	metrics *telemetry.Metrics
}

// NewAllocationWorker wires the allocation worker.
func NewAllocationWorker(st store.Store, engine *assign.Engine, emitter *outbox.Emitter, metrics *telemetry.Metrics) *AllocationWorker {
	return &AllocationWorker{store: st, engine: engine, emitter: emitter, metrics: metrics}
}

// Worker returns the consume runner for this worker.
func (w *AllocationWorker) Worker(dlq *DLQPublisher) *Worker {
	return &Worker{
		Role:    AllocationGroup,
		Retry:   retry.DefaultConfig(),
		Handle:  w.Handle,
		DLQ:     dlq,
		Metrics: w.metrics,
	}
}

// Handle processes one PURCHASE_CREATED event.
func (w *AllocationWorker) Handle(ctx context.Context, ev event.Event) error {
	pcr, ok := ev.(*event.PurchaseCreated)
	if !ok {
		return retry.Permanent(fmt.Errorf("allocation worker: unexpected event %s", ev.EventType()))
	}
	correlationID := pcr.PurchaseID

	done, err := w.store.Events().IsProcessed(ctx, correlationID, event.TypePurchaseCreated)
	if err != nil {
		return fmt.Errorf("allocation worker: ledger check: %w", err)
	}
	if done {
		if err := w.reemit(ctx, pcr); err != nil {
			return err
		}
		return errAlreadyProcessed
	}

	student, err := w.store.Students().Get(ctx, pcr.StudentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return retry.Permanent(fmt.Errorf("allocation worker: unknown student %s", pcr.StudentID))
		}
		return fmt.Errorf("allocation worker: load student: %w", err)
	}

	req, err := w.buildRequest(ctx, pcr, student)
	if err != nil {
		return err
	}

	outcome, err := w.engine.Assign(ctx, req)
	if err != nil {
		return fmt.Errorf("allocation worker: %w", err)
	}
	telemetry.Count(ctx, w.metric().Allocations, 1, telemetry.ResultAttr(string(outcome.Result)))
	log.Info(ctx, log.KV{K: "msg", V: "allocation decided"},
		log.KV{K: "allocationId", V: outcome.AllocationID},
		log.KV{K: "result", V: string(outcome.Result)},
		log.KV{K: "trainerId", V: outcome.TrainerID},
		log.KV{K: "reason", V: outcome.Message})

	if err := w.emitAllocated(ctx, correlationID, pcr, req, outcome); err != nil {
		return err
	}

	// Fresh event id: the consumed id keys the producer's emit row on the
	// same ledger primary key.
	mark := store.ProcessedEvent{
		EventID:       uuid.NewString(),
		EventType:     event.TypePurchaseCreated,
		CorrelationID: correlationID,
		Source:        pcr.Meta.Source,
		Version:       pcr.Meta.Version,
		Kind:          store.LedgerObserved,
		ProcessedAt:   time.Now(),
	}
	if err := w.store.Events().MarkProcessed(ctx, mark); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("allocation worker: mark processed: %w", err)
	}
	return nil
}

// buildRequest derives the engine inputs from the event, the student
// record and the covering zone.
func (w *AllocationWorker) buildRequest(ctx context.Context, pcr *event.PurchaseCreated, student store.Student) (assign.Request, error) {
	meta := pcr.Metadata
	cityID := meta.CityID
	if cityID == "" {
		cityID = student.CityID
	}

	var zone store.Zone
	covering, err := assign.CoveringZones(ctx, w.store.Zones(), cityID, student.Lat, student.Lng)
	switch {
	case errors.Is(err, assign.ErrServiceNotAvailable):
		// No zone covers the student; the engine waitlists.
		log.Warn(ctx, log.KV{K: "msg", V: "service not available at student location"},
			log.KV{K: "studentId", V: student.ID},
			log.KV{K: "cityId", V: cityID})
	case err != nil:
		return assign.Request{}, fmt.Errorf("allocation worker: resolve zone: %w", err)
	default:
		zone = covering[0]
	}

	slot := schedule.DefaultTimeSlot
	if meta.TimeSlot != "" {
		if slot, err = schedule.NormalizeSlot(meta.TimeSlot); err != nil {
			return assign.Request{}, retry.Permanent(fmt.Errorf("allocation worker: %w", err))
		}
	}

	start := schedule.Date(time.Now())
	if meta.StartDate != "" {
		if start, err = schedule.ParseDate(meta.StartDate); err != nil {
			return assign.Request{}, retry.Permanent(fmt.Errorf("allocation worker: %w", err))
		}
	}
	mode := meta.DeliveryMode
	if !mode.Valid() {
		mode = schedule.WeekdayDaily
	}
	start = schedule.NextDates(start, 1, mode)[0]

	// Persist the resolved plan inputs so the session worker and the
	// top-up sweep do not re-derive them.
	persisted := meta
	persisted.TimeSlot = slot
	persisted.StartDate = schedule.FormatDate(start)
	persisted.DeliveryMode = mode
	if persisted.PurchaseTier == 0 {
		persisted.PurchaseTier = pcr.PurchaseTier
	}

	return assign.Request{
		StudentID: pcr.StudentID,
		CourseID:  pcr.CourseID,
		Lat:       student.Lat,
		Lng:       student.Lng,
		Zone:      zone,
		TimeSlot:  slot,
		StartDate: start,
		Metadata:  persisted,
	}, nil
}

// emitAllocated publishes TRAINER_ALLOCATED for the outcome.
func (w *AllocationWorker) emitAllocated(ctx context.Context, correlationID string, pcr *event.PurchaseCreated, req assign.Request, outcome assign.Outcome) error {
	total := pcr.PurchaseTier
	if total <= 0 {
		total = schedule.RollingWindowSize
	}
	dates := schedule.NextDates(req.StartDate, total, req.Metadata.DeliveryMode)
	allocated := &event.TrainerAllocated{
		AllocationID: outcome.AllocationID,
		TrainerID:    outcome.TrainerID,
		StudentID:    pcr.StudentID,
		CourseID:     pcr.CourseID,
		SessionCount: total,
		StartDate:    schedule.FormatDate(req.StartDate),
		EndDate:      schedule.FormatDate(dates[len(dates)-1]),
	}
	allocated.UserID = pcr.StudentID
	allocated.Role = event.RoleStudent
	if eventID, err := w.emitter.Emit(ctx, allocated, correlationID); err != nil {
		if eventID == "" {
			return fmt.Errorf("allocation worker: emit trainer allocated: %w", err)
		}
		log.Warn(ctx, log.KV{K: "msg", V: "trainer allocated emit deferred to replay"},
			log.KV{K: "eventId", V: eventID},
			log.KV{K: "err", V: err.Error()})
	}
	return nil
}

// reemit rebuilds TRAINER_ALLOCATED from the existing allocation when a
// duplicate delivery arrives after the step was marked processed.
func (w *AllocationWorker) reemit(ctx context.Context, pcr *event.PurchaseCreated) error {
	a, err := w.store.Allocations().NonTerminalFor(ctx, pcr.StudentID, pcr.CourseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("allocation worker: load allocation for re-emit: %w", err)
	}
	outcome := assign.Outcome{Result: assign.Assigned, TrainerID: a.TrainerID, AllocationID: a.ID}
	if a.Status == store.AllocationWaitlisted || a.TrainerID == "" {
		outcome.Result = assign.Waitlisted
		outcome.TrainerID = ""
	}
	req := assign.Request{StartDate: schedule.Date(time.Now()), Metadata: a.Metadata}
	if a.Metadata.StartDate != "" {
		if start, err := schedule.ParseDate(a.Metadata.StartDate); err == nil {
			req.StartDate = start
		}
	}
	return w.emitAllocated(ctx, pcr.PurchaseID, pcr, req, outcome)
}

func (w *AllocationWorker) metric() *telemetry.Metrics {
	if w.metrics == nil {
		return &telemetry.Metrics{}
	}
	return w.metrics
}
