package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tutorlinkhq/tutorlink/assign"
	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/eventlog"
	logmem "github.com/tutorlinkhq/tutorlink/eventlog/memory"
	"github.com/tutorlinkhq/tutorlink/outbox"
	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/store"
	storemem "github.com/tutorlinkhq/tutorlink/store/memory"
)

// env bundles the in-memory infrastructure a worker test needs.
type env struct {
	st      *storemem.Store
	log     *logmem.Log
	emitter *outbox.Emitter
	dlq     *DLQPublisher
}

func newEnv() *env {
	st := storemem.New()
	l := logmem.New(3)
	return &env{
		st:      st,
		log:     l,
		emitter: outbox.New(st, l, "test-source"),
		dlq:     NewDLQPublisher(st, l, "test-source"),
	}
}

func (e *env) seedStudent(t *testing.T) store.Student {
	t.Helper()
	s := store.Student{ID: "stu-1", Name: "Asha", CityID: "blr", Lat: 12.9716, Lng: 77.5946}
	require.NoError(t, e.st.Students().Insert(context.Background(), s))
	return s
}

func (e *env) seedCourse(t *testing.T) store.Course {
	t.Helper()
	c := store.Course{ID: "crs-1", Name: "Guitar", Levels: []store.CourseLevel{
		{Type: store.LevelFoundation, Sessions: 10},
		{Type: store.LevelDevelopment, Sessions: 10},
		{Type: store.LevelMastery, Sessions: 10},
	}}
	require.NoError(t, e.st.Courses().Insert(context.Background(), c))
	return c
}

func (e *env) seedZone(t *testing.T) store.Zone {
	t.Helper()
	z := store.Zone{
		ID: "z1", CityID: "blr", Name: "Central", FranchiseID: "f1",
		CenterLat: 12.9716, CenterLng: 77.5946, RadiusKM: 10, Active: true,
	}
	require.NoError(t, e.st.Zones().Insert(context.Background(), z))
	return z
}

// wire stamps and marshals ev the way a producer would.
func wire(t *testing.T, ev event.Event) []byte {
	t.Helper()
	event.Stamp(ev, ev.PartitionKey(), "test-producer")
	b, err := event.Marshal(ev)
	require.NoError(t, err)
	return b
}

func msgFor(t *testing.T, topic string, ev event.Event) eventlog.Message {
	t.Helper()
	return eventlog.Message{
		Topic: topic,
		Key:   []byte(ev.PartitionKey()),
		Value: wire(t, ev),
	}
}

func confirmed(paymentID string, tier int) *event.PurchaseConfirmed {
	ev := &event.PurchaseConfirmed{
		PaymentID:   paymentID,
		StudentID:   "stu-1",
		CourseID:    "crs-1",
		AmountCents: 499900,
		Metadata: event.Metadata{
			PurchaseTier: tier,
			TimeSlot:     "4:00 PM",
			StartDate:    "2024-06-03",
		},
	}
	ev.UserID = "stu-1"
	ev.Role = event.RoleStudent
	return ev
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}
}

func TestWorkerExhaustionForwardsToDLQ(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	calls := 0
	w := &Worker{
		Role:  "test-worker",
		Retry: fastRetry(3),
		Handle: func(context.Context, event.Event) error {
			calls++
			return errors.New("transient failure")
		},
		DLQ: e.dlq,
	}

	// Returning nil acknowledges the original message: it was forwarded.
	require.NoError(t, w.handleMessage(ctx, msgFor(t, event.TopicPurchaseConfirmed, confirmed("pay-1", 10))))
	require.Equal(t, 3, calls)

	dead := e.log.Messages(event.TopicDeadLetter)
	require.Len(t, dead, 1)
	dl, err := event.Decode(dead[0].Value)
	require.NoError(t, err)
	rec := dl.(*event.DeadLetter)
	require.Equal(t, 3, rec.Attempts)
	require.Equal(t, event.TypePurchaseConfirmed, rec.OriginalType)
	require.Equal(t, event.TopicPurchaseConfirmed, rec.OriginalTopic)
	require.Contains(t, rec.FailureReason, "transient failure")
	require.Equal(t, "pay-1", rec.CorrelationID)
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	calls := 0
	w := &Worker{
		Role:  "test-worker",
		Retry: fastRetry(3),
		Handle: func(context.Context, event.Event) error {
			calls++
			return retry.Permanent(errors.New("poison payload"))
		},
		DLQ: e.dlq,
	}

	require.NoError(t, w.handleMessage(ctx, msgFor(t, event.TopicPurchaseConfirmed, confirmed("pay-1", 10))))
	require.Equal(t, 1, calls)
	require.Len(t, e.log.Messages(event.TopicDeadLetter), 1)
}

func TestWorkerMalformedPayloadStraightToDLQ(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	w := &Worker{
		Role:  "test-worker",
		Retry: fastRetry(3),
		Handle: func(context.Context, event.Event) error {
			t.Fatal("handler must not run for malformed payloads")
			return nil
		},
		DLQ: e.dlq,
	}

	msg := eventlog.Message{
		Topic: event.TopicPurchaseConfirmed,
		Key:   []byte("pay-1"),
		Value: []byte(`{"type":"PURCHASE_CONFIRMED","studentId":""}`),
	}
	require.NoError(t, w.handleMessage(ctx, msg))

	dead := e.log.Messages(event.TopicDeadLetter)
	require.Len(t, dead, 1)
	dl, err := event.Decode(dead[0].Value)
	require.NoError(t, err)
	require.Equal(t, 1, dl.(*event.DeadLetter).Attempts)
}

func TestWorkerDuplicateCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	w := &Worker{
		Role:  "test-worker",
		Retry: fastRetry(3),
		Handle: func(context.Context, event.Event) error {
			return errAlreadyProcessed
		},
		DLQ: e.dlq,
	}

	require.NoError(t, w.handleMessage(ctx, msgFor(t, event.TopicPurchaseConfirmed, confirmed("pay-1", 10))))
	require.Empty(t, e.log.Messages(event.TopicDeadLetter))
}

func TestWorkerWithoutDLQAcknowledges(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	w := &Worker{
		Role:  "cache-like",
		Retry: fastRetry(2),
		Handle: func(context.Context, event.Event) error {
			return errors.New("redis down")
		},
	}

	require.NoError(t, w.handleMessage(ctx, msgFor(t, event.TopicPurchaseConfirmed, confirmed("pay-1", 10))))
	require.Empty(t, e.log.Messages(event.TopicDeadLetter))
}

// failingPublisher rejects every publish.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, eventlog.Record) error {
	return errors.New("broker unreachable")
}

func TestWorkerDLQPublishFailureLeavesUnacked(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	dlq := NewDLQPublisher(e.st, failingPublisher{}, "test-source")

	w := &Worker{
		Role:  "test-worker",
		Retry: fastRetry(2),
		Handle: func(context.Context, event.Event) error {
			return errors.New("still failing")
		},
		DLQ: dlq,
	}

	// The forward failed, so the error propagates and the message stays
	// unacknowledged for redelivery.
	err := w.handleMessage(ctx, msgFor(t, event.TopicPurchaseConfirmed, confirmed("pay-1", 10)))
	require.Error(t, err)
}

// The full happy path: one PURCHASE_CONFIRMED in, and the chained workers
// leave behind an active purchase, an approved allocation, a materialised
// session window and an invalidated cache.
func TestPipelineEndToEnd(t *testing.T) {
	e := newEnv()
	e.seedStudent(t)
	e.seedCourse(t)
	e.seedZone(t)

	dir := &stubDirectory{trainers: []assign.Trainer{zoneTrainer("t-1")}}
	spy := &syncInvalidator{}
	purchase := NewPurchaseWorker(e.st, e.emitter, nil)
	allocation := e.allocationWorker(dir)
	session := NewSessionWorker(e.st, e.emitter, nil)
	cacheWorker := NewCacheWorker(spy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	start := func(w *Worker, consumer eventlog.Consumer) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx, consumer)
		}()
	}
	start(purchase.Worker(e.dlq), e.log.Consumer(PurchaseGroup, event.TopicPurchaseConfirmed))
	start(allocation.Worker(e.dlq), e.log.Consumer(AllocationGroup, event.TopicPurchaseCreated))
	start(session.Worker(e.dlq), e.log.Consumer(SessionGroup, event.TopicTrainerAllocated))
	start(cacheWorker.Worker(), e.log.Consumer(CacheGroup,
		event.TopicPurchaseCreated, event.TopicTrainerAllocated, event.TopicSessionsGenerated))

	ev := confirmed("pay-e2e", 10)
	ev.Metadata.StartDate = "" // default: next permitted date from today
	require.NoError(t, e.log.Publish(ctx, eventlog.Record{
		Topic: event.TopicPurchaseConfirmed,
		Key:   []byte(ev.PartitionKey()),
		Value: wire(t, ev),
	}))

	require.Eventually(t, func() bool {
		bg := context.Background()
		a, err := e.st.Allocations().NonTerminalFor(bg, "stu-1", "crs-1")
		if err != nil || a.Status != store.AllocationApproved {
			return false
		}
		sessions, err := e.st.Sessions().ListByAllocation(bg, a.ID)
		return err == nil && len(sessions) == 7 && spy.count() > 0
	}, 5*time.Second, 20*time.Millisecond)

	p, err := e.st.Purchases().ActiveFor(context.Background(), "stu-1", "crs-1")
	require.NoError(t, err)
	require.Equal(t, 10, p.Tier)
	require.Empty(t, e.log.Messages(event.TopicDeadLetter))

	cancel()
	wg.Wait()
}

// syncInvalidator counts invalidations under a lock so the end-to-end test
// can poll it from the main goroutine.
type syncInvalidator struct {
	mu sync.Mutex
	n  int
}

func (s *syncInvalidator) Invalidate(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n += len(keys)
	return nil
}

func (s *syncInvalidator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestDLQForwardMarksLedger(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	msg := msgFor(t, event.TopicPurchaseConfirmed, confirmed("pay-1", 10))
	require.NoError(t, e.dlq.Forward(ctx, msg, errors.New("boom"), 3))

	done, err := e.st.Events().IsProcessed(ctx, "pay-1", event.TypePurchaseConfirmed)
	require.NoError(t, err)
	require.True(t, done)

	// Forwarding a duplicate of the same step publishes again but the
	// ledger row stays single.
	require.NoError(t, e.dlq.Forward(ctx, msg, errors.New("boom"), 3))
	require.Len(t, e.log.Messages(event.TopicDeadLetter), 2)
}
