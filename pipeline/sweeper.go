package pipeline

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/schedule"
	"github.com/tutorlinkhq/tutorlink/store"
	"github.com/tutorlinkhq/tutorlink/telemetry"
)

// DefaultSweepInterval is how often the top-up sweep runs.
const DefaultSweepInterval = 6 * time.Hour

// Sweeper periodically restores the rolling session window of every open
// allocation. Failures are isolated per allocation: one broken allocation
// never stalls the rest of the sweep.
type Sweeper struct {
	worker *SessionWorker
}

// NewSweeper returns a sweeper backed by the session worker's
// materialiser.
func NewSweeper(worker *SessionWorker) *Sweeper {
	return &Sweeper{worker: worker}
}

// Run sweeps once at startup and then on every tick until ctx is done.
// The tick channel is typically a cluster-wide distributed ticker so only
// one node sweeps per interval.
func (s *Sweeper) Run(ctx context.Context, ticks <-chan time.Time) error {
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			s.Sweep(ctx)
		}
	}
}

// Sweep tops up every APPROVED or ACTIVE allocation whose future-session
// count fell below the threshold.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx = log.With(ctx, log.KV{K: "worker", V: "session-topup"})
	allocs, err := s.worker.store.Allocations().ListByStatus(ctx, store.AllocationApproved, store.AllocationActive)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "sweep: list allocations"})
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "top-up sweep started"},
		log.KV{K: "allocations", V: len(allocs)})

	topped := 0
	for _, alloc := range allocs {
		if ctx.Err() != nil {
			return
		}
		if alloc.TrainerID == "" {
			continue
		}
		created, err := s.topUp(ctx, alloc)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "sweep: top-up failed"},
				log.KV{K: "allocationId", V: alloc.ID})
			continue
		}
		if created > 0 {
			topped++
		}
	}
	log.Info(ctx, log.KV{K: "msg", V: "top-up sweep finished"},
		log.KV{K: "toppedUp", V: topped})
}

// topUp restores one allocation's window and returns how many rows were
// created. Allocations still holding at least the threshold of future
// sessions are left untouched.
func (s *Sweeper) topUp(ctx context.Context, alloc store.Allocation) (int, error) {
	w := s.worker
	future, err := w.store.Sessions().CountFuture(ctx, alloc.ID, time.Now())
	if err != nil {
		return 0, err
	}
	if future >= schedule.TopUpThreshold {
		return 0, nil
	}

	inputs, err := w.planInputs(ctx, alloc, 0)
	if err != nil {
		return 0, err
	}

	var created []string
	err = w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		created, err = materialize(ctx, tx.Sessions(), alloc, inputs)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(created) == 0 {
		return 0, nil
	}

	telemetry.Count(ctx, w.metric().SessionsCreated, int64(len(created)))
	log.Info(ctx, log.KV{K: "msg", V: "window topped up"},
		log.KV{K: "allocationId", V: alloc.ID},
		log.KV{K: "created", V: len(created)})
	correlationID := alloc.ID + "/topup/" + schedule.FormatDate(time.Now())
	w.emitGenerated(ctx, alloc, inputs, created, correlationID)
	return len(created), nil
}
