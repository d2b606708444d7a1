// Package assign implements trainer auto-assignment: candidate fetch from
// the trainer directory, hard eligibility filters, distance and load caps,
// ranking, and the capped commit that survives races between concurrent
// allocations of the same trainer.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/store"
)

// ErrServiceNotAvailable is returned when no active zone covers the
// student's location.
var ErrServiceNotAvailable = errors.New("assign: service not available at location")

type (
	// Trainer is a candidate returned by the trainer directory.
	Trainer struct {
		ID     string
		Active bool
		// Courses lists the course ids the trainer is certified for.
		Courses []string
		// Lat/Lng are the trainer's base location; HasLocation is false
		// when the directory has none on file.
		Lat, Lng    float64
		HasLocation bool
		// Rating is the average rating out of 5.
		Rating float64
		// AcceptMore is the trainer's opt-in for additional allocations.
		AcceptMore bool
	}

	// Filters scope a directory search.
	Filters struct {
		FranchiseID string
		ZoneID      string
		CourseID    string
		ActiveOnly  bool
	}

	// Directory is the external trainer directory.
	Directory interface {
		// Search returns candidates matching the filters.
		Search(ctx context.Context, f Filters) ([]Trainer, error)
	}

	// Request carries everything one assignment decision needs.
	Request struct {
		StudentID string
		CourseID  string
		// Lat/Lng is the student's base location.
		Lat, Lng float64
		// Zone is the covering service zone resolved by the caller.
		Zone store.Zone
		// TimeSlot is the preferred wall-clock slot in HH:MM form.
		TimeSlot string
		// StartDate is the first session date.
		StartDate time.Time
		// Metadata is persisted on the allocation row so the session
		// worker and the top-up sweep can recover the plan inputs.
		Metadata event.Metadata
	}

	// Outcome is the assignment decision.
	Outcome struct {
		Result Result
		// TrainerID is set when Result is Assigned.
		TrainerID string
		// AllocationID identifies the allocation row written for either
		// result.
		AllocationID string
		Message      string
	}

	// Result is the decision kind.
	Result string

	// Candidate is a trainer that survived the hard filters, annotated
	// with the rank inputs.
	Candidate struct {
		Trainer  Trainer
		Distance float64
		Load     int
		Cap      int
	}

	// Engine runs the assignment algorithm against the directory and the
	// allocation/session repositories.
	Engine struct {
		directory   Directory
		allocations store.AllocationRepo
		sessions    store.SessionRepo
		retryCfg    retry.Config
	}
)

const (
	// Assigned means a trainer was committed for the student.
	Assigned Result = "ASSIGNED"
	// Waitlisted means no trainer could be committed; the allocation row
	// waits for capacity.
	Waitlisted Result = "WAITLISTED"
)

// NewEngine returns an engine. The retry policy guards directory calls.
func NewEngine(d Directory, allocations store.AllocationRepo, sessions store.SessionRepo, retryCfg retry.Config) *Engine {
	return &Engine{directory: d, allocations: allocations, sessions: sessions, retryCfg: retryCfg}
}

// CapForRating maps a trainer's average rating to their allocation cap.
func CapForRating(rating float64) int {
	switch {
	case rating >= 4.6:
		return 8
	case rating >= 4.1:
		return 7
	case rating >= 3.6:
		return 6
	case rating >= 3.1:
		return 5
	case rating >= 2.1:
		return 4
	default:
		return 3
	}
}

// Assign runs the full algorithm and writes the allocation row: APPROVED
// with the chosen trainer, or WAITLISTED with no trainer when the
// directory fails, no candidate survives, or every commit loses its race.
// A WAITLISTED outcome is a business result, not an error.
func (e *Engine) Assign(ctx context.Context, req Request) (Outcome, error) {
	if req.Zone.ID == "" {
		// No covering zone: nobody can serve the student yet.
		return e.waitlist(ctx, req, "service not available at student location")
	}
	trainers, err := e.fetchCandidates(ctx, req)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "trainer directory unavailable, waitlisting"},
			log.KV{K: "studentId", V: req.StudentID},
			log.KV{K: "err", V: err.Error()})
		return e.waitlist(ctx, req, "trainer directory unavailable")
	}

	ranked, err := e.shortlist(ctx, req, trainers)
	if err != nil {
		return Outcome{}, err
	}
	if len(ranked) == 0 {
		return e.waitlist(ctx, req, "no eligible trainer")
	}

	for _, c := range ranked {
		a := store.Allocation{
			ID:        uuid.NewString(),
			StudentID: req.StudentID,
			TrainerID: c.Trainer.ID,
			CourseID:  req.CourseID,
			Status:    store.AllocationApproved,
			Metadata:  req.Metadata,
			CreatedAt: time.Now(),
		}
		err := e.allocations.InsertCapped(ctx, a, c.Cap)
		if errors.Is(err, store.ErrCapacityExceeded) {
			log.Debug(ctx, log.KV{K: "msg", V: "trainer filled up, next candidate"},
				log.KV{K: "trainerId", V: c.Trainer.ID})
			continue
		}
		if errors.Is(err, store.ErrDuplicate) {
			// Another handler already allocated this pair.
			existing, gerr := e.allocations.NonTerminalFor(ctx, req.StudentID, req.CourseID)
			if gerr != nil {
				return Outcome{}, fmt.Errorf("assign: load existing allocation: %w", gerr)
			}
			return outcomeFor(existing), nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("assign: commit trainer %s: %w", c.Trainer.ID, err)
		}
		return Outcome{
			Result:       Assigned,
			TrainerID:    c.Trainer.ID,
			AllocationID: a.ID,
			Message:      "trainer assigned",
		}, nil
	}
	return e.waitlist(ctx, req, "all candidates at capacity")
}

// fetchCandidates queries the directory with retries.
func (e *Engine) fetchCandidates(ctx context.Context, req Request) ([]Trainer, error) {
	f := Filters{
		FranchiseID: req.Zone.FranchiseID,
		ZoneID:      req.Zone.ID,
		CourseID:    req.CourseID,
		ActiveOnly:  true,
	}
	var trainers []Trainer
	err := retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
		var err error
		trainers, err = e.directory.Search(ctx, f)
		return err
	})
	return trainers, err
}

// shortlist applies the hard filters, the distance cap and the load cap,
// then ranks what survives.
func (e *Engine) shortlist(ctx context.Context, req Request, trainers []Trainer) ([]Candidate, error) {
	var out []Candidate
	for _, t := range trainers {
		if !t.Active || !certifiedFor(t, req.CourseID) {
			continue
		}
		dist := 0.0
		if t.HasLocation {
			if !InZone(req.Zone, t.Lat, t.Lng) {
				continue
			}
			dist = Haversine(req.Lat, req.Lng, t.Lat, t.Lng)
			if dist > req.Zone.RadiusKM {
				continue
			}
		}
		busy, err := e.sessions.HasBookingAt(ctx, t.ID, req.StartDate, req.TimeSlot)
		if err != nil {
			return nil, fmt.Errorf("assign: booking check for %s: %w", t.ID, err)
		}
		if busy {
			continue
		}
		load, err := e.allocations.CountByTrainer(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("assign: load count for %s: %w", t.ID, err)
		}
		cap := CapForRating(t.Rating)
		if !t.AcceptMore {
			// Opt-out freezes the cap at the current count.
			cap = load
		}
		if load >= cap {
			continue
		}
		out = append(out, Candidate{Trainer: t, Distance: dist, Load: load, Cap: cap})
	}
	Rank(out)
	return out, nil
}

// Rank orders candidates in place: distance ascending, load ascending,
// rating descending, then trainer id for a stable tiebreak.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		if a.Trainer.Rating != b.Trainer.Rating {
			return a.Trainer.Rating > b.Trainer.Rating
		}
		return a.Trainer.ID < b.Trainer.ID
	})
}

func certifiedFor(t Trainer, courseID string) bool {
	for _, c := range t.Courses {
		if c == courseID {
			return true
		}
	}
	return false
}

// waitlist writes the WAITLISTED allocation row. An existing open
// allocation for the pair makes this a no-op returning that row.
func (e *Engine) waitlist(ctx context.Context, req Request, reason string) (Outcome, error) {
	a := store.Allocation{
		ID:        uuid.NewString(),
		StudentID: req.StudentID,
		CourseID:  req.CourseID,
		Status:    store.AllocationWaitlisted,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
	}
	if err := e.allocations.Insert(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			existing, gerr := e.allocations.NonTerminalFor(ctx, req.StudentID, req.CourseID)
			if gerr != nil {
				return Outcome{}, fmt.Errorf("assign: load existing allocation: %w", gerr)
			}
			return outcomeFor(existing), nil
		}
		return Outcome{}, fmt.Errorf("assign: waitlist: %w", err)
	}
	return Outcome{Result: Waitlisted, AllocationID: a.ID, Message: reason}, nil
}

func outcomeFor(a store.Allocation) Outcome {
	if a.Status == store.AllocationWaitlisted || a.TrainerID == "" {
		return Outcome{Result: Waitlisted, AllocationID: a.ID, Message: "allocation already waitlisted"}
	}
	return Outcome{Result: Assigned, TrainerID: a.TrainerID, AllocationID: a.ID, Message: "allocation already exists"}
}
