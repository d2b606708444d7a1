// Package store defines the persistence contract for the pipeline: the
// durable records (purchases, allocations, sessions, the processed-events
// ledger, refresh tokens and reference data) and the repositories that
// manage them. Implementations live in store/postgres (production) and
// store/memory (tests). The relational store is the source of truth for
// current state; the event log carries transitions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/schedule"
)

// Sentinel errors shared by all implementations. Workers branch on these:
// ErrDuplicate from the ledger means another handler already won the race
// and the event counts as processed.
var (
	ErrNotFound         = errors.New("store: not found")
	ErrDuplicate        = errors.New("store: duplicate")
	ErrCapacityExceeded = errors.New("store: trainer at capacity")
)

type (
	// AllocationStatus is the lifecycle state of an allocation. None of
	// these states is terminal; terminal transitions (cancellation,
	// completion of the full tier) happen outside this pipeline.
	AllocationStatus string

	// SessionStatus is the lifecycle state of a session row.
	SessionStatus string

	// LevelType names a course level. Levels unlock cumulatively with the
	// purchase tier.
	LevelType string

	// LedgerKind distinguishes ledger rows written when this process
	// emitted an event from rows written when it observed one.
	LedgerKind string
)

const (
	AllocationPending    AllocationStatus = "PENDING"
	AllocationApproved   AllocationStatus = "APPROVED"
	AllocationActive     AllocationStatus = "ACTIVE"
	AllocationWaitlisted AllocationStatus = "WAITLISTED"

	SessionScheduled   SessionStatus = "SCHEDULED"
	SessionPending     SessionStatus = "PENDING"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionCancelled   SessionStatus = "CANCELLED"
	SessionRescheduled SessionStatus = "RESCHEDULED"

	LevelFoundation  LevelType = "foundation"
	LevelDevelopment LevelType = "development"
	LevelMastery     LevelType = "mastery"

	LedgerEmitted  LedgerKind = "EMITTED"
	LedgerObserved LedgerKind = "OBSERVED"
)

// NonTerminalStatuses are the allocation states that count against the
// one-allocation-per-student-course rule and the trainer load cap.
func NonTerminalStatuses() []AllocationStatus {
	return []AllocationStatus{AllocationPending, AllocationApproved, AllocationActive, AllocationWaitlisted}
}

// Rank orders course levels: foundation first, mastery last. Unknown
// levels rank above everything so they never unlock by accident.
func (l LevelType) Rank() int {
	switch l {
	case LevelFoundation:
		return 1
	case LevelDevelopment:
		return 2
	case LevelMastery:
		return 3
	}
	return 1 << 30
}

// TierRank maps a purchase tier to the highest level rank it unlocks.
func TierRank(tier int) int {
	switch tier {
	case 10:
		return 1
	case 20:
		return 2
	case 30:
		return 3
	}
	return 0
}

type (
	// Purchase owns one student-course entitlement. At most one active
	// purchase exists per (student, course); creating a new one
	// deactivates prior actives in the same transaction.
	Purchase struct {
		ID         string
		StudentID  string
		CourseID   string
		Tier       int
		IsActive   bool
		CreatedAt  time.Time
		ExpiryDate *time.Time
		Metadata   event.Metadata
	}

	// CourseUnlock is one unlocked session slot of a course level for a
	// student. Rows upsert; unlocking is monotone.
	CourseUnlock struct {
		StudentID     string
		CourseID      string
		Level         LevelType
		SessionNumber int
		IsUnlocked    bool
	}

	// Allocation binds a trainer to a student for a course. TrainerID is
	// empty while the allocation is waitlisted.
	Allocation struct {
		ID        string
		StudentID string
		TrainerID string
		CourseID  string
		Status    AllocationStatus
		Metadata  event.Metadata
		CreatedAt time.Time
	}

	// Session is a single concrete class occurrence.
	Session struct {
		ID            string
		AllocationID  string
		StudentID     string
		TrainerID     string
		ScheduledDate time.Time
		ScheduledTime string
		Status        SessionStatus
		Type          schedule.SessionType
		Number        int
		Bookable      bool
		FixedTime     bool
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// ProcessedEvent is one ledger row. (CorrelationID, EventType) is
	// unique; EventID is unique on its own. PublishedAt is nil for
	// emitted rows whose publish failed, which is what the outbox replay
	// sweep looks for.
	ProcessedEvent struct {
		EventID       string
		EventType     event.Type
		CorrelationID string
		Payload       []byte
		Source        string
		Version       string
		Kind          LedgerKind
		ProcessedAt   time.Time
		PublishedAt   *time.Time
	}

	// RefreshToken is one refresh credential. Only the hash is stored.
	RefreshToken struct {
		ID        string
		UserID    string
		TokenHash string
		ExpiresAt time.Time
		RevokedAt *time.Time
		CreatedAt time.Time
	}

	// Student is reference data resolved during allocation.
	Student struct {
		ID     string
		Name   string
		CityID string
		Lat    float64
		Lng    float64
	}

	// Course is reference data; Levels drive the unlock rows.
	Course struct {
		ID     string
		Name   string
		Levels []CourseLevel
	}

	// CourseLevel is one level of a course with its session count.
	CourseLevel struct {
		Type     LevelType
		Sessions int
	}

	// Zone is a service cluster: a centre, a radius and an optional
	// franchise. Students are served by the nearest covering zone.
	Zone struct {
		ID          string
		CityID      string
		Name        string
		FranchiseID string
		CenterLat   float64
		CenterLng   float64
		RadiusKM    float64
		Active      bool
	}
)

type (
	// PurchaseRepo manages purchases and their unlock rows.
	PurchaseRepo interface {
		// Insert stores a new purchase. ErrDuplicate signals a concurrent
		// insert already holds the active slot for (student, course).
		Insert(ctx context.Context, p Purchase) error
		// DeactivateActive clears is_active on every active purchase for
		// the pair and reports how many rows changed.
		DeactivateActive(ctx context.Context, studentID, courseID string) (int, error)
		// Get returns a purchase by id or ErrNotFound.
		Get(ctx context.Context, id string) (Purchase, error)
		// ActiveFor returns the active purchase for the pair or ErrNotFound.
		ActiveFor(ctx context.Context, studentID, courseID string) (Purchase, error)
		// UpsertUnlocks stores unlock rows, ignoring ones already present.
		UpsertUnlocks(ctx context.Context, unlocks []CourseUnlock) error
		// ListUnlocks returns the unlock rows for the pair.
		ListUnlocks(ctx context.Context, studentID, courseID string) ([]CourseUnlock, error)
	}

	// AllocationRepo manages trainer allocations.
	AllocationRepo interface {
		// Insert stores a new allocation. ErrDuplicate signals an existing
		// non-terminal allocation for the same (student, course).
		Insert(ctx context.Context, a Allocation) error
		// InsertCapped inserts while holding a per-trainer lock and
		// re-verifying that the trainer's non-terminal allocation count is
		// below cap. ErrCapacityExceeded signals a lost race.
		InsertCapped(ctx context.Context, a Allocation, cap int) error
		// Get returns an allocation by id or ErrNotFound.
		Get(ctx context.Context, id string) (Allocation, error)
		// NonTerminalFor returns the non-terminal allocation for the pair
		// or ErrNotFound.
		NonTerminalFor(ctx context.Context, studentID, courseID string) (Allocation, error)
		// CountByTrainer counts the trainer's non-terminal allocations.
		CountByTrainer(ctx context.Context, trainerID string) (int, error)
		// ListByStatus returns allocations in any of the given states,
		// oldest first.
		ListByStatus(ctx context.Context, statuses ...AllocationStatus) ([]Allocation, error)
		// SetStatus moves an allocation to a new state.
		SetStatus(ctx context.Context, id string, status AllocationStatus) error
	}

	// SessionRepo manages session rows.
	SessionRepo interface {
		// Upsert inserts sessions, treating a (allocation, date, time)
		// conflict as an idempotent touch. It returns the ids of rows that
		// were newly created.
		Upsert(ctx context.Context, sessions []Session) ([]string, error)
		// CountFuture counts sessions for the allocation with status
		// SCHEDULED or PENDING and date >= from.
		CountFuture(ctx context.Context, allocationID string, from time.Time) (int, error)
		// ListByAllocation returns all sessions for the allocation ordered
		// by session number.
		ListByAllocation(ctx context.Context, allocationID string) ([]Session, error)
		// HasBookingAt reports whether the trainer already has a
		// non-cancelled session at the slot on the date.
		HasBookingAt(ctx context.Context, trainerID string, date time.Time, slot string) (bool, error)
		// LastSlot returns the scheduled time of the allocation's most
		// recent session, or ErrNotFound when none exist.
		LastSlot(ctx context.Context, allocationID string) (string, error)
		// Complete marks a session COMPLETED and returns the updated row.
		Complete(ctx context.Context, sessionID string, at time.Time) (Session, error)
	}

	// EventRepo manages the processed-events ledger.
	EventRepo interface {
		// IsProcessed reports whether the (correlation, type) step already
		// has a ledger row.
		IsProcessed(ctx context.Context, correlationID string, typ event.Type) (bool, error)
		// MarkProcessed inserts a ledger row. ErrDuplicate signals the
		// step was recorded by someone else first.
		MarkProcessed(ctx context.Context, row ProcessedEvent) error
		// Get returns the ledger row for the step or ErrNotFound.
		Get(ctx context.Context, correlationID string, typ event.Type) (ProcessedEvent, error)
		// MarkPublished records that the emitted row reached the log.
		MarkPublished(ctx context.Context, eventID string, at time.Time) error
		// ListUnpublished returns emitted rows that never reached the log,
		// oldest first, up to limit.
		ListUnpublished(ctx context.Context, limit int) ([]ProcessedEvent, error)
	}

	// RefreshTokenRepo manages refresh tokens.
	RefreshTokenRepo interface {
		// Insert stores a token. ErrDuplicate signals a hash collision
		// with an existing row.
		Insert(ctx context.Context, t RefreshToken) error
		// GetByHashForUpdate loads the row for the hash, locking it for
		// the remainder of the transaction. ErrNotFound when absent.
		GetByHashForUpdate(ctx context.Context, hash string) (RefreshToken, error)
		// Revoke stamps the row's revoked_at.
		Revoke(ctx context.Context, id string, at time.Time) error
		// ActiveByUser returns the user's unrevoked, unexpired tokens.
		ActiveByUser(ctx context.Context, userID string, now time.Time) ([]RefreshToken, error)
	}

	// StudentRepo manages student reference data.
	StudentRepo interface {
		Get(ctx context.Context, id string) (Student, error)
		Insert(ctx context.Context, s Student) error
	}

	// CourseRepo manages course reference data.
	CourseRepo interface {
		Get(ctx context.Context, id string) (Course, error)
		Insert(ctx context.Context, c Course) error
	}

	// ZoneRepo manages service zones.
	ZoneRepo interface {
		// ListActive returns active zones, scoped to cityID when non-empty.
		ListActive(ctx context.Context, cityID string) ([]Zone, error)
		Insert(ctx context.Context, z Zone) error
	}

	// Tx is the repository set bound to one execution scope. Obtained
	// from Store directly (auto-commit per call) or inside InTx (all
	// calls share one transaction).
	Tx interface {
		Purchases() PurchaseRepo
		Allocations() AllocationRepo
		Sessions() SessionRepo
		Events() EventRepo
		RefreshTokens() RefreshTokenRepo
		Students() StudentRepo
		Courses() CourseRepo
		Zones() ZoneRepo
	}

	// Store is a Tx factory plus lifecycle. InTx runs fn inside a single
	// transaction, committing when fn returns nil and rolling back
	// otherwise. InTx does not nest.
	Store interface {
		Tx
		InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
		Ping(ctx context.Context) error
		Close()
	}
)

// UnlockRows expands a course and tier into the unlock rows the purchase
// transaction upserts: every level whose rank is within the tier's rank,
// every session number within the tier.
func UnlockRows(studentID string, course Course, tier int) []CourseUnlock {
	rank := TierRank(tier)
	var rows []CourseUnlock
	for _, level := range course.Levels {
		if level.Type.Rank() > rank {
			continue
		}
		for n := 1; n <= level.Sessions && n <= tier; n++ {
			rows = append(rows, CourseUnlock{
				StudentID:     studentID,
				CourseID:      course.ID,
				Level:         level.Type,
				SessionNumber: n,
				IsUnlocked:    true,
			})
		}
	}
	return rows
}
