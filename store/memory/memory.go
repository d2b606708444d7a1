// Package memory implements the store contract in process memory. It
// enforces the same uniqueness rules as the Postgres driver (single active
// purchase per pair, single non-terminal allocation per pair, the ledger
// composite unique, the session slot unique) so unit tests exercise the
// exact error paths workers branch on.
//
// InTx takes a snapshot and restores it when fn fails, giving tests real
// rollback semantics.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex
	st state

	// trainerLocks serialises InsertCapped per trainer the way the
	// Postgres driver uses advisory locks.
	trainerLocks sync.Map
}

type state struct {
	purchases     map[string]store.Purchase
	unlocks       map[string]store.CourseUnlock
	allocations   map[string]store.Allocation
	sessions      map[string]store.Session
	ledgerByID    map[string]store.ProcessedEvent
	ledgerByStep  map[string]string // correlation|type -> event id
	refreshTokens map[string]store.RefreshToken
	students      map[string]store.Student
	courses       map[string]store.Course
	zones         map[string]store.Zone
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

func newState() state {
	return state{
		purchases:     make(map[string]store.Purchase),
		unlocks:       make(map[string]store.CourseUnlock),
		allocations:   make(map[string]store.Allocation),
		sessions:      make(map[string]store.Session),
		ledgerByID:    make(map[string]store.ProcessedEvent),
		ledgerByStep:  make(map[string]string),
		refreshTokens: make(map[string]store.RefreshToken),
		students:      make(map[string]store.Student),
		courses:       make(map[string]store.Course),
		zones:         make(map[string]store.Zone),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.purchases {
		c.purchases[k] = v
	}
	for k, v := range s.unlocks {
		c.unlocks[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.ledgerByID {
		c.ledgerByID[k] = v
	}
	for k, v := range s.ledgerByStep {
		c.ledgerByStep[k] = v
	}
	for k, v := range s.refreshTokens {
		c.refreshTokens[k] = v
	}
	for k, v := range s.students {
		c.students[k] = v
	}
	for k, v := range s.courses {
		c.courses[k] = v
	}
	for k, v := range s.zones {
		c.zones[k] = v
	}
	return c
}

var _ store.Store = (*Store)(nil)

// InTx runs fn with the store lock held. A non-nil return restores the
// pre-transaction snapshot, mirroring a relational rollback.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(ctx, txView{s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) Purchases() store.PurchaseRepo         { return purchases{s: s} }
func (s *Store) Allocations() store.AllocationRepo     { return allocations{s: s} }
func (s *Store) Sessions() store.SessionRepo           { return sessions{s: s} }
func (s *Store) Events() store.EventRepo               { return ledger{s: s} }
func (s *Store) RefreshTokens() store.RefreshTokenRepo { return refreshTokens{s: s} }
func (s *Store) Students() store.StudentRepo           { return students{s: s} }
func (s *Store) Courses() store.CourseRepo             { return courses{s: s} }
func (s *Store) Zones() store.ZoneRepo                 { return zones{s: s} }

// txView exposes the repos without re-locking: InTx already holds the
// store lock, so repo methods called inside fn must not lock again.
type txView struct{ s *Store }

func (t txView) Purchases() store.PurchaseRepo         { return purchases{t.s, true} }
func (t txView) Allocations() store.AllocationRepo     { return allocations{t.s, true} }
func (t txView) Sessions() store.SessionRepo           { return sessions{t.s, true} }
func (t txView) Events() store.EventRepo               { return ledger{t.s, true} }
func (t txView) RefreshTokens() store.RefreshTokenRepo { return refreshTokens{t.s, true} }
func (t txView) Students() store.StudentRepo           { return students{t.s, true} }
func (t txView) Courses() store.CourseRepo             { return courses{t.s, true} }
func (t txView) Zones() store.ZoneRepo                 { return zones{t.s, true} }

type repo struct {
	s    *Store
	inTx bool
}

func (r repo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.s.mu.Lock()
	return r.s.mu.Unlock
}

func unlockKey(u store.CourseUnlock) string {
	return strings.Join([]string{u.StudentID, u.CourseID, string(u.Level), itoa(u.SessionNumber)}, "|")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func stepKey(correlationID string, typ event.Type) string {
	return correlationID + "|" + string(typ)
}

func slotKey(allocationID string, date time.Time, slot string) string {
	return allocationID + "|" + date.UTC().Format("2006-01-02") + "|" + slot
}

func nonTerminal(status store.AllocationStatus) bool {
	for _, s := range store.NonTerminalStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

type purchases struct {
	s    *Store
	inTx bool
}

func (r purchases) Insert(_ context.Context, p store.Purchase) error {
	defer repo(r).lock()()
	if p.IsActive {
		for _, ex := range r.s.st.purchases {
			if ex.IsActive && ex.StudentID == p.StudentID && ex.CourseID == p.CourseID {
				return store.ErrDuplicate
			}
		}
	}
	if _, ok := r.s.st.purchases[p.ID]; ok {
		return store.ErrDuplicate
	}
	r.s.st.purchases[p.ID] = p
	return nil
}

func (r purchases) DeactivateActive(_ context.Context, studentID, courseID string) (int, error) {
	defer repo(r).lock()()
	n := 0
	for id, p := range r.s.st.purchases {
		if p.IsActive && p.StudentID == studentID && p.CourseID == courseID {
			p.IsActive = false
			r.s.st.purchases[id] = p
			n++
		}
	}
	return n, nil
}

func (r purchases) Get(_ context.Context, id string) (store.Purchase, error) {
	defer repo(r).lock()()
	p, ok := r.s.st.purchases[id]
	if !ok {
		return store.Purchase{}, store.ErrNotFound
	}
	return p, nil
}

func (r purchases) ActiveFor(_ context.Context, studentID, courseID string) (store.Purchase, error) {
	defer repo(r).lock()()
	for _, p := range r.s.st.purchases {
		if p.IsActive && p.StudentID == studentID && p.CourseID == courseID {
			return p, nil
		}
	}
	return store.Purchase{}, store.ErrNotFound
}

func (r purchases) UpsertUnlocks(_ context.Context, unlocks []store.CourseUnlock) error {
	defer repo(r).lock()()
	for _, u := range unlocks {
		r.s.st.unlocks[unlockKey(u)] = u
	}
	return nil
}

func (r purchases) ListUnlocks(_ context.Context, studentID, courseID string) ([]store.CourseUnlock, error) {
	defer repo(r).lock()()
	var out []store.CourseUnlock
	for _, u := range r.s.st.unlocks {
		if u.StudentID == studentID && u.CourseID == courseID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level.Rank() < out[j].Level.Rank()
		}
		return out[i].SessionNumber < out[j].SessionNumber
	})
	return out, nil
}

type allocations struct {
	s    *Store
	inTx bool
}

func (r allocations) Insert(_ context.Context, a store.Allocation) error {
	defer repo(r).lock()()
	return r.insertLocked(a)
}

func (r allocations) insertLocked(a store.Allocation) error {
	if _, ok := r.s.st.allocations[a.ID]; ok {
		return store.ErrDuplicate
	}
	if nonTerminal(a.Status) {
		for _, ex := range r.s.st.allocations {
			if nonTerminal(ex.Status) && ex.StudentID == a.StudentID && ex.CourseID == a.CourseID {
				return store.ErrDuplicate
			}
		}
	}
	r.s.st.allocations[a.ID] = a
	return nil
}

func (r allocations) InsertCapped(_ context.Context, a store.Allocation, cap int) error {
	mu, _ := r.s.trainerLocks.LoadOrStore(a.TrainerID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	defer repo(r).lock()()
	n := 0
	for _, ex := range r.s.st.allocations {
		if ex.TrainerID == a.TrainerID && nonTerminal(ex.Status) {
			n++
		}
	}
	if n >= cap {
		return store.ErrCapacityExceeded
	}
	return r.insertLocked(a)
}

func (r allocations) Get(_ context.Context, id string) (store.Allocation, error) {
	defer repo(r).lock()()
	a, ok := r.s.st.allocations[id]
	if !ok {
		return store.Allocation{}, store.ErrNotFound
	}
	return a, nil
}

func (r allocations) NonTerminalFor(_ context.Context, studentID, courseID string) (store.Allocation, error) {
	defer repo(r).lock()()
	for _, a := range r.s.st.allocations {
		if nonTerminal(a.Status) && a.StudentID == studentID && a.CourseID == courseID {
			return a, nil
		}
	}
	return store.Allocation{}, store.ErrNotFound
}

func (r allocations) CountByTrainer(_ context.Context, trainerID string) (int, error) {
	defer repo(r).lock()()
	n := 0
	for _, a := range r.s.st.allocations {
		if a.TrainerID == trainerID && nonTerminal(a.Status) {
			n++
		}
	}
	return n, nil
}

func (r allocations) ListByStatus(_ context.Context, statuses ...store.AllocationStatus) ([]store.Allocation, error) {
	defer repo(r).lock()()
	want := make(map[store.AllocationStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []store.Allocation
	for _, a := range r.s.st.allocations {
		if want[a.Status] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r allocations) SetStatus(_ context.Context, id string, status store.AllocationStatus) error {
	defer repo(r).lock()()
	a, ok := r.s.st.allocations[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	r.s.st.allocations[id] = a
	return nil
}

type sessions struct {
	s    *Store
	inTx bool
}

func (r sessions) Upsert(_ context.Context, rows []store.Session) ([]string, error) {
	defer repo(r).lock()()
	taken := make(map[string]string, len(r.s.st.sessions))
	for id, ex := range r.s.st.sessions {
		taken[slotKey(ex.AllocationID, ex.ScheduledDate, ex.ScheduledTime)] = id
	}
	var created []string
	for _, row := range rows {
		key := slotKey(row.AllocationID, row.ScheduledDate, row.ScheduledTime)
		if id, ok := taken[key]; ok {
			ex := r.s.st.sessions[id]
			ex.UpdatedAt = time.Now()
			r.s.st.sessions[id] = ex
			continue
		}
		r.s.st.sessions[row.ID] = row
		taken[key] = row.ID
		created = append(created, row.ID)
	}
	return created, nil
}

func (r sessions) CountFuture(_ context.Context, allocationID string, from time.Time) (int, error) {
	defer repo(r).lock()()
	day := from.UTC().Truncate(24 * time.Hour)
	n := 0
	for _, ses := range r.s.st.sessions {
		if ses.AllocationID != allocationID {
			continue
		}
		if ses.Status != store.SessionScheduled && ses.Status != store.SessionPending {
			continue
		}
		if ses.ScheduledDate.Before(day) {
			continue
		}
		n++
	}
	return n, nil
}

func (r sessions) ListByAllocation(_ context.Context, allocationID string) ([]store.Session, error) {
	defer repo(r).lock()()
	var out []store.Session
	for _, ses := range r.s.st.sessions {
		if ses.AllocationID == allocationID {
			out = append(out, ses)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r sessions) HasBookingAt(_ context.Context, trainerID string, date time.Time, slot string) (bool, error) {
	defer repo(r).lock()()
	day := date.UTC().Truncate(24 * time.Hour)
	for _, ses := range r.s.st.sessions {
		if ses.TrainerID != trainerID || ses.Status == store.SessionCancelled {
			continue
		}
		if ses.ScheduledDate.Equal(day) && ses.ScheduledTime == slot {
			return true, nil
		}
	}
	return false, nil
}

func (r sessions) LastSlot(_ context.Context, allocationID string) (string, error) {
	defer repo(r).lock()()
	best := store.Session{Number: -1}
	for _, ses := range r.s.st.sessions {
		if ses.AllocationID == allocationID && ses.Number > best.Number {
			best = ses
		}
	}
	if best.Number < 0 {
		return "", store.ErrNotFound
	}
	return best.ScheduledTime, nil
}

func (r sessions) Complete(_ context.Context, sessionID string, at time.Time) (store.Session, error) {
	defer repo(r).lock()()
	ses, ok := r.s.st.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	ses.Status = store.SessionCompleted
	ses.UpdatedAt = at
	r.s.st.sessions[sessionID] = ses
	return ses, nil
}

type ledger struct {
	s    *Store
	inTx bool
}

func (r ledger) IsProcessed(_ context.Context, correlationID string, typ event.Type) (bool, error) {
	defer repo(r).lock()()
	_, ok := r.s.st.ledgerByStep[stepKey(correlationID, typ)]
	return ok, nil
}

func (r ledger) MarkProcessed(_ context.Context, row store.ProcessedEvent) error {
	defer repo(r).lock()()
	key := stepKey(row.CorrelationID, row.EventType)
	if _, ok := r.s.st.ledgerByStep[key]; ok {
		return store.ErrDuplicate
	}
	if _, ok := r.s.st.ledgerByID[row.EventID]; ok {
		return store.ErrDuplicate
	}
	r.s.st.ledgerByID[row.EventID] = row
	r.s.st.ledgerByStep[key] = row.EventID
	return nil
}

func (r ledger) Get(_ context.Context, correlationID string, typ event.Type) (store.ProcessedEvent, error) {
	defer repo(r).lock()()
	id, ok := r.s.st.ledgerByStep[stepKey(correlationID, typ)]
	if !ok {
		return store.ProcessedEvent{}, store.ErrNotFound
	}
	return r.s.st.ledgerByID[id], nil
}

func (r ledger) MarkPublished(_ context.Context, eventID string, at time.Time) error {
	defer repo(r).lock()()
	row, ok := r.s.st.ledgerByID[eventID]
	if !ok {
		return store.ErrNotFound
	}
	row.PublishedAt = &at
	r.s.st.ledgerByID[eventID] = row
	return nil
}

func (r ledger) ListUnpublished(_ context.Context, limit int) ([]store.ProcessedEvent, error) {
	defer repo(r).lock()()
	var out []store.ProcessedEvent
	for _, row := range r.s.st.ledgerByID {
		if row.Kind == store.LedgerEmitted && row.PublishedAt == nil {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type refreshTokens struct {
	s    *Store
	inTx bool
}

func (r refreshTokens) Insert(_ context.Context, t store.RefreshToken) error {
	defer repo(r).lock()()
	for _, ex := range r.s.st.refreshTokens {
		if ex.TokenHash == t.TokenHash {
			return store.ErrDuplicate
		}
	}
	r.s.st.refreshTokens[t.ID] = t
	return nil
}

func (r refreshTokens) GetByHashForUpdate(_ context.Context, hash string) (store.RefreshToken, error) {
	defer repo(r).lock()()
	for _, t := range r.s.st.refreshTokens {
		if t.TokenHash == hash {
			return t, nil
		}
	}
	return store.RefreshToken{}, store.ErrNotFound
}

func (r refreshTokens) Revoke(_ context.Context, id string, at time.Time) error {
	defer repo(r).lock()()
	t, ok := r.s.st.refreshTokens[id]
	if !ok {
		return store.ErrNotFound
	}
	t.RevokedAt = &at
	r.s.st.refreshTokens[id] = t
	return nil
}

func (r refreshTokens) ActiveByUser(_ context.Context, userID string, now time.Time) ([]store.RefreshToken, error) {
	defer repo(r).lock()()
	var out []store.RefreshToken
	for _, t := range r.s.st.refreshTokens {
		if t.UserID == userID && t.RevokedAt == nil && t.ExpiresAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type students struct {
	s    *Store
	inTx bool
}

func (r students) Get(_ context.Context, id string) (store.Student, error) {
	defer repo(r).lock()()
	st, ok := r.s.st.students[id]
	if !ok {
		return store.Student{}, store.ErrNotFound
	}
	return st, nil
}

func (r students) Insert(_ context.Context, st store.Student) error {
	defer repo(r).lock()()
	r.s.st.students[st.ID] = st
	return nil
}

type courses struct {
	s    *Store
	inTx bool
}

func (r courses) Get(_ context.Context, id string) (store.Course, error) {
	defer repo(r).lock()()
	c, ok := r.s.st.courses[id]
	if !ok {
		return store.Course{}, store.ErrNotFound
	}
	return c, nil
}

func (r courses) Insert(_ context.Context, c store.Course) error {
	defer repo(r).lock()()
	r.s.st.courses[c.ID] = c
	return nil
}

type zones struct {
	s    *Store
	inTx bool
}

func (r zones) ListActive(_ context.Context, cityID string) ([]store.Zone, error) {
	defer repo(r).lock()()
	var out []store.Zone
	for _, z := range r.s.st.zones {
		if !z.Active {
			continue
		}
		if cityID != "" && z.CityID != cityID {
			continue
		}
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r zones) Insert(_ context.Context, z store.Zone) error {
	defer repo(r).lock()()
	r.s.st.zones[z.ID] = z
	return nil
}
