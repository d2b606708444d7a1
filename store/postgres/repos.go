package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/schedule"
	"github.com/tutorlinkhq/tutorlink/store"
)

type purchases struct{ sc scope }

func (r purchases) Insert(ctx context.Context, p store.Purchase) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal purchase metadata: %w", err)
	}
	_, err = r.sc.q.Exec(ctx, `
		INSERT INTO course_purchases (id, student_id, course_id, purchase_tier, is_active, created_at, expiry_date, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.StudentID, p.CourseID, p.Tier, p.IsActive, p.CreatedAt, p.ExpiryDate, meta)
	return mapErr(err)
}

func (r purchases) DeactivateActive(ctx context.Context, studentID, courseID string) (int, error) {
	tag, err := r.sc.q.Exec(ctx, `
		UPDATE course_purchases SET is_active = FALSE
		WHERE student_id = $1 AND course_id = $2 AND is_active`,
		studentID, courseID)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

const purchaseCols = `id, student_id, course_id, purchase_tier, is_active, created_at, expiry_date, metadata`

func scanPurchase(row pgx.Row) (store.Purchase, error) {
	var (
		p    store.Purchase
		meta []byte
	)
	if err := row.Scan(&p.ID, &p.StudentID, &p.CourseID, &p.Tier, &p.IsActive, &p.CreatedAt, &p.ExpiryDate, &meta); err != nil {
		return store.Purchase{}, mapErr(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return store.Purchase{}, fmt.Errorf("unmarshal purchase metadata: %w", err)
		}
	}
	return p, nil
}

func (r purchases) Get(ctx context.Context, id string) (store.Purchase, error) {
	return scanPurchase(r.sc.q.QueryRow(ctx,
		`SELECT `+purchaseCols+` FROM course_purchases WHERE id = $1`, id))
}

func (r purchases) ActiveFor(ctx context.Context, studentID, courseID string) (store.Purchase, error) {
	return scanPurchase(r.sc.q.QueryRow(ctx,
		`SELECT `+purchaseCols+` FROM course_purchases
		 WHERE student_id = $1 AND course_id = $2 AND is_active`,
		studentID, courseID))
}

func (r purchases) UpsertUnlocks(ctx context.Context, unlocks []store.CourseUnlock) error {
	for _, u := range unlocks {
		_, err := r.sc.q.Exec(ctx, `
			INSERT INTO course_unlocks (student_id, course_id, level_type, session_number, is_unlocked)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (student_id, course_id, level_type, session_number)
			DO UPDATE SET is_unlocked = course_unlocks.is_unlocked OR EXCLUDED.is_unlocked`,
			u.StudentID, u.CourseID, string(u.Level), u.SessionNumber, u.IsUnlocked)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (r purchases) ListUnlocks(ctx context.Context, studentID, courseID string) ([]store.CourseUnlock, error) {
	rows, err := r.sc.q.Query(ctx, `
		SELECT student_id, course_id, level_type, session_number, is_unlocked
		FROM course_unlocks WHERE student_id = $1 AND course_id = $2
		ORDER BY level_type, session_number`,
		studentID, courseID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []store.CourseUnlock
	for rows.Next() {
		var u store.CourseUnlock
		var level string
		if err := rows.Scan(&u.StudentID, &u.CourseID, &level, &u.SessionNumber, &u.IsUnlocked); err != nil {
			return nil, mapErr(err)
		}
		u.Level = store.LevelType(level)
		out = append(out, u)
	}
	return out, rows.Err()
}

type allocations struct{ sc scope }

var openStatuses = []string{
	string(store.AllocationPending),
	string(store.AllocationApproved),
	string(store.AllocationActive),
	string(store.AllocationWaitlisted),
}

func (r allocations) Insert(ctx context.Context, a store.Allocation) error {
	return insertAllocation(ctx, r.sc.q, a)
}

func insertAllocation(ctx context.Context, q querier, a store.Allocation) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal allocation metadata: %w", err)
	}
	var trainer *string
	if a.TrainerID != "" {
		trainer = &a.TrainerID
	}
	_, err = q.Exec(ctx, `
		INSERT INTO trainer_allocations (id, student_id, trainer_id, course_id, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.StudentID, trainer, a.CourseID, string(a.Status), meta, a.CreatedAt)
	return mapErr(err)
}

// InsertCapped serialises on a per-trainer advisory lock, re-counts the
// trainer's open allocations under it, and inserts only below cap. Outside
// an InTx scope it opens its own transaction so the advisory lock spans
// the count and the insert.
func (r allocations) InsertCapped(ctx context.Context, a store.Allocation, cap int) error {
	run := func(q querier) error {
		if _, err := q.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, a.TrainerID); err != nil {
			return mapErr(err)
		}
		var n int
		err := q.QueryRow(ctx, `
			SELECT count(*) FROM trainer_allocations
			WHERE trainer_id = $1 AND status = ANY($2)`,
			a.TrainerID, openStatuses).Scan(&n)
		if err != nil {
			return mapErr(err)
		}
		if n >= cap {
			return store.ErrCapacityExceeded
		}
		return insertAllocation(ctx, q, a)
	}
	if r.sc.pool != nil {
		return pgx.BeginFunc(ctx, r.sc.pool, func(tx pgx.Tx) error { return run(tx) })
	}
	return run(r.sc.q)
}

const allocationCols = `id, student_id, COALESCE(trainer_id::text, ''), course_id, status, metadata, created_at`

func scanAllocation(row pgx.Row) (store.Allocation, error) {
	var (
		a      store.Allocation
		status string
		meta   []byte
	)
	if err := row.Scan(&a.ID, &a.StudentID, &a.TrainerID, &a.CourseID, &status, &meta, &a.CreatedAt); err != nil {
		return store.Allocation{}, mapErr(err)
	}
	a.Status = store.AllocationStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return store.Allocation{}, fmt.Errorf("unmarshal allocation metadata: %w", err)
		}
	}
	return a, nil
}

func (r allocations) Get(ctx context.Context, id string) (store.Allocation, error) {
	return scanAllocation(r.sc.q.QueryRow(ctx,
		`SELECT `+allocationCols+` FROM trainer_allocations WHERE id = $1`, id))
}

func (r allocations) NonTerminalFor(ctx context.Context, studentID, courseID string) (store.Allocation, error) {
	return scanAllocation(r.sc.q.QueryRow(ctx,
		`SELECT `+allocationCols+` FROM trainer_allocations
		 WHERE student_id = $1 AND course_id = $2 AND status = ANY($3)`,
		studentID, courseID, openStatuses))
}

func (r allocations) CountByTrainer(ctx context.Context, trainerID string) (int, error) {
	var n int
	err := r.sc.q.QueryRow(ctx, `
		SELECT count(*) FROM trainer_allocations
		WHERE trainer_id = $1 AND status = ANY($2)`,
		trainerID, openStatuses).Scan(&n)
	return n, mapErr(err)
}

func (r allocations) ListByStatus(ctx context.Context, statuses ...store.AllocationStatus) ([]store.Allocation, error) {
	want := make([]string, len(statuses))
	for i, s := range statuses {
		want[i] = string(s)
	}
	rows, err := r.sc.q.Query(ctx,
		`SELECT `+allocationCols+` FROM trainer_allocations
		 WHERE status = ANY($1) ORDER BY created_at, id`, want)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []store.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r allocations) SetStatus(ctx context.Context, id string, status store.AllocationStatus) error {
	tag, err := r.sc.q.Exec(ctx,
		`UPDATE trainer_allocations SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

type sessions struct{ sc scope }

func (r sessions) Upsert(ctx context.Context, rows []store.Session) ([]string, error) {
	var created []string
	for _, s := range rows {
		var (
			id       string
			inserted bool
		)
		err := r.sc.q.QueryRow(ctx, `
			INSERT INTO tutoring_sessions
				(id, allocation_id, student_id, trainer_id, scheduled_date, scheduled_time,
				 status, session_type, session_number, is_bookable, is_fixed_time, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			ON CONFLICT (allocation_id, scheduled_date, scheduled_time)
			DO UPDATE SET updated_at = now()
			RETURNING id, (xmax = 0)`,
			s.ID, s.AllocationID, s.StudentID, s.TrainerID, dateOnly(s.ScheduledDate), s.ScheduledTime,
			string(s.Status), string(s.Type), s.Number, s.Bookable, s.FixedTime, s.CreatedAt).
			Scan(&id, &inserted)
		if err != nil {
			return nil, mapErr(err)
		}
		if inserted {
			created = append(created, id)
		}
	}
	return created, nil
}

func (r sessions) CountFuture(ctx context.Context, allocationID string, from time.Time) (int, error) {
	var n int
	err := r.sc.q.QueryRow(ctx, `
		SELECT count(*) FROM tutoring_sessions
		WHERE allocation_id = $1 AND status IN ('SCHEDULED', 'PENDING') AND scheduled_date >= $2`,
		allocationID, dateOnly(from)).Scan(&n)
	return n, mapErr(err)
}

const sessionCols = `id, allocation_id, student_id, trainer_id, scheduled_date, scheduled_time,
	status, session_type, session_number, is_bookable, is_fixed_time, created_at, updated_at`

func scanSession(row pgx.Row) (store.Session, error) {
	var (
		s            store.Session
		status, styp string
	)
	if err := row.Scan(&s.ID, &s.AllocationID, &s.StudentID, &s.TrainerID, &s.ScheduledDate, &s.ScheduledTime,
		&status, &styp, &s.Number, &s.Bookable, &s.FixedTime, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return store.Session{}, mapErr(err)
	}
	s.Status = store.SessionStatus(status)
	s.Type = schedule.SessionType(styp)
	return s, nil
}

func (r sessions) ListByAllocation(ctx context.Context, allocationID string) ([]store.Session, error) {
	rows, err := r.sc.q.Query(ctx,
		`SELECT `+sessionCols+` FROM tutoring_sessions
		 WHERE allocation_id = $1 ORDER BY session_number`, allocationID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []store.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r sessions) HasBookingAt(ctx context.Context, trainerID string, date time.Time, slot string) (bool, error) {
	var exists bool
	err := r.sc.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tutoring_sessions
			WHERE trainer_id = $1 AND scheduled_date = $2 AND scheduled_time = $3
			  AND status <> 'CANCELLED')`,
		trainerID, dateOnly(date), slot).Scan(&exists)
	return exists, mapErr(err)
}

func (r sessions) LastSlot(ctx context.Context, allocationID string) (string, error) {
	var slot string
	err := r.sc.q.QueryRow(ctx, `
		SELECT scheduled_time FROM tutoring_sessions
		WHERE allocation_id = $1 ORDER BY session_number DESC LIMIT 1`,
		allocationID).Scan(&slot)
	return slot, mapErr(err)
}

func (r sessions) Complete(ctx context.Context, sessionID string, at time.Time) (store.Session, error) {
	return scanSession(r.sc.q.QueryRow(ctx, `
		UPDATE tutoring_sessions SET status = 'COMPLETED', updated_at = $2
		WHERE id = $1
		RETURNING `+sessionCols, sessionID, at))
}

type ledger struct{ sc scope }

func (r ledger) IsProcessed(ctx context.Context, correlationID string, typ event.Type) (bool, error) {
	var exists bool
	err := r.sc.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events WHERE correlation_id = $1 AND event_type = $2)`,
		correlationID, string(typ)).Scan(&exists)
	return exists, mapErr(err)
}

func (r ledger) MarkProcessed(ctx context.Context, row store.ProcessedEvent) error {
	_, err := r.sc.q.Exec(ctx, `
		INSERT INTO processed_events
			(event_id, event_type, correlation_id, payload, source, version, kind, processed_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.EventID, string(row.EventType), row.CorrelationID, row.Payload,
		row.Source, row.Version, string(row.Kind), row.ProcessedAt, row.PublishedAt)
	return mapErr(err)
}

const ledgerCols = `event_id, event_type, correlation_id, payload, source, version, kind, processed_at, published_at`

func scanLedgerRow(row pgx.Row) (store.ProcessedEvent, error) {
	var (
		p         store.ProcessedEvent
		typ, kind string
	)
	if err := row.Scan(&p.EventID, &typ, &p.CorrelationID, &p.Payload, &p.Source, &p.Version, &kind, &p.ProcessedAt, &p.PublishedAt); err != nil {
		return store.ProcessedEvent{}, mapErr(err)
	}
	p.EventType = event.Type(typ)
	p.Kind = store.LedgerKind(kind)
	return p, nil
}

func (r ledger) Get(ctx context.Context, correlationID string, typ event.Type) (store.ProcessedEvent, error) {
	return scanLedgerRow(r.sc.q.QueryRow(ctx,
		`SELECT `+ledgerCols+` FROM processed_events WHERE correlation_id = $1 AND event_type = $2`,
		correlationID, string(typ)))
}

func (r ledger) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	tag, err := r.sc.q.Exec(ctx,
		`UPDATE processed_events SET published_at = $2 WHERE event_id = $1`, eventID, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r ledger) ListUnpublished(ctx context.Context, limit int) ([]store.ProcessedEvent, error) {
	rows, err := r.sc.q.Query(ctx, `
		SELECT `+ledgerCols+` FROM processed_events
		WHERE kind = 'EMITTED' AND published_at IS NULL
		ORDER BY processed_at LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []store.ProcessedEvent
	for rows.Next() {
		p, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type refreshTokens struct{ sc scope }

func (r refreshTokens) Insert(ctx context.Context, t store.RefreshToken) error {
	_, err := r.sc.q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.RevokedAt, t.CreatedAt)
	return mapErr(err)
}

const tokenCols = `id, user_id, token_hash, expires_at, revoked_at, created_at`

func scanToken(row pgx.Row) (store.RefreshToken, error) {
	var t store.RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt); err != nil {
		return store.RefreshToken{}, mapErr(err)
	}
	return t, nil
}

func (r refreshTokens) GetByHashForUpdate(ctx context.Context, hash string) (store.RefreshToken, error) {
	return scanToken(r.sc.q.QueryRow(ctx,
		`SELECT `+tokenCols+` FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE`, hash))
}

func (r refreshTokens) Revoke(ctx context.Context, id string, at time.Time) error {
	tag, err := r.sc.q.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r refreshTokens) ActiveByUser(ctx context.Context, userID string, now time.Time) ([]store.RefreshToken, error) {
	rows, err := r.sc.q.Query(ctx, `
		SELECT `+tokenCols+` FROM refresh_tokens
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at`, userID, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []store.RefreshToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type students struct{ sc scope }

func (r students) Get(ctx context.Context, id string) (store.Student, error) {
	var s store.Student
	err := r.sc.q.QueryRow(ctx,
		`SELECT id, name, city_id, lat, lng FROM students WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.CityID, &s.Lat, &s.Lng)
	return s, mapErr(err)
}

func (r students) Insert(ctx context.Context, s store.Student) error {
	_, err := r.sc.q.Exec(ctx, `
		INSERT INTO students (id, name, city_id, lat, lng) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, city_id = EXCLUDED.city_id,
			lat = EXCLUDED.lat, lng = EXCLUDED.lng`,
		s.ID, s.Name, s.CityID, s.Lat, s.Lng)
	return mapErr(err)
}

type courses struct{ sc scope }

func (r courses) Get(ctx context.Context, id string) (store.Course, error) {
	var (
		c      store.Course
		levels []byte
	)
	err := r.sc.q.QueryRow(ctx,
		`SELECT id, name, levels FROM courses WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &levels)
	if err != nil {
		return store.Course{}, mapErr(err)
	}
	if err := json.Unmarshal(levels, &c.Levels); err != nil {
		return store.Course{}, fmt.Errorf("unmarshal course levels: %w", err)
	}
	return c, nil
}

func (r courses) Insert(ctx context.Context, c store.Course) error {
	levels, err := json.Marshal(c.Levels)
	if err != nil {
		return fmt.Errorf("marshal course levels: %w", err)
	}
	_, err = r.sc.q.Exec(ctx, `
		INSERT INTO courses (id, name, levels) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, levels = EXCLUDED.levels`,
		c.ID, c.Name, levels)
	return mapErr(err)
}

type zones struct{ sc scope }

func (r zones) ListActive(ctx context.Context, cityID string) ([]store.Zone, error) {
	rows, err := r.sc.q.Query(ctx, `
		SELECT id, city_id, name, franchise_id, center_lat, center_lng, radius_km, is_active
		FROM zones WHERE is_active AND ($1 = '' OR city_id = $1) ORDER BY id`, cityID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []store.Zone
	for rows.Next() {
		var z store.Zone
		if err := rows.Scan(&z.ID, &z.CityID, &z.Name, &z.FranchiseID, &z.CenterLat, &z.CenterLng, &z.RadiusKM, &z.Active); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (r zones) Insert(ctx context.Context, z store.Zone) error {
	_, err := r.sc.q.Exec(ctx, `
		INSERT INTO zones (id, city_id, name, franchise_id, center_lat, center_lng, radius_km, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET city_id = EXCLUDED.city_id, name = EXCLUDED.name,
			franchise_id = EXCLUDED.franchise_id, center_lat = EXCLUDED.center_lat,
			center_lng = EXCLUDED.center_lng, radius_km = EXCLUDED.radius_km,
			is_active = EXCLUDED.is_active`,
		z.ID, z.CityID, z.Name, z.FranchiseID, z.CenterLat, z.CenterLng, z.RadiusKM, z.Active)
	return mapErr(err)
}
