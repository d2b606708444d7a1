// Package postgres implements the store contract on PostgreSQL via pgx.
// The relational database is the pipeline's source of truth for current
// state; the uniqueness rules the workers rely on (active-purchase pair,
// open-allocation pair, session slot, ledger step) are enforced by the
// schema and surfaced as store.ErrDuplicate.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorlinkhq/tutorlink/store"
)

//go:embed schema.sql
var schemaSQL string

type (
	// Store is a pgx-backed store.Store.
	Store struct {
		pool *pgxpool.Pool
	}

	// querier is satisfied by both the pool and a transaction, so repos
	// run identically in auto-commit and transactional scope.
	querier interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}

	// scope binds repos to either the pool (auto-commit) or one open
	// transaction. pool is retained so operations that require a
	// transaction of their own (InsertCapped outside InTx) can open one.
	scope struct {
		q    querier
		pool *pgxpool.Pool
	}
)

// Defaults for the connection pool.
const (
	DefaultMinConns = 2
	DefaultMaxConns = 10
)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = DefaultMinConns
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

var _ store.Store = (*Store)(nil)

// Migrate applies the embedded schema. Every statement is idempotent. The
// simple protocol lets the multi-statement script run as one batch.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// InTx runs fn inside a single transaction, committing on nil and rolling
// back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(ctx, txView{scope{q: ptx}})
	})
}

func (s *Store) scope() scope { return scope{q: s.pool, pool: s.pool} }

func (s *Store) Purchases() store.PurchaseRepo         { return purchases{s.scope()} }
func (s *Store) Allocations() store.AllocationRepo     { return allocations{s.scope()} }
func (s *Store) Sessions() store.SessionRepo           { return sessions{s.scope()} }
func (s *Store) Events() store.EventRepo               { return ledger{s.scope()} }
func (s *Store) RefreshTokens() store.RefreshTokenRepo { return refreshTokens{s.scope()} }
func (s *Store) Students() store.StudentRepo           { return students{s.scope()} }
func (s *Store) Courses() store.CourseRepo             { return courses{s.scope()} }
func (s *Store) Zones() store.ZoneRepo                 { return zones{s.scope()} }

// txView is the repo set bound to one open transaction.
type txView struct{ sc scope }

func (t txView) Purchases() store.PurchaseRepo         { return purchases{t.sc} }
func (t txView) Allocations() store.AllocationRepo     { return allocations{t.sc} }
func (t txView) Sessions() store.SessionRepo           { return sessions{t.sc} }
func (t txView) Events() store.EventRepo               { return ledger{t.sc} }
func (t txView) RefreshTokens() store.RefreshTokenRepo { return refreshTokens{t.sc} }
func (t txView) Students() store.StudentRepo           { return students{t.sc} }
func (t txView) Courses() store.CourseRepo             { return courses{t.sc} }
func (t txView) Zones() store.ZoneRepo                 { return zones{t.sc} }

// mapErr translates driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrDuplicate
	}
	return err
}

// dateOnly normalises a timestamp to its calendar date for DATE columns.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
