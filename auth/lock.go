// Package auth implements the refresh-token rotation path: a distributed
// per-session lock serialises concurrent rotations, and the rotation
// itself issues the replacement token before revoking the old one so no
// interleaving leaves a user with zero valid tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/tutorlinkhq/tutorlink/cache"
)

// Lock outcomes surfaced to the transport layer.
var (
	// ErrLockNotAcquired means the bounded wait for the per-session lock
	// expired; callers respond 429.
	ErrLockNotAcquired = errors.New("auth: refresh lock not acquired")
)

type (
	// LockStore is the keyspace the coordinator runs on. cache.Client
	// implements it on Redis; tests substitute an in-process map.
	LockStore interface {
		AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
		LockHeld(ctx context.Context, key string) (bool, error)
		ReleaseLock(ctx context.Context, key, token string) error
	}

	// LockCoordinator is the per-session distributed mutex used to
	// serialise token rotation.
	LockCoordinator struct {
		store    LockStore
		ttl      time.Duration
		waitStep time.Duration
	}

	// LockOption configures a LockCoordinator.
	LockOption func(*LockCoordinator)

	// Lock is one held acquisition. The token guards release: only the
	// acquisition that set the key may delete it.
	Lock struct {
		key   string
		token string
		coord *LockCoordinator
	}
)

// Coordinator defaults. The TTL bounds orphaned locks left by crashed
// holders and must exceed the rotation transaction's worst case.
const (
	DefaultLockTTL  = 10 * time.Second
	DefaultWaitStep = 50 * time.Millisecond
)

// WithLockTTL overrides the lock TTL.
func WithLockTTL(d time.Duration) LockOption {
	return func(c *LockCoordinator) { c.ttl = d }
}

// WithWaitStep overrides the poll interval used while waiting.
func WithWaitStep(d time.Duration) LockOption {
	return func(c *LockCoordinator) { c.waitStep = d }
}

// NewLockCoordinator returns a coordinator over the given keyspace.
func NewLockCoordinator(store LockStore, opts ...LockOption) *LockCoordinator {
	c := &LockCoordinator{store: store, ttl: DefaultLockTTL, waitStep: DefaultWaitStep}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lock TTL.
func (c *LockCoordinator) TTL() time.Duration { return c.ttl }

// Acquire attempts to take the session's lock without waiting. A nil Lock
// with nil error means the lock is held elsewhere.
func (c *LockCoordinator) Acquire(ctx context.Context, sessionID string) (*Lock, error) {
	key := cache.LockKey(sessionID)
	token := uuid.NewString()
	ok, err := c.store.AcquireLock(ctx, key, token, c.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{key: key, token: token, coord: c}, nil
}

// Wait polls until the session's lock is released or the timeout expires.
// It reports whether the lock was observed free.
func (c *LockCoordinator) Wait(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	key := cache.LockKey(sessionID)
	deadline := time.Now().Add(timeout)
	for {
		held, err := c.store.LockHeld(ctx, key)
		if err != nil {
			return false, fmt.Errorf("wait for refresh lock: %w", err)
		}
		if !held {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.waitStep):
		}
	}
}

// AcquireWithWait tries once, waits for release, then tries once more —
// the bounded two-attempt protocol of the refresh path. Exhaustion is
// ErrLockNotAcquired.
func (c *LockCoordinator) AcquireWithWait(ctx context.Context, sessionID string, timeout time.Duration) (*Lock, error) {
	l, err := c.Acquire(ctx, sessionID)
	if err != nil || l != nil {
		return l, err
	}
	released, err := c.Wait(ctx, sessionID, timeout)
	if err != nil {
		return nil, err
	}
	if released {
		if l, err = c.Acquire(ctx, sessionID); err != nil || l != nil {
			return l, err
		}
	}
	return nil, ErrLockNotAcquired
}

// Release frees the lock. Best effort: a failure is logged, not returned,
// because the TTL reclaims the key anyway.
func (l *Lock) Release(ctx context.Context) {
	if err := l.coord.store.ReleaseLock(ctx, l.key, l.token); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "refresh lock release failed"},
			log.KV{K: "key", V: l.key},
			log.KV{K: "err", V: err.Error()})
	}
}
