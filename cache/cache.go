// Package cache wraps the shared Redis client for the read-model cache
// and the refresh-lock keyspace. Cache operations fail open: a Redis
// outage degrades to slower reads, never to pipeline failures, so every
// call is bounded by a short per-operation timeout.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Client is the Redis-backed cache.
	Client struct {
		rdb       redis.UniversalClient
		opTimeout time.Duration
	}

	// Option configures a Client.
	Option func(*Client)
)

// Cache key prefixes for the student read models.
const (
	studentHomePrefix     = "student:home:"
	studentLearningPrefix = "student:learning:"
	refreshLockPrefix     = "refresh-lock:"
)

// TTL bounds for read-model entries.
const (
	MinTTL = 5 * time.Minute
	MaxTTL = 30 * time.Minute

	// DefaultOpTimeout bounds each cache operation.
	DefaultOpTimeout = 500 * time.Millisecond
)

// WithOpTimeout overrides the per-operation timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Client) { c.opTimeout = d }
}

// New wraps rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{rdb: rdb, opTimeout: DefaultOpTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HomeKey is the cache key of a student's home view.
func HomeKey(studentID string) string { return studentHomePrefix + studentID }

// LearningKey is the cache key of a student's learning view.
func LearningKey(studentID string) string { return studentLearningPrefix + studentID }

// LockKey is the refresh-lock key for a session.
func LockKey(sessionID string) string { return refreshLockPrefix + sessionID }

// StudentKeys returns every read-model key derived from one student id.
func StudentKeys(studentID string) []string {
	return []string{HomeKey(studentID), LearningKey(studentID)}
}

func (c *Client) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Get returns the cached value or ("", false) on a miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key. The TTL is clamped into the allowed band.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	ctx, cancel := c.op(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Invalidate deletes the given keys. Deleting an absent key is a no-op,
// which is what makes invalidation naturally idempotent.
func (c *Client) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.op(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: invalidate %v: %w", keys, err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.op(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// releaseScript deletes a lock key only while it still holds the caller's
// acquisition token, so a slow holder cannot delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock sets key to token iff absent, with the given TTL.
func (c *Client) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: acquire %s: %w", key, err)
	}
	return ok, nil
}

// LockHeld reports whether the lock key currently exists.
func (c *Client) LockHeld(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.op(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// ReleaseLock deletes the lock iff it still carries token.
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	ctx, cancel := c.op(ctx)
	defer cancel()
	if err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("cache: release %s: %w", key, err)
	}
	return nil
}
