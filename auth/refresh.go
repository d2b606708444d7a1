package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutorlinkhq/tutorlink/store"
)

// ErrTokenInvalid means the presented refresh token is unknown, revoked
// or expired; callers respond 401 and must not retry.
var ErrTokenInvalid = errors.New("auth: refresh token invalid")

type (
	// TokenPair is the result of one successful rotation.
	TokenPair struct {
		AccessToken  string
		RefreshToken string
		// ExpiresAt is the refresh token's expiry.
		ExpiresAt time.Time
	}

	// RefreshService rotates refresh tokens under the per-session lock.
	RefreshService struct {
		store      store.Store
		locks      *LockCoordinator
		signingKey []byte
		accessTTL  time.Duration
		refreshTTL time.Duration
		waitBudget time.Duration
	}

	// RefreshOption configures a RefreshService.
	RefreshOption func(*RefreshService)
)

// Rotation defaults.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
	// DefaultWaitBudget bounds how long a rotation waits for the lock.
	DefaultWaitBudget = 2 * time.Second
)

// WithAccessTTL overrides the access-token lifetime.
func WithAccessTTL(d time.Duration) RefreshOption {
	return func(s *RefreshService) { s.accessTTL = d }
}

// WithRefreshTTL overrides the refresh-token lifetime.
func WithRefreshTTL(d time.Duration) RefreshOption {
	return func(s *RefreshService) { s.refreshTTL = d }
}

// WithWaitBudget overrides the lock wait budget.
func WithWaitBudget(d time.Duration) RefreshOption {
	return func(s *RefreshService) { s.waitBudget = d }
}

// NewRefreshService wires the rotation path. It refuses a lock TTL that
// does not exceed the wait budget plus headroom for the transaction: a
// lock that can expire mid-rotation is worse than no lock.
func NewRefreshService(st store.Store, locks *LockCoordinator, signingKey []byte, opts ...RefreshOption) (*RefreshService, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("auth: signing key required")
	}
	s := &RefreshService{
		store:      st,
		locks:      locks,
		signingKey: signingKey,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		waitBudget: DefaultWaitBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	if locks.TTL() <= s.waitBudget {
		return nil, fmt.Errorf("auth: lock TTL %v must exceed wait budget %v", locks.TTL(), s.waitBudget)
	}
	return s, nil
}

// NewRefreshToken mints an opaque refresh token and returns it with its
// storage hash. Only the hash is persisted.
func NewRefreshToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("auth: mint refresh token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken returns the storage hash of a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue stores a fresh refresh token for the user and returns the pair.
// Used at login and inside Rotate.
func (s *RefreshService) Issue(ctx context.Context, tx store.Tx, userID string, now time.Time) (TokenPair, error) {
	token, hash, err := NewRefreshToken()
	if err != nil {
		return TokenPair{}, err
	}
	exp := now.Add(s.refreshTTL)
	row := store.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: exp,
		CreatedAt: now,
	}
	if err := tx.RefreshTokens().Insert(ctx, row); err != nil {
		return TokenPair{}, fmt.Errorf("auth: store refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:  s.mintAccessToken(userID, now),
		RefreshToken: token,
		ExpiresAt:    exp,
	}, nil
}

// Rotate exchanges a presented refresh token for a fresh pair.
//
// The per-session lock serialises concurrent rotations sharing one
// session; contention past the wait budget is ErrLockNotAcquired (429).
// Under the lock, the token row is loaded FOR UPDATE and checked; the new
// token is issued and stored before the old one is revoked, so a request
// that slipped past the lock on another node observes either old-valid or
// new-valid state, never both revoked.
func (s *RefreshService) Rotate(ctx context.Context, sessionID, presented string) (TokenPair, error) {
	lock, err := s.locks.AcquireWithWait(ctx, sessionID, s.waitBudget)
	if err != nil {
		return TokenPair{}, err
	}
	defer lock.Release(ctx)

	now := time.Now()
	var pair TokenPair
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		row, err := tx.RefreshTokens().GetByHashForUpdate(ctx, HashToken(presented))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrTokenInvalid
			}
			return fmt.Errorf("auth: load refresh token: %w", err)
		}
		if row.RevokedAt != nil || !row.ExpiresAt.After(now) {
			return ErrTokenInvalid
		}
		// Issue before revoke.
		pair, err = s.Issue(ctx, tx, row.UserID, now)
		if err != nil {
			return err
		}
		if err := tx.RefreshTokens().Revoke(ctx, row.ID, now); err != nil {
			return fmt.Errorf("auth: revoke old token: %w", err)
		}
		return nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// mintAccessToken signs a compact "userID.expiry.signature" credential.
func (s *RefreshService) mintAccessToken(userID string, now time.Time) string {
	exp := strconv.FormatInt(now.Add(s.accessTTL).Unix(), 10)
	body := userID + "." + exp
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(body))
	return body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyAccessToken checks an access token's signature and expiry and
// returns the user id it was minted for.
func (s *RefreshService) VerifyAccessToken(token string, now time.Time) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrTokenInvalid
	}
	body := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(body))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return "", ErrTokenInvalid
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || now.Unix() >= exp {
		return "", ErrTokenInvalid
	}
	return parts[0], nil
}
