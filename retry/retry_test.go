package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDoReturnsNilOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("leader unavailable")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return boom
	})
	require.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, boom)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	poison := errors.New("student not found")
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return Permanent(poison)
	})
	require.Equal(t, 1, calls)
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, poison)

	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(10), func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestPermanentNilStaysNil(t *testing.T) {
	require.NoError(t, Permanent(nil))
	require.False(t, IsPermanent(nil))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
	require.Equal(t, time.Second, backoff(cfg, 1))
	require.Equal(t, 2*time.Second, backoff(cfg, 2))
	require.Equal(t, 4*time.Second, backoff(cfg, 3))
	require.Equal(t, 30*time.Second, backoff(cfg, 10), "cap applies")
}

// TestRetryProperties verifies the retry policy over arbitrary budgets: the
// attempt count never exceeds the budget, permanent errors consume exactly
// one attempt, and backoff delays never exceed the configured cap.
func TestRetryProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("attempt count equals the budget on persistent failure", prop.ForAll(
		func(maxAttempts int) bool {
			calls := 0
			err := Do(context.Background(), fastConfig(maxAttempts), func(context.Context) error {
				calls++
				return errors.New("transient")
			})
			want := maxAttempts
			if want < 1 {
				want = 1
			}
			var exhausted *ExhaustedError
			return calls == want && errors.As(err, &exhausted) && exhausted.Attempts == want
		},
		gen.IntRange(0, 6),
	))

	properties.Property("permanent errors consume one attempt", prop.ForAll(
		func(maxAttempts int) bool {
			calls := 0
			err := Do(context.Background(), fastConfig(maxAttempts), func(context.Context) error {
				calls++
				return Permanent(errors.New("poison"))
			})
			return calls == 1 && IsPermanent(err)
		},
		gen.IntRange(1, 6),
	))

	properties.Property("backoff never exceeds the cap", prop.ForAll(
		func(attempt int) bool {
			cfg := DefaultConfig()
			cfg.Jitter = 0
			return backoff(cfg, attempt) <= cfg.MaxBackoff
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
