package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pixshift/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, cfg.Delay(i+1), "attempt %d", i+1)
	}
}

func TestDoRecoversFromTransientErrors(t *testing.T) {
	var delays []time.Duration
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Millisecond,
		OnRetry: func(_ int, d time.Duration, _ error) {
			delays = append(delays, d)
		},
	}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return apperr.Transient("rate_limited", errors.New("429"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, delays, 2)
	assert.LessOrEqual(t, delays[0], delays[1])
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := apperr.Terminal("bad_request", errors.New("400"))
	err := Do(context.Background(), Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(context.Context, int) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}, func(context.Context, int) error {
		calls++
		return apperr.Transient("timeout", context.DeadlineExceeded)
	})
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, InitialDelay: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return apperr.Transient("timeout", errors.New("slow"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), Config{MaxAttempts: 2, InitialDelay: time.Millisecond}, func(_ context.Context, attempt int) (int, error) {
		if attempt == 1 {
			return 0, apperr.Transient("unavailable", errors.New("503"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
