package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-detail/pkg/anthropic"
)

func instantSleep(ctx context.Context, d time.Duration) error { return nil }

func TestDoVal_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	val, err := DoVal(context.Background(), RetryConfig{Sleep: instantSleep}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 1, calls)
}

func TestDoVal_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []int
	cfg := RetryConfig{
		MaxAttempts: 3,
		Sleep:       instantSleep,
		OnRetry:     func(attempt int, err error) { retried = append(retried, attempt) },
	}
	val, err := DoVal(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &anthropic.ModelError{Kind: anthropic.KindRateLimited, Err: errors.New("throttled")}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoVal_StopsOnNonTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := DoVal(context.Background(), RetryConfig{MaxAttempts: 5, Sleep: instantSleep}, func(ctx context.Context) (int, error) {
		calls++
		return 0, &anthropic.ModelError{Kind: anthropic.KindInvalidRequest, Err: errors.New("bad prompt")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	me, ok := anthropic.AsModelError(err)
	require.True(t, ok)
	assert.Equal(t, anthropic.KindInvalidRequest, me.Kind)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := DoVal(context.Background(), RetryConfig{MaxAttempts: 3, Sleep: instantSleep}, func(ctx context.Context) (int, error) {
		calls++
		return 0, &anthropic.ModelError{Kind: anthropic.KindProviderUnavailable, Err: errors.New("overloaded")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoVal_ContextCancelledStopsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := DoVal(ctx, RetryConfig{MaxAttempts: 5, Sleep: instantSleep}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, &anthropic.ModelError{Kind: anthropic.KindRateLimited, Err: errors.New("throttled")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_SleepCancelReturnsLastError(t *testing.T) {
	t.Parallel()

	wantErr := &anthropic.ModelError{Kind: anthropic.KindProviderUnavailable, Err: errors.New("overloaded")}
	cfg := RetryConfig{
		MaxAttempts: 3,
		Sleep:       func(ctx context.Context, d time.Duration) error { return context.Canceled },
	}
	calls := 0
	_, err := DoVal(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, wantErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, wantErr)
}

func TestDoVal_CustomShouldRetry(t *testing.T) {
	t.Parallel()

	sentinel := eris.New("retry me")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts: 2,
		Sleep:       instantSleep,
		ShouldRetry: func(err error) bool { return true },
	}
	_, err := DoVal(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestComputeBackoff_GrowthAndCap(t *testing.T) {
	t.Parallel()

	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: -1, // normalized to zero jitter
	})

	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(2, cfg))
	assert.Equal(t, 800*time.Millisecond, computeBackoff(3, cfg))
	assert.Equal(t, time.Second, computeBackoff(4, cfg))
	assert.Equal(t, time.Second, computeBackoff(10, cfg))
}

func TestComputeBackoff_JitterStaysInRange(t *testing.T) {
	t.Parallel()

	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	})

	for i := 0; i < 100; i++ {
		d := computeBackoff(1, cfg)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := applyDefaults(RetryConfig{})
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"rate limited", &anthropic.ModelError{Kind: anthropic.KindRateLimited, Err: errors.New("throttled")}, true},
		{"provider unavailable", &anthropic.ModelError{Kind: anthropic.KindProviderUnavailable, Err: errors.New("overloaded")}, true},
		{"model timeout", &anthropic.ModelError{Kind: anthropic.KindTimeout, Err: errors.New("deadline")}, true},
		{"invalid request", &anthropic.ModelError{Kind: anthropic.KindInvalidRequest, Err: errors.New("bad prompt")}, false},
		{"plain error", eris.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
