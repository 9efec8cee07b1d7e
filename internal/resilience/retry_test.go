// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrel-dev/kestrel/internal/resilience"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetryConfig returns a config whose sleeps are recorded, not taken.
func fastRetryConfig(t *testing.T, maxAttempts int) (resilience.RetryConfig, *[]time.Duration) {
	t.Helper()

	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = maxAttempts

	var slept []time.Duration
	cfg.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})
	cfg.SetJitterFunc(func(float64) float64 { return 0 })
	return cfg, &slept
}

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	cfg, slept := fastRetryConfig(t, 3)

	calls := 0
	got, err := resilience.WithRetry(context.Background(), cfg, nil,
		func(context.Context) (string, error) {
			calls++
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestWithRetry_RetryableFailuresThenSuccess(t *testing.T) {
	cfg, slept := fastRetryConfig(t, 5)

	// Fails k=2 times with a retryable error, then succeeds: the caller
	// sees the success and fn ran exactly k+1 times.
	calls := 0
	got, err := resilience.WithRetry(context.Background(), cfg, nil,
		func(context.Context) (string, error) {
			calls++
			if calls <= 2 {
				return "", kerrors.New(kerrors.CodeProviderNetworkFailure, "connection refused")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	cfg, slept := fastRetryConfig(t, 3)

	calls := 0
	_, err := resilience.WithRetry(context.Background(), cfg, nil,
		func(context.Context) (string, error) {
			calls++
			return "", kerrors.New(kerrors.CodeProviderAuthUnauthorized, "invalid api key",
				kerrors.FieldStatus(401))
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable error must not be retried")
	assert.Empty(t, *slept, "non-retryable error must not consume the delay budget")
	assert.True(t, kerrors.IsAuth(err))
}

func TestWithRetry_Exhaustion(t *testing.T) {
	cfg, _ := fastRetryConfig(t, 3)

	calls := 0
	_, err := resilience.WithRetry(context.Background(), cfg, nil,
		func(context.Context) (string, error) {
			calls++
			return "", kerrors.New(kerrors.CodeProviderAPIFailure, "bad gateway",
				kerrors.FieldStatus(502))
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, kerrors.IsRetryExhausted(err))
	assert.Equal(t, 3, kerrors.AttemptsOf(err))
	assert.Contains(t, err.Error(), "bad gateway")
}

func TestWithRetry_BackoffSchedule(t *testing.T) {
	cfg, slept := fastRetryConfig(t, 4)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 3 * time.Second
	cfg.BackoffMultiplier = 2

	_, err := resilience.WithRetry(context.Background(), cfg, nil,
		func(context.Context) (string, error) {
			return "", kerrors.New(kerrors.CodeProviderNetworkFailure, "connection reset")
		})
	require.Error(t, err)

	// 1s, 2s, then capped at 3s (jitter pinned to zero).
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *slept)
}

func TestWithRetry_RetryHintOverridesBackoff(t *testing.T) {
	cfg, slept := fastRetryConfig(t, 2)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 30 * time.Second

	_, err := resilience.WithRetry(context.Background(), cfg, nil,
		func(context.Context) (string, error) {
			return "", kerrors.New(kerrors.CodeProviderRateLimited, "quota exceeded",
				kerrors.FieldStatus(429),
				kerrors.FieldRetryAfter(7))
		})
	require.Error(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 7*time.Second, (*slept)[0])
}

func TestWithRetry_RetryHintCappedAtMaxDelay(t *testing.T) {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxDelay = 5 * time.Second

	hintErr := kerrors.New(kerrors.CodeProviderRateLimited, "slow down",
		kerrors.FieldRetryAfter(60))
	assert.Equal(t, 5*time.Second, resilience.DelayFor(cfg, 0, hintErr))
}

func TestWithRetry_JitterBounded(t *testing.T) {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = time.Second
	cfg.BackoffMultiplier = 2

	// Without a pinned jitter source, the delay lands in [base, base*1.25].
	for range 50 {
		d := resilience.DelayFor(cfg, 0, nil)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestWithRetry_ContextCancelledDuringSleep(t *testing.T) {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Hour // never actually slept

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg.SetSleepFunc(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	_, err := resilience.WithRetry(ctx, cfg, nil,
		func(context.Context) (string, error) {
			calls++
			return "", kerrors.New(kerrors.CodeProviderNetworkFailure, "connection refused")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_InvalidConfig(t *testing.T) {
	cfg := resilience.RetryConfig{MaxAttempts: 0}
	_, err := resilience.WithRetry(context.Background(), cfg, nil,
		func(context.Context) (string, error) { return "", nil })
	require.Error(t, err)
	assert.True(t, kerrors.IsInvalidInput(err))
}

func TestIsRetryable(t *testing.T) {
	cfg := resilience.DefaultRetryConfig()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 429", kerrors.New(kerrors.CodeProviderRateLimited, "x", kerrors.FieldStatus(429)), true},
		{"status 500", kerrors.New(kerrors.CodeProviderAPIFailure, "x", kerrors.FieldStatus(500)), true},
		{"status 503", kerrors.New(kerrors.CodeProviderAPIFailure, "x", kerrors.FieldStatus(503)), true},
		{"status 401", kerrors.New(kerrors.CodeProviderAuthUnauthorized, "x", kerrors.FieldStatus(401)), false},
		{"status 403", kerrors.New(kerrors.CodeProviderAuthUnauthorized, "x", kerrors.FieldStatus(403)), false},
		{"status 404", kerrors.New(kerrors.CodeProviderAPIFailure, "x", kerrors.FieldStatus(404)), false},
		{"network code", kerrors.New(kerrors.CodeProviderNetworkFailure, "x"), true},
		{"timeout code", kerrors.New(kerrors.CodeResilienceTimeout, "x"), true},
		{"auth code", kerrors.New(kerrors.CodeProviderAuthUnauthorized, "x"), false},
		{"validation code", kerrors.New(kerrors.CodeProviderRequestInvalid, "x"), false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"transient text", errors.New("dial tcp: connection refused"), true},
		{"timeout text", errors.New("request timed out"), true},
		{"plain error", errors.New("something else entirely"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.IsRetryable(tt.err))
		})
	}
}

func TestIsRetryable_StatusAllowlistOverride(t *testing.T) {
	cfg := resilience.DefaultRetryConfig()
	cfg.RetryableStatuses = []int{503}

	err503 := kerrors.New(kerrors.CodeProviderAPIFailure, "x", kerrors.FieldStatus(503))
	err500 := kerrors.New(kerrors.CodeProviderAPIFailure, "x", kerrors.FieldStatus(500))
	assert.True(t, cfg.IsRetryable(err503))
	assert.False(t, cfg.IsRetryable(err500))
}
