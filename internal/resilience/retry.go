// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// RetryConfig controls the backoff schedule and classification allowlist.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// RetryableStatuses overrides the default HTTP status allowlist
	// (429 and 5xx) when non-empty.
	RetryableStatuses []int

	sleep  func(context.Context, time.Duration) error // for testing
	jitter func(max float64) float64                  // for testing
}

// DefaultRetryConfig mirrors the gateway's stock retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Validate checks the config and applies defaults for zero values.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"retry max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"retry delays must not be negative (initial=%s max=%s)", c.InitialDelay, c.MaxDelay)
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	return nil
}

// WithRetry invokes fn up to cfg.MaxAttempts times, sleeping between attempts
// with exponential backoff and up to 25% uniform jitter. A provider-supplied
// retry hint on the error overrides the computed delay for that one retry,
// capped at cfg.MaxDelay.
//
// Non-retryable errors re-raise immediately without consuming the delay
// budget. After the final failed attempt the last error is wrapped in a
// retry-exhausted error carrying the attempt count.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cfg.Validate(); err != nil {
		return zero, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	sleep := cfg.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.delayFor(attempt-1, lastErr)
			logger.Debug("retrying after backoff",
				"attempt", attempt+1,
				"max_attempts", cfg.MaxAttempts,
				"delay", delay,
			)
			if err := sleep(ctx, delay); err != nil {
				return zero, kerrors.Wrapf(err, kerrors.CodeResilienceTimeout, "retry wait interrupted")
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return zero, err
		}
		logger.Warn("attempt failed with retryable error",
			"attempt", attempt+1,
			"max_attempts", cfg.MaxAttempts,
			"error", err,
		)
	}

	return zero, kerrors.Wrap(lastErr, kerrors.CodeResilienceRetryExhausted,
		"all retry attempts failed",
		kerrors.FieldAttempts(cfg.MaxAttempts),
	)
}

// delayFor computes the backoff for the retry following the given zero-based
// attempt, honoring a retry hint from the failed attempt's error.
func (c RetryConfig) delayFor(attempt int, lastErr error) time.Duration {
	if hint, ok := kerrors.RetryAfterOf(lastErr); ok {
		if hint > c.MaxDelay {
			return c.MaxDelay
		}
		return hint
	}

	base := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	capped := math.Min(base, float64(c.MaxDelay))

	jitter := c.jitter
	if jitter == nil {
		jitter = func(max float64) float64 { return rand.Float64() * max }
	}
	return time.Duration(capped + jitter(capped*0.25))
}

// IsRetryable reports whether the error is worth another attempt.
//
// Never retried: HTTP 4xx other than 429 (authentication and caller mistakes
// do not heal on their own). Retried: network failures, timeouts, rate
// limits, 5xx responses, and transient-looking error text.
func (c RetryConfig) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if status := kerrors.StatusOf(err); status != 0 {
		return c.statusRetryable(status)
	}

	if kerrors.IsAuth(err) || kerrors.IsInvalidInput(err) {
		return false
	}
	if kerrors.IsNetwork(err) || kerrors.IsTimeout(err) || kerrors.IsRateLimited(err) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return transientText(err.Error())
}

func (c RetryConfig) statusRetryable(status int) bool {
	if len(c.RetryableStatuses) > 0 {
		for _, s := range c.RetryableStatuses {
			if s == status {
				return true
			}
		}
		return false
	}
	return status == 429 || status >= 500
}

// transientText matches error messages that indicate network or timeout
// conditions when no structured classification is available.
func transientText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"broken pipe",
		"unexpected eof",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"network is unreachable",
		"econnrefused",
		"econnreset",
		"etimedout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sleepContext sleeps for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
