// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package resilience

import (
	"context"
	"time"
)

// SetSleepFunc overrides the backoff sleep for deterministic tests.
func (c *RetryConfig) SetSleepFunc(fn func(context.Context, time.Duration) error) {
	c.sleep = fn
}

// SetJitterFunc overrides the jitter source for deterministic tests.
func (c *RetryConfig) SetJitterFunc(fn func(max float64) float64) {
	c.jitter = fn
}

// DelayFor exposes delayFor for white-box testing of the backoff schedule.
var DelayFor = func(c RetryConfig, attempt int, lastErr error) time.Duration {
	return c.delayFor(attempt, lastErr)
}
