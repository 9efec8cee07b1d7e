// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package resilience

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

type channelLimit struct {
	maxRequests int
	window      time.Duration
	requests    []time.Time
}

// RateLimiter is a sliding-window admission controller with one independent
// window per named channel. Channels without configuration are unlimited.
// This is a true sliding window, continuously re-evaluated against "now",
// not fixed buckets.
type RateLimiter struct {
	mu       sync.Mutex
	channels map[string]*channelLimit
	logger   *slog.Logger
	nowFunc  func() time.Time // for testing
}

// NewRateLimiter creates a limiter with no channels configured.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		channels: make(map[string]*channelLimit),
		logger:   slog.Default(),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (l *RateLimiter) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	l.nowFunc = fn
	l.mu.Unlock()
}

// Configure establishes the limit for a channel: at most maxRequests
// admissions within any rolling window. Reconfiguring keeps in-window
// history.
func (l *RateLimiter) Configure(channel string, maxRequests int, window time.Duration) error {
	if maxRequests <= 0 || window <= 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"rate limit for %q must be positive (max=%d window=%s)", channel, maxRequests, window)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.channels[channel]; ok {
		existing.maxRequests = maxRequests
		existing.window = window
		return nil
	}
	l.channels[channel] = &channelLimit{maxRequests: maxRequests, window: window}
	return nil
}

// Allow admits or rejects one request on the channel. Records older than the
// window are pruned first. A rejection carries a retry_after_s field in whole
// seconds computed from when the oldest in-window record expires.
func (l *RateLimiter) Allow(channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.channels[channel]
	if !ok {
		return nil
	}

	now := l.nowFunc()
	cutoff := now.Add(-cl.window)
	cl.requests = slices.DeleteFunc(cl.requests, func(t time.Time) bool {
		return !t.After(cutoff)
	})

	if len(cl.requests) >= cl.maxRequests {
		oldest := cl.requests[0]
		retryAfter := int(math.Ceil(oldest.Add(cl.window).Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		l.logger.Warn("rate limit exceeded",
			"channel", channel,
			"max_requests", cl.maxRequests,
			"window", cl.window,
			"retry_after_s", retryAfter,
		)
		return kerrors.New(kerrors.CodeResilienceRateLimited,
			"rate limit exceeded for channel "+channel,
			kerrors.FieldChannel(channel),
			kerrors.FieldRetryAfter(retryAfter),
		)
	}

	cl.requests = append(cl.requests, now)
	return nil
}

// Remaining returns how many admissions the channel has left in the current
// window, or -1 for unconfigured (unlimited) channels.
func (l *RateLimiter) Remaining(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.channels[channel]
	if !ok {
		return -1
	}

	cutoff := l.nowFunc().Add(-cl.window)
	inWindow := 0
	for _, t := range cl.requests {
		if t.After(cutoff) {
			inWindow++
		}
	}
	return cl.maxRequests - inWindow
}

// Cleanup drops request history for channels with nothing left in their
// window, bounding memory. Channel configuration is kept.
func (l *RateLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, cl := range l.channels {
		cutoff := l.nowFunc().Add(-cl.window)
		cl.requests = slices.DeleteFunc(cl.requests, func(t time.Time) bool {
			return !t.After(cutoff)
		})
		if len(cl.requests) == 0 {
			cl.requests = nil
		}
	}
}
