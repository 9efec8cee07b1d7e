// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package recovery

import (
	"context"
	"time"
)

// Test hooks for deterministic time and backoff.

func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

func (m *Manager) SetSleepFunc(fn func(context.Context, time.Duration) error) {
	m.sleep = fn
}

func (m *Manager) SetJitterFunc(fn func(max float64) float64) {
	m.jitter = fn
}
