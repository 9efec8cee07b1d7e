// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package health

import "time"

// BreakerStatus is a point-in-time snapshot of one circuit breaker,
// safe to serialize to JSON for the monitoring boundary.
type BreakerStatus struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	FailuresInWindow int        `json:"failures_in_window"`
	SuccessCount     int        `json:"success_count"`
	TotalRequests    int64      `json:"total_requests"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
}
