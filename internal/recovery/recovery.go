// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package recovery drives coarse-grained retries for whole operations and
// keeps the last terminal failure around for manual replay.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// historyDepth caps the by-id failure history.
const historyDepth = 10

// Policy controls the backoff schedule for ExecuteWithRetry. It is
// deliberately independent of the per-call retry executor: recovery retries
// whole operations, not individual provider attempts.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultPolicy mirrors the per-call retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (p *Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"recovery max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"recovery delays must not be negative (initial=%s max=%s)", p.InitialDelay, p.MaxDelay)
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2
	}
	return nil
}

// ClassifiedError carries an explicit retryability verdict that overrides
// every heuristic.
type ClassifiedError struct {
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return "classified error"
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	return &ClassifiedError{Err: err, Retryable: true}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &ClassifiedError{Err: err, Retryable: false}
}

// OperationMetadata identifies one logical operation across retries and
// replay.
type OperationMetadata struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Operation string            `json:"operation"`
	Context   map[string]string `json:"context,omitempty"`
}

// NewMetadata mints metadata with a fresh operation ID.
func NewMetadata(provider, operation string) OperationMetadata {
	return OperationMetadata{
		ID:        uuid.NewString(),
		Provider:  provider,
		Operation: operation,
	}
}

// FailedOperation is a stored terminal failure.
type FailedOperation struct {
	Meta          OperationMetadata `json:"meta"`
	Error         string            `json:"error"`
	Code          string            `json:"code"`
	Attempts      int               `json:"attempts"`
	FirstFailedAt time.Time         `json:"first_failed_at"`
	LastFailedAt  time.Time         `json:"last_failed_at"`
}

// Manager runs recovery retries and owns the failure store. A single
// last-failed slot backs manual replay; a bounded history keeps recent
// terminal failures by operation ID.
type Manager struct {
	mu      sync.Mutex
	logger  *slog.Logger
	last    *FailedOperation
	history []FailedOperation // oldest first

	nowFunc func() time.Time
	sleep   func(context.Context, time.Duration) error
	jitter  func(max float64) float64
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		nowFunc: time.Now,
	}
}

// ExecuteWithRetry runs fn under policy. Terminal failures, permanent or
// exhausted, are stored for replay before the error returns.
func (m *Manager) ExecuteWithRetry(ctx context.Context, meta OperationMetadata, policy Policy, fn func(context.Context) (string, error)) (string, error) {
	if err := policy.Validate(); err != nil {
		return "", err
	}

	sleep := m.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := m.delayFor(policy, attempt-1, lastErr)
			m.logger.Debug("recovery retrying",
				"operation_id", meta.ID,
				"operation", meta.Operation,
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := sleep(ctx, delay); err != nil {
				return "", kerrors.Wrapf(err, kerrors.CodeResilienceTimeout, "recovery wait interrupted")
			}
		}

		out, err := fn(ctx)
		if err == nil {
			m.clearIfLast(meta.ID)
			return out, nil
		}
		lastErr = err

		if !Retryable(err) {
			m.store(meta, err, attempt+1)
			return "", err
		}
	}

	m.store(meta, lastErr, policy.MaxAttempts)
	return "", kerrors.Wrap(lastErr, kerrors.CodeRecoveryExhausted,
		"recovery attempts exhausted",
		kerrors.FieldAttempts(policy.MaxAttempts),
		kerrors.FieldOperation(meta.Operation),
	)
}

// Retryable classifies an error for recovery purposes. An explicit
// ClassifiedError verdict wins; otherwise HTTP status (429 and 5xx retry,
// other 4xx do not), then error-code category, then network heuristics.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}

	if status := kerrors.StatusOf(err); status != 0 {
		return status == 429 || status >= 500
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

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "connection refused", "connection reset", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RecordFailure stores a terminal failure reported from outside the
// recovery loop. Its signature matches the pipeline failure hook.
func (m *Manager) RecordFailure(provider, operation string, err error) {
	attempts := kerrors.AttemptsOf(err)
	if attempts == 0 {
		attempts = 1
	}
	m.store(NewMetadata(provider, operation), err, attempts)
}

// LastFailed returns the stored failure, if any.
func (m *Manager) LastFailed() (FailedOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return FailedOperation{}, false
	}
	return *m.last, true
}

// ClearLastFailed drops the stored failure.
func (m *Manager) ClearLastFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = nil
}

// History returns recent terminal failures, oldest first.
func (m *Manager) History() []FailedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailedOperation, len(m.history))
	copy(out, m.history)
	return out
}

// RetryLast replays the stored failure through executor. Success clears the
// slot; failure updates it in place so the next replay sees fresh state.
func (m *Manager) RetryLast(ctx context.Context, executor func(context.Context, FailedOperation) (string, error)) (string, error) {
	m.mu.Lock()
	if m.last == nil {
		m.mu.Unlock()
		return "", kerrors.New(kerrors.CodeRecoveryNothingStored, "no failed operation stored")
	}
	rec := *m.last
	m.mu.Unlock()

	out, err := executor(ctx, rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.logger.Info("replay succeeded", "operation_id", rec.Meta.ID, "operation", rec.Meta.Operation)
		m.last = nil
		return out, nil
	}

	rec.Error = err.Error()
	rec.Code = string(kerrors.CodeOf(err))
	rec.Attempts++
	rec.LastFailedAt = m.nowFunc()
	m.last = &rec
	m.upsertHistoryLocked(rec)
	return "", err
}

// clearIfLast drops the last-failed slot when a success shares its
// operation ID. The by-id history keeps the record.
func (m *Manager) clearIfLast(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last != nil && m.last.Meta.ID == id {
		m.last = nil
	}
}

func (m *Manager) store(meta OperationMetadata, err error, attempts int) {
	now := m.nowFunc()
	rec := FailedOperation{
		Meta:          meta,
		Error:         err.Error(),
		Code:          string(kerrors.CodeOf(err)),
		Attempts:      attempts,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Warn("storing failed operation",
		"operation_id", meta.ID,
		"provider", meta.Provider,
		"operation", meta.Operation,
		"attempts", attempts,
		"error", err,
	)
	m.last = &rec
	m.upsertHistoryLocked(rec)
}

func (m *Manager) upsertHistoryLocked(rec FailedOperation) {
	for i := range m.history {
		if m.history[i].Meta.ID == rec.Meta.ID {
			rec.FirstFailedAt = m.history[i].FirstFailedAt
			m.history[i] = rec
			return
		}
	}
	m.history = append(m.history, rec)
	if len(m.history) > historyDepth {
		m.history = m.history[len(m.history)-historyDepth:]
	}
}

// delayFor mirrors the per-call backoff formula, retry hints included.
func (m *Manager) delayFor(policy Policy, attempt int, lastErr error) time.Duration {
	if hint, ok := kerrors.RetryAfterOf(lastErr); ok {
		if hint > policy.MaxDelay {
			return policy.MaxDelay
		}
		return hint
	}

	base := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	capped := math.Min(base, float64(policy.MaxDelay))

	jitter := m.jitter
	if jitter == nil {
		jitter = func(max float64) float64 { return rand.Float64() * max }
	}
	return time.Duration(capped + jitter(capped*0.25))
}

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
