// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package resilience

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
	"github.com/kestrel-dev/kestrel/pkg/health"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerConfig controls the failure-aggregation thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within MonitoringWindow
	// that trips a CLOSED breaker open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
	// OpenDuration is how long an open breaker fails fast before allowing
	// a half-open probe.
	OpenDuration time.Duration
	// MonitoringWindow bounds how long a failure counts toward the threshold.
	MonitoringWindow time.Duration
}

// DefaultBreakerConfig mirrors the gateway's stock breaker policy.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     60 * time.Second,
		MonitoringWindow: 120 * time.Second,
	}
}

// Validate checks that all thresholds are positive.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"breaker thresholds must be positive (failure=%d success=%d)",
			c.FailureThreshold, c.SuccessThreshold)
	}
	if c.OpenDuration <= 0 || c.MonitoringWindow <= 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"breaker durations must be positive (open=%s window=%s)",
			c.OpenDuration, c.MonitoringWindow)
	}
	return nil
}

// nextState is the pure transition function: given the current state and a
// recorded outcome it returns the next state and whether the breaker tripped
// open (which restarts the cooldown clock). failuresInWindow must already
// include the failure being recorded.
func nextState(s State, failed bool, failuresInWindow, halfOpenSuccesses int, cfg BreakerConfig) (State, bool) {
	switch s {
	case StateClosed:
		if failed && failuresInWindow >= cfg.FailureThreshold {
			return StateOpen, true
		}
		return StateClosed, false
	case StateHalfOpen:
		if failed {
			return StateOpen, true
		}
		if halfOpenSuccesses >= cfg.SuccessThreshold {
			return StateClosed, false
		}
		return StateHalfOpen, false
	default:
		// OPEN: outcomes are only recorded for admitted calls, and admission
		// moves the breaker to HALF_OPEN first. Stay put.
		return s, false
	}
}

type failureRecord struct {
	at      time.Time
	message string
}

// Breaker is a per-dependency failure-aggregation state machine. Calls pass
// through while CLOSED, fail fast while OPEN, and probe single-file while
// HALF_OPEN. All callers sharing a dependency name share one Breaker.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  BreakerConfig

	state             State
	failures          []failureRecord
	halfOpenSuccesses int
	nextAttempt       time.Time
	totalRequests     int64

	logger  *slog.Logger
	nowFunc func() time.Time // for testing
	onTrip  func(name string)
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}, nil
}

// SetNowFunc overrides the time source (for testing).
func (b *Breaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	b.nowFunc = fn
	b.mu.Unlock()
}

// Execute runs fn under the breaker's state machine. While OPEN and before
// the stored next-attempt time it fails fast without invoking fn. Otherwise
// fn runs and its outcome drives the transition rules; fn's own error is
// returned to the caller after bookkeeping.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure(err.Error())
		return err
	}
	b.recordSuccess()
	return nil
}

// admit counts the request and decides whether it may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.state != StateOpen {
		return nil
	}

	now := b.nowFunc()
	if now.Before(b.nextAttempt) {
		return kerrors.New(kerrors.CodeResilienceCircuitOpen,
			"circuit breaker is open: "+b.name,
			kerrors.Field("breaker", b.name),
			kerrors.Field("retry_at", b.nextAttempt.Format(time.RFC3339)),
		)
	}

	// Cooldown elapsed: probe the dependency.
	b.state = StateHalfOpen
	b.halfOpenSuccesses = 0
	b.logger.Info("circuit breaker half-open", "breaker", b.name)
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenSuccesses++
	}

	next, _ := nextState(b.state, false, len(b.failures), b.halfOpenSuccesses, b.cfg)
	if next == StateClosed {
		// A CLOSED success resets the failure tally; so does recovery.
		b.failures = b.failures[:0]
		b.halfOpenSuccesses = 0
		if b.state == StateHalfOpen {
			b.logger.Info("circuit breaker closed after recovery", "breaker", b.name)
		}
	}
	b.state = next
}

func (b *Breaker) recordFailure(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.pruneLocked(now)
	b.failures = append(b.failures, failureRecord{at: now, message: msg})

	next, tripped := nextState(b.state, true, len(b.failures), b.halfOpenSuccesses, b.cfg)
	b.state = next
	if tripped {
		b.nextAttempt = now.Add(b.cfg.OpenDuration)
		b.halfOpenSuccesses = 0
		b.logger.Warn("circuit breaker opened",
			"breaker", b.name,
			"failures_in_window", len(b.failures),
			"retry_at", b.nextAttempt,
		)
		if b.onTrip != nil {
			b.onTrip(b.name)
		}
	}
}

// pruneLocked drops failures older than the monitoring window.
// Caller must hold b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	b.failures = slices.DeleteFunc(b.failures, func(f failureRecord) bool {
		return f.at.Before(cutoff)
	})
}

// State returns the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED and clears all bookkeeping.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = b.failures[:0]
	b.halfOpenSuccesses = 0
	b.nextAttempt = time.Time{}
}

// Status returns a serializable snapshot for the monitoring boundary.
func (b *Breaker) Status() health.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	inWindow := 0
	var lastFailure time.Time
	for _, f := range b.failures {
		if !f.at.Before(cutoff) {
			inWindow++
		}
		if f.at.After(lastFailure) {
			lastFailure = f.at
		}
	}

	st := health.BreakerStatus{
		Name:             b.name,
		State:            string(b.state),
		FailuresInWindow: inWindow,
		SuccessCount:     b.halfOpenSuccesses,
		TotalRequests:    b.totalRequests,
	}
	if !lastFailure.IsZero() {
		t := lastFailure
		st.LastFailureAt = &t
	}
	if b.state == StateOpen {
		t := b.nextAttempt
		st.NextAttemptAt = &t
	}
	return st
}

// BreakerRegistry hands out one shared Breaker per dependency name, created
// lazily on first reference. Construct once at process start and inject.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
	onTrip   func(name string)
}

// NewBreakerRegistry creates a registry applying cfg to every new breaker.
func NewBreakerRegistry(cfg BreakerConfig) (*BreakerRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}, nil
}

// OnTrip registers a hook invoked whenever any breaker trips open.
// Must be called before the first Get.
func (r *BreakerRegistry) OnTrip(fn func(name string)) {
	r.mu.Lock()
	r.onTrip = fn
	r.mu.Unlock()
}

// Get returns the breaker for name, creating it if needed.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b, _ := NewBreaker(name, r.cfg) // cfg validated at construction
	b.onTrip = r.onTrip
	r.breakers[name] = b
	return b
}

// Statuses returns snapshots of all known breakers, sorted by name.
func (r *BreakerRegistry) Statuses() []health.BreakerStatus {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	statuses := make([]health.BreakerStatus, 0, len(breakers))
	for _, b := range breakers {
		statuses = append(statuses, b.Status())
	}
	slices.SortFunc(statuses, func(a, b health.BreakerStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return statuses
}

// ResetAll forces every breaker back to CLOSED.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
