// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package telemetry records per-operation outcomes into rolling windows and
// computes aggregate and percentile statistics for the monitoring boundary.
package telemetry

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// MonitorConfig controls retention and alert thresholds.
type MonitorConfig struct {
	// MaxDataPoints bounds the rolling window; oldest points drop first.
	MaxDataPoints int
	// SlowOperationThreshold marks operations counted as slow.
	SlowOperationThreshold time.Duration
	// HighErrorRateThreshold flags the aggregate snapshot when exceeded.
	HighErrorRateThreshold float64
}

// DefaultMonitorConfig mirrors the gateway's stock monitoring policy.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MaxDataPoints:          1000,
		SlowOperationThreshold: 5 * time.Second,
		HighErrorRateThreshold: 0.1,
	}
}

// Validate checks the config.
func (c MonitorConfig) Validate() error {
	if c.MaxDataPoints <= 0 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"monitor max data points must be positive, got %d", c.MaxDataPoints)
	}
	if c.HighErrorRateThreshold < 0 || c.HighErrorRateThreshold > 1 {
		return kerrors.Errorf(kerrors.CodeResilienceConfigInvalid,
			"monitor high error rate threshold must be within [0,1], got %g", c.HighErrorRateThreshold)
	}
	return nil
}

// Sample is one recorded operation outcome.
type Sample struct {
	Operation  string
	Provider   string
	Duration   time.Duration
	Success    bool
	Err        string
	RetryCount int
	// CacheHit is nil when the operation did not involve a cache lookup.
	CacheHit *bool
}

// dataPoint is the immutable stored form of a Sample.
type dataPoint struct {
	at time.Time
	Sample
}

// Metrics is the aggregate snapshot over the rolling window.
type Metrics struct {
	TotalOperations int           `json:"total_operations"`
	SuccessCount    int           `json:"success_count"`
	FailureCount    int           `json:"failure_count"`
	SuccessRate     float64       `json:"success_rate"`
	ErrorRate       float64       `json:"error_rate"`
	HighErrorRate   bool          `json:"high_error_rate"`
	AvgDuration     time.Duration `json:"avg_duration_ns"`
	P50             time.Duration `json:"p50_ns"`
	P95             time.Duration `json:"p95_ns"`
	P99             time.Duration `json:"p99_ns"`
	SlowOperations  int           `json:"slow_operations"`
	Timeouts        int64         `json:"timeouts"`
	BreakerTrips    int64         `json:"breaker_trips"`

	CacheHits    int     `json:"cache_hits"`
	CacheMisses  int     `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	HasCacheData bool    `json:"has_cache_data"`
}

// OperationMetrics is the per-group breakdown. Groups are keyed by
// "operation" or "operation:provider" when a provider is present.
type OperationMetrics struct {
	Key            string        `json:"key"`
	Count          int           `json:"count"`
	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	ErrorRate      float64       `json:"error_rate"`
	AvgDuration    time.Duration `json:"avg_duration_ns"`
	RecentFailures []string      `json:"recent_failures,omitempty"`
	LastSuccessAt  *time.Time    `json:"last_success_at,omitempty"`
	LastFailureAt  *time.Time    `json:"last_failure_at,omitempty"`
}

// promSet is the shared Prometheus mirror, labeled per monitor so one
// process-wide registration serves every Monitor instance.
type promSet struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	timeouts   *prometheus.CounterVec
	trips      *prometheus.CounterVec
}

func newPromSet(reg prometheus.Registerer) *promSet {
	s := &promSet{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_operations_total",
			Help: "Operations recorded, by monitor, operation, and outcome.",
		}, []string{"monitor", "operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_operation_duration_seconds",
			Help:    "Operation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"monitor", "operation"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_timeouts_total",
			Help: "Timeout guard expirations.",
		}, []string{"monitor"}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_breaker_trips_total",
			Help: "Circuit breaker trips to OPEN.",
		}, []string{"monitor"}),
	}
	reg.MustRegister(s.operations, s.duration, s.timeouts, s.trips)
	return s
}

// Monitor records immutable data points into a bounded FIFO window.
type Monitor struct {
	mu     sync.Mutex
	name   string
	cfg    MonitorConfig
	points []dataPoint

	// Timeout and breaker-trip tallies are monotonic counters independent
	// of the data-point window; trimming never resets them.
	timeouts     int64
	breakerTrips int64

	prom    *promSet
	nowFunc func() time.Time // for testing
}

// newMonitor is internal; monitors are created through a MonitorRegistry.
func newMonitor(name string, cfg MonitorConfig, prom *promSet) *Monitor {
	return &Monitor{
		name:    name,
		cfg:     cfg,
		prom:    prom,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (m *Monitor) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	m.nowFunc = fn
	m.mu.Unlock()
}

// Record appends one data point, dropping the oldest when the window is full.
func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	m.points = append(m.points, dataPoint{at: m.nowFunc(), Sample: s})
	if overflow := len(m.points) - m.cfg.MaxDataPoints; overflow > 0 {
		m.points = slices.Delete(m.points, 0, overflow)
	}
	m.mu.Unlock()

	if m.prom != nil {
		outcome := "success"
		if !s.Success {
			outcome = "failure"
		}
		m.prom.operations.WithLabelValues(m.name, s.Operation, outcome).Inc()
		m.prom.duration.WithLabelValues(m.name, s.Operation).Observe(s.Duration.Seconds())
	}
}

// RecordTimeout bumps the timeout counter.
func (m *Monitor) RecordTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.timeouts.WithLabelValues(m.name).Inc()
	}
}

// RecordBreakerTrip bumps the breaker-trip counter.
func (m *Monitor) RecordBreakerTrip() {
	m.mu.Lock()
	m.breakerTrips++
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.trips.WithLabelValues(m.name).Inc()
	}
}

// Metrics computes the aggregate snapshot over the current window.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		Timeouts:     m.timeouts,
		BreakerTrips: m.breakerTrips,
	}
	n := len(m.points)
	out.TotalOperations = n
	if n == 0 {
		return out
	}

	durations := make([]time.Duration, 0, n)
	var totalDuration time.Duration
	for _, p := range m.points {
		durations = append(durations, p.Duration)
		totalDuration += p.Duration
		if p.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
		if p.Duration > m.cfg.SlowOperationThreshold {
			out.SlowOperations++
		}
		if p.CacheHit != nil {
			out.HasCacheData = true
			if *p.CacheHit {
				out.CacheHits++
			} else {
				out.CacheMisses++
			}
		}
	}

	out.SuccessRate = float64(out.SuccessCount) / float64(n)
	out.ErrorRate = float64(out.FailureCount) / float64(n)
	out.HighErrorRate = out.ErrorRate > m.cfg.HighErrorRateThreshold
	out.AvgDuration = totalDuration / time.Duration(n)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	out.P50 = percentile(durations, 0.50)
	out.P95 = percentile(durations, 0.95)
	out.P99 = percentile(durations, 0.99)

	if lookups := out.CacheHits + out.CacheMisses; lookups > 0 {
		out.CacheHitRate = float64(out.CacheHits) / float64(lookups)
	}

	return out
}

// MetricsByOperation groups points by operation (or "operation:provider")
// and surfaces the five most recent failure messages per group.
func (m *Monitor) MetricsByOperation() map[string]OperationMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	type accum struct {
		om       OperationMetrics
		total    time.Duration
		failures []dataPoint
	}
	groups := make(map[string]*accum)

	for _, p := range m.points {
		key := p.Operation
		if p.Provider != "" {
			key = p.Operation + ":" + p.Provider
		}
		g, ok := groups[key]
		if !ok {
			g = &accum{om: OperationMetrics{Key: key}}
			groups[key] = g
		}

		g.om.Count++
		g.total += p.Duration
		at := p.at
		if p.Success {
			g.om.SuccessCount++
			g.om.LastSuccessAt = &at
		} else {
			g.om.FailureCount++
			g.om.LastFailureAt = &at
			g.failures = append(g.failures, p)
		}
	}

	out := make(map[string]OperationMetrics, len(groups))
	for key, g := range groups {
		g.om.ErrorRate = float64(g.om.FailureCount) / float64(g.om.Count)
		g.om.AvgDuration = g.total / time.Duration(g.om.Count)

		// Points are stored oldest-first; keep the newest five messages.
		start := len(g.failures) - 5
		if start < 0 {
			start = 0
		}
		for _, f := range g.failures[start:] {
			g.om.RecentFailures = append(g.om.RecentFailures, f.Err)
		}
		out[key] = g.om
	}
	return out
}

// percentile applies the nearest-rank method to a sorted duration slice:
// index = ceil(n*p) - 1, clamped to zero.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// MonitorRegistry hands out one shared Monitor per name, created lazily.
// Construct once at process start and inject.
type MonitorRegistry struct {
	mu       sync.Mutex
	cfg      MonitorConfig
	monitors map[string]*Monitor
	prom     *promSet
}

// NewMonitorRegistry creates a registry applying cfg to every new monitor.
// When reg is non-nil the monitors also mirror counters and latency
// histograms to it.
func NewMonitorRegistry(cfg MonitorConfig, reg prometheus.Registerer) (*MonitorRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &MonitorRegistry{
		cfg:      cfg,
		monitors: make(map[string]*Monitor),
	}
	if reg != nil {
		r.prom = newPromSet(reg)
	}
	return r, nil
}

// Get returns the monitor for name, creating it if needed.
func (r *MonitorRegistry) Get(name string) *Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.monitors[name]; ok {
		return m
	}
	m := newMonitor(name, r.cfg, r.prom)
	r.monitors[name] = m
	return m
}

// Exports returns the aggregate snapshot of every known monitor by name.
func (r *MonitorRegistry) Exports() map[string]Metrics {
	r.mu.Lock()
	monitors := make(map[string]*Monitor, len(r.monitors))
	for name, m := range r.monitors {
		monitors[name] = m
	}
	r.mu.Unlock()

	out := make(map[string]Metrics, len(monitors))
	for name, m := range monitors {
		out[name] = m.Metrics()
	}
	return out
}

// ExportsByOperation returns the per-group breakdown of every known monitor
// by name.
func (r *MonitorRegistry) ExportsByOperation() map[string]map[string]OperationMetrics {
	r.mu.Lock()
	monitors := make(map[string]*Monitor, len(r.monitors))
	for name, m := range r.monitors {
		monitors[name] = m
	}
	r.mu.Unlock()

	out := make(map[string]map[string]OperationMetrics, len(monitors))
	for name, m := range monitors {
		out[name] = m.MetricsByOperation()
	}
	return out
}
