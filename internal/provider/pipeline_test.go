// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package provider_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/kestrel/internal/provider"
	"github.com/kestrel-dev/kestrel/internal/resilience"
	"github.com/kestrel-dev/kestrel/internal/telemetry"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

type fixture struct {
	pipe     *provider.Pipeline
	monitor  *telemetry.Monitor
	breaker  *resilience.Breaker
	limiter  *resilience.RateLimiter
	cache    *resilience.Cache[bool]
	failures []string
}

// newFixture builds a pipeline with millisecond backoff so retying tests
// run fast. mutate tweaks the config before construction.
func newFixture(t *testing.T, mutate func(*provider.PipelineConfig)) *fixture {
	t.Helper()

	breaker, err := resilience.NewBreaker("testprov", resilience.BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenDuration:     time.Minute,
		MonitoringWindow: 2 * time.Minute,
	})
	require.NoError(t, err)

	monReg, err := telemetry.NewMonitorRegistry(telemetry.DefaultMonitorConfig(), nil)
	require.NoError(t, err)
	monitor := monReg.Get("testprov")

	cache, err := resilience.NewCache[bool](10, time.Minute)
	require.NoError(t, err)

	f := &fixture{monitor: monitor, breaker: breaker, cache: cache, limiter: resilience.NewRateLimiter()}

	cfg := provider.PipelineConfig{
		Name:    "testprov",
		Timeout: 200 * time.Millisecond,
		Retry: resilience.RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      time.Millisecond,
			MaxDelay:          4 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		Breaker:    breaker,
		Monitor:    monitor,
		Limiter:    f.limiter,
		Validation: cache,
		OnFailure: func(prov, op string, err error) {
			f.failures = append(f.failures, prov+"/"+op)
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.pipe, err = provider.NewPipeline(cfg)
	require.NoError(t, err)
	return f
}

func transientErr() error {
	return kerrors.New(kerrors.CodeProviderAPIFailure, "bad gateway", kerrors.FieldStatus(502))
}

func authErr() error {
	return kerrors.New(kerrors.CodeProviderAuthUnauthorized, "bad key", kerrors.FieldStatus(401))
}

func TestPipeline_DoSuccess(t *testing.T) {
	f := newFixture(t, nil)

	got, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	m := f.monitor.Metrics()
	assert.Equal(t, 1, m.TotalOperations)
	assert.Equal(t, 1, m.SuccessCount)
	assert.Empty(t, f.failures)
}

func TestPipeline_DoRetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t, nil)

	calls := 0
	got, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", transientErr()
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)

	// Every failed attempt is its own failure sample; the eventual
	// success adds one more on top.
	m := f.monitor.Metrics()
	assert.Equal(t, 2, m.TotalOperations)
	assert.Equal(t, 1, m.SuccessCount)
	assert.Equal(t, 1, m.FailureCount)
	assert.Empty(t, f.failures, "a call that eventually succeeds is not a terminal failure")
}

func TestPipeline_DoNonRetryableFailsOnce(t *testing.T) {
	f := newFixture(t, nil)

	calls := 0
	_, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
		calls++
		return "", authErr()
	})
	require.Error(t, err)
	assert.True(t, kerrors.IsAuth(err))
	assert.Equal(t, 1, calls, "auth failures must not be retried")

	m := f.monitor.Metrics()
	assert.Equal(t, 1, m.FailureCount)
	assert.Equal(t, []string{"testprov/sendMessage"}, f.failures)
}

func TestPipeline_DoExhaustsRetries(t *testing.T) {
	f := newFixture(t, nil)

	calls := 0
	_, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
		calls++
		return "", transientErr()
	})
	require.Error(t, err)
	assert.True(t, kerrors.IsRetryExhausted(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, kerrors.AttemptsOf(err))

	// One failure sample per attempt, no extra terminal sample.
	m := f.monitor.Metrics()
	assert.Equal(t, 3, m.FailureCount)
	assert.Zero(t, m.SuccessCount)
	assert.Equal(t, []string{"testprov/sendMessage"}, f.failures, "the failure hook fires once per call, not per attempt")
}

func TestPipeline_DoTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *provider.PipelineConfig) {
		cfg.Timeout = 10 * time.Millisecond
		cfg.Retry.MaxAttempts = 1
	})

	_, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	require.Error(t, err)
	assert.True(t, kerrors.IsRetryExhausted(err))
	assert.EqualValues(t, 1, f.monitor.Metrics().Timeouts)
}

func TestPipeline_BreakerFailsFastWhenOpen(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		_, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
			return "", authErr()
		})
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, f.breaker.State())

	invoked := false
	_, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
		invoked = true
		return "x", nil
	})
	require.Error(t, err)
	assert.True(t, kerrors.IsCircuitOpen(err))
	assert.False(t, invoked)

	// The fail-fast is still a terminal failure: recorded and hooked.
	assert.Equal(t, 4, f.monitor.Metrics().FailureCount)
	assert.Len(t, f.failures, 4)
}

func TestPipeline_RateLimitRejectsBeforeBreaker(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.limiter.Configure("testprov", 1, time.Minute))

	_, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
		return "one", nil
	})
	require.NoError(t, err)

	invoked := false
	_, err = f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
		invoked = true
		return "two", nil
	})
	require.Error(t, err)
	assert.True(t, kerrors.IsRateLimited(err))
	assert.False(t, invoked)

	retryAfter, ok := kerrors.RetryAfterOf(err)
	require.True(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Admission rejections never touch the breaker.
	assert.Equal(t, resilience.StateClosed, f.breaker.State())
	assert.EqualValues(t, 1, f.breaker.Status().TotalRequests)
}

func TestPipeline_DoValidateCachesVerdict(t *testing.T) {
	f := newFixture(t, nil)

	checks := 0
	check := func(context.Context) (bool, error) {
		checks++
		return true, nil
	}

	valid, err := f.pipe.DoValidate(context.Background(), "sk-ant-secret-key", check)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, 1, checks)

	// Second call is served from the cache without touching the network.
	valid, err = f.pipe.DoValidate(context.Background(), "sk-ant-secret-key", check)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, 1, checks)

	m := f.monitor.Metrics()
	assert.Equal(t, 1, m.CacheHits)
	assert.Equal(t, 1, m.CacheMisses)
}

func TestPipeline_DoValidateCachesDefinitiveRejection(t *testing.T) {
	f := newFixture(t, nil)

	checks := 0
	check := func(context.Context) (bool, error) {
		checks++
		return false, nil
	}

	valid, err := f.pipe.DoValidate(context.Background(), "sk-bad", check)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = f.pipe.DoValidate(context.Background(), "sk-bad", check)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, 1, checks, "a definite invalid verdict is cached too")
}

func TestPipeline_DoValidateDoesNotCacheAmbiguousError(t *testing.T) {
	f := newFixture(t, func(cfg *provider.PipelineConfig) {
		cfg.Retry.MaxAttempts = 1
	})

	checks := 0
	check := func(context.Context) (bool, error) {
		checks++
		return false, kerrors.New(kerrors.CodeProviderNetworkFailure, "connection refused")
	}

	_, err := f.pipe.DoValidate(context.Background(), "sk-maybe", check)
	require.Error(t, err)

	_, err = f.pipe.DoValidate(context.Background(), "sk-maybe", check)
	require.Error(t, err)
	assert.Equal(t, 2, checks, "ambiguous outcomes must be re-checked")
}

func TestPipeline_DoStreamDeliversDeltasAndDone(t *testing.T) {
	f := newFixture(t, nil)

	events, err := f.pipe.DoStream(context.Background(), provider.OpStreamMessage, func(context.Context) (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 4)
		ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: "hel"}
		ch <- provider.StreamEvent{Type: provider.EventTextDelta, Text: "lo"}
		ch <- provider.StreamEvent{Type: provider.EventDone, Text: "hello"}
		close(ch)
		return ch, nil
	})
	require.NoError(t, err)

	var got []provider.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, provider.EventTextDelta, got[0].Type)
	assert.Equal(t, provider.EventDone, got[2].Type)
	assert.Equal(t, "hello", got[2].Text)

	// The channel closed, so the sample is recorded.
	m := f.monitor.Metrics()
	assert.Equal(t, 1, m.SuccessCount)
}

func TestPipeline_DoStreamErrorEvent(t *testing.T) {
	f := newFixture(t, nil)

	events, err := f.pipe.DoStream(context.Background(), provider.OpStreamMessage, func(context.Context) (<-chan provider.StreamEvent, error) {
		return nil, authErr()
	})
	require.NoError(t, err, "post-admission failures surface as events, not return values")

	var got []provider.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, provider.EventError, got[0].Type)
	assert.True(t, kerrors.IsAuth(got[0].Err))

	assert.Equal(t, 1, f.monitor.Metrics().FailureCount)
	assert.Equal(t, []string{"testprov/streamMessage"}, f.failures)
}

func TestPipeline_DoStreamCircuitOpen(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, err := f.pipe.Do(context.Background(), provider.OpSendMessage, func(context.Context) (string, error) {
			return "", authErr()
		})
		require.Error(t, err)
	}

	established := false
	events, err := f.pipe.DoStream(context.Background(), provider.OpStreamMessage, func(context.Context) (<-chan provider.StreamEvent, error) {
		established = true
		return nil, authErr()
	})
	require.NoError(t, err)

	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, provider.EventError, ev.Type)
	assert.True(t, kerrors.IsCircuitOpen(ev.Err))
	assert.False(t, established, "no stream may be established while the breaker is open")
}

func TestPipeline_InvalidConfig(t *testing.T) {
	_, err := provider.NewPipeline(provider.PipelineConfig{})
	require.Error(t, err)
	assert.True(t, kerrors.IsInvalidInput(err))
}

func TestValidationCacheKey(t *testing.T) {
	key := provider.ValidationCacheKey("anthropic", "sk-ant-api03-super-secret")
	assert.Equal(t, "validate:anthropic:sk-ant-a", key)
	assert.NotContains(t, key, "super-secret", "full credential must never be a cache key")

	assert.Equal(t, "validate:openai:abc", provider.ValidationCacheKey("openai", "abc"))
}
