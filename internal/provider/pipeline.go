// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrel-dev/kestrel/internal/resilience"
	"github.com/kestrel-dev/kestrel/internal/telemetry"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// streamBuffer sizes pipeline event channels so slow consumers don't stall
// the upstream read loop immediately.
const streamBuffer = 100

// OpSendMessage and friends name the operations the monitor groups by.
const (
	OpSendMessage   = "sendMessage"
	OpStreamMessage = "streamMessage"
	OpValidateKey   = "validateKey"
)

// FailureHook is invoked after a call fails terminally, once per call.
type FailureHook func(provider, operation string, err error)

// PipelineConfig wires one provider's resilience stack together.
type PipelineConfig struct {
	// Name is the provider name; it doubles as the rate-limit channel.
	Name    string
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker *resilience.Breaker
	Monitor *telemetry.Monitor

	// Limiter is optional; a nil limiter admits everything.
	Limiter *resilience.RateLimiter
	// Validation caches key-validation verdicts; nil disables caching.
	Validation *resilience.Cache[bool]
	// OnFailure is optional; the recovery manager hangs off it.
	OnFailure FailureHook
	Logger    *slog.Logger
}

// Pipeline threads every provider call through rate-limit admission, the
// circuit breaker, the retry executor, and the timeout guard, in that order,
// recording the outcome into the performance monitor.
type Pipeline struct {
	name       string
	timeout    time.Duration
	retry      resilience.RetryConfig
	breaker    *resilience.Breaker
	limiter    *resilience.RateLimiter
	monitor    *telemetry.Monitor
	validation *resilience.Cache[bool]
	onFailure  FailureHook
	logger     *slog.Logger
}

// NewPipeline validates cfg and builds a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case cfg.Name == "":
		return nil, kerrors.New(kerrors.CodeResilienceConfigInvalid, "pipeline name must not be empty")
	case cfg.Timeout <= 0:
		return nil, kerrors.New(kerrors.CodeResilienceConfigInvalid, "pipeline timeout must be positive")
	case cfg.Breaker == nil:
		return nil, kerrors.New(kerrors.CodeResilienceConfigInvalid, "pipeline requires a breaker")
	case cfg.Monitor == nil:
		return nil, kerrors.New(kerrors.CodeResilienceConfigInvalid, "pipeline requires a monitor")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		name:       cfg.Name,
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
		breaker:    cfg.Breaker,
		limiter:    cfg.Limiter,
		monitor:    cfg.Monitor,
		validation: cfg.Validation,
		onFailure:  cfg.OnFailure,
		logger:     logger.With("provider", cfg.Name),
	}, nil
}

// Do runs one request/response call through the full stack. Each failed
// attempt lands in the monitor as its own failure sample; a call that
// eventually succeeds adds one success sample on top.
func (p *Pipeline) Do(ctx context.Context, operation string, fn func(context.Context) (string, error)) (string, error) {
	start := time.Now()

	if err := p.admit(); err != nil {
		p.record(operation, time.Since(start), nil, 0, err)
		return "", err
	}

	out, attempts, err := guard(ctx, p, operation, fn)
	if err != nil {
		if kerrors.IsCircuitOpen(err) {
			// Fail-fast: no attempt ran, so nothing was recorded yet.
			p.record(operation, time.Since(start), nil, 0, err)
		}
		p.fail(operation, err)
		return "", err
	}

	p.record(operation, time.Since(start), nil, attempts-1, nil)
	return out, nil
}

// DoStream runs a streaming call. Admission rejections surface synchronously;
// every later failure arrives as an error event on the returned channel so
// consumers have a single code path. The whole stream, establishment through
// the terminal event, runs under the pipeline timeout. A stream that has
// already delivered deltas is never retried: the consumer has seen partial
// output, so a terminal error event is the only honest signal.
func (p *Pipeline) DoStream(ctx context.Context, operation string, fn func(context.Context) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
	start := time.Now()

	if err := p.admit(); err != nil {
		p.record(operation, time.Since(start), nil, 0, err)
		return nil, err
	}

	out := make(chan StreamEvent, streamBuffer)
	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		emittedTerminal := false
		err := p.breaker.Execute(ctx, func(ctx context.Context) error {
			inner, err := fn(ctx)
			if err != nil {
				return err
			}
			for ev := range inner {
				select {
				case out <- ev:
				case <-ctx.Done():
					return p.streamCtxErr(ctx)
				}
				switch ev.Type {
				case EventError:
					emittedTerminal = true
					return ev.Err
				case EventDone:
					emittedTerminal = true
					return nil
				}
			}
			return kerrors.New(kerrors.CodeProviderStreamFailure,
				"stream ended without completion", kerrors.FieldProvider(p.name))
		})

		if err != nil {
			if kerrors.IsTimeout(err) {
				p.monitor.RecordTimeout()
			}
			p.record(operation, time.Since(start), nil, 0, err)
			p.fail(operation, err)
			if !emittedTerminal {
				out <- StreamEvent{Type: EventError, Err: err}
			}
			return
		}
		p.record(operation, time.Since(start), nil, 0, nil)
	}()

	return out, nil
}

// DoValidate runs a key check with verdict caching. Definite verdicts, valid
// or invalid, are cached under a fingerprint of the credential; ambiguous
// errors are returned uncached so the next call re-checks.
func (p *Pipeline) DoValidate(ctx context.Context, credential string, check func(context.Context) (bool, error)) (bool, error) {
	start := time.Now()
	cacheKey := ValidationCacheKey(p.name, credential)

	if p.validation != nil {
		if valid, ok := p.validation.Get(cacheKey); ok {
			hit := true
			p.record(OpValidateKey, time.Since(start), &hit, 0, nil)
			return valid, nil
		}
	}

	miss := false
	if err := p.admit(); err != nil {
		p.record(OpValidateKey, time.Since(start), &miss, 0, err)
		return false, err
	}

	valid, attempts, err := guard(ctx, p, OpValidateKey, check)
	if err != nil {
		if kerrors.IsCircuitOpen(err) {
			p.record(OpValidateKey, time.Since(start), &miss, 0, err)
		}
		p.fail(OpValidateKey, err)
		return false, err
	}

	if p.validation != nil {
		p.validation.Set(cacheKey, valid)
	}
	p.record(OpValidateKey, time.Since(start), &miss, attempts-1, nil)
	return valid, nil
}

// ValidationCacheKey fingerprints a credential for verdict caching. Only a
// short prefix goes into the key so the full secret never sits in the cache.
func ValidationCacheKey(name, credential string) string {
	prefix := credential
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "validate:" + name + ":" + prefix
}

func (p *Pipeline) admit() error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Allow(p.name)
}

func (p *Pipeline) record(operation string, d time.Duration, cacheHit *bool, retries int, err error) {
	if retries < 0 {
		retries = 0
	}
	sample := telemetry.Sample{
		Operation:  operation,
		Provider:   p.name,
		Duration:   d,
		Success:    err == nil,
		CacheHit:   cacheHit,
		RetryCount: retries,
	}
	if err != nil {
		sample.Err = err.Error()
	}
	p.monitor.Record(sample)
}

func (p *Pipeline) fail(operation string, err error) {
	p.logger.Warn("call failed terminally",
		"operation", operation,
		"code", string(kerrors.CodeOf(err)),
		"error", err)
	if p.onFailure != nil {
		p.onFailure(p.name, operation, err)
	}
}

func (p *Pipeline) streamCtxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return kerrors.Wrap(ctx.Err(), kerrors.CodeResilienceTimeout,
			"stream timed out", kerrors.FieldProvider(p.name))
	}
	return ctx.Err()
}

// guard wraps fn in breaker, retry, and timeout, recording every failed
// attempt into the monitor as it happens. Returns the number of attempts
// made; zero means the breaker failed fast. Free function because methods
// cannot be generic.
func guard[T any](ctx context.Context, p *Pipeline, operation string, fn func(context.Context) (T, error)) (T, int, error) {
	var out T
	attempts := 0
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := resilience.WithRetry(ctx, p.retry, p.logger, func(ctx context.Context) (T, error) {
			attempts++
			attemptStart := time.Now()
			v, err := resilience.WithTimeout(ctx, p.timeout, operation+" timed out", fn)
			if err != nil {
				if kerrors.IsTimeout(err) {
					p.monitor.RecordTimeout()
				}
				p.record(operation, time.Since(attemptStart), nil, attempts-1, err)
			}
			return v, err
		})
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}
