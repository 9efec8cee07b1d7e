// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-dev/kestrel/internal/config"
	"github.com/kestrel-dev/kestrel/internal/provider"
	anthropicprov "github.com/kestrel-dev/kestrel/internal/provider/anthropic"
	googleprov "github.com/kestrel-dev/kestrel/internal/provider/google"
	openaiprov "github.com/kestrel-dev/kestrel/internal/provider/openai"
	"github.com/kestrel-dev/kestrel/internal/recovery"
	"github.com/kestrel-dev/kestrel/internal/resilience"
	"github.com/kestrel-dev/kestrel/internal/server"
	"github.com/kestrel-dev/kestrel/internal/telemetry"
	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// Gateway holds all wired subsystems and manages their lifecycle.
type Gateway struct {
	Server    *server.Server
	Providers *provider.Registry
	Breakers  *resilience.BreakerRegistry
	Caches    *resilience.CacheRegistry
	Monitors  *telemetry.MonitorRegistry
	Limiter   *resilience.RateLimiter
	Recovery  *recovery.Manager
	Logger    *slog.Logger
}

// WireGateway creates all subsystems and wires them together: one shared
// rate limiter and recovery manager, per-provider breakers, monitors, and
// pipelines, and the control-plane HTTP server on top.
func WireGateway(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	promReg := prometheus.NewRegistry()

	monitors, err := telemetry.NewMonitorRegistry(telemetry.MonitorConfig{
		MaxDataPoints:          cfg.Monitor.MaxDataPoints,
		SlowOperationThreshold: cfg.Monitor.SlowOperationThreshold,
		HighErrorRateThreshold: cfg.Monitor.HighErrorRateThreshold,
	}, promReg)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.CodeCLISetupFailure, "creating monitor registry")
	}

	breakers, err := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Resilience.Breaker.SuccessThreshold,
		OpenDuration:     cfg.Resilience.Breaker.OpenDuration,
		MonitoringWindow: cfg.Resilience.Breaker.MonitoringWindow,
	})
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.CodeCLISetupFailure, "creating breaker registry")
	}
	breakers.OnTrip(func(name string) {
		monitors.Get(name).RecordBreakerTrip()
	})

	limiter := resilience.NewRateLimiter()
	for name, pc := range cfg.Providers {
		if pc.RateLimit.MaxRequests > 0 {
			if err := limiter.Configure(name, pc.RateLimit.MaxRequests, pc.RateLimit.Window); err != nil {
				return nil, kerrors.Wrap(err, kerrors.CodeCLISetupFailure, "configuring rate limit",
					kerrors.FieldProvider(name))
			}
		}
	}

	validation, err := resilience.NewCache[bool](cfg.Resilience.Cache.MaxSize, cfg.Resilience.Cache.ValidationTTL)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.CodeCLISetupFailure, "creating validation cache")
	}
	caches := resilience.NewCacheRegistry()
	caches.Register("validation", validation)

	mgr := recovery.NewManager(logger)

	retryCfg := resilience.RetryConfig{
		MaxAttempts:       cfg.Resilience.Retry.MaxAttempts,
		InitialDelay:      cfg.Resilience.Retry.InitialDelay,
		MaxDelay:          cfg.Resilience.Retry.MaxDelay,
		BackoffMultiplier: cfg.Resilience.Retry.BackoffMultiplier,
	}

	provReg := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		pipe, err := provider.NewPipeline(provider.PipelineConfig{
			Name:       name,
			Timeout:    cfg.ProviderTimeout(name),
			Retry:      retryCfg,
			Breaker:    breakers.Get(name),
			Monitor:    monitors.Get(name),
			Limiter:    limiter,
			Validation: validation,
			OnFailure:  mgr.RecordFailure,
			Logger:     logger,
		})
		if err != nil {
			return nil, kerrors.Wrap(err, kerrors.CodeCLISetupFailure, "building pipeline",
				kerrors.FieldProvider(name))
		}

		p, err := buildProvider(name, pc, pipe)
		if err != nil {
			return nil, err
		}
		provReg.Register(p)
	}

	srv, err := server.New(server.Config{ListenAddr: cfg.Server.Listen}, server.Deps{
		Breakers:  breakers,
		Caches:    caches,
		Monitors:  monitors,
		Recovery:  mgr,
		Providers: provReg,
		Gatherer:  promReg,
		Logger:    logger,
	})
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.CodeCLISetupFailure, "creating server")
	}

	return &Gateway{
		Server:    srv,
		Providers: provReg,
		Breakers:  breakers,
		Caches:    caches,
		Monitors:  monitors,
		Limiter:   limiter,
		Recovery:  mgr,
		Logger:    logger,
	}, nil
}

func buildProvider(name string, pc config.ProviderConfig, pipe *provider.Pipeline) (provider.Provider, error) {
	switch name {
	case provider.NameAnthropic:
		return anthropicprov.New(anthropicprov.Config{
			APIKey:     pc.APIKey,
			OAuthToken: pc.AuthToken,
			BaseURL:    pc.BaseURL,
			Model:      pc.Model,
			MaxTokens:  pc.MaxTokens,
		}, pipe)
	case provider.NameOpenAI:
		return openaiprov.New(openaiprov.Config{
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
		}, pipe)
	case provider.NameGoogle:
		return googleprov.New(googleprov.Config{
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
		}, pipe)
	default:
		return nil, kerrors.Errorf(kerrors.CodeCLISetupFailure, "unknown provider %q", name)
	}
}
