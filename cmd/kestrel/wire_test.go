// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/kestrel/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireGateway_RegistersConfiguredProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {APIKey: "sk-ant-test"},
		"openai":    {APIKey: "sk-test"},
	}

	gw, err := WireGateway(cfg, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"anthropic", "openai"}, gw.Providers.Names())
	assert.NotNil(t, gw.Server)
	assert.NotNil(t, gw.Recovery)
}

func TestWireGateway_RateLimitChannels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {
			APIKey:    "sk-ant-test",
			RateLimit: config.RateLimitConfig{MaxRequests: 2, Window: time.Minute},
		},
	}

	gw, err := WireGateway(cfg, discardLogger())
	require.NoError(t, err)

	require.NoError(t, gw.Limiter.Allow("anthropic"))
	require.NoError(t, gw.Limiter.Allow("anthropic"))
	assert.Error(t, gw.Limiter.Allow("anthropic"), "third request within the window is rejected")
}

func TestWireGateway_BreakerTripFeedsMonitor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "sk-test"},
	}

	gw, err := WireGateway(cfg, discardLogger())
	require.NoError(t, err)

	// Trip the breaker; the on-trip hook bumps the monitor under the same name.
	b := gw.Breakers.Get("openai")
	for i := 0; i < cfg.Resilience.Breaker.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error {
			return errors.New("upstream down")
		})
	}
	assert.Equal(t, int64(1), gw.Monitors.Get("openai").Metrics().BreakerTrips)
}

func TestWireGateway_ValidationCacheRegistered(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {APIKey: "sk-ant-test"},
	}

	gw, err := WireGateway(cfg, discardLogger())
	require.NoError(t, err)

	sizes := gw.Caches.Sizes()
	assert.Contains(t, sizes, "validation")
}

func TestWireGateway_UnknownProviderRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{
		"mistral": {APIKey: "k"},
	}

	_, err := WireGateway(cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}
