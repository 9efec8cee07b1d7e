// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package config loads and validates the gateway configuration from
// defaults, an optional YAML file, and KESTREL_ environment overrides.
package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	kerrors "github.com/kestrel-dev/kestrel/pkg/errors"
)

// Config is the top-level Kestrel configuration.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Resilience ResilienceConfig          `mapstructure:"resilience"`
	Monitor    MonitorConfig             `mapstructure:"monitor"`
	Logging    LoggingConfig             `mapstructure:"logging"`
}

// ServerConfig controls the admin/monitoring HTTP listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// ProviderConfig holds credentials and per-provider overrides. AuthToken is
// the OAuth alternative to APIKey and is only honored by the anthropic
// provider.
type ProviderConfig struct {
	APIKey    string          `mapstructure:"api_key"`
	AuthToken string          `mapstructure:"auth_token"`
	BaseURL   string          `mapstructure:"base_url"`
	Model     string          `mapstructure:"model"`
	MaxTokens int             `mapstructure:"max_tokens"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds a provider's request rate over a sliding window.
// A zero MaxRequests leaves the channel unlimited.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// ResilienceConfig tunes the shared call stack.
type ResilienceConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// RetryConfig tunes the retry executor.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
}

// CacheConfig tunes the bounded caches.
type CacheConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	ValidationTTL time.Duration `mapstructure:"validation_ttl"`
}

// MonitorConfig tunes the performance monitors.
type MonitorConfig struct {
	MaxDataPoints          int           `mapstructure:"max_data_points"`
	SlowOperationThreshold time.Duration `mapstructure:"slow_operation_threshold"`
	HighErrorRateThreshold float64       `mapstructure:"high_error_rate_threshold"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix KESTREL_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("resilience.timeout", 30*time.Second)
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_delay", time.Second)
	v.SetDefault("resilience.retry.max_delay", 30*time.Second)
	v.SetDefault("resilience.retry.backoff_multiplier", 2.0)
	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.success_threshold", 2)
	v.SetDefault("resilience.breaker.open_duration", time.Minute)
	v.SetDefault("resilience.breaker.monitoring_window", 2*time.Minute)
	v.SetDefault("resilience.cache.max_size", 100)
	v.SetDefault("resilience.cache.validation_ttl", 10*time.Minute)
	v.SetDefault("monitor.max_data_points", 1000)
	v.SetDefault("monitor.slow_operation_threshold", 5*time.Second)
	v.SetDefault("monitor.high_error_rate_threshold", 0.1)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Environment
	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, kerrors.Errorf(kerrors.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, kerrors.Errorf(kerrors.CodeConfigLoadReadFailure, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateResilience()...)
	errs = append(errs, c.validateMonitor()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

// KnownProviders are the provider names the gateway can build adapters for.
var KnownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: server.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateProviders() []error {
	var errs []error

	for name, pc := range c.Providers {
		if !KnownProviders[name] {
			errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
				"config: providers.%s is not a known provider (anthropic, openai, google)", name))
			continue
		}

		if pc.APIKey == "" && pc.AuthToken == "" {
			errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
				"config: providers.%s needs api_key or auth_token", name))
		}
		if pc.AuthToken != "" && name != "anthropic" {
			errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
				"config: providers.%s.auth_token is only supported for anthropic", name))
		}
		if pc.Timeout < 0 {
			errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
				"config: providers.%s.timeout must not be negative, got %s", name, pc.Timeout))
		}
		if pc.MaxTokens < 0 {
			errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
				"config: providers.%s.max_tokens must not be negative, got %d", name, pc.MaxTokens))
		}
		if pc.RateLimit.MaxRequests < 0 {
			errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
				"config: providers.%s.rate_limit.max_requests must not be negative, got %d", name, pc.RateLimit.MaxRequests))
		}
		if pc.RateLimit.MaxRequests > 0 && pc.RateLimit.Window <= 0 {
			errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
				"config: providers.%s.rate_limit.window must be positive when max_requests is set", name))
		}
	}

	return errs
}

func (c *Config) validateResilience() []error {
	var errs []error
	r := c.Resilience

	if r.Timeout <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.timeout must be greater than 0, got %s", r.Timeout))
	}
	if r.Retry.MaxAttempts <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.retry.max_attempts must be greater than 0, got %d", r.Retry.MaxAttempts))
	}
	if r.Retry.InitialDelay < 0 || r.Retry.MaxDelay < 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.retry delays must not be negative"))
	}
	if r.Retry.BackoffMultiplier <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.retry.backoff_multiplier must be greater than 0, got %g", r.Retry.BackoffMultiplier))
	}
	if r.Breaker.FailureThreshold <= 0 || r.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.breaker thresholds must be greater than 0"))
	}
	if r.Breaker.OpenDuration <= 0 || r.Breaker.MonitoringWindow <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.breaker durations must be greater than 0"))
	}
	if r.Cache.MaxSize <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.cache.max_size must be greater than 0, got %d", r.Cache.MaxSize))
	}
	if r.Cache.ValidationTTL <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: resilience.cache.validation_ttl must be greater than 0, got %s", r.Cache.ValidationTTL))
	}

	return errs
}

func (c *Config) validateMonitor() []error {
	var errs []error

	if c.Monitor.MaxDataPoints <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: monitor.max_data_points must be greater than 0, got %d", c.Monitor.MaxDataPoints))
	}
	if c.Monitor.SlowOperationThreshold <= 0 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: monitor.slow_operation_threshold must be greater than 0, got %s", c.Monitor.SlowOperationThreshold))
	}
	if c.Monitor.HighErrorRateThreshold <= 0 || c.Monitor.HighErrorRateThreshold > 1 {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: monitor.high_error_rate_threshold must be in (0, 1], got %g", c.Monitor.HighErrorRateThreshold))
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, kerrors.Errorf(kerrors.CodeConfigValidateInvalidValue,
			"config: logging.format must be one of [text, json], got %q", c.Logging.Format))
	}

	return errs
}

// ProviderTimeout returns the effective call timeout for a provider,
// falling back to the shared resilience timeout.
func (c *Config) ProviderTimeout(name string) time.Duration {
	if pc, ok := c.Providers[name]; ok && pc.Timeout > 0 {
		return pc.Timeout
	}
	return c.Resilience.Timeout
}
