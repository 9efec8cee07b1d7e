// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-dev/kestrel/internal/recovery"
	"github.com/kestrel-dev/kestrel/internal/telemetry"
	"github.com/kestrel-dev/kestrel/pkg/health"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/v1/providers",
		Summary:     "List configured providers",
		Tags:        []string{"providers"},
	}, s.handleProviders)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/v1/breakers",
		Summary:     "Circuit breaker status",
		Tags:        []string{"resilience"},
	}, s.handleBreakers)

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-breakers",
		Method:      http.MethodPost,
		Path:        "/v1/breakers/reset",
		Summary:     "Reset all circuit breakers",
		Tags:        []string{"resilience"},
	}, s.handleBreakersReset)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/v1/metrics",
		Summary:     "Performance metrics per provider",
		Tags:        []string{"metrics"},
	}, s.handleMetrics)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-metrics-by-operation",
		Method:      http.MethodGet,
		Path:        "/v1/metrics/operations",
		Summary:     "Performance metrics per provider and operation",
		Tags:        []string{"metrics"},
	}, s.handleMetricsByOperation)

	huma.Register(s.api, huma.Operation{
		OperationID: "clear-caches",
		Method:      http.MethodPost,
		Path:        "/v1/caches/clear",
		Summary:     "Flush all caches",
		Tags:        []string{"resilience"},
	}, s.handleCachesClear)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-last-failure",
		Method:      http.MethodGet,
		Path:        "/v1/recovery/last",
		Summary:     "Last stored terminal failure",
		Tags:        []string{"recovery"},
	}, s.handleRecoveryLast)

	huma.Register(s.api, huma.Operation{
		OperationID:   "clear-last-failure",
		Method:        http.MethodDelete,
		Path:          "/v1/recovery/last",
		Summary:       "Drop the stored terminal failure",
		Tags:          []string{"recovery"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleRecoveryClear)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-failure-history",
		Method:      http.MethodGet,
		Path:        "/v1/recovery/history",
		Summary:     "Recent terminal failures",
		Tags:        []string{"recovery"},
	}, s.handleRecoveryHistory)

	// Prometheus exposition bypasses huma: the text format is not JSON.
	if s.deps.Gatherer != nil {
		s.router.Get("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// --- Request/Response types for huma ---

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok" doc:"Gateway status"`
	}
}

type providerInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

type listProvidersOutput struct {
	Body struct {
		Providers []providerInfo `json:"providers"`
	}
}

type listBreakersOutput struct {
	Body struct {
		Breakers []health.BreakerStatus `json:"breakers"`
	}
}

type resetBreakersOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

type metricsOutput struct {
	Body map[string]telemetry.Metrics
}

type metricsByOperationOutput struct {
	Body map[string]map[string]telemetry.OperationMetrics
}

type clearCachesOutput struct {
	Body struct {
		Status  string         `json:"status"`
		Evicted map[string]int `json:"evicted"`
	}
}

type recoveryLastOutput struct {
	Body recovery.FailedOperation
}

type recoveryHistoryOutput struct {
	Body struct {
		History []recovery.FailedOperation `json:"history"`
	}
}

// --- Handlers ---

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*healthOutput, error) {
	out := &healthOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func (s *Server) handleProviders(_ context.Context, _ *struct{}) (*listProvidersOutput, error) {
	names := s.deps.Providers.Names()
	infos := make([]providerInfo, 0, len(names))
	for _, name := range names {
		p, err := s.deps.Providers.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, providerInfo{Name: p.Name(), Model: p.Model()})
	}
	out := &listProvidersOutput{}
	out.Body.Providers = infos
	return out, nil
}

func (s *Server) handleBreakers(_ context.Context, _ *struct{}) (*listBreakersOutput, error) {
	out := &listBreakersOutput{}
	out.Body.Breakers = s.deps.Breakers.Statuses()
	return out, nil
}

func (s *Server) handleBreakersReset(_ context.Context, _ *struct{}) (*resetBreakersOutput, error) {
	s.deps.Breakers.ResetAll()
	s.logger.Info("all circuit breakers reset")
	out := &resetBreakersOutput{}
	out.Body.Status = "reset"
	return out, nil
}

func (s *Server) handleMetrics(_ context.Context, _ *struct{}) (*metricsOutput, error) {
	return &metricsOutput{Body: s.deps.Monitors.Exports()}, nil
}

func (s *Server) handleMetricsByOperation(_ context.Context, _ *struct{}) (*metricsByOperationOutput, error) {
	return &metricsByOperationOutput{Body: s.deps.Monitors.ExportsByOperation()}, nil
}

func (s *Server) handleCachesClear(_ context.Context, _ *struct{}) (*clearCachesOutput, error) {
	sizes := s.deps.Caches.Sizes()
	s.deps.Caches.ClearAll()
	s.logger.Info("all caches cleared")
	out := &clearCachesOutput{}
	out.Body.Status = "cleared"
	out.Body.Evicted = sizes
	return out, nil
}

func (s *Server) handleRecoveryLast(_ context.Context, _ *struct{}) (*recoveryLastOutput, error) {
	rec, ok := s.deps.Recovery.LastFailed()
	if !ok {
		return nil, huma.Error404NotFound("no failed operation stored")
	}
	return &recoveryLastOutput{Body: rec}, nil
}

func (s *Server) handleRecoveryClear(_ context.Context, _ *struct{}) (*struct{}, error) {
	s.deps.Recovery.ClearLastFailed()
	return nil, nil
}

func (s *Server) handleRecoveryHistory(_ context.Context, _ *struct{}) (*recoveryHistoryOutput, error) {
	out := &recoveryHistoryOutput{}
	out.Body.History = s.deps.Recovery.History()
	return out, nil
}
