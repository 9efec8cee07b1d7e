// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Kestrel Contributors

// Package server exposes the gateway's monitoring and control plane over
// HTTP: breaker state, metrics snapshots, cache flushing, and failure
// replay bookkeeping.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-dev/kestrel/internal/provider"
	"github.com/kestrel-dev/kestrel/internal/recovery"
	"github.com/kestrel-dev/kestrel/internal/resilience"
	"github.com/kestrel-dev/kestrel/internal/telemetry"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps carries the registries the control plane reads from and acts on.
// Every field except Gatherer and Logger is required.
type Deps struct {
	Breakers  *resilience.BreakerRegistry
	Caches    *resilience.CacheRegistry
	Monitors  *telemetry.MonitorRegistry
	Recovery  *recovery.Manager
	Providers *provider.Registry
	// Gatherer serves the Prometheus exposition endpoint; nil disables it.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server wraps a chi router with huma API and the HTTP server lifecycle.
type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Server with chi router, huma API, CORS, and all
// control-plane routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if deps.Breakers == nil || deps.Caches == nil || deps.Monitors == nil || deps.Recovery == nil || deps.Providers == nil {
		return nil, fmt.Errorf("breaker, cache, monitor, recovery, and provider registries are required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	// Huma API with OpenAPI spec
	humaConfig := huma.DefaultConfig("Kestrel Gateway", "0.1.0")
	humaConfig.Info.Description = "Resilience and dispatch gateway control plane"
	api := humachi.New(r, humaConfig)

	srv := &Server{
		router: r,
		api:    api,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	srv.registerRoutes()

	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.logger.Info("control plane listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
