// Package server provides the CarbonSight HTTP server: operational probes,
// metrics, and plugin routes mounted under /api/v1/{plugin}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/carbonsight/internal/version"
	"github.com/HerbHall/carbonsight/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PluginSource is the subset of the registry the server needs.
type PluginSource interface {
	AllRoutes() map[string][]plugin.Route
	All() []plugin.Plugin
	Health(ctx context.Context) map[string]plugin.HealthStatus
}

// ReadinessChecker reports why the process cannot serve traffic yet, or nil.
type ReadinessChecker func(ctx context.Context) error

// operationalPaths are exempt from rate limiting and request logging.
var operationalPaths = []string{"/healthz", "/readyz", "/metrics"}

// Server is the CarbonSight HTTP server.
type Server struct {
	http    *http.Server
	plugins PluginSource
	logger  *zap.Logger
	ready   ReadinessChecker
}

// New builds a Server with every route mounted and the middleware chain
// applied. queryPaths lists POST endpoints that stay open when cfg.ReadOnly is set.
func New(cfg Config, plugins PluginSource, logger *zap.Logger, ready ReadinessChecker, queryPaths ...string) *Server {
	s := &Server{plugins: plugins, logger: logger, ready: ready}

	mux := http.NewServeMux()
	for pattern, h := range map[string]http.Handler{
		"GET /healthz":        http.HandlerFunc(s.handleHealthz),
		"GET /readyz":         http.HandlerFunc(s.handleReadyz),
		"GET /metrics":        promhttp.Handler(),
		"GET /api/v1/health":  http.HandlerFunc(s.handleHealth),
		"GET /api/v1/plugins": http.HandlerFunc(s.handlePlugins),
	} {
		mux.Handle(pattern, h)
	}
	for name, routes := range plugins.AllRoutes() {
		for _, rt := range routes {
			pattern := rt.Method + " /api/v1/" + name + rt.Path
			mux.HandleFunc(pattern, rt.Handler)
			logger.Debug("mounted route", zap.String("plugin", name), zap.String("pattern", pattern))
		}
	}

	chain := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, operationalPaths),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
	}
	if cfg.RateLimitRPS > 0 {
		chain = append(chain, RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.TrustProxy, operationalPaths))
	}
	if cfg.ReadOnly {
		chain = append(chain, ReadOnlyMiddleware(queryPaths))
		logger.Info("read-only mode enabled", zap.Strings("query_paths", queryPaths))
	}

	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           Chain(mux, chain...),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("HTTP server error: %w", err)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz is the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz answers 503 while the readiness check fails.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string                         `json:"status" example:"ok"`
	Service string                         `json:"service" example:"carbonsight"`
	Version map[string]string              `json:"version"`
	Plugins map[string]plugin.HealthStatus `json:"plugins"`
}

// PluginResponse describes a registered plugin.
type PluginResponse struct {
	Name        string `json:"name" example:"analytics"`
	Version     string `json:"version" example:"0.1.0"`
	Description string `json:"description" example:"Emissions and usage analytics"`
}

// handleHealth reports build information and per-plugin health. The status
// is "degraded" when any plugin is not healthy.
//
//	@Summary		Health check
//	@Description	Returns service health with version information and per-plugin reports.
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Service: "carbonsight",
		Version: version.Map(),
		Plugins: s.plugins.Health(r.Context()),
	}
	for _, h := range resp.Plugins {
		if h.Status != "healthy" {
			resp.Status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePlugins lists the enabled plugins.
//
//	@Summary		List plugins
//	@Description	Returns all registered plugins with their metadata.
//	@Tags			system
//	@Produce		json
//	@Success		200	{array}	PluginResponse
//	@Router			/plugins [get]
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	all := s.plugins.All()
	out := make([]PluginResponse, len(all))
	for i, p := range all {
		info := p.Info()
		out[i] = PluginResponse{Name: info.Name, Version: info.Version, Description: info.Description}
	}
	writeJSON(w, http.StatusOK, out)
}
