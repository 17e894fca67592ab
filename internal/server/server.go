// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/fusion/internal/config"
	"github.com/jeranaias/fusion/internal/fusion"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/storage"
	"github.com/jeranaias/fusion/internal/telemetry"
)

// Version is the server version.
const Version = "0.3.0"

// ============================================================================
// DEPENDENCIES
// ============================================================================

// FusionService handles POST /v1/fusion.
type FusionService interface {
	Handle(ctx context.Context, callerToken string, req model.FusionRequest) (*model.FusionResponse, error)
}

// RunReader serves GET /v1/runs/{id}.
type RunReader interface {
	Authenticate(ctx context.Context, token string) (string, error)
	GetRun(ctx context.Context, userID, runID string) (*storage.RunDetail, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks fusion request counters.
type ServerStats struct {
	TotalRequests  int64            `json:"total_requests"`
	FailedRequests int64            `json:"failed_requests"`
	TotalTokens    int64            `json:"total_tokens"`
	FactTokens     int64            `json:"fact_check_tokens"`
	WebVerified    int64            `json:"web_verified"`
	ByMode         map[string]int64 `json:"by_mode"`
	StartTime      time.Time        `json:"start_time"`
	mu             sync.Mutex
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{
		ByMode:    make(map[string]int64),
		StartTime: time.Now(),
	}
}

// RecordRun records one handled fusion request. resp is nil on failure.
func (s *ServerStats) RecordRun(mode model.Mode, resp *model.FusionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalRequests++
	if mode == "" {
		mode = model.ModeFusion
	}
	s.ByMode[string(mode)]++
	if resp == nil {
		s.FailedRequests++
		return
	}
	s.TotalTokens += int64(resp.TokenUsage.Total)
	s.FactTokens += int64(resp.TokenUsage.FactCheck)
	if resp.WebVerified {
		s.WebVerified++
	}
}

// GetStats returns a copy of the current stats.
func (s *ServerStats) GetStats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMode := make(map[string]int64, len(s.ByMode))
	for k, v := range s.ByMode {
		byMode[k] = v
	}
	return ServerStats{
		TotalRequests:  s.TotalRequests,
		FailedRequests: s.FailedRequests,
		TotalTokens:    s.TotalTokens,
		FactTokens:     s.FactTokens,
		WebVerified:    s.WebVerified,
		ByMode:         byMode,
		StartTime:      s.StartTime,
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the fusion HTTP API.
type Server struct {
	cfg    config.ServerConfig
	router *http.ServeMux

	mu     sync.Mutex
	server *http.Server
	closed bool

	service  FusionService
	runs     RunReader
	health   Pinger
	registry *router.Registry
	metrics  *telemetry.Metrics
	stats    *ServerStats
	proxies  *TrustedProxies
	limiter  *RateLimiter
	logger   *zap.Logger
}

// NewServer creates a Server for service.
func NewServer(cfg config.ServerConfig, service FusionService) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.Default().Server.MaxBodyBytes
	}
	proxyList := cfg.TrustedProxies
	if len(proxyList) == 0 {
		proxyList = DefaultTrustedProxies
	}
	proxies, _ := NewTrustedProxies(proxyList)

	s := &Server{
		cfg:     cfg,
		router:  http.NewServeMux(),
		service: service,
		stats:   NewServerStats(),
		proxies: proxies,
		limiter: NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:  zap.NewNop(),
	}
	s.setupRoutes()
	return s
}

// WithRuns enables GET /v1/runs/{id}.
func (s *Server) WithRuns(r RunReader) *Server {
	s.runs = r
	return s
}

// WithHealth sets the storage health check.
func (s *Server) WithHealth(p Pinger) *Server {
	s.health = p
	return s
}

// WithRegistry sets the registry listed by GET /v1/models.
func (s *Server) WithRegistry(r *router.Registry) *Server {
	s.registry = r
	return s
}

// WithMetrics sets the metrics served on /metrics and fed by the access log.
func (s *Server) WithMetrics(m *telemetry.Metrics) *Server {
	s.metrics = m
	return s
}

// WithLogger sets the logger.
func (s *Server) WithLogger(l *zap.Logger) *Server {
	if l != nil {
		s.logger = l
	}
	return s
}

// Stats returns the server counters.
func (s *Server) Stats() *ServerStats {
	return s.stats
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /v1/fusion", s.handleFusion)
	s.router.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.router.HandleFunc("GET /v1/models", s.handleModels)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
	s.router.HandleFunc("GET /metrics", s.handleMetrics)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var observer HTTPObserver
	if s.metrics != nil {
		observer = s.metrics
	}
	return Chain(
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger, observer),
		SecurityHeadersMiddleware(),
		CORSMiddleware(DefaultCORSConfig(s.cfg.CORSOrigins)),
		RateLimitMiddleware(s.limiter, s.proxies),
	)(s.router)
}

// ============================================================================
// FUSION HANDLER
// ============================================================================

// handleFusion handles POST /v1/fusion.
func (s *Server) handleFusion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req model.FusionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, apiError{
				Message: "Request body too large",
				Type:    "invalid_request_error",
				Code:    "body_too_large",
				Context: map[string]any{"max_bytes": tooLarge.Limit},
			})
			return
		}
		s.logger.Debug("invalid_request_body", zap.Error(err))
		writeError(w, http.StatusBadRequest, apiError{
			Message: "Invalid request format",
			Type:    "invalid_request_error",
			Code:    "invalid_json",
		})
		return
	}

	resp, err := s.service.Handle(r.Context(), BearerToken(r), req)
	s.stats.RecordRun(req.Mode, resp)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("fusion_complete",
		zap.String("run_id", resp.RunID),
		zap.String("mode", string(resp.Mode)),
		zap.Int("tokens", resp.TokenUsage.Total),
		zap.Bool("web_verified", resp.WebVerified))
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps service errors to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var persist *storage.PersistError
	switch {
	case errors.Is(err, fusion.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, apiError{
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "invalid_request",
		})
	case errors.Is(err, storage.ErrUnauthenticatedSave):
		writeError(w, http.StatusUnauthorized, apiError{
			Message: "Saving a run requires a valid bearer token. Send skip_save to run without saving.",
			Type:    "authentication_error",
			Code:    "unauthenticated_save",
		})
	case errors.As(err, &persist):
		s.logger.Error("persist_failed", zap.String("step", persist.Step), zap.Error(persist.Err))
		writeError(w, http.StatusInternalServerError, apiError{
			Message: "Failed to save the run",
			Type:    "server_error",
			Code:    "persist_failed",
			Context: map[string]any{"step": persist.Step},
		})
	default:
		s.logger.Error("fusion_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, apiError{
			Message: "Request processing failed. Please try again.",
			Type:    "server_error",
			Code:    "internal_error",
		})
	}
}

// ============================================================================
// RUNS HANDLER
// ============================================================================

// handleGetRun handles GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, apiError{
			Message: "Run storage is not configured",
			Type:    "not_found_error",
			Code:    "storage_disabled",
		})
		return
	}

	token := BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, apiError{
			Message: "Missing bearer token",
			Type:    "authentication_error",
			Code:    "missing_token",
		})
		return
	}
	userID, err := s.runs.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, apiError{
				Message: "Invalid bearer token",
				Type:    "authentication_error",
				Code:    "invalid_token",
			})
			return
		}
		s.writeServiceError(w, err)
		return
	}

	id := r.PathValue("id")
	detail, err := s.runs.GetRun(r.Context(), userID, id)
	if errors.Is(err, storage.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, apiError{
			Message: "Run not found",
			Type:    "not_found_error",
			Code:    "run_not_found",
			Context: map[string]any{"run_id": id},
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ============================================================================
// MODELS HANDLER
// ============================================================================

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Provider   string `json:"provider"`
	Kind       string `json:"kind"`
	Grounding  bool   `json:"grounding"`
	OpenRouter bool   `json:"openrouter"`
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// handleModels handles GET /v1/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{Object: "list", Data: []ModelInfo{}}
	if s.registry != nil {
		for _, m := range s.registry.Models() {
			resp.Data = append(resp.Data, ModelInfo{
				ID:         m.ID,
				Object:     "model",
				Provider:   m.Provider.String(),
				Kind:       m.Kind.String(),
				Grounding:  m.Grounding,
				OpenRouter: m.OpenRouterName != "",
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// HEALTH AND STATS HANDLERS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:        "ok",
		Version:       Version,
		Storage:       "not_configured",
		UptimeSeconds: int64(s.stats.Uptime().Seconds()),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			health.Storage = "unavailable"
			health.Status = "degraded"
		} else {
			health.Storage = "ok"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	ServerStats
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.GetStats()
	writeJSON(w, http.StatusOK, StatsResponse{
		ServerStats:   stats,
		UptimeSeconds: int64(stats.Uptime().Seconds()),
	})
}

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("server_start", zap.String("addr", ln.Addr().String()), zap.String("version", Version))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. A Serve call that has not
// started yet returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("server_shutdown")
	return srv.Shutdown(ctx)
}
