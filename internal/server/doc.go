// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the fusion service over HTTP.
//
// # Endpoints
//
//   - POST /v1/fusion     - Run a fusion request
//   - GET  /v1/runs/{id}  - Fetch a saved run (bearer token required)
//   - GET  /v1/models     - List registered models
//   - GET  /health        - Health check
//   - GET  /stats         - Request counters
//   - GET  /metrics       - Prometheus metrics
//
// # Middleware
//
//   - Panic recovery
//   - Access logging with zap and per-route metrics
//   - Security headers
//   - CORS for configured origins
//   - Token bucket rate limiting per client IP
//
// Errors are returned as {"error": {"message", "type", "code", "context"}}.
//
// # Usage
//
//	srv := server.NewServer(cfg.Server, service).
//		WithRuns(store).
//		WithRegistry(registry).
//		WithMetrics(metrics).
//		WithLogger(logger)
//	if err := srv.Start(); err != nil {
//		logger.Fatal("server_failed", zap.Error(err))
//	}
package server
