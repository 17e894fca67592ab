// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry exposes Prometheus metrics for the fusion service.
//
// Metrics uses its own registry so tests can create independent instances.
// Every method is safe on a nil *Metrics, which lets components treat
// metrics as optional.
//
// # Metrics
//
//   - fusion_runs_total{mode,status}
//   - fusion_model_calls_total{provider,phase,status}
//   - fusion_model_tokens_total{provider}
//   - fusion_model_call_duration_seconds{provider}
//   - fusion_phase_duration_seconds{phase}
//   - fusion_factcheck_total{outcome}
//   - fusion_tasks_total{status}
//   - fusion_http_requests_total{method,route,code}
//   - fusion_http_request_duration_seconds{route}
package telemetry
