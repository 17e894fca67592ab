// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fusion/internal/config"
	"github.com/jeranaias/fusion/internal/fusion"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/storage"
	"github.com/jeranaias/fusion/internal/telemetry"
)

// =============================================================================
// HELPERS
// =============================================================================

type stubService struct {
	resp  *model.FusionResponse
	err   error
	token string
	req   model.FusionRequest
}

func (s *stubService) Handle(ctx context.Context, token string, req model.FusionRequest) (*model.FusionResponse, error) {
	s.token = token
	s.req = req
	return s.resp, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func testConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.RateLimitRPS = 0
	return cfg
}

func okResponse() *model.FusionResponse {
	return &model.FusionResponse{
		RunID:        "run-1",
		Mode:         model.ModeFusion,
		Fusion:       "Paris",
		RawResponses: []model.ModelResult{},
		Phases:       model.NewPhases(),
		Exchanges:    []model.Exchange{},
		TokenUsage:   model.TokenUsage{Total: 30, FactCheck: 5},
		Citations:    []model.Citation{},
	}
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

// =============================================================================
// FUSION ENDPOINT TESTS
// =============================================================================

func TestHandleFusion_OK(t *testing.T) {
	svc := &stubService{resp: okResponse()}
	h := NewServer(testConfig(), svc).Handler()

	rec := do(t, h, http.MethodPost, "/v1/fusion",
		`{"prompt":"capital of France?","model_slugs":["gpt-4o"],"fusion_mode":"solo","skip_save":true}`, "fsn_abc")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "fsn_abc", svc.token)
	assert.Equal(t, model.ModeSolo, svc.req.Mode)
	assert.True(t, svc.req.SkipSave)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Paris", resp["fusion"])
	assert.Equal(t, "run-1", resp["run_id"])
	phases := resp["phases"].(map[string]any)
	assert.Contains(t, phases, "crossAnalysis")
	assert.Equal(t, map[string]any{"total": float64(30), "fact_check": float64(5)}, resp["token_usage"])
}

func TestHandleFusion_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", fmt.Errorf("%w: %w", fusion.ErrInvalidRequest, model.ErrEmptyPrompt), http.StatusBadRequest, "invalid_request"},
		{"unauthenticated", storage.ErrUnauthenticatedSave, http.StatusUnauthorized, "unauthenticated_save"},
		{"persist", &storage.PersistError{Step: "messages", Err: errors.New("disk full")}, http.StatusInternalServerError, "persist_failed"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(testConfig(), &stubService{err: tt.err}).Handler()
			rec := do(t, h, http.MethodPost, "/v1/fusion", `{"prompt":"hi"}`, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestHandleFusion_PersistErrorContext(t *testing.T) {
	svc := &stubService{err: &storage.PersistError{Step: "synthesis", Err: errors.New("locked")}}
	rec := do(t, NewServer(testConfig(), svc).Handler(), http.MethodPost, "/v1/fusion", `{"prompt":"hi"}`, "")
	e := decodeError(t, rec)
	assert.Equal(t, "server_error", e.Type)
	assert.Equal(t, "synthesis", e.Context["step"])
	assert.NotContains(t, e.Message, "locked")
}

func TestHandleFusion_BadBody(t *testing.T) {
	h := NewServer(testConfig(), &stubService{resp: okResponse()}).Handler()

	rec := do(t, h, http.MethodPost, "/v1/fusion", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decodeError(t, rec).Code)

	cfg := testConfig()
	cfg.MaxBodyBytes = 16
	h = NewServer(cfg, &stubService{resp: okResponse()}).Handler()
	rec = do(t, h, http.MethodPost, "/v1/fusion", `{"prompt":"`+strings.Repeat("x", 64)+`"}`, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "body_too_large", decodeError(t, rec).Code)
}

func TestHandleFusion_MethodNotAllowed(t *testing.T) {
	h := NewServer(testConfig(), &stubService{}).Handler()
	rec := do(t, h, http.MethodGet, "/v1/fusion", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/fusion status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

// =============================================================================
// RUNS ENDPOINT TESTS
// =============================================================================

func TestHandleGetRun(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	owner, ownerToken, err := store.CreateUser(ctx, "owner")
	require.NoError(t, err)
	_, otherToken, err := store.CreateUser(ctx, "other")
	require.NoError(t, err)

	run := &model.Run{UserID: owner.ID, Prompt: "hello", MasterModel: "gpt-4o", Mode: model.ModeSolo}
	require.NoError(t, storage.BeginRun(ctx, store, run, ""))
	phases := model.NewPhases()
	phases.Initial = []model.ModelResult{model.Success("gpt-4o", model.PhaseInitial, "hi there", 7)}
	require.NoError(t, storage.FinishRun(ctx, store, run, storage.Outcome{Phases: phases, Answer: "hi there"}))

	h := NewServer(testConfig(), &stubService{}).WithRuns(store).Handler()
	path := "/v1/runs/" + run.ID

	rec := do(t, h, http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_token", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodGet, path, "", "fsn_bogus")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodGet, path, "", otherToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "run_not_found", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodGet, "/v1/runs/missing", "", ownerToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, path, "", ownerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail storage.RunDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, run.ID, detail.Run.ID)
	assert.Len(t, detail.Phases.Initial, 1)
	assert.Len(t, detail.Messages, 2)
}

func TestHandleGetRun_NoStorage(t *testing.T) {
	rec := do(t, NewServer(testConfig(), &stubService{}).Handler(), http.MethodGet, "/v1/runs/x", "", "tok")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "storage_disabled", decodeError(t, rec).Code)
}

// =============================================================================
// INFO ENDPOINT TESTS
// =============================================================================

func TestHandleModels(t *testing.T) {
	h := NewServer(testConfig(), &stubService{}).WithRegistry(router.NewRegistry()).Handler()
	rec := do(t, h, http.MethodGet, "/v1/models", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)

	found := false
	for _, m := range resp.Data {
		if m.ID == "gpt-4o" {
			found = true
			assert.Equal(t, "text", m.Kind)
			assert.True(t, m.OpenRouter)
		}
	}
	assert.True(t, found, "gpt-4o should be listed")
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name    string
		pinger  Pinger
		status  string
		storage string
	}{
		{"no storage", nil, "ok", "not_configured"},
		{"healthy", stubPinger{}, "ok", "ok"},
		{"down", stubPinger{err: errors.New("closed")}, "degraded", "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(testConfig(), &stubService{})
			if tt.pinger != nil {
				srv.WithHealth(tt.pinger)
			}
			rec := do(t, srv.Handler(), http.MethodGet, "/health", "", "")
			var health HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
			assert.Equal(t, tt.status, health.Status)
			assert.Equal(t, tt.storage, health.Storage)
			assert.Equal(t, Version, health.Version)
		})
	}
}

func TestHandleStats(t *testing.T) {
	svc := &stubService{resp: okResponse()}
	srv := NewServer(testConfig(), svc)
	h := srv.Handler()

	do(t, h, http.MethodPost, "/v1/fusion", `{"prompt":"a"}`, "")
	svc.resp, svc.err = nil, storage.ErrUnauthenticatedSave
	do(t, h, http.MethodPost, "/v1/fusion", `{"prompt":"b","fusion_mode":"supernova"}`, "")

	rec := do(t, h, http.MethodGet, "/stats", "", "")
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(30), stats.TotalTokens)
	assert.Equal(t, int64(5), stats.FactTokens)
	assert.Equal(t, int64(1), stats.ByMode["fusion"])
	assert.Equal(t, int64(1), stats.ByMode["supernova"])
}

func TestHandleMetrics(t *testing.T) {
	h := NewServer(testConfig(), &stubService{resp: okResponse()}).WithMetrics(telemetry.New()).Handler()
	do(t, h, http.MethodGet, "/health", "", "")

	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fusion_http_requests_total{code="200",method="GET",route="GET /health"} 1`)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, &stubService{resp: okResponse()})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx), "Shutdown before Start is a no-op")
}

func TestServer_ServeListener(t *testing.T) {
	srv := NewServer(testConfig(), &stubService{resp: okResponse()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh, "Serve returns nil after Shutdown")
}

// =============================================================================
// SERVER STATS TESTS
// =============================================================================

func TestServerStats_GetStatsCopies(t *testing.T) {
	stats := NewServerStats()
	stats.RecordRun(model.ModeFusion, okResponse())

	snapshot := stats.GetStats()
	snapshot.ByMode["fusion"] = 99

	if got := stats.GetStats().ByMode["fusion"]; got != 1 {
		t.Errorf("ByMode[fusion] = %d, want 1", got)
	}
	if stats.Uptime() < 0 {
		t.Error("Uptime should not be negative")
	}
}
