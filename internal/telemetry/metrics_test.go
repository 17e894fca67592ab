// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall("openai", "initial", true, 120, time.Second)
	m.ObserveCall("openai", "initial", false, 0, time.Second)
	m.ObserveCall("openai", "initial", true, 30, time.Second)

	if got := testutil.ToFloat64(m.modelCalls.WithLabelValues("openai", "initial", "success")); got != 2 {
		t.Errorf("success calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.modelCalls.WithLabelValues("openai", "initial", "failed")); got != 1 {
		t.Errorf("failed calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.modelTokens.WithLabelValues("openai")); got != 150 {
		t.Errorf("tokens = %v, want 150", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCall("x", "y", true, 1, time.Millisecond)
	m.ObserveRun("solo", "complete")
	m.ObservePhase("initial", time.Second)
	m.ObserveFactCheck("verified")
	m.ObserveTask("complete")
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveRun("supernova", "complete")
	m.ObserveFactCheck("unavailable")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`fusion_runs_total{mode="supernova",status="complete"} 1`,
		`fusion_factcheck_total{outcome="unavailable"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
