// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// =============================================================================
// OPENAI-COMPATIBLE
// =============================================================================

func TestOpenAIClient_Complete(t *testing.T) {
	var got openAIChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "Paris"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("sk-test").WithBaseURL(server.URL)
	resp, err := client.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		System:   "plain text",
		Messages: []Message{UserMessage("capital of France?")},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Content != "Paris" || resp.Tokens != 15 {
		t.Errorf("Complete = %+v, want Paris/15", resp)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "capital of France?" {
		t.Errorf("request messages = %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
}

func TestOpenAIClient_NotConfigured(t *testing.T) {
	_, err := NewXAIClient("").Complete(context.Background(), Request{Model: "grok-3"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestOpenAIClient_NoRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit", "code": "rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	_, err := NewOpenRouterClient("sk-or").WithBaseURL(server.URL).Complete(context.Background(), Request{Model: "x"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 429 || apiErr.Code != "rate_limit_exceeded" || apiErr.Provider != "openrouter" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	_, err := NewOpenAIClient("k").WithBaseURL(server.URL).Complete(context.Background(), Request{Model: "gpt-4o"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

// =============================================================================
// ANTHROPIC
// =============================================================================

func TestAnthropicClient_Complete(t *testing.T) {
	var got anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ant-key" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic headers: %v", r.Header)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "Hello "}, {"type": "text", "text": "there"}],
			"usage": {"input_tokens": 20, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	resp, err := NewAnthropicClient("ant-key").WithBaseURL(server.URL).Complete(context.Background(), Request{
		Model:    "claude-sonnet-4-20250514",
		System:   "be brief",
		Messages: []Message{UserMessage("hi")},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Content != "Hello there" || resp.Tokens != 25 {
		t.Errorf("Complete = %+v, want 'Hello there'/25", resp)
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", got.MaxTokens, DefaultMaxTokens)
	}
	if !strings.Contains(got.System, "JSON") {
		t.Errorf("system prompt missing JSON directive: %q", got.System)
	}
}

func TestAnthropicClient_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`))
	}))
	defer server.Close()

	_, err := NewAnthropicClient("bad").WithBaseURL(server.URL).Complete(context.Background(), Request{Model: "m"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if !strings.Contains(err.Error(), "invalid x-api-key") {
		t.Errorf("error message = %q", err.Error())
	}
}

// =============================================================================
// GEMINI
// =============================================================================

func TestGeminiClient_CompleteWithGrounding(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Confirmed."}]}}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 2, "totalTokenCount": 10}
		}`))
	}))
	defer server.Close()

	resp, err := NewGeminiClient("g-key").WithBaseURL(server.URL).Complete(context.Background(), Request{
		Model:     "gemini-2.5-flash",
		Messages:  []Message{UserMessage("verify"), AssistantMessage("ok"), UserMessage("again")},
		Grounding: true,
		JSON:      true,
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Content != "Confirmed." || resp.Tokens != 10 {
		t.Errorf("Complete = %+v", resp)
	}
	if _, ok := got["tools"]; !ok {
		t.Error("grounding request missing tools")
	}
	gen, _ := got["generationConfig"].(map[string]any)
	if _, ok := gen["responseMimeType"]; ok {
		t.Error("responseMimeType must not be combined with the search tool")
	}
	contents, _ := got["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents = %v", contents)
	}
	if role := contents[1].(map[string]any)["role"]; role != "model" {
		t.Errorf("assistant role = %v, want model", role)
	}
}

func TestGeminiClient_ErrorShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": 400, "message": "API key not valid", "status": "INVALID_ARGUMENT"}}`))
	}))
	defer server.Close()

	_, err := NewGeminiClient("g").WithBaseURL(server.URL).Complete(context.Background(), Request{Model: "gemini-2.5-pro"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "400" || apiErr.Message != "API key not valid" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

// =============================================================================
// IMAGES
// =============================================================================

func TestImageClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data": [{"b64_json": "aGVsbG8="}]}`))
	}))
	defer server.Close()

	img, err := NewImageClient("k").WithBaseURL(server.URL).Generate(context.Background(), "gpt-image-1", "a cat")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if img.URL != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("URL = %q", img.URL)
	}
}

// =============================================================================
// SHARED PLUMBING
// =============================================================================

func TestNewAPIError_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		msg     string
		wantErr error
	}{
		{"string error", 500, `{"error": "boom"}`, "boom", nil},
		{"top-level message", 403, `{"message": "forbidden key", "statusCode": 403}`, "forbidden key", ErrAuthFailed},
		{"plain text", 502, `bad gateway`, "bad gateway", nil},
		{"empty body", 404, ``, "Not Found", ErrModelNotFound},
		{"credits", 402, `{"error": {"message": "add credits"}}`, "add credits", ErrInsufficientCredits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newAPIError("p", tt.status, []byte(tt.body))
			if err.Message != tt.msg {
				t.Errorf("Message = %q, want %q", err.Message, tt.msg)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("errors.Is(%v) = false", tt.wantErr)
			}
		})
	}
}

func TestPostJSON_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := PostJSON(ctx, nil, "p", server.URL, nil, 0, map[string]string{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
