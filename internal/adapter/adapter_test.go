// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
)

type capturedChat struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// chatServer is an OpenAI-compatible stub that records requests.
func chatServer(t *testing.T, status int, reply string) (*httptest.Server, *[]capturedChat, *atomic.Int32) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedChat
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var c capturedChat
		json.NewDecoder(r.Body).Decode(&c)
		mu.Lock()
		reqs = append(reqs, c)
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &calls
}

const okReply = `{"choices": [{"message": {"role": "assistant", "content": "Paris"}}], "usage": {"total_tokens": 9}}`

type recorded struct {
	provider, phase string
	ok              bool
	tokens          int
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []recorded
}

func (f *fakeRecorder) ObserveCall(provider, phase string, ok bool, tokens int, _ time.Duration) {
	f.mu.Lock()
	f.obs = append(f.obs, recorded{provider, phase, ok, tokens})
	f.mu.Unlock()
}

func TestCall_Success(t *testing.T) {
	srv, reqs, _ := chatServer(t, 200, okReply)
	rec := &fakeRecorder{}
	a := New(router.NewRegistry(), Endpoints{OpenAI: srv.URL}).WithRecorder(rec)

	res := a.Call(context.Background(), CallRequest{
		Model:              "gpt-4o",
		Phase:              model.PhaseInitial,
		Prompt:             "capital of France?",
		Credentials:        credentials.NewSet(map[router.Provider]string{router.ProviderOpenAI: "sk"}),
		SystemInstructions: "Be concise.",
		Memory:             "User lives in Lyon.",
		History: []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAssistant, Content: "hello"},
		},
	})

	require.True(t, res.OK(), "error: %s", res.Error)
	assert.Equal(t, "Paris", res.Content)
	assert.Equal(t, 9, res.Tokens)
	assert.Equal(t, model.PhaseInitial, res.Phase)

	require.Len(t, *reqs, 1)
	msgs := (*reqs)[0].Messages
	require.Len(t, msgs, 4)
	system := msgs[0].Content
	assert.Equal(t, "system", msgs[0].Role)
	iDirective := strings.Index(system, PlainTextDirective)
	iInstr := strings.Index(system, "Be concise.")
	iMem := strings.Index(system, "User lives in Lyon.")
	assert.True(t, iDirective == 0 && iDirective < iInstr && iInstr < iMem, "system prompt order wrong: %q", system)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "capital of France?", msgs[3].Content)

	require.Len(t, rec.obs, 1)
	assert.Equal(t, recorded{"openai", "initial", true, 9}, rec.obs[0])
}

func TestCall_MissingCredentialMakesNoRequest(t *testing.T) {
	srv, _, calls := chatServer(t, 200, okReply)
	a := New(router.NewRegistry(), Endpoints{OpenAI: srv.URL, OpenRouter: srv.URL})

	res := a.Call(context.Background(), CallRequest{
		Model:       "gpt-4o",
		Prompt:      "hi",
		Credentials: credentials.NewSet(nil),
	})

	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "missing credential")
	assert.Equal(t, int32(0), calls.Load())
}

func TestCall_OpenRouterFallback(t *testing.T) {
	srv, reqs, _ := chatServer(t, 200, okReply)
	a := New(router.NewRegistry(), Endpoints{OpenRouter: srv.URL})

	res := a.Call(context.Background(), CallRequest{
		Model:       "claude-sonnet-4",
		Prompt:      "hi",
		Credentials: credentials.NewSet(map[router.Provider]string{router.ProviderOpenRouter: "or"}),
	})

	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "claude-sonnet-4", res.Model, "result keeps the caller's id")
	assert.Equal(t, "anthropic/claude-sonnet-4", (*reqs)[0].Model)
}

func TestCall_GroundingOverOpenRouterIsLogged(t *testing.T) {
	srv, reqs, _ := chatServer(t, 200, okReply)
	core, logs := observer.New(zap.DebugLevel)
	a := New(router.NewRegistry(), Endpoints{OpenRouter: srv.URL}).WithLogger(zap.New(core))

	res := a.Call(context.Background(), CallRequest{
		Model:       "gemini-2.5-flash",
		Prompt:      "check this",
		Credentials: credentials.NewSet(map[router.Provider]string{router.ProviderOpenRouter: "or"}),
		Options:     Options{Grounding: true},
	})

	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "google/gemini-2.5-flash", (*reqs)[0].Model)
	entries := logs.FilterMessage("grounding_unavailable").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "openrouter", entries[0].ContextMap()["provider"])
}

func TestCall_ProviderErrorBecomesFailedResult(t *testing.T) {
	srv, _, _ := chatServer(t, 500, `{"error": {"message": "upstream exploded"}}`)
	a := New(router.NewRegistry(), Endpoints{XAI: srv.URL})

	res := a.Call(context.Background(), CallRequest{
		Model:       "grok-3",
		Phase:       model.PhaseCrossAnalysis,
		Prompt:      "hi",
		Credentials: credentials.NewSet(map[router.Provider]string{router.ProviderXAI: "x"}),
	})

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, model.PhaseCrossAnalysis, res.Phase)
	assert.Contains(t, res.Error, "upstream exploded")
	assert.Zero(t, res.Tokens)
}

func TestCall_UnknownAndWrongKind(t *testing.T) {
	a := New(router.NewRegistry(), Endpoints{})
	creds := credentials.NewSet(map[router.Provider]string{router.ProviderOpenAI: "sk"})

	res := a.Call(context.Background(), CallRequest{Model: "gpt-5-ultra", Prompt: "hi", Credentials: creds})
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "unknown model")

	res = a.Call(context.Background(), CallRequest{Model: "dall-e-3", Prompt: "hi", Credentials: creds})
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "image model")

	res = a.Call(context.Background(), CallRequest{Model: "gpt-4o", Prompt: "   ", Credentials: creds})
	assert.Equal(t, ErrEmptyPrompt.Error(), res.Error)
}

func TestGenerateImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"url": "https://img.example/cat.png"}]}`))
	}))
	defer srv.Close()
	a := New(router.NewRegistry(), Endpoints{OpenAI: srv.URL})
	creds := credentials.NewSet(map[router.Provider]string{router.ProviderOpenAI: "sk"})

	res := a.GenerateImage(context.Background(), "gpt-image-1", "a cat", creds)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "https://img.example/cat.png", res.Content)

	res = a.GenerateImage(context.Background(), "gpt-4o", "a cat", creds)
	assert.False(t, res.OK())
}

func TestBuildSystemPrompt(t *testing.T) {
	assert.Equal(t, PlainTextDirective, BuildSystemPrompt(false, "", "  "))
	assert.True(t, strings.HasPrefix(BuildSystemPrompt(true, "x", ""), JSONDirective))
}
