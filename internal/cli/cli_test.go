// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fusion/internal/config"
	"github.com/jeranaias/fusion/internal/fusion"
	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/storage"
	"github.com/jeranaias/fusion/internal/vault"
)

// =============================================================================
// HELPERS
// =============================================================================

// isolateEnv clears every variable config.Load reads.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
		"XAI_API_KEY", "OPENROUTER_API_KEY", "SERPER_API_KEY", "TAVILY_API_KEY", "MANUS_API_KEY",
		"FUSION_ADDR", "FUSION_LOG_LEVEL", "FUSION_LOG_FORMAT", "FUSION_DB",
		"FUSION_MASTER_MODEL", "FUSION_MAX_PARALLEL", "FUSION_VAULT_SECRET", "FUSION_TOKEN",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("HOME", t.TempDir())
}

type testConfig struct {
	openAIURL     string
	vaultSecret   string
	retentionDays int
}

// writeConfig writes a TOML config using a temp database and returns its path.
func writeConfig(t *testing.T, tc testConfig) string {
	t.Helper()
	dir := t.TempDir()
	if tc.openAIURL == "" {
		tc.openAIURL = "http://127.0.0.1:1"
	}
	body := fmt.Sprintf(`[log]
level = "error"

[storage]
path = %q
retention_days = %d

[providers]
openai_key = "sk-test"
openai_url = %q

[fusion]
default_mode = "solo"
default_master = "gpt-4o"
default_models = ["gpt-4o"]

[vault]
secret = %q

[memory]
enabled = false
`, filepath.Join(dir, "fusion.db"), tc.retentionDays, tc.openAIURL, tc.vaultSecret)

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// runCLI executes the root command and returns stdout and stderr.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// decodeData decodes the data field of a JSON envelope into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Command string          `json:"command"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &env), out)
	require.True(t, env.Success, out)
	require.NoError(t, json.Unmarshal(env.Data, v))
}

// chatStub is an OpenAI-compatible server answering every call with reply.
func chatStub(t *testing.T, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices": [{"message": {"role": "assistant", "content": %q}}], "usage": {"total_tokens": 9}}`, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// =============================================================================
// EXIT CODES
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", usageErrorf("bad flag"), ExitUsageError},
		{"invalid request", fmt.Errorf("%w: prompt is required", fusion.ErrInvalidRequest), ExitUsageError},
		{"validation", fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "x", Message: "y"}}), ExitConfigError},
		{"no vault secret", vault.ErrNoSecret, ExitConfigError},
		{"unknown provider", fmt.Errorf("%w: %q", router.ErrUnknownProvider, "foo"), ExitConfigError},
		{"invalid token", storage.ErrInvalidToken, ExitAuthError},
		{"unauthenticated save", storage.ErrUnauthenticatedSave, ExitAuthError},
		{"run not found", storage.ErrRunNotFound, ExitNotFoundError},
		{"user not found", fmt.Errorf("%w: u1", storage.ErrUserNotFound), ExitNotFoundError},
		{"timeout", context.DeadlineExceeded, ExitTimeoutError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetExitCode(tt.err); got != tt.want {
				t.Errorf("GetExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestDisplayError(t *testing.T) {
	var text bytes.Buffer
	DisplayError(&text, "ask", errors.New("boom"), false)
	assert.Contains(t, text.String(), "boom")

	var js bytes.Buffer
	DisplayError(&js, "ask", errors.New("boom"), true)
	var env JSONResponse
	require.NoError(t, json.Unmarshal(js.Bytes(), &env))
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "boom", *env.Error)
	assert.Equal(t, "ask", env.Command)
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestVersionCommand(t *testing.T) {
	isolateEnv(t)
	out, _, err := runCLI(t, "version", "--json")
	require.NoError(t, err)

	var info VersionInfo
	decodeData(t, out, &info)
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)

	out, _, err = runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fusion "+Version)
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	isolateEnv(t)
	_, _, err := runCLI(t, "version", "--bogus")
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestModelsCommand(t *testing.T) {
	isolateEnv(t)
	cfg := writeConfig(t, testConfig{})

	out, _, err := runCLI(t, "--config", cfg, "models", "--json")
	require.NoError(t, err)

	var rows []ModelStatus
	decodeData(t, out, &rows)
	byID := make(map[string]ModelStatus, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	require.Contains(t, byID, "gpt-4o")
	assert.Equal(t, "openai", byID["gpt-4o"].Route)
	require.Contains(t, byID, "claude-sonnet-4")
	assert.Empty(t, byID["claude-sonnet-4"].Route, "no anthropic or openrouter key is configured")

	out, _, err = runCLI(t, "--config", cfg, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "no credential")
}

func TestAskCommand_JSON(t *testing.T) {
	isolateEnv(t)
	srv, calls := chatStub(t, "Paris")
	cfg := writeConfig(t, testConfig{openAIURL: srv.URL})

	out, _, err := runCLI(t, "--config", cfg, "--json", "ask", "What is the capital of France?")
	require.NoError(t, err)

	var resp struct {
		Fusion     string `json:"fusion"`
		Mode       string `json:"fusion_mode"`
		RunID      string `json:"run_id"`
		TokenUsage struct {
			Total int `json:"total"`
		} `json:"token_usage"`
	}
	decodeData(t, out, &resp)
	assert.Equal(t, "Paris", resp.Fusion)
	assert.Equal(t, "solo", resp.Mode)
	assert.Empty(t, resp.RunID, "runs are not saved without --save")
	assert.Equal(t, 9, resp.TokenUsage.Total)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAskCommand_Text(t *testing.T) {
	isolateEnv(t)
	srv, _ := chatStub(t, "Paris")
	cfg := writeConfig(t, testConfig{openAIURL: srv.URL})

	out, stderr, err := runCLI(t, "--config", cfg, "ask", "capital", "of", "France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris\n", out)
	assert.Contains(t, stderr, "gpt-4o")
	assert.Contains(t, stderr, "Tokens:")
}

func TestAskCommand_UsageErrors(t *testing.T) {
	isolateEnv(t)
	cfg := writeConfig(t, testConfig{})

	tests := []struct {
		name string
		args []string
	}{
		{"no prompt", []string{"--config", cfg, "ask"}},
		{"bad mode", []string{"--config", cfg, "ask", "--mode", "turbo", "hello"}},
		{"missing file", []string{"--config", cfg, "ask", "--file", filepath.Join(t.TempDir(), "nope.txt"), "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitUsageError, GetExitCode(err), err.Error())
		})
	}
}

func TestAskCommand_SaveRequiresToken(t *testing.T) {
	isolateEnv(t)
	srv, calls := chatStub(t, "Paris")
	cfg := writeConfig(t, testConfig{openAIURL: srv.URL})

	_, _, err := runCLI(t, "--config", cfg, "ask", "--save", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnauthenticatedSave)
	assert.Equal(t, ExitAuthError, GetExitCode(err))
	assert.Zero(t, calls.Load(), "no model is called for an unauthenticated save")
}

func TestUsersKeysAndSavedAsk(t *testing.T) {
	isolateEnv(t)
	srv, _ := chatStub(t, "Paris")
	cfg := writeConfig(t, testConfig{openAIURL: srv.URL, vaultSecret: "correct horse battery staple"})

	out, _, err := runCLI(t, "--config", cfg, "--json", "users", "add", "alice")
	require.NoError(t, err)
	var user CreatedUser
	decodeData(t, out, &user)
	require.NotEmpty(t, user.ID)
	require.True(t, strings.HasPrefix(user.Token, storage.TokenPrefix))

	out, _, err = runCLI(t, "--config", cfg, "users", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")

	_, _, err = runCLI(t, "--config", cfg, "keys", "set", "openai", "sk-alice", "--user", user.ID)
	require.NoError(t, err)
	_, _, err = runCLI(t, "--config", cfg, "keys", "set", "gemini", "g-alice", "--token", user.Token)
	require.NoError(t, err)

	out, _, err = runCLI(t, "--config", cfg, "--json", "keys", "list", "--user", user.ID)
	require.NoError(t, err)
	var keys KeyList
	decodeData(t, out, &keys)
	assert.ElementsMatch(t, []string{"openai", "google"}, keys.Providers)

	_, _, err = runCLI(t, "--config", cfg, "keys", "delete", "google", "--user", user.ID)
	require.NoError(t, err)
	out, _, err = runCLI(t, "--config", cfg, "--json", "keys", "list", "--user", user.ID)
	require.NoError(t, err)
	decodeData(t, out, &keys)
	assert.Equal(t, []string{"openai"}, keys.Providers)

	out, _, err = runCLI(t, "--config", cfg, "--json", "ask", "--save", "--token", user.Token, "capital of France?")
	require.NoError(t, err)
	var resp struct {
		RunID          string `json:"run_id"`
		ConversationID string `json:"conversation_id"`
	}
	decodeData(t, out, &resp)
	assert.NotEmpty(t, resp.RunID)
	assert.NotEmpty(t, resp.ConversationID)

	out, _, err = runCLI(t, "--config", cfg, "--json", "prune", "--days", "1")
	require.NoError(t, err)
	var pruned PruneResult
	decodeData(t, out, &pruned)
	assert.Zero(t, pruned.Deleted, "a run created just now is newer than the cutoff")
}

func TestKeysCommand_Errors(t *testing.T) {
	isolateEnv(t)
	noVault := writeConfig(t, testConfig{})
	withVault := writeConfig(t, testConfig{vaultSecret: "s3cret"})

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no vault secret", []string{"--config", noVault, "keys", "list", "--user", "u1"}, ExitConfigError},
		{"unknown provider", []string{"--config", withVault, "keys", "set", "ollama", "k", "--user", "u1"}, ExitUsageError},
		{"unknown user", []string{"--config", withVault, "keys", "list", "--user", "missing"}, ExitNotFoundError},
		{"bad token", []string{"--config", withVault, "keys", "list", "--token", "fsn_nope"}, ExitAuthError},
		{"no identity", []string{"--config", withVault, "keys", "list"}, ExitUsageError},
		{"wrong arg count", []string{"--config", withVault, "keys", "set", "openai"}, ExitUsageError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.want, GetExitCode(err), err.Error())
		})
	}
}

func TestPruneCommand_UsesRetentionDays(t *testing.T) {
	isolateEnv(t)

	_, _, err := runCLI(t, "--config", writeConfig(t, testConfig{}), "prune")
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, GetExitCode(err), "retention_days 0 and no --days")

	out, _, err := runCLI(t, "--config", writeConfig(t, testConfig{retentionDays: 30}), "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 runs")
}

func TestInvalidConfigIsConfigError(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[fusion]\ndefault_mode = \"turbo\"\n"), 0o600))

	_, _, err := runCLI(t, "--config", path, "models")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

// =============================================================================
// SERVE
// =============================================================================

func TestRunServer_ServesAndShutsDown(t *testing.T) {
	isolateEnv(t)
	cfg, err := config.Load(writeConfig(t, testConfig{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := newApp(ctx, cfg, nil, true)
	require.NoError(t, err)
	defer app.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- runServer(ctx, app, ln, "") }()

	var health struct {
		Status  string `json:"status"`
		Storage string `json:"storage"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", health.Storage)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServer did not return after cancel")
	}
}

// =============================================================================
// HELPERS UNDER TEST
// =============================================================================

func TestReadPrompt(t *testing.T) {
	file := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(file, []byte("line one"), 0o600))

	got, err := readPrompt(strings.NewReader(""), []string{"summarize", "this"}, file)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "summarize this"))
	assert.Contains(t, got, "--- File: "+file+" ---")
	assert.Contains(t, got, "line one")

	got, err = readPrompt(strings.NewReader("  from stdin \n"), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	_, err = readPrompt(strings.NewReader(""), nil, "")
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestTableRender(t *testing.T) {
	tbl := NewTable("MODEL", "TOKENS")
	tbl.Row("gpt-4o", "12")
	tbl.Row("claude-sonnet-4", "7")

	var buf bytes.Buffer
	require.NoError(t, tbl.Render(&buf, 0))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "gpt-4o           12", lines[1])
	assert.Equal(t, "claude-sonnet-4  7", lines[2])

	buf.Reset()
	require.NoError(t, tbl.Render(&buf, 6))
	assert.NotContains(t, buf.String(), "claude-sonnet-4", "cells are capped at maxCell")
}
