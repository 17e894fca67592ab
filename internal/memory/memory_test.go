// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fusion/internal/adapter"
	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/storage"
	"github.com/jeranaias/fusion/internal/tasks"
)

func openTestStore(t *testing.T, maxItems, maxChars int) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(context.Background(), db.DB(), maxItems, maxChars)
	require.NoError(t, err)
	return s
}

func TestBlock(t *testing.T) {
	s := openTestStore(t, 2, 1000)
	ctx := context.Background()

	block, err := s.Block(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, block)

	n, err := s.Add(ctx, "u1", []string{"Lives in Lyon", "  ", "Prefers Go", "Lives in Lyon", "Has a cat"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	block, err = s.Block(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "- Has a cat\n- Prefers Go", block)

	other, err := s.Block(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.Forget(ctx, "u1"))
	block, _ = s.Block(ctx, "u1")
	assert.Empty(t, block)
}

func TestBlockCharLimit(t *testing.T) {
	s := openTestStore(t, 10, 30)
	ctx := context.Background()
	_, err := s.Add(ctx, "u1", []string{strings.Repeat("a", 20), strings.Repeat("b", 20)})
	require.NoError(t, err)

	block, err := s.Block(ctx, "u1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(block), 30)
	assert.Equal(t, "- "+strings.Repeat("b", 20), block)
}

func TestParseFacts(t *testing.T) {
	facts, err := ParseFacts("```json\n{\"memories\": [\"likes tea\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, []string{"likes tea"}, facts)

	facts, err = ParseFacts(`{"memories": []}`)
	require.NoError(t, err)
	assert.Empty(t, facts)

	_, err = ParseFacts("no json here")
	assert.Error(t, err)
	_, err = ParseFacts(`{"other": 1}`)
	assert.Error(t, err)
}

type stubCaller struct {
	reply model.ModelResult
	got   adapter.CallRequest
}

func (s *stubCaller) Call(ctx context.Context, req adapter.CallRequest) model.ModelResult {
	s.got = req
	r := s.reply
	r.Model = req.Model
	r.Phase = req.Phase
	return r
}

func TestExtract(t *testing.T) {
	s := openTestStore(t, 10, 1000)
	ctx := context.Background()
	_, err := s.Add(ctx, "u1", []string{"Prefers Go"})
	require.NoError(t, err)

	caller := &stubCaller{reply: model.Success("", "", `{"memories": ["Works at a bakery", "Prefers Go"]}`, 40)}
	e := NewExtractor(s, caller, "gpt-4o-mini")

	n, err := e.Extract(ctx, "u1", "I work at a bakery, any tips?", "Sure.", credentials.NewSet(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, caller.got.JSON)
	assert.Equal(t, "gpt-4o-mini", caller.got.Model)
	assert.Equal(t, PhaseExtraction, caller.got.Phase)
	assert.Contains(t, caller.got.Prompt, "- Prefers Go")

	block, _ := s.Block(ctx, "u1")
	assert.Contains(t, block, "Works at a bakery")
}

func TestExtractTaskFailure(t *testing.T) {
	s := openTestStore(t, 10, 1000)
	caller := &stubCaller{reply: model.Failure("", "", errors.New("rate limited"))}
	e := NewExtractor(s, caller, "gpt-4o-mini")

	task := e.Task("u1", "run-1", "hi", "hello", credentials.NewSet(nil))
	assert.Equal(t, TaskKind, task.Kind)
	assert.Equal(t, "run-1", task.Metadata["run_id"])

	err := tasks.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, tasks.TaskStatusFailed, task.GetStatus())
	assert.Contains(t, task.GetError(), "rate limited")
}
