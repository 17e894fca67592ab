// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/fusion/internal/adapter"
	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/tasks"
	"github.com/jeranaias/fusion/internal/util"
)

// PhaseExtraction tags extraction calls in metrics.
const PhaseExtraction model.Phase = "memory"

// TaskKind is the tasks.Task kind for extraction.
const TaskKind = "memory_extraction"

const extractionPrompt = `You maintain a short list of durable facts about a user: preferences, profession, ongoing projects, constraints they have stated.

From the exchange below, extract new facts worth remembering for future conversations. Ignore anything about the assistant, one-off questions, and anything already listed under "Known facts".

Respond with JSON: {"memories": ["fact", ...]}. Use an empty list when there is nothing new.

Known facts:
%s

User:
%s

Assistant:
%s`

// Extractor turns finished exchanges into stored memories.
type Extractor struct {
	store  *Store
	caller adapter.Caller
	model  string
	logger *zap.Logger
}

// NewExtractor creates an extractor that calls modelID through caller.
func NewExtractor(store *Store, caller adapter.Caller, modelID string) *Extractor {
	return &Extractor{store: store, caller: caller, model: modelID, logger: zap.NewNop()}
}

// WithLogger sets the logger.
func (e *Extractor) WithLogger(l *zap.Logger) *Extractor {
	if l != nil {
		e.logger = l
	}
	return e
}

// Extract asks the extraction model for new facts and stores them.
func (e *Extractor) Extract(ctx context.Context, userID, prompt, answer string, creds credentials.Set) (int, error) {
	known, err := e.store.Block(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load known memories: %w", err)
	}
	if known == "" {
		known = "(none)"
	}

	res := e.caller.Call(ctx, adapter.CallRequest{
		Model:       e.model,
		Phase:       PhaseExtraction,
		Prompt:      fmt.Sprintf(extractionPrompt, known, util.TruncateRunes(prompt, 4000), util.TruncateRunes(answer, 4000)),
		Credentials: creds,
		JSON:        true,
		Options:     adapter.Options{Temperature: 0.1, MaxTokens: 512},
	})
	if !res.OK() {
		return 0, fmt.Errorf("extraction call failed: %s", res.Error)
	}

	facts, err := ParseFacts(res.Content)
	if err != nil {
		return 0, err
	}
	n, err := e.store.Add(ctx, userID, facts)
	if err != nil {
		return 0, fmt.Errorf("store memories: %w", err)
	}
	e.logger.Debug("memories_extracted",
		zap.String("user_id", userID),
		zap.Int("proposed", len(facts)),
		zap.Int("added", n))
	return n, nil
}

// Task wraps Extract as a background task.
func (e *Extractor) Task(userID, runID, prompt, answer string, creds credentials.Set) *tasks.Task {
	return tasks.NewTask(TaskKind, "extract memories", func(ctx context.Context, _ *tasks.Task) error {
		_, err := e.Extract(ctx, userID, prompt, answer, creds)
		return err
	}).WithMetadata("user_id", userID).WithMetadata("run_id", runID)
}

// ParseFacts decodes {"memories": [...]} from a model reply, tolerating a
// fenced code block around the object.
func ParseFacts(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i >= 0 {
		if j := strings.LastIndex(content, "}"); j > i {
			content = content[i : j+1]
		}
	}
	var payload struct {
		Memories []string `json:"memories"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("invalid extraction reply: %w", err)
	}
	if payload.Memories == nil {
		return nil, errors.New("extraction reply has no memories field")
	}
	return payload.Memories, nil
}
