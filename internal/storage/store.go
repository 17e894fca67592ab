// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/util"
)

// Storage errors.
var (
	// ErrUnauthenticatedSave is returned when a run would be saved without
	// an identified caller.
	ErrUnauthenticatedSave = errors.New("cannot save run: caller is not authenticated")

	// ErrInvalidToken is returned by Authenticate for unknown tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConversationNotFound is returned when the conversation doesn't
	// exist or belongs to another user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrRunNotFound is returned when the run doesn't exist or belongs to
	// another user.
	ErrRunNotFound = errors.New("run not found")

	// ErrProjectNotFound is returned for unknown projects.
	ErrProjectNotFound = errors.New("project not found")

	// ErrUserNotFound is returned by GetUser for unknown ids.
	ErrUserNotFound = errors.New("user not found")
)

// PersistError wraps a failed write with the step that failed.
type PersistError struct {
	Step string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Step, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Message is a stored chat message.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	RunID          string           `json:"run_id"`
	Role           model.Role       `json:"role"`
	Content        string           `json:"content"`
	Verified       bool             `json:"verified"`
	Citations      []model.Citation `json:"citations"`
	CreatedAt      time.Time        `json:"created_at"`
}

// RunDetail is a run with everything recorded for it.
type RunDetail struct {
	Run      model.Run    `json:"run"`
	Phases   model.Phases `json:"phases"`
	Messages []Message    `json:"messages"`
}

// Store is the persistence boundary.
type Store interface {
	// Authenticate maps a bearer token to a user id.
	Authenticate(ctx context.Context, token string) (string, error)

	// ProjectInstructions returns a project's instructions, "" when
	// projectID is empty.
	ProjectInstructions(ctx context.Context, userID, projectID string) (string, error)

	// EnsureConversation returns conversationID after checking ownership,
	// or creates a new conversation when it is empty.
	EnsureConversation(ctx context.Context, userID, conversationID, projectID, title string) (string, error)

	CreateRun(ctx context.Context, run *model.Run) error
	InsertResults(ctx context.Context, runID string, phase model.Phase, results []model.ModelResult) error
	InsertSynthesis(ctx context.Context, runID string, s model.Synthesis) error
	InsertMessages(ctx context.Context, msgs []Message) error
	CompleteRun(ctx context.Context, run *model.Run) error

	GetRun(ctx context.Context, userID, runID string) (*RunDetail, error)
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

// BeginRun ensures the conversation and inserts run as pending. run.ID is
// assigned when empty; run.ConversationID is set on return.
func BeginRun(ctx context.Context, s Store, run *model.Run, projectID string) error {
	if run.UserID == "" {
		return ErrUnauthenticatedSave
	}
	convID, err := s.EnsureConversation(ctx, run.UserID, run.ConversationID, projectID, conversationTitle(run.Prompt))
	if err != nil {
		return &PersistError{Step: "conversation", Err: err}
	}
	run.ConversationID = convID
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = model.RunPending
	if err := s.CreateRun(ctx, run); err != nil {
		return &PersistError{Step: "run", Err: err}
	}
	return nil
}

// Outcome is what FinishRun writes for a begun run.
type Outcome struct {
	Phases    model.Phases
	Answer    string
	Verified  bool
	Citations []model.Citation
	// Failed marks a run that produced no successful answer.
	Failed bool
}

// FinishRun writes the phase rows, synthesis and the two chat messages, then
// marks run complete (or failed when out.Failed) with its final counters.
func FinishRun(ctx context.Context, s Store, run *model.Run, out Outcome) error {
	batches := []struct {
		phase   model.Phase
		results []model.ModelResult
	}{
		{model.PhaseInitial, out.Phases.Initial},
		{model.PhaseCrossAnalysis, out.Phases.CrossAnalysis},
		{model.PhaseRefinement, out.Phases.Refinement},
	}
	for _, b := range batches {
		if len(b.results) == 0 {
			continue
		}
		if err := s.InsertResults(ctx, run.ID, b.phase, b.results); err != nil {
			return &PersistError{Step: string(b.phase), Err: err}
		}
	}

	if out.Phases.Synthesis.OK() {
		if err := s.InsertSynthesis(ctx, run.ID, *out.Phases.Synthesis); err != nil {
			return &PersistError{Step: "synthesis", Err: err}
		}
	}

	now := time.Now()
	msgs := []Message{
		{
			ID:             uuid.NewString(),
			ConversationID: run.ConversationID,
			RunID:          run.ID,
			Role:           model.RoleUser,
			Content:        run.Prompt,
			CreatedAt:      now,
		},
		{
			ID:             uuid.NewString(),
			ConversationID: run.ConversationID,
			RunID:          run.ID,
			Role:           model.RoleAssistant,
			Content:        out.Answer,
			Verified:       out.Verified,
			Citations:      out.Citations,
			CreatedAt:      now.Add(time.Millisecond),
		},
	}
	if err := s.InsertMessages(ctx, msgs); err != nil {
		return &PersistError{Step: "messages", Err: err}
	}

	run.Status = model.RunComplete
	if out.Failed {
		run.Status = model.RunFailed
	}
	if err := s.CompleteRun(ctx, run); err != nil {
		return &PersistError{Step: "complete", Err: err}
	}
	return nil
}

// FailRun marks a begun run failed so it does not stay pending after a
// partial write.
func FailRun(ctx context.Context, s Store, run *model.Run) error {
	run.Status = model.RunFailed
	if err := s.CompleteRun(ctx, run); err != nil {
		return &PersistError{Step: "fail", Err: err}
	}
	return nil
}

// conversationTitle is the first line of the prompt, truncated.
func conversationTitle(prompt string) string {
	title := util.TruncateRunes(util.FirstLine(prompt), 50)
	if title == "" {
		return "New conversation"
	}
	return title
}
