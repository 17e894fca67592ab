// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fusion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/factcheck"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/storage"
	"github.com/jeranaias/fusion/internal/tasks"
)

// ErrInvalidRequest wraps every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Verifier fact-checks a finished answer.
type Verifier interface {
	Verify(ctx context.Context, req factcheck.Request) factcheck.Result
}

// MemoryBlocker renders a user's memory block.
type MemoryBlocker interface {
	Block(ctx context.Context, userID string) (string, error)
}

// MemoryTasks builds background extraction tasks.
type MemoryTasks interface {
	Task(userID, runID, prompt, answer string, creds credentials.Set) *tasks.Task
}

// TaskSubmitter queues background tasks.
type TaskSubmitter interface {
	Submit(task *tasks.Task) error
}

// RunRecorder receives one observation per handled request.
type RunRecorder interface {
	ObserveRun(mode, status string)
}

// Defaults fill requests that leave the mode, models or master empty.
type Defaults struct {
	Mode   model.Mode
	Models []string
	Master string
}

// Service handles fusion requests end to end.
type Service struct {
	orch     *Orchestrator
	resolver *credentials.Resolver
	store    storage.Store
	memory   MemoryBlocker
	extract  MemoryTasks
	runner   TaskSubmitter
	verifier Verifier
	defaults Defaults
	logger   *zap.Logger
	recorder RunRecorder
}

// NewService creates a service. store may be nil, in which case only
// skip_save requests are accepted.
func NewService(orch *Orchestrator, resolver *credentials.Resolver, store storage.Store) *Service {
	return &Service{
		orch:     orch,
		resolver: resolver,
		store:    store,
		logger:   zap.NewNop(),
	}
}

// WithMemory enables memory blocks and background extraction.
func (s *Service) WithMemory(blocks MemoryBlocker, extract MemoryTasks, runner TaskSubmitter) *Service {
	s.memory = blocks
	s.extract = extract
	s.runner = runner
	return s
}

// WithVerifier enables web fact-checking.
func (s *Service) WithVerifier(v Verifier) *Service {
	s.verifier = v
	return s
}

// WithDefaults sets the default models and master.
func (s *Service) WithDefaults(d Defaults) *Service {
	s.defaults = d
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithRecorder sets the run recorder.
func (s *Service) WithRecorder(r RunRecorder) *Service {
	s.recorder = r
	return s
}

// Store returns the persistence store, possibly nil.
func (s *Service) Store() storage.Store {
	return s.store
}

// Handle validates, orchestrates, verifies and persists one request.
//
// Errors: ErrInvalidRequest for bad input, storage.ErrUnauthenticatedSave
// when a save is requested without a valid caller, *storage.PersistError
// for write failures.
func (s *Service) Handle(ctx context.Context, callerToken string, req model.FusionRequest) (*model.FusionResponse, error) {
	resp, err := s.handle(ctx, callerToken, req)
	status := "complete"
	if err != nil {
		status = "error"
	}
	if s.recorder != nil {
		mode := req.Mode
		if mode == "" {
			mode = s.defaults.Mode
		}
		if mode == "" {
			mode = model.ModeFusion
		}
		s.recorder.ObserveRun(string(mode), status)
	}
	return resp, err
}

func (s *Service) handle(ctx context.Context, callerToken string, req model.FusionRequest) (*model.FusionResponse, error) {
	s.applyDefaults(&req)
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	userID, err := s.identify(ctx, callerToken, req.SkipSave)
	if err != nil {
		return nil, err
	}

	vaultToken := ""
	if userID != "" {
		vaultToken = callerToken
	}
	creds := s.resolver.Resolve(ctx, vaultToken)

	in := Input{
		Mode:        req.Mode,
		Prompt:      req.Prompt,
		Models:      req.ModelSlugs,
		Master:      req.MasterModelSlug,
		Credentials: creds,
		History:     req.History,
	}
	if userID != "" {
		if in.SystemInstructions, err = s.store.ProjectInstructions(ctx, userID, req.ProjectID); err != nil {
			if errors.Is(err, storage.ErrProjectNotFound) {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			return nil, fmt.Errorf("load project instructions: %w", err)
		}
		in.Memory = s.memoryBlock(ctx, userID)
	}

	var run *model.Run
	if !req.SkipSave {
		run = &model.Run{
			UserID:         userID,
			ConversationID: req.ConversationID,
			Prompt:         req.Prompt,
			MasterModel:    req.MasterModelSlug,
			Mode:           req.Mode,
		}
		if err := storage.BeginRun(ctx, s.store, run, req.ProjectID); err != nil {
			if errors.Is(err, storage.ErrConversationNotFound) {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			return nil, err
		}
	}

	out := s.orch.Run(ctx, in)

	text := out.Text
	citations := []model.Citation{}
	verified := false
	factTokens := 0
	if req.WebVerify && req.Mode.IsTextEnsemble() && out.Answered && s.verifier != nil {
		res := s.verifier.Verify(ctx, factcheck.Request{
			Question:    req.Prompt,
			Draft:       out.Text,
			MasterModel: req.MasterModelSlug,
			Credentials: creds,
		})
		factTokens = res.Tokens
		if res.Verified {
			text = res.FinalText
			citations = res.Citations
			verified = true
		}
	}

	resp := &model.FusionResponse{
		Mode:         req.Mode,
		Fusion:       text,
		RawResponses: out.Phases.Initial,
		Phases:       out.Phases,
		Exchanges:    out.Exchanges,
		TokenUsage:   model.TokenUsage{Total: out.Tokens, FactCheck: factTokens},
		WebVerified:  verified,
		Citations:    citations,
	}

	if run == nil {
		resp.ConversationID = req.ConversationID
		return resp, nil
	}

	run.TotalTokens = out.Tokens
	run.Refined = out.Refined
	run.FactChecked = verified
	if err := storage.FinishRun(ctx, s.store, run, storage.Outcome{
		Phases:    out.Phases,
		Answer:    text,
		Verified:  verified,
		Citations: citations,
		Failed:    !out.Answered,
	}); err != nil {
		s.logger.Error("run_persist_failed", zap.String("run_id", run.ID), zap.Error(err))
		if ferr := storage.FailRun(context.WithoutCancel(ctx), s.store, run); ferr != nil {
			s.logger.Warn("run_mark_failed_failed", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return nil, err
	}
	resp.RunID = run.ID
	resp.ConversationID = run.ConversationID

	if out.Answered {
		s.submitExtraction(userID, run.ID, req.Prompt, text, creds)
	}
	return resp, nil
}

func (s *Service) applyDefaults(req *model.FusionRequest) {
	if req.Mode == "" {
		req.Mode = s.defaults.Mode
	}
	if len(req.ModelSlugs) == 0 && req.Mode != model.ModeManus {
		req.ModelSlugs = append([]string(nil), s.defaults.Models...)
		if req.MasterModelSlug == "" {
			req.MasterModelSlug = s.defaults.Master
		}
	}
}

// identify maps the token to a user. A save without a valid caller fails
// before any model is called.
func (s *Service) identify(ctx context.Context, token string, skipSave bool) (string, error) {
	if token == "" || s.store == nil {
		if skipSave {
			return "", nil
		}
		return "", storage.ErrUnauthenticatedSave
	}
	userID, err := s.store.Authenticate(ctx, token)
	switch {
	case err == nil:
		return userID, nil
	case errors.Is(err, storage.ErrInvalidToken):
		if skipSave {
			return "", nil
		}
		return "", fmt.Errorf("%w: %w", storage.ErrUnauthenticatedSave, err)
	default:
		return "", fmt.Errorf("authenticate: %w", err)
	}
}

func (s *Service) memoryBlock(ctx context.Context, userID string) string {
	if s.memory == nil {
		return ""
	}
	block, err := s.memory.Block(ctx, userID)
	if err != nil {
		s.logger.Warn("memory_block_failed", zap.String("user_id", userID), zap.Error(err))
		return ""
	}
	return block
}

func (s *Service) submitExtraction(userID, runID, prompt, answer string, creds credentials.Set) {
	if s.extract == nil || s.runner == nil {
		return
	}
	task := s.extract.Task(userID, runID, prompt, answer, creds)
	if err := s.runner.Submit(task); err != nil {
		s.logger.Warn("memory_task_rejected", zap.String("run_id", runID), zap.Error(err))
	}
}
