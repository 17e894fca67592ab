// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"strings"
)

// Request validation errors.
var (
	ErrEmptyPrompt    = errors.New("prompt is required")
	ErrNoModels       = errors.New("at least one model is required")
	ErrInvalidMode    = errors.New("invalid fusion mode")
	ErrInvalidHistory = errors.New("invalid history message")
)

// MaxModelsPerRequest bounds the ensemble size of a single request.
const MaxModelsPerRequest = 8

// =============================================================================
// REQUEST
// =============================================================================

// FusionRequest is the body of POST /v1/fusion.
type FusionRequest struct {
	Prompt          string    `json:"prompt"`
	ModelSlugs      []string  `json:"model_slugs"`
	MasterModelSlug string    `json:"master_model_slug"`
	Mode            Mode      `json:"fusion_mode"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	ProjectID       string    `json:"project_id,omitempty"`
	History         []Message `json:"history,omitempty"`
	WebVerify       bool      `json:"web_verify,omitempty"`
	SkipSave        bool      `json:"skip_save,omitempty"`
}

// Normalize trims inputs, removes duplicate model slugs, and fills the
// default mode and master model.
func (r *FusionRequest) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.MasterModelSlug = strings.TrimSpace(r.MasterModelSlug)
	if r.Mode == "" {
		r.Mode = ModeFusion
	}

	seen := make(map[string]bool, len(r.ModelSlugs))
	slugs := make([]string, 0, len(r.ModelSlugs))
	for _, s := range r.ModelSlugs {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		slugs = append(slugs, s)
	}
	r.ModelSlugs = slugs

	if r.MasterModelSlug == "" && len(r.ModelSlugs) > 0 {
		r.MasterModelSlug = r.ModelSlugs[0]
	}
}

// Validate checks the request after Normalize.
func (r *FusionRequest) Validate() error {
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, r.Mode)
	}
	if r.Mode != ModeManus && len(r.ModelSlugs) == 0 {
		return ErrNoModels
	}
	if len(r.ModelSlugs) > MaxModelsPerRequest {
		return fmt.Errorf("too many models: %d (max %d)", len(r.ModelSlugs), MaxModelsPerRequest)
	}
	for i, m := range r.History {
		switch m.Role {
		case RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("%w: history[%d] has role %q", ErrInvalidHistory, i, m.Role)
		}
	}
	return nil
}

// =============================================================================
// RESPONSE
// =============================================================================

// Phases groups results by protocol step. Slices are never nil so they
// encode as [] when a phase did not run.
type Phases struct {
	Initial       []ModelResult `json:"initial"`
	CrossAnalysis []ModelResult `json:"crossAnalysis"`
	Refinement    []ModelResult `json:"refinement"`
	Synthesis     *Synthesis    `json:"synthesis"`
}

// NewPhases returns Phases with empty, non-nil slices.
func NewPhases() Phases {
	return Phases{
		Initial:       []ModelResult{},
		CrossAnalysis: []ModelResult{},
		Refinement:    []ModelResult{},
	}
}

// TokenUsage reports token totals. Total covers every ModelResult in
// Phases; FactCheck covers the verification calls.
type TokenUsage struct {
	Total     int `json:"total"`
	FactCheck int `json:"fact_check"`
}

// FusionResponse is the body returned by POST /v1/fusion.
type FusionResponse struct {
	RunID          string        `json:"run_id"`
	Mode           Mode          `json:"fusion_mode"`
	Fusion         string        `json:"fusion"`
	RawResponses   []ModelResult `json:"raw_responses"`
	Phases         Phases        `json:"phases"`
	Exchanges      []Exchange    `json:"exchanges"`
	TokenUsage     TokenUsage    `json:"token_usage"`
	ConversationID string        `json:"conversation_id"`
	WebVerified    bool          `json:"web_verified"`
	Citations      []Citation    `json:"citations"`
}
