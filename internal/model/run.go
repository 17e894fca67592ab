// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// MODES
// =============================================================================

// Mode selects the orchestration strategy for a request.
type Mode string

const (
	// ModeSolo calls a single model with no ensemble.
	ModeSolo Mode = "solo"
	// ModeFusion runs the ensemble plus master synthesis.
	ModeFusion Mode = "fusion"
	// ModeSupernova runs the full four-phase protocol.
	ModeSupernova Mode = "supernova"
	// ModeImage fans out to image generation models.
	ModeImage Mode = "image"
	// ModeManus delegates the prompt to an external agent.
	ModeManus Mode = "manus"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeSolo, ModeFusion, ModeSupernova, ModeImage, ModeManus}

// ParseMode converts a string to a Mode. Empty input selects fusion.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeFusion, nil
	}
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// IsTextEnsemble reports whether m produces a synthesized text answer that
// may be fact-checked.
func (m Mode) IsTextEnsemble() bool {
	return m == ModeSolo || m == ModeFusion || m == ModeSupernova
}

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// =============================================================================
// RUN
// =============================================================================

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Run is one invocation of the orchestrator for one prompt.
type Run struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Prompt         string    `json:"prompt"`
	MasterModel    string    `json:"master_model"`
	Mode           Mode      `json:"mode"`
	Status         RunStatus `json:"status"`
	TotalTokens    int       `json:"total_tokens"`
	Refined        bool      `json:"refined"`
	FactChecked    bool      `json:"fact_checked"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// =============================================================================
// MESSAGES
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one prior conversation turn supplied as history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
