// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// PHASES
// =============================================================================

// Phase tags the protocol step a ModelResult was produced in.
type Phase string

const (
	PhaseInitial       Phase = "initial"
	PhaseCrossAnalysis Phase = "cross_analysis"
	PhaseRefinement    Phase = "refinement"
	PhaseSynthesis     Phase = "synthesis"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// =============================================================================
// MODEL RESULT
// =============================================================================

// ResultStatus is the outcome of a single model call.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
)

// ModelResult is the atomic outcome of one call to one model at one phase.
// Results are values and are never modified after they are produced.
type ModelResult struct {
	Model   string       `json:"model"`
	Phase   Phase        `json:"phase"`
	Content string       `json:"content"`
	Status  ResultStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Tokens  int          `json:"tokens"`

	// Peers lists the models whose output this call was shown.
	Peers []string `json:"peers,omitempty"`
}

// OK reports whether the call succeeded.
func (r ModelResult) OK() bool {
	return r.Status == StatusSuccess
}

// Success builds a successful result.
func Success(modelID string, phase Phase, content string, tokens int) ModelResult {
	return ModelResult{
		Model:   modelID,
		Phase:   phase,
		Content: content,
		Status:  StatusSuccess,
		Tokens:  tokens,
	}
}

// Failure builds a failed result carrying err's message.
func Failure(modelID string, phase Phase, err error) ModelResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ModelResult{
		Model:  modelID,
		Phase:  phase,
		Status: StatusFailed,
		Error:  msg,
	}
}

// Succeeded returns the successful results, preserving order.
func Succeeded(results []ModelResult) []ModelResult {
	out := make([]ModelResult, 0, len(results))
	for _, r := range results {
		if r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// SumTokens adds up the token counts of every result in every batch.
func SumTokens(batches ...[]ModelResult) int {
	total := 0
	for _, batch := range batches {
		for _, r := range batch {
			total += r.Tokens
		}
	}
	return total
}

// =============================================================================
// EXCHANGES
// =============================================================================

// ExchangeKind names the phase an Exchange was recorded in.
type ExchangeKind string

const (
	ExchangeCrossAnalysis ExchangeKind = "cross_analysis"
	ExchangeRefinement    ExchangeKind = "refinement"
)

// Exchange records that From's output was shown to To.
type Exchange struct {
	From string       `json:"from_model"`
	To   string       `json:"to_model"`
	Kind ExchangeKind `json:"kind"`
}

// =============================================================================
// SYNTHESIS
// =============================================================================

// FactCheckSummary is the master model's self-reported reliability block.
type FactCheckSummary struct {
	VerifiedClaims      int `json:"verified_claims"`
	ConsensusPercentage int `json:"consensus_percentage"`
	ContradictionsFound int `json:"contradictions_found"`
}

// Synthesis is the final answer for a run.
type Synthesis struct {
	MasterModel string            `json:"masterSlug"`
	Content     string            `json:"content"`
	Status      ResultStatus      `json:"status"`
	Error       string            `json:"error,omitempty"`
	Tokens      int               `json:"tokens"`
	FactCheck   *FactCheckSummary `json:"factCheck,omitempty"`

	// FallbackFrom is set when the master call failed and Content holds the
	// answer of this model instead.
	FallbackFrom string `json:"fallbackFrom,omitempty"`
}

// OK reports whether the master call itself succeeded.
func (s *Synthesis) OK() bool {
	return s != nil && s.Status == StatusSuccess
}

// =============================================================================
// CITATIONS
// =============================================================================

// Citation is an evidence source referenced inline by "[Index]".
type Citation struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
