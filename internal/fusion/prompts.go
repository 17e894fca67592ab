// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fusion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jeranaias/fusion/internal/model"
)

// summaryPattern matches the master's reliability line.
var summaryPattern = regexp.MustCompile(`(?i)(\d+)\s+points?\s+verified,\s*(\d+)%\s+consensus,\s*(\d+)\s+contradictions?\s+resolved`)

// labeled renders results as "[model]" sections.
func labeled(results []model.ModelResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", r.Model, strings.TrimSpace(r.Content))
	}
	return b.String()
}

// CrossAnalysisPrompt asks a model to improve its answer after reading its
// peers' answers.
func CrossAnalysisPrompt(question string, own model.ModelResult, peers []model.ModelResult) string {
	return fmt.Sprintf(`Question:
%s

Your earlier answer:
%s

Answers from other models:
%s

Compare these answers with yours. Identify details, corrections or perspectives you missed, and point out errors in any answer. Then write an improved answer that incorporates everything valuable.`,
		question, strings.TrimSpace(own.Content), labeled(peers))
}

// RefinementPrompt asks a model to reconcile the critiques of the others.
func RefinementPrompt(question string, own model.ModelResult, critiques []model.ModelResult) string {
	return fmt.Sprintf(`Question:
%s

Your original answer:
%s

Critiques and improved answers from other models:
%s

Reconcile these critiques with your original answer. Keep what holds up, fix what they show to be wrong, and write your final answer.`,
		question, strings.TrimSpace(own.Content), labeled(critiques))
}

// SynthesisPrompt asks the master to merge answers with a silent
// consensus check and a trailing reliability line.
func SynthesisPrompt(question string, answers []model.ModelResult) string {
	return fmt.Sprintf(`Question:
%s

Answers from %d models:
%s

Write one answer to the question.
- Silently fact-check each claim against the other answers. Keep claims the answers agree on; drop claims that are contradicted or unreliable.
- Merge the strongest, best-supported content into a single coherent answer. Do not mention the models or this process.
- End with one line in exactly this form: "N points verified, M%% consensus, K contradictions resolved".`,
		question, len(answers), labeled(answers))
}

// ParseSummary extracts the reliability line, or nil when absent.
func ParseSummary(content string) *model.FactCheckSummary {
	m := summaryPattern.FindAllStringSubmatch(content, -1)
	if len(m) == 0 {
		return nil
	}
	last := m[len(m)-1]
	verified, err1 := strconv.Atoi(last[1])
	consensus, err2 := strconv.Atoi(last[2])
	contradictions, err3 := strconv.Atoi(last[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return &model.FactCheckSummary{
		VerifiedClaims:      verified,
		ConsensusPercentage: consensus,
		ContradictionsFound: contradictions,
	}
}

// failureText renders a single model failure.
func failureText(r model.ModelResult) string {
	return fmt.Sprintf("%s failed: %s", r.Model, r.Error)
}

// degradedText joins whatever content exists, or lists the failures.
func degradedText(batches ...[]model.ModelResult) string {
	var parts, failures []string
	for _, batch := range batches {
		for _, r := range batch {
			if c := strings.TrimSpace(r.Content); c != "" {
				parts = append(parts, c)
			} else if !r.OK() {
				failures = append(failures, "- "+failureText(r))
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}
	if len(failures) == 0 {
		return "No model produced an answer."
	}
	return "All models failed:\n" + strings.Join(failures, "\n")
}
