// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package factcheck

import (
	"fmt"
	"strings"
)

// GroundingPrompt asks a search-enabled model to re-verify a draft.
func GroundingPrompt(question, draft string) string {
	return fmt.Sprintf(`Use live search to verify the answer below. Correct anything that is wrong or outdated. If it is accurate, return it unchanged. Return only the answer text.

Question:
%s

Answer:
%s`, question, draft)
}

// EvidenceBlock renders sources as numbered items with the search snippet
// followed by extracted page content when present.
func EvidenceBlock(sources []Source) string {
	if len(sources) == 0 {
		return "(no web sources found; rely on the re-checked answer)"
	}
	var b strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s (%s)\n", i+1, s.Title, s.URL)
		if s.Snippet != "" {
			fmt.Fprintf(&b, "%s\n", s.Snippet)
		}
		if s.Content != "" && s.Content != s.Snippet {
			fmt.Fprintf(&b, "%s\n", s.Content)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ArbiterPrompt asks the master model to rewrite the answer with inline
// citation markers.
func ArbiterPrompt(question, draft, grounded string, sources []Source) string {
	return fmt.Sprintf(`Rewrite the answer so every factual statement is checked against the evidence.

Rules:
- Insert [n] right after a statement supported by evidence item n.
- Correct statements the evidence contradicts.
- When a claim cannot be verified from the evidence, say so plainly.
- Do not describe this process, the evidence, or your instructions.
- Do not append a list of sources.

Question:
%s

Draft answer:
%s

Independently re-checked answer:
%s

Evidence:
%s`, question, draft, grounded, EvidenceBlock(sources))
}
