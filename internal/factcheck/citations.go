// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package factcheck

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/util"
)

// markerPattern matches an inline citation marker and one leading space.
var markerPattern = regexp.MustCompile(` ?\[(\d+)\]`)

// sourceHeadings start a trailing list of sources the arbiter may append.
var sourceHeadings = []string{"sources", "references", "citations", "evidence"}

// StripSourcesSection removes a trailing "Sources:" style section. The
// heading must sit on its own line, optionally decorated with Markdown.
func StripSourcesSection(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i > 0; i-- {
		if isSourcesHeading(lines[i]) {
			head := strings.TrimRight(strings.Join(lines[:i], "\n"), " \n\t")
			if head != "" {
				return head
			}
		}
	}
	return strings.TrimSpace(text)
}

func isSourcesHeading(line string) bool {
	h := strings.ToLower(strings.Trim(strings.TrimSpace(line), "#*_ "))
	for _, s := range sourceHeadings {
		if h == s || h == s+":" || strings.HasPrefix(h, s+":") {
			return true
		}
	}
	return false
}

// Finalize keeps the sources whose [n] marker appears in text and removes
// markers that reference no kept source. Source n is sources[n-1].
func Finalize(text string, sources []Source) (string, []model.Citation) {
	present := make(map[int]bool)
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			present[n] = true
		}
	}

	citations := []model.Citation{}
	kept := make(map[int]bool)
	for i, src := range sources {
		n := i + 1
		if !present[n] {
			continue
		}
		kept[n] = true
		citations = append(citations, model.Citation{
			Index:   n,
			Title:   src.Title,
			URL:     src.URL,
			Snippet: util.TruncateRunes(src.Snippet, 300),
		})
	}

	// Removing a marker can join its neighbours into a new one ("[[7]3]"),
	// so repeat until the text is stable.
	cleaned := text
	for {
		next := markerPattern.ReplaceAllStringFunc(cleaned, func(match string) string {
			sub := markerPattern.FindStringSubmatch(match)
			if n, err := strconv.Atoi(sub[1]); err == nil && kept[n] {
				return match
			}
			return ""
		})
		if next == cleaned {
			break
		}
		cleaned = next
	}
	return cleaned, citations
}

// Markers returns the distinct citation indices referenced in text.
func Markers(text string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
