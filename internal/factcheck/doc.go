// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package factcheck verifies a finished answer against web evidence.
//
// The pipeline has four stages:
//
//   - A: web search and a grounded re-check run concurrently
//   - B: page content is extracted for the strongest leads
//   - C: the master model rewrites the answer with inline [n] markers
//   - D: trailing source lists are stripped and citations are filtered to
//     the markers that survived
//
// Any failure that prevents adjudication returns the draft unchanged with
// Verified false. Verify never returns an error.
package factcheck
