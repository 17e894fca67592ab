// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations, runs and their per-phase results.
//
// Store is the persistence boundary the fusion service depends on.
// SQLiteStore implements it with modernc.org/sqlite (pure Go, no cgo).
//
// A run is written in two steps. BeginRun ensures the conversation exists
// and inserts the run as pending; FinishRun writes the phase rows, the
// synthesis, the two chat messages and marks the run complete. Writes are
// sequential: when a step fails, later steps are not attempted, and the
// error names the step.
//
// # Tables
//
//   - users, projects: caller identity and project instructions
//   - conversations, messages: the chat transcript
//   - runs: one row per orchestrator invocation
//   - raw_responses, critiques, refinements: ModelResults per phase
//   - syntheses: at most one per run
package storage
