// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fusion runs a prompt across several models and merges the answers.
//
// The Orchestrator implements the protocol:
//
//  1. initial: every selected model answers the prompt
//  2. cross_analysis (supernova only): each model critiques its peers
//  3. refinement (supernova only): each model reconciles the critiques of
//     the others
//  4. synthesis: the master model merges the last phase's answers
//
// Each phase fans out concurrently and ends at a barrier. Failed calls are
// recorded and excluded from later phases; they never abort the run.
//
// The Service wraps the orchestrator with authentication, credentials,
// memory, fact-checking, persistence and background memory extraction.
package fusion
