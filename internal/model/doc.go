// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the fusion pipeline.
//
// # Key Types
//
//   - Run: one orchestrator invocation for one prompt
//   - ModelResult: the outcome of one call to one model at one phase
//   - Exchange: a directed "output of From was shown to To" edge
//   - Synthesis: the master model's final answer and optional self-report
//   - Citation: an evidence source referenced by an inline [n] marker
//   - FusionRequest, FusionResponse: the HTTP wire shapes
//
// # Usage
//
//	req := model.FusionRequest{
//	    Prompt:     "What is the capital of France?",
//	    ModelSlugs: []string{"gpt-4o"},
//	    Mode:       model.ModeSolo,
//	}
//	if err := req.Validate(); err != nil {
//	    return err
//	}
package model
