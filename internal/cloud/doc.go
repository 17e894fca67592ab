// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides HTTP clients for the remote inference providers.
//
// Every client accepts the same normalized Request and returns the same
// Completion, so callers never see provider response shapes:
//
//   - OpenAIClient: OpenAI, xAI and OpenRouter (/chat/completions)
//   - AnthropicClient: Anthropic messages API (/v1/messages)
//   - GeminiClient: Gemini generateContent, with optional google_search
//     grounding
//   - ImageClient: OpenAI /images/generations
//
// Clients never retry. A failed call returns an error; the caller decides
// what a failure means. HTTP errors are returned as *APIError, which
// unwraps to one of the Err* sentinels when the status has a meaning
// (401, 402, 404, 429).
//
// # Usage
//
//	client := cloud.NewAnthropicClient(key).WithBaseURL(cfg.Providers.AnthropicURL)
//	resp, err := client.Complete(ctx, cloud.Request{
//	    Model:    "claude-sonnet-4-20250514",
//	    System:   "Answer in plain text.",
//	    Messages: []cloud.Message{cloud.UserMessage("hello")},
//	})
package cloud
