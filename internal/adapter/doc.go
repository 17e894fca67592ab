// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package adapter turns an abstract model id into a provider call.
//
// Adapter.Call resolves the id through the router registry, builds the
// system prompt (plain-text directive, project instructions, memory block),
// appends history and the prompt, and dispatches to the cloud client for the
// resolved provider. It always returns a model.ModelResult: a missing
// credential, an unknown id, a provider error or even a panic becomes a
// failed result. Calls are never retried.
package adapter
