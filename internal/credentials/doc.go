// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credentials builds the per-request provider credential Set.
//
// A Resolver holds the process-wide defaults (from config) and an optional
// Vault holding per-caller overrides. Resolve never fails: vault lookups are
// best-effort and each provider falls back to its default independently.
package credentials
