// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault stores per-user provider API keys encrypted at rest.
//
// Keys are sealed with AES-256-GCM under a key derived from the server
// secret with PBKDF2-SHA-256. The salt lives in the database metadata table
// so the same secret reopens the same vault.
package vault
