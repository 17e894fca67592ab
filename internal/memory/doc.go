// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory keeps short durable facts about each user.
//
// Facts are extracted by a model in the background after a run is saved
// and rendered back into later prompts as a bounded text block.
package memory
