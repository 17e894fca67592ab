// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across fusion packages.
//
// # Key Functions
//
//   - TruncateRunes: UTF-8 safe truncation with ellipsis (log fields, summaries)
//   - ClipRunes: UTF-8 safe truncation without ellipsis (evidence excerpts)
//   - DisplayWidth, PadRight: terminal column math for CLI tables
//   - AtomicWriteFile: crash-safe file writes for config saves
//
// # Usage
//
//	excerpt := util.ClipRunes(page, 1000)
//	fmt.Println(util.PadRight(modelID, 24) + provider)
package util
