// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the fusion command line.
//
// Commands are built with cobra. Every command wires its components through
// newApp so the CLI and the HTTP server share one construction path.
//
// # Commands
//
//   - serve: run the HTTP API with the task runner, retention and config reload
//   - ask: run one prompt through the pipeline and print the answer
//   - models: list registered models and how they route
//   - users add|list: manage users and bearer tokens
//   - keys set|delete|list: manage a user's encrypted provider keys
//   - prune: delete old runs
//   - version: print build information
//
// All commands accept --json and print a JSONResponse envelope. Errors map
// to exit codes through GetExitCode.
//
// # Usage
//
//	func main() {
//	    cli.Execute()
//	}
package cli
