// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the fusion service.
//
// A Config is built once per process and passed explicitly into the
// components that need it. Nothing below the CLI layer reads the
// environment.
//
// # Sources
//
// In order of precedence (highest last):
//   - Built-in defaults (Default)
//   - The config file: ~/.fusion/config.toml, config.yaml or config.json,
//     or the path given with --config; format chosen by extension
//   - A .env file in the working directory (never overrides set variables)
//   - Environment variables (ApplyEnvOverrides)
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	creds := credentials.NewSet(cfg.Providers.Keys())
package config
