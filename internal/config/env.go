// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is ignored.
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - FUSION_ADDR, FUSION_LOG_LEVEL, FUSION_LOG_FORMAT, FUSION_DB
//   - FUSION_MASTER_MODEL, FUSION_MAX_PARALLEL, FUSION_VAULT_SECRET
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY (or GOOGLE_API_KEY),
//     XAI_API_KEY, OPENROUTER_API_KEY, SERPER_API_KEY, TAVILY_API_KEY,
//     MANUS_API_KEY
func (c *Config) ApplyEnvOverrides() {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	set(&c.Server.Addr, "FUSION_ADDR")
	set(&c.Log.Level, "FUSION_LOG_LEVEL")
	set(&c.Log.Format, "FUSION_LOG_FORMAT")
	set(&c.Storage.Path, "FUSION_DB")
	set(&c.Fusion.DefaultMaster, "FUSION_MASTER_MODEL")
	set(&c.Vault.Secret, "FUSION_VAULT_SECRET")

	if v := os.Getenv("FUSION_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fusion.MaxParallel = n
		}
	}

	p := &c.Providers
	set(&p.OpenAIKey, "OPENAI_API_KEY")
	set(&p.AnthropicKey, "ANTHROPIC_API_KEY")
	set(&p.GoogleKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	set(&p.XAIKey, "XAI_API_KEY")
	set(&p.OpenRouterKey, "OPENROUTER_API_KEY")
	set(&p.SerperKey, "SERPER_API_KEY")
	set(&p.TavilyKey, "TAVILY_API_KEY")
	set(&p.ManusKey, "MANUS_API_KEY")
}
