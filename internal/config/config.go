// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete fusion configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server" yaml:"server"`
	Log       LogConfig       `toml:"log" json:"log" yaml:"log"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Providers ProvidersConfig `toml:"providers" json:"providers" yaml:"providers"`
	Fusion    FusionConfig    `toml:"fusion" json:"fusion" yaml:"fusion"`
	FactCheck FactCheckConfig `toml:"fact_check" json:"fact_check" yaml:"fact_check"`
	Vault     VaultConfig     `toml:"vault" json:"vault" yaml:"vault"`
	Memory    MemoryConfig    `toml:"memory" json:"memory" yaml:"memory"`
	Tasks     TasksConfig     `toml:"tasks" json:"tasks" yaml:"tasks"`

	// Models registers extra model ids on top of the built-in table.
	Models []ModelConfig `toml:"models" json:"models" yaml:"models"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr             string   `toml:"addr" json:"addr" yaml:"addr"`
	ReadTimeoutSecs  int      `toml:"read_timeout_secs" json:"read_timeout_secs" yaml:"read_timeout_secs"`
	WriteTimeoutSecs int      `toml:"write_timeout_secs" json:"write_timeout_secs" yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int      `toml:"idle_timeout_secs" json:"idle_timeout_secs" yaml:"idle_timeout_secs"`
	MaxBodyBytes     int64    `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
	RateLimitRPS     float64  `toml:"rate_limit_rps" json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst   int      `toml:"rate_limit_burst" json:"rate_limit_burst" yaml:"rate_limit_burst"`
	CORSOrigins      []string `toml:"cors_origins" json:"cors_origins" yaml:"cors_origins"`
	TrustedProxies   []string `toml:"trusted_proxies" json:"trusted_proxies" yaml:"trusted_proxies"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
	File   string `toml:"file" json:"file" yaml:"file"`
}

// StorageConfig controls the SQLite database and run retention.
type StorageConfig struct {
	Path          string `toml:"path" json:"path" yaml:"path"`
	RetentionDays int    `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
	RetentionCron string `toml:"retention_cron" json:"retention_cron" yaml:"retention_cron"`
}

// ProvidersConfig holds the process-wide default credentials and endpoints.
type ProvidersConfig struct {
	OpenAIKey     string `toml:"openai_key" json:"openai_key" yaml:"openai_key"`
	AnthropicKey  string `toml:"anthropic_key" json:"anthropic_key" yaml:"anthropic_key"`
	GoogleKey     string `toml:"google_key" json:"google_key" yaml:"google_key"`
	XAIKey        string `toml:"xai_key" json:"xai_key" yaml:"xai_key"`
	OpenRouterKey string `toml:"openrouter_key" json:"openrouter_key" yaml:"openrouter_key"`
	SerperKey     string `toml:"serper_key" json:"serper_key" yaml:"serper_key"`
	TavilyKey     string `toml:"tavily_key" json:"tavily_key" yaml:"tavily_key"`
	ManusKey      string `toml:"manus_key" json:"manus_key" yaml:"manus_key"`

	OpenAIURL     string `toml:"openai_url" json:"openai_url" yaml:"openai_url"`
	AnthropicURL  string `toml:"anthropic_url" json:"anthropic_url" yaml:"anthropic_url"`
	GoogleURL     string `toml:"google_url" json:"google_url" yaml:"google_url"`
	XAIURL        string `toml:"xai_url" json:"xai_url" yaml:"xai_url"`
	OpenRouterURL string `toml:"openrouter_url" json:"openrouter_url" yaml:"openrouter_url"`
	SerperURL     string `toml:"serper_url" json:"serper_url" yaml:"serper_url"`
	TavilyURL     string `toml:"tavily_url" json:"tavily_url" yaml:"tavily_url"`
	ManusURL      string `toml:"manus_url" json:"manus_url" yaml:"manus_url"`

	// TimeoutSecs bounds a single provider HTTP call. Zero leaves the
	// caller's request context as the only deadline.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// FusionConfig holds orchestration defaults.
type FusionConfig struct {
	DefaultMode   string   `toml:"default_mode" json:"default_mode" yaml:"default_mode"`
	DefaultMaster string   `toml:"default_master" json:"default_master" yaml:"default_master"`
	DefaultModels []string `toml:"default_models" json:"default_models" yaml:"default_models"`
	// MaxParallel caps concurrent calls per phase; 0 is unbounded.
	MaxParallel int     `toml:"max_parallel" json:"max_parallel" yaml:"max_parallel"`
	Temperature float64 `toml:"temperature" json:"temperature" yaml:"temperature"`
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
}

// FactCheckConfig controls the web verification pipeline.
type FactCheckConfig struct {
	GroundingModel string `toml:"grounding_model" json:"grounding_model" yaml:"grounding_model"`
	MaxSources     int    `toml:"max_sources" json:"max_sources" yaml:"max_sources"`
	MaxExtract     int    `toml:"max_extract" json:"max_extract" yaml:"max_extract"`
	ExtractChars   int    `toml:"extract_chars" json:"extract_chars" yaml:"extract_chars"`
}

// VaultConfig controls encryption of per-user provider keys.
type VaultConfig struct {
	// Secret derives the vault encryption key. Prefer FUSION_VAULT_SECRET.
	Secret string `toml:"secret" json:"secret" yaml:"secret"`
}

// MemoryConfig controls the per-user memory block and extraction.
type MemoryConfig struct {
	Enabled         bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ExtractionModel string `toml:"extraction_model" json:"extraction_model" yaml:"extraction_model"`
	MaxBlockChars   int    `toml:"max_block_chars" json:"max_block_chars" yaml:"max_block_chars"`
	MaxItems        int    `toml:"max_items" json:"max_items" yaml:"max_items"`
}

// TasksConfig controls the background task runner.
type TasksConfig struct {
	Workers     int `toml:"workers" json:"workers" yaml:"workers"`
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// ModelConfig registers one extra model id.
type ModelConfig struct {
	ID             string `toml:"id" json:"id" yaml:"id"`
	Provider       string `toml:"provider" json:"provider" yaml:"provider"`
	Name           string `toml:"name" json:"name" yaml:"name"`
	OpenRouterName string `toml:"openrouter_name" json:"openrouter_name" yaml:"openrouter_name"`
	Kind           string `toml:"kind" json:"kind" yaml:"kind"`
	Grounding      bool   `toml:"grounding" json:"grounding" yaml:"grounding"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             "127.0.0.1:8787",
			ReadTimeoutSecs:  30,
			WriteTimeoutSecs: 600,
			IdleTimeoutSecs:  120,
			MaxBodyBytes:     1 << 20,
			RateLimitRPS:     2,
			RateLimitBurst:   10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			RetentionDays: 0,
			RetentionCron: "0 3 * * *",
		},
		Providers: ProvidersConfig{
			OpenAIURL:     "https://api.openai.com/v1",
			AnthropicURL:  "https://api.anthropic.com",
			GoogleURL:     "https://generativelanguage.googleapis.com",
			XAIURL:        "https://api.x.ai/v1",
			OpenRouterURL: "https://openrouter.ai/api/v1",
			SerperURL:     "https://google.serper.dev",
			TavilyURL:     "https://api.tavily.com",
			ManusURL:      "https://api.manus.ai",
		},
		Fusion: FusionConfig{
			DefaultMode:   "fusion",
			DefaultMaster: "gpt-4o",
			DefaultModels: []string{"gpt-4o", "claude-sonnet-4", "gemini-2.5-flash"},
			Temperature:   0.7,
			MaxTokens:     4096,
		},
		FactCheck: FactCheckConfig{
			GroundingModel: "gemini-2.5-flash",
			MaxSources:     5,
			MaxExtract:     3,
			ExtractChars:   1000,
		},
		Memory: MemoryConfig{
			Enabled:         true,
			ExtractionModel: "gpt-4o-mini",
			MaxBlockChars:   2000,
			MaxItems:        20,
		},
		Tasks: TasksConfig{
			Workers:     2,
			TimeoutSecs: 60,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the fusion configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".fusion"), nil
}

// DefaultPath returns the first existing config file in ConfigDir, or the
// TOML path when none exists.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	for _, name := range []string{"config.toml", "config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from DefaultPath when path is
// empty. A missing default file is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	LoadDotEnv(".env")
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decodeFile decodes path into cfg by extension.
func decodeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode YAML config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to decode TOML config: %w", err)
		}
	}
	return nil
}

// SetDefaults fills zero values with defaults after a partial file load.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = d.Server.ReadTimeoutSecs
	}
	if c.Server.WriteTimeoutSecs == 0 {
		c.Server.WriteTimeoutSecs = d.Server.WriteTimeoutSecs
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = d.Server.IdleTimeoutSecs
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = d.Server.RateLimitBurst
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Storage.Path == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Storage.Path = filepath.Join(dir, "fusion.db")
		}
	}
	if c.Storage.RetentionCron == "" {
		c.Storage.RetentionCron = d.Storage.RetentionCron
	}

	p := &c.Providers
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&p.OpenAIURL, d.Providers.OpenAIURL)
	fill(&p.AnthropicURL, d.Providers.AnthropicURL)
	fill(&p.GoogleURL, d.Providers.GoogleURL)
	fill(&p.XAIURL, d.Providers.XAIURL)
	fill(&p.OpenRouterURL, d.Providers.OpenRouterURL)
	fill(&p.SerperURL, d.Providers.SerperURL)
	fill(&p.TavilyURL, d.Providers.TavilyURL)
	fill(&p.ManusURL, d.Providers.ManusURL)

	if c.Fusion.DefaultMode == "" {
		c.Fusion.DefaultMode = d.Fusion.DefaultMode
	}
	if c.Fusion.DefaultMaster == "" {
		c.Fusion.DefaultMaster = d.Fusion.DefaultMaster
	}
	if len(c.Fusion.DefaultModels) == 0 {
		c.Fusion.DefaultModels = d.Fusion.DefaultModels
	}
	if c.Fusion.MaxTokens == 0 {
		c.Fusion.MaxTokens = d.Fusion.MaxTokens
	}

	if c.FactCheck.GroundingModel == "" {
		c.FactCheck.GroundingModel = d.FactCheck.GroundingModel
	}
	if c.FactCheck.MaxSources == 0 {
		c.FactCheck.MaxSources = d.FactCheck.MaxSources
	}
	if c.FactCheck.MaxExtract == 0 {
		c.FactCheck.MaxExtract = d.FactCheck.MaxExtract
	}
	if c.FactCheck.ExtractChars == 0 {
		c.FactCheck.ExtractChars = d.FactCheck.ExtractChars
	}

	if c.Memory.ExtractionModel == "" {
		c.Memory.ExtractionModel = d.Memory.ExtractionModel
	}
	if c.Memory.MaxBlockChars == 0 {
		c.Memory.MaxBlockChars = d.Memory.MaxBlockChars
	}
	if c.Memory.MaxItems == 0 {
		c.Memory.MaxItems = d.Memory.MaxItems
	}

	if c.Tasks.Workers == 0 {
		c.Tasks.Workers = d.Tasks.Workers
	}
	if c.Tasks.TimeoutSecs == 0 {
		c.Tasks.TimeoutSecs = d.Tasks.TimeoutSecs
	}
}

// =============================================================================
// SAVE
// =============================================================================

// SaveTOML writes the configuration to path with owner-only permissions.
// Provider keys are written too; keep the file private.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# fusion configuration file\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Keys returns the configured default credentials by provider.
func (p ProvidersConfig) Keys() map[router.Provider]string {
	return map[router.Provider]string{
		router.ProviderOpenAI:     p.OpenAIKey,
		router.ProviderAnthropic:  p.AnthropicKey,
		router.ProviderGoogle:     p.GoogleKey,
		router.ProviderXAI:        p.XAIKey,
		router.ProviderOpenRouter: p.OpenRouterKey,
		router.ProviderSerper:     p.SerperKey,
		router.ProviderTavily:     p.TavilyKey,
		router.ProviderManus:      p.ManusKey,
	}
}

// Timeout returns the per-call provider timeout, zero when unset.
func (p ProvidersConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// Specs converts the [[models]] entries into registry specs.
func (c *Config) Specs() ([]router.ModelSpec, error) {
	specs := make([]router.ModelSpec, 0, len(c.Models))
	for i, m := range c.Models {
		p, err := router.ParseProvider(m.Provider)
		if err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}
		kind := router.KindText
		if strings.EqualFold(m.Kind, "image") {
			kind = router.KindImage
		}
		specs = append(specs, router.ModelSpec{
			ID:             m.ID,
			Provider:       p,
			Name:           m.Name,
			OpenRouterName: m.OpenRouterName,
			Kind:           kind,
			Grounding:      m.Grounding,
		})
	}
	return specs, nil
}

// Registry builds the model registry from the built-ins plus c.Models.
func (c *Config) Registry() (*router.Registry, error) {
	reg := router.NewRegistry()
	specs, err := c.Specs()
	if err != nil {
		return nil, err
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
