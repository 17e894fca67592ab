// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/adhocore/gronx"

	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must be >= 0, got %v", c.Server.RateLimitRPS)
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes", "must be >= 0")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "text":
	default:
		add("log.format", "invalid format %q, must be json or console", c.Log.Format)
	}

	if c.Storage.RetentionDays < 0 {
		add("storage.retention_days", "must be >= 0")
	}
	if c.Storage.RetentionDays > 0 && !gronx.New().IsValid(c.Storage.RetentionCron) {
		add("storage.retention_cron", "invalid cron expression %q", c.Storage.RetentionCron)
	}

	urls := map[string]string{
		"providers.openai_url":     c.Providers.OpenAIURL,
		"providers.anthropic_url":  c.Providers.AnthropicURL,
		"providers.google_url":     c.Providers.GoogleURL,
		"providers.xai_url":        c.Providers.XAIURL,
		"providers.openrouter_url": c.Providers.OpenRouterURL,
		"providers.serper_url":     c.Providers.SerperURL,
		"providers.tavily_url":     c.Providers.TavilyURL,
		"providers.manus_url":      c.Providers.ManusURL,
	}
	for field, raw := range urls {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(field, "invalid URL %q", raw)
		}
	}
	if c.Providers.TimeoutSecs < 0 {
		add("providers.timeout_secs", "must be >= 0")
	}

	if _, err := model.ParseMode(c.Fusion.DefaultMode); err != nil {
		add("fusion.default_mode", "%v", err)
	}
	if c.Fusion.MaxParallel < 0 {
		add("fusion.max_parallel", "must be >= 0")
	}
	if c.Fusion.Temperature < 0 || c.Fusion.Temperature > 2 {
		add("fusion.temperature", "must be between 0 and 2, got %v", c.Fusion.Temperature)
	}

	if c.FactCheck.MaxSources < 1 || c.FactCheck.MaxSources > 20 {
		add("fact_check.max_sources", "must be between 1 and 20")
	}
	if c.FactCheck.MaxExtract < 0 || c.FactCheck.MaxExtract > c.FactCheck.MaxSources {
		add("fact_check.max_extract", "must be between 0 and max_sources")
	}

	if c.Tasks.Workers < 1 {
		add("tasks.workers", "must be >= 1")
	}

	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			add(fmt.Sprintf("models[%d].id", i), "must not be empty")
		}
		p, err := router.ParseProvider(m.Provider)
		if err != nil {
			add(fmt.Sprintf("models[%d].provider", i), "%v", err)
		} else if !p.IsInference() {
			add(fmt.Sprintf("models[%d].provider", i), "%s cannot serve models", p)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
