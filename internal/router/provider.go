// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// PROVIDER TYPE
// ============================================================================

// ErrUnknownProvider is returned by ParseProvider for unrecognized names.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider identifies a remote service that needs a credential.
type Provider int

const (
	// ProviderUnknown is the zero value.
	ProviderUnknown Provider = iota
	// ProviderOpenAI is api.openai.com (chat and images).
	ProviderOpenAI
	// ProviderAnthropic is the Anthropic messages API.
	ProviderAnthropic
	// ProviderGoogle is the Gemini generateContent API.
	ProviderGoogle
	// ProviderXAI is the OpenAI-compatible xAI API.
	ProviderXAI
	// ProviderOpenRouter is the OpenAI-compatible OpenRouter gateway.
	ProviderOpenRouter
	// ProviderSerper is the web search API used by fact-checking.
	ProviderSerper
	// ProviderTavily is the page extraction API used by fact-checking.
	ProviderTavily
	// ProviderManus is the external agent API.
	ProviderManus
)

// Providers is the fixed list of providers a credential can be resolved for.
var Providers = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderXAI,
	ProviderOpenRouter,
	ProviderSerper,
	ProviderTavily,
	ProviderManus,
}

// String returns the lowercase provider name used in config and the vault.
func (p Provider) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderGoogle:
		return "google"
	case ProviderXAI:
		return "xai"
	case ProviderOpenRouter:
		return "openrouter"
	case ProviderSerper:
		return "serper"
	case ProviderTavily:
		return "tavily"
	case ProviderManus:
		return "manus"
	default:
		return fmt.Sprintf("Provider(%d)", int(p))
	}
}

// IsInference reports whether p serves model calls.
func (p Provider) IsInference() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderXAI, ProviderOpenRouter:
		return true
	default:
		return false
	}
}

// ParseProvider converts a provider name to a Provider.
// "gemini" and "grok" are accepted as aliases.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI, nil
	case "anthropic":
		return ProviderAnthropic, nil
	case "google", "gemini":
		return ProviderGoogle, nil
	case "xai", "grok":
		return ProviderXAI, nil
	case "openrouter":
		return ProviderOpenRouter, nil
	case "serper":
		return ProviderSerper, nil
	case "tavily":
		return ProviderTavily, nil
	case "manus":
		return ProviderManus, nil
	default:
		return ProviderUnknown, fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}
