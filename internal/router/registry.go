// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownModel is returned for identifiers not in the registry.
var ErrUnknownModel = errors.New("unknown model")

// MissingCredentialError reports that no usable credential exists for a model.
type MissingCredentialError struct {
	Model    string
	Provider Provider
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("missing credential for %s (model %s)", e.Provider, e.Model)
}

// ============================================================================
// MODEL SPEC
// ============================================================================

// Kind is the output type a model produces.
type Kind int

const (
	KindText Kind = iota
	KindImage
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "text"
}

// ModelSpec describes one registered model.
type ModelSpec struct {
	// ID is the identifier callers send in model_slugs.
	ID string
	// Provider is the model's native provider.
	Provider Provider
	// Name is the model name sent to the native provider.
	Name string
	// OpenRouterName is the OpenRouter model name, empty if not routable.
	OpenRouterName string
	// Kind is text or image.
	Kind Kind
	// Grounding marks models with a live web search tool.
	Grounding bool
}

// Route is the resolved target of one call.
type Route struct {
	Spec     ModelSpec
	Provider Provider
	Name     string
}

// ViaOpenRouter reports whether the call falls back to OpenRouter.
func (r Route) ViaOpenRouter() bool {
	return r.Provider == ProviderOpenRouter && r.Spec.Provider != ProviderOpenRouter
}

// CredentialChecker reports whether a credential exists for a provider.
type CredentialChecker interface {
	Has(p Provider) bool
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry is the explicit model id table.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelSpec
}

// NewRegistry returns a registry holding the built-in models.
func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]ModelSpec, len(builtinModels))}
	for _, m := range builtinModels {
		r.models[m.ID] = m
	}
	return r
}

// Register adds or replaces a model.
func (r *Registry) Register(ms ModelSpec) error {
	ms.ID = strings.TrimSpace(ms.ID)
	if ms.ID == "" {
		return errors.New("model id is required")
	}
	if !ms.Provider.IsInference() {
		return fmt.Errorf("model %s: provider %s cannot serve inference", ms.ID, ms.Provider)
	}
	if ms.Name == "" {
		ms.Name = ms.ID
	}
	r.mu.Lock()
	r.models[ms.ID] = ms
	r.mu.Unlock()
	return nil
}

// Lookup returns the ModelSpec for id.
func (r *Registry) Lookup(id string) (ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.models[id]
	return ms, ok
}

// Route resolves id against the available credentials.
func (r *Registry) Route(id string, creds CredentialChecker) (Route, error) {
	ms, ok := r.Lookup(id)
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if creds != nil && creds.Has(ms.Provider) {
		return Route{Spec: ms, Provider: ms.Provider, Name: ms.Name}, nil
	}
	if ms.OpenRouterName != "" && creds != nil && creds.Has(ProviderOpenRouter) {
		return Route{Spec: ms, Provider: ProviderOpenRouter, Name: ms.OpenRouterName}, nil
	}
	return Route{}, &MissingCredentialError{Model: id, Provider: ms.Provider}
}

// Models returns every registered model sorted by id.
func (r *Registry) Models() []ModelSpec {
	r.mu.RLock()
	out := make([]ModelSpec, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroundingModel returns a grounding-capable text model whose native
// provider credential is present, preferring preferred when it qualifies.
// Models reachable only through OpenRouter do not qualify.
func (r *Registry) GroundingModel(preferred string, creds CredentialChecker) (ModelSpec, bool) {
	if creds == nil {
		return ModelSpec{}, false
	}
	if ms, ok := r.Lookup(preferred); ok && ms.Grounding && creds.Has(ms.Provider) {
		return ms, true
	}
	for _, m := range r.Models() {
		if m.Grounding && m.Kind == KindText && creds.Has(m.Provider) {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// ============================================================================
// BUILT-IN MODELS
// ============================================================================

var builtinModels = []ModelSpec{
	// OpenAI
	{ID: "gpt-4o", Provider: ProviderOpenAI, Name: "gpt-4o", OpenRouterName: "openai/gpt-4o"},
	{ID: "gpt-4o-mini", Provider: ProviderOpenAI, Name: "gpt-4o-mini", OpenRouterName: "openai/gpt-4o-mini"},
	{ID: "gpt-4.1", Provider: ProviderOpenAI, Name: "gpt-4.1", OpenRouterName: "openai/gpt-4.1"},
	{ID: "o3-mini", Provider: ProviderOpenAI, Name: "o3-mini", OpenRouterName: "openai/o3-mini"},

	// Anthropic
	{ID: "claude-sonnet-4", Provider: ProviderAnthropic, Name: "claude-sonnet-4-20250514", OpenRouterName: "anthropic/claude-sonnet-4"},
	{ID: "claude-opus-4", Provider: ProviderAnthropic, Name: "claude-opus-4-20250514", OpenRouterName: "anthropic/claude-opus-4"},
	{ID: "claude-3-5-haiku", Provider: ProviderAnthropic, Name: "claude-3-5-haiku-20241022", OpenRouterName: "anthropic/claude-3.5-haiku"},

	// Google
	{ID: "gemini-2.5-pro", Provider: ProviderGoogle, Name: "gemini-2.5-pro", OpenRouterName: "google/gemini-2.5-pro", Grounding: true},
	{ID: "gemini-2.5-flash", Provider: ProviderGoogle, Name: "gemini-2.5-flash", OpenRouterName: "google/gemini-2.5-flash", Grounding: true},
	{ID: "gemini-2.0-flash", Provider: ProviderGoogle, Name: "gemini-2.0-flash", OpenRouterName: "google/gemini-2.0-flash-001", Grounding: true},

	// xAI
	{ID: "grok-3", Provider: ProviderXAI, Name: "grok-3", OpenRouterName: "x-ai/grok-3"},
	{ID: "grok-3-mini", Provider: ProviderXAI, Name: "grok-3-mini", OpenRouterName: "x-ai/grok-3-mini"},
	{ID: "grok-4", Provider: ProviderXAI, Name: "grok-4", OpenRouterName: "x-ai/grok-4"},

	// OpenRouter only
	{ID: "deepseek-r1", Provider: ProviderOpenRouter, Name: "deepseek/deepseek-r1"},
	{ID: "llama-3.3-70b", Provider: ProviderOpenRouter, Name: "meta-llama/llama-3.3-70b-instruct"},

	// Images
	{ID: "gpt-image-1", Provider: ProviderOpenAI, Name: "gpt-image-1", Kind: KindImage},
	{ID: "dall-e-3", Provider: ProviderOpenAI, Name: "dall-e-3", Kind: KindImage},
}
