// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/fusion/internal/cloud"
	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
)

// Fixed system directives.
const (
	PlainTextDirective = "Answer in plain, unformatted text. Do not use Markdown, HTML, tables, headings, bullet symbols, or any other markup."
	JSONDirective      = "Answer with a single valid JSON object and no surrounding text."
)

var (
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrWrongKind is returned when a text call targets an image model or
	// the reverse.
	ErrWrongKind = errors.New("model kind does not match call")
)

// Options are per-call generation settings.
type Options struct {
	Temperature float64
	MaxTokens   int
	// Grounding enables the provider's live search tool when supported.
	Grounding bool
}

// CallRequest describes one model call.
type CallRequest struct {
	Model       string
	Phase       model.Phase
	Prompt      string
	Credentials credentials.Set

	// SystemInstructions are project-level instructions.
	SystemInstructions string
	// Memory is the caller's memory block.
	Memory  string
	History []model.Message

	// JSON asks for a structured JSON object instead of plain text.
	JSON    bool
	Options Options
}

// Caller is the contract the orchestrator and fact-checker depend on.
type Caller interface {
	Call(ctx context.Context, req CallRequest) model.ModelResult
}

// ImageGenerator produces images for image mode.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, modelID, prompt string, creds credentials.Set) model.ModelResult
}

// Recorder receives one observation per call. telemetry.Metrics implements it.
type Recorder interface {
	ObserveCall(provider, phase string, ok bool, tokens int, d time.Duration)
}

// Endpoints holds provider base URLs and transport settings.
type Endpoints struct {
	OpenAI     string
	Anthropic  string
	Google     string
	XAI        string
	OpenRouter string

	Timeout    time.Duration
	HTTPClient *http.Client
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter dispatches calls to provider clients.
type Adapter struct {
	registry  *router.Registry
	endpoints Endpoints
	defaults  Options
	logger    *zap.Logger
	recorder  Recorder
}

// New creates an adapter over registry.
func New(registry *router.Registry, endpoints Endpoints) *Adapter {
	return &Adapter{
		registry:  registry,
		endpoints: endpoints,
		logger:    zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (a *Adapter) WithLogger(l *zap.Logger) *Adapter {
	if l != nil {
		a.logger = l
	}
	return a
}

// WithRecorder sets the metrics recorder.
func (a *Adapter) WithRecorder(r Recorder) *Adapter {
	a.recorder = r
	return a
}

// WithDefaults sets options applied when a call leaves them zero.
func (a *Adapter) WithDefaults(o Options) *Adapter {
	a.defaults = o
	return a
}

// Registry returns the model registry.
func (a *Adapter) Registry() *router.Registry {
	return a.registry
}

// Call performs one text model call. It never returns an error; failures are
// reported in the result.
func (a *Adapter) Call(ctx context.Context, req CallRequest) (result model.ModelResult) {
	start := time.Now()
	provider := "none"
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("model_call_panic", zap.String("model", req.Model), zap.Any("panic", r))
			result = model.Failure(req.Model, req.Phase, fmt.Errorf("internal error: %v", r))
		}
		a.observe(provider, req.Phase, result, time.Since(start))
	}()

	if strings.TrimSpace(req.Prompt) == "" {
		return model.Failure(req.Model, req.Phase, ErrEmptyPrompt)
	}
	route, err := a.registry.Route(req.Model, req.Credentials)
	if err != nil {
		return model.Failure(req.Model, req.Phase, err)
	}
	provider = route.Provider.String()
	if route.Spec.Kind != router.KindText {
		return model.Failure(req.Model, req.Phase, fmt.Errorf("%w: %s is an %s model", ErrWrongKind, req.Model, route.Spec.Kind))
	}

	client, err := a.client(route, req.Credentials.Get(route.Provider))
	if err != nil {
		return model.Failure(req.Model, req.Phase, err)
	}

	opts := a.options(req.Options)
	if opts.Grounding && route.Provider != router.ProviderGoogle {
		a.logger.Warn("grounding_unavailable",
			zap.String("model", req.Model),
			zap.String("provider", provider))
	}
	completion, err := client.Complete(ctx, cloud.Request{
		Model:       route.Name,
		System:      BuildSystemPrompt(req.JSON, req.SystemInstructions, req.Memory),
		Messages:    BuildMessages(req.History, req.Prompt),
		JSON:        req.JSON,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Grounding:   opts.Grounding && route.Provider == router.ProviderGoogle,
	})
	if err != nil {
		a.logger.Debug("model_call_failed",
			zap.String("model", req.Model),
			zap.String("provider", provider),
			zap.String("phase", req.Phase.String()),
			zap.Error(err))
		return model.Failure(req.Model, req.Phase, err)
	}
	return model.Success(req.Model, req.Phase, completion.Content, completion.Tokens)
}

// GenerateImage performs one image generation call. The result content is
// the image URL.
func (a *Adapter) GenerateImage(ctx context.Context, modelID, prompt string, creds credentials.Set) (result model.ModelResult) {
	start := time.Now()
	provider := "none"
	defer func() {
		if r := recover(); r != nil {
			result = model.Failure(modelID, model.PhaseInitial, fmt.Errorf("internal error: %v", r))
		}
		a.observe(provider, model.PhaseInitial, result, time.Since(start))
	}()

	if strings.TrimSpace(prompt) == "" {
		return model.Failure(modelID, model.PhaseInitial, ErrEmptyPrompt)
	}
	route, err := a.registry.Route(modelID, creds)
	if err != nil {
		return model.Failure(modelID, model.PhaseInitial, err)
	}
	provider = route.Provider.String()
	if route.Spec.Kind != router.KindImage || route.Provider != router.ProviderOpenAI {
		return model.Failure(modelID, model.PhaseInitial, fmt.Errorf("%w: %s is not an image model", ErrWrongKind, modelID))
	}

	img, err := cloud.NewImageClient(creds.Get(router.ProviderOpenAI)).
		WithBaseURL(a.endpoints.OpenAI).
		WithHTTPClient(a.endpoints.HTTPClient).
		WithTimeout(a.endpoints.Timeout).
		Generate(ctx, route.Name, prompt)
	if err != nil {
		return model.Failure(modelID, model.PhaseInitial, err)
	}
	return model.Success(modelID, model.PhaseInitial, img.URL, img.Tokens)
}

// client builds the provider client for route.
func (a *Adapter) client(route router.Route, apiKey string) (cloud.ChatClient, error) {
	e := a.endpoints
	switch route.Provider {
	case router.ProviderOpenAI:
		return cloud.NewOpenAIClient(apiKey).WithBaseURL(e.OpenAI).WithHTTPClient(e.HTTPClient).WithTimeout(e.Timeout), nil
	case router.ProviderXAI:
		return cloud.NewXAIClient(apiKey).WithBaseURL(e.XAI).WithHTTPClient(e.HTTPClient).WithTimeout(e.Timeout), nil
	case router.ProviderOpenRouter:
		return cloud.NewOpenRouterClient(apiKey).WithBaseURL(e.OpenRouter).WithHTTPClient(e.HTTPClient).WithTimeout(e.Timeout), nil
	case router.ProviderAnthropic:
		return cloud.NewAnthropicClient(apiKey).WithBaseURL(e.Anthropic).WithHTTPClient(e.HTTPClient).WithTimeout(e.Timeout), nil
	case router.ProviderGoogle:
		return cloud.NewGeminiClient(apiKey).WithBaseURL(e.Google).WithHTTPClient(e.HTTPClient).WithTimeout(e.Timeout), nil
	default:
		return nil, fmt.Errorf("no client for provider %s", route.Provider)
	}
}

func (a *Adapter) options(o Options) Options {
	if o.Temperature == 0 {
		o.Temperature = a.defaults.Temperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = a.defaults.MaxTokens
	}
	return o
}

func (a *Adapter) observe(provider string, phase model.Phase, r model.ModelResult, d time.Duration) {
	if a.recorder == nil {
		return
	}
	p := string(phase)
	if p == "" {
		p = "none"
	}
	a.recorder.ObserveCall(provider, p, r.OK(), r.Tokens, d)
}

// =============================================================================
// PROMPT ASSEMBLY
// =============================================================================

// BuildSystemPrompt joins the output directive, project instructions and
// memory block, skipping empty parts.
func BuildSystemPrompt(wantsJSON bool, instructions, memory string) string {
	directive := PlainTextDirective
	if wantsJSON {
		directive = JSONDirective
	}
	parts := []string{directive}
	if s := strings.TrimSpace(instructions); s != "" {
		parts = append(parts, "Project instructions:\n"+s)
	}
	if s := strings.TrimSpace(memory); s != "" {
		parts = append(parts, "What you know about the user:\n"+s)
	}
	return strings.Join(parts, "\n\n")
}

// BuildMessages converts history and appends prompt as the final user turn.
func BuildMessages(history []model.Message, prompt string) []cloud.Message {
	msgs := make([]cloud.Message, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "user"
		if m.Role == model.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, cloud.Message{Role: role, Content: m.Content})
	}
	return append(msgs, cloud.UserMessage(prompt))
}
