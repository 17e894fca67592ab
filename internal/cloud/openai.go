// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"net/http"
	"time"
)

// Default base URLs for the OpenAI-compatible providers.
const (
	DefaultOpenAIURL     = "https://api.openai.com/v1"
	DefaultXAIURL        = "https://api.x.ai/v1"
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"
)

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	baseClient
	provider string
	headers  map[string]string
}

// NewOpenAIClient creates a client for api.openai.com.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return newOpenAICompatible("openai", apiKey, DefaultOpenAIURL)
}

// NewXAIClient creates a client for the xAI API.
func NewXAIClient(apiKey string) *OpenAIClient {
	return newOpenAICompatible("xai", apiKey, DefaultXAIURL)
}

// NewOpenRouterClient creates a client for OpenRouter.
func NewOpenRouterClient(apiKey string) *OpenAIClient {
	c := newOpenAICompatible("openrouter", apiKey, DefaultOpenRouterURL)
	c.headers["X-Title"] = "fusion"
	return c
}

func newOpenAICompatible(provider, apiKey, baseURL string) *OpenAIClient {
	return &OpenAIClient{
		baseClient: baseClient{apiKey: apiKey, baseURL: baseURL},
		provider:   provider,
		headers:    map[string]string{},
	}
}

// WithBaseURL sets a custom base URL (for testing or proxies).
func (c *OpenAIClient) WithBaseURL(url string) *OpenAIClient {
	if url != "" {
		c.baseURL = url
	}
	return c
}

// WithHTTPClient sets the HTTP client.
func (c *OpenAIClient) WithHTTPClient(hc *http.Client) *OpenAIClient {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each call.
func (c *OpenAIClient) WithTimeout(d time.Duration) *OpenAIClient {
	c.timeout = d
	return c
}

// Provider returns the provider name used in errors.
func (c *OpenAIClient) Provider() string {
	return c.provider
}

type openAIChatRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat *openAIRespFormat `json:"response_format,omitempty"`
}

type openAIRespFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs one chat completion. Grounding is ignored.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	body := openAIChatRequest{
		Model:     req.Model,
		Messages:  make([]Message, 0, len(req.Messages)+1),
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, Message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, req.Messages...)
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.JSON {
		body.ResponseFormat = &openAIRespFormat{Type: "json_object"}
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	for k, v := range c.headers {
		headers[k] = v
	}

	var resp openAIChatResponse
	if err := PostJSON(ctx, c.httpClient, c.provider, c.url("/chat/completions"), headers, c.timeout, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Tokens:  tokens,
		Model:   resp.Model,
	}, nil
}
