// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultAnthropicURL is the Anthropic API base URL.
	DefaultAnthropicURL = "https://api.anthropic.com"

	anthropicVersion = "2023-06-01"

	jsonOnlyDirective = "Respond with a single JSON object and nothing else."
)

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	baseClient
}

// NewAnthropicClient creates a client with the given API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{baseClient{apiKey: apiKey, baseURL: DefaultAnthropicURL}}
}

// WithBaseURL sets a custom base URL.
func (c *AnthropicClient) WithBaseURL(url string) *AnthropicClient {
	if url != "" {
		c.baseURL = url
	}
	return c
}

// WithHTTPClient sets the HTTP client.
func (c *AnthropicClient) WithHTTPClient(hc *http.Client) *AnthropicClient {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each call.
func (c *AnthropicClient) WithTimeout(d time.Duration) *AnthropicClient {
	c.timeout = d
	return c
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete performs one messages call. The API has no JSON mode, so JSON
// requests add a directive to the system prompt. Grounding is ignored.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonOnlyDirective)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body := anthropicRequest{
		Model:     req.Model,
		System:    system,
		Messages:  req.Messages,
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		if t > 1 {
			t = 1
		}
		body.Temperature = &t
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := PostJSON(ctx, c.httpClient, "anthropic", c.url("/v1/messages"), headers, c.timeout, body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return &Completion{
		Content: text.String(),
		Tokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Model:   resp.Model,
	}, nil
}
