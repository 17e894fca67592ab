// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGeminiURL is the Gemini API base URL.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com"

// GeminiClient talks to the Gemini generateContent API.
type GeminiClient struct {
	baseClient
}

// NewGeminiClient creates a client with the given API key.
func NewGeminiClient(apiKey string) *GeminiClient {
	return &GeminiClient{baseClient{apiKey: apiKey, baseURL: DefaultGeminiURL}}
}

// WithBaseURL sets a custom base URL.
func (c *GeminiClient) WithBaseURL(u string) *GeminiClient {
	if u != "" {
		c.baseURL = u
	}
	return c
}

// WithHTTPClient sets the HTTP client.
func (c *GeminiClient) WithHTTPClient(hc *http.Client) *GeminiClient {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each call.
func (c *GeminiClient) WithTimeout(d time.Duration) *GeminiClient {
	c.timeout = d
	return c
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Complete performs one generateContent call. Gemini names the assistant
// role "model".
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	body := geminiRequest{
		Contents: make([]geminiContent, 0, len(req.Messages)),
		GenerationConfig: geminiGenConfig{
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.GenerationConfig.Temperature = &t
	}
	// The search tool cannot be combined with a JSON response type.
	if req.Grounding {
		body.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	} else if req.JSON {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}

	endpoint := c.url("/v1beta/models/" + url.PathEscape(req.Model) + ":generateContent")
	headers := map[string]string{"x-goog-api-key": c.apiKey}

	var resp geminiResponse
	if err := PostJSON(ctx, c.httpClient, "google", endpoint, headers, c.timeout, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	tokens := resp.UsageMetadata.TotalTokenCount
	if tokens == 0 {
		tokens = resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount
	}
	return &Completion{
		Content: text.String(),
		Tokens:  tokens,
		Model:   resp.ModelVersion,
	}, nil
}
