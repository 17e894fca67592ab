// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"net/http"
	"time"
)

// DefaultImageSize is requested when no size is given.
const DefaultImageSize = "1024x1024"

// ImageClient talks to the OpenAI /images/generations endpoint.
type ImageClient struct {
	baseClient
}

// NewImageClient creates a client with the given OpenAI API key.
func NewImageClient(apiKey string) *ImageClient {
	return &ImageClient{baseClient{apiKey: apiKey, baseURL: DefaultOpenAIURL}}
}

// WithBaseURL sets a custom base URL.
func (c *ImageClient) WithBaseURL(url string) *ImageClient {
	if url != "" {
		c.baseURL = url
	}
	return c
}

// WithHTTPClient sets the HTTP client.
func (c *ImageClient) WithHTTPClient(hc *http.Client) *ImageClient {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each call.
func (c *ImageClient) WithTimeout(d time.Duration) *ImageClient {
	c.timeout = d
	return c
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Image is one generated image.
type Image struct {
	// URL is a hosted URL or a data: URL when the provider returned base64.
	URL    string
	Tokens int
}

// Generate creates one image for prompt.
func (c *ImageClient) Generate(ctx context.Context, model, prompt string) (*Image, error) {
	if err := c.configured(); err != nil {
		return nil, err
	}

	body := imageRequest{Model: model, Prompt: prompt, N: 1, Size: DefaultImageSize}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp imageResponse
	if err := PostJSON(ctx, c.httpClient, "openai", c.url("/images/generations"), headers, c.timeout, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, ErrEmptyResponse
	}

	d := resp.Data[0]
	switch {
	case d.URL != "":
		return &Image{URL: d.URL, Tokens: resp.Usage.TotalTokens}, nil
	case d.B64JSON != "":
		return &Image{URL: "data:image/png;base64," + d.B64JSON, Tokens: resp.Usage.TotalTokens}, nil
	default:
		return nil, ErrEmptyResponse
	}
}
