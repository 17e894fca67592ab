// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package factcheck

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/fusion/internal/cloud"
	"github.com/jeranaias/fusion/internal/util"
)

// Source is one piece of discovered evidence.
type Source struct {
	Title   string
	URL     string
	Snippet string
	// Content is extracted page text, empty when extraction was skipped.
	Content string
}

// Searcher finds web sources for a query.
type Searcher interface {
	Search(ctx context.Context, apiKey, query string, limit int) ([]Source, error)
}

// PageExtractor fetches page text for urls, keyed by url.
type PageExtractor interface {
	Extract(ctx context.Context, apiKey string, urls []string) (map[string]string, error)
}

// =============================================================================
// SERPER
// =============================================================================

// DefaultSerperURL is the Serper API base.
const DefaultSerperURL = "https://google.serper.dev"

// SerperClient implements Searcher over the Serper search API.
type SerperClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewSerperClient creates a client for baseURL, DefaultSerperURL when empty.
func NewSerperClient(baseURL string) *SerperClient {
	if baseURL == "" {
		baseURL = DefaultSerperURL
	}
	return &SerperClient{baseURL: strings.TrimRight(baseURL, "/")}
}

// WithHTTPClient sets the HTTP client.
func (c *SerperClient) WithHTTPClient(hc *http.Client) *SerperClient {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each call.
func (c *SerperClient) WithTimeout(d time.Duration) *SerperClient {
	c.timeout = d
	return c
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search returns up to limit organic results for query.
func (c *SerperClient) Search(ctx context.Context, apiKey, query string, limit int) ([]Source, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("serper: %w", cloud.ErrNotConfigured)
	}
	var resp serperResponse
	err := cloud.PostJSON(ctx, c.httpClient, "serper", c.baseURL+"/search",
		map[string]string{"X-API-KEY": apiKey}, c.timeout,
		serperRequest{Q: query, Num: limit}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]Source, 0, limit)
	for _, r := range resp.Organic {
		if r.Link == "" {
			continue
		}
		out = append(out, Source{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TAVILY
// =============================================================================

// DefaultTavilyURL is the Tavily API base.
const DefaultTavilyURL = "https://api.tavily.com"

// TavilyClient implements PageExtractor over the Tavily extract API.
type TavilyClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRunes   int
}

// NewTavilyClient creates a client truncating each page to maxRunes.
func NewTavilyClient(baseURL string, maxRunes int) *TavilyClient {
	if baseURL == "" {
		baseURL = DefaultTavilyURL
	}
	if maxRunes <= 0 {
		maxRunes = 1000
	}
	return &TavilyClient{baseURL: strings.TrimRight(baseURL, "/"), maxRunes: maxRunes}
}

// WithHTTPClient sets the HTTP client.
func (c *TavilyClient) WithHTTPClient(hc *http.Client) *TavilyClient {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each call.
func (c *TavilyClient) WithTimeout(d time.Duration) *TavilyClient {
	c.timeout = d
	return c
}

type tavilyRequest struct {
	APIKey string   `json:"api_key"`
	URLs   []string `json:"urls"`
}

type tavilyResponse struct {
	Results []struct {
		URL        string `json:"url"`
		RawContent string `json:"raw_content"`
	} `json:"results"`
}

// Extract returns truncated page text for each url the service could read.
func (c *TavilyClient) Extract(ctx context.Context, apiKey string, urls []string) (map[string]string, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("tavily: %w", cloud.ErrNotConfigured)
	}
	var resp tavilyResponse
	err := cloud.PostJSON(ctx, c.httpClient, "tavily", c.baseURL+"/extract",
		map[string]string{"Authorization": "Bearer " + apiKey}, c.timeout,
		tavilyRequest{APIKey: apiKey, URLs: urls}, &resp)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(resp.Results))
	for _, r := range resp.Results {
		text := strings.Join(strings.Fields(r.RawContent), " ")
		if text == "" {
			continue
		}
		out[r.URL] = util.ClipRunes(text, c.maxRunes)
	}
	return out, nil
}
