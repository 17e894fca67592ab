// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// MaxResponseSize is the maximum accepted response body size.
	MaxResponseSize = 10 * 1024 * 1024

	// DefaultMaxTokens is sent to providers that require max_tokens.
	DefaultMaxTokens = 4096

	userAgent = "fusion/1.0"
)

// sharedHTTPClient pools connections for all provider requests. It has no
// client timeout; deadlines come from the request context.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates the provider rejected the credential.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account is out of credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrEmptyResponse indicates a 200 response carrying no content.
	ErrEmptyResponse = errors.New("empty response")
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider string
	Status   int
	Code     string
	Message  string

	kind error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error [%s] (HTTP %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.Status, e.Message)
}

// Unwrap returns the sentinel for the status, if any.
func (e *APIError) Unwrap() error {
	return e.kind
}

// =============================================================================
// NORMALIZED REQUEST / RESPONSE
// =============================================================================

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// Request is the provider-independent chat request.
type Request struct {
	Model    string
	System   string
	Messages []Message

	// JSON asks the provider for a JSON object response.
	JSON        bool
	Temperature float64
	MaxTokens   int

	// Grounding enables the provider's live web search tool when it has one.
	Grounding bool
}

// Completion is the provider-independent chat response.
type Completion struct {
	Content string
	Tokens  int
	Model   string
}

// ChatClient is implemented by every text provider client.
type ChatClient interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

// readResponse reads the body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// PostJSON marshals in, POSTs it to url with headers, and decodes a 2xx
// response into out. Non-2xx responses become *APIError tagged with
// provider. timeout, when positive, bounds this call only.
func PostJSON(ctx context.Context, httpClient *http.Client, provider, url string, headers map[string]string, timeout time.Duration, in, out any) error {
	if httpClient == nil {
		httpClient = sharedHTTPClient
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(provider, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", provider, err)
	}
	return nil
}

// newAPIError builds an APIError from an error body. Providers disagree on
// the shape, so both {"error": {...}} and {"error": "..."} / {"message": "..."}
// are understood.
func newAPIError(provider string, status int, body []byte) *APIError {
	apiErr := &APIError{Provider: provider, Status: status}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		var inner struct {
			Message string          `json:"message"`
			Type    string          `json:"type"`
			Status  string          `json:"status"`
			Code    json.RawMessage `json:"code"`
		}
		var asString string
		switch {
		case len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &inner) == nil:
			apiErr.Message = inner.Message
			apiErr.Code = firstNonEmpty(rawCode(inner.Code), inner.Type, inner.Status)
		case len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &asString) == nil:
			apiErr.Message = asString
		}
		if apiErr.Message == "" {
			apiErr.Message = firstNonEmpty(envelope.Message, envelope.Detail)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if len(apiErr.Message) > 500 {
			apiErr.Message = apiErr.Message[:500]
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		apiErr.kind = ErrAuthFailed
	case http.StatusPaymentRequired:
		apiErr.kind = ErrInsufficientCredits
	case http.StatusNotFound:
		apiErr.kind = ErrModelNotFound
	case http.StatusTooManyRequests:
		apiErr.kind = ErrRateLimited
	}
	return apiErr
}

func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// baseClient holds what every provider client shares.
type baseClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func (b *baseClient) configured() error {
	if b.apiKey == "" {
		return ErrNotConfigured
	}
	return nil
}

func (b *baseClient) url(path string) string {
	return strings.TrimRight(b.baseURL, "/") + path
}
