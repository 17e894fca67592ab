// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent delegates prompts to an external autonomous agent service.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/fusion/internal/cloud"
)

// DefaultURL is the agent API base.
const DefaultURL = "https://api.manus.ai"

// ErrNoTaskID is returned when the service accepts a task without an id.
var ErrNoTaskID = errors.New("agent response has no task id")

// Task is a created agent task.
type Task struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// Client creates tasks on the agent API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a client for baseURL, DefaultURL when empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/")}
}

// WithHTTPClient sets the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each call.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

type createTaskRequest struct {
	Prompt   string `json:"prompt"`
	TaskMode string `json:"taskMode,omitempty"`
}

type createTaskResponse struct {
	TaskID    string `json:"task_id"`
	ID        string `json:"id"`
	TaskURL   string `json:"task_url"`
	ShareURL  string `json:"share_url"`
	Status    string `json:"status"`
	TaskTitle string `json:"task_title"`
}

// CreateTask submits prompt as a new agent task.
func (c *Client) CreateTask(ctx context.Context, apiKey, prompt string) (Task, error) {
	if apiKey == "" {
		return Task{}, fmt.Errorf("manus: %w", cloud.ErrNotConfigured)
	}
	var resp createTaskResponse
	err := cloud.PostJSON(ctx, c.httpClient, "manus", c.baseURL+"/v1/tasks",
		map[string]string{"API_KEY": apiKey}, c.timeout,
		createTaskRequest{Prompt: prompt, TaskMode: "agent"}, &resp)
	if err != nil {
		return Task{}, err
	}

	t := Task{ID: firstNonEmpty(resp.TaskID, resp.ID), URL: firstNonEmpty(resp.TaskURL, resp.ShareURL), Status: resp.Status}
	if t.ID == "" {
		return Task{}, ErrNoTaskID
	}
	if t.Status == "" {
		t.Status = "created"
	}
	return t, nil
}

// Summary renders a task as user-facing text.
func (t Task) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent task %s (%s)", t.ID, t.Status)
	if t.URL != "" {
		fmt.Fprintf(&b, "\nTrack progress: %s", t.URL)
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
