// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK STATUS
// =============================================================================

// TaskStatus represents the current state of a background task.
type TaskStatus string

const (
	TaskStatusQueued   TaskStatus = "queued"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed || s == TaskStatusCanceled
}

// validTransition allows Queued -> Running|Canceled and
// Running -> Complete|Failed|Canceled. Same-state writes are no-ops.
func validTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskStatusQueued:
		return to == TaskStatusRunning || to == TaskStatusCanceled
	case TaskStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// =============================================================================
// TASK STRUCTURE
// =============================================================================

// Func is the work a task performs. It should return promptly once ctx is
// done.
type Func func(ctx context.Context, t *Task) error

// Task is one unit of background work.
type Task struct {
	ID          string
	Kind        string
	Description string
	Status      TaskStatus
	QueuedAt    time.Time
	StartTime   time.Time
	EndTime     time.Time
	Error       string

	// Metadata carries identifiers for logging (run_id, user_id).
	Metadata map[string]string

	fn     Func
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// NewTask creates a queued task of the given kind.
func NewTask(kind, description string, fn Func) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		Status:      TaskStatusQueued,
		QueuedAt:    time.Now(),
		Metadata:    make(map[string]string),
		fn:          fn,
	}
}

// WithMetadata sets a metadata key and returns the task.
func (t *Task) WithMetadata(key, value string) *Task {
	t.mu.Lock()
	t.Metadata[key] = value
	t.mu.Unlock()
	return t
}

// =============================================================================
// TASK METHODS
// =============================================================================

// SetStatus moves the task to status, rejecting invalid transitions.
func (t *Task) SetStatus(status TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setStatusLocked(status)
}

func (t *Task) setStatusLocked(status TaskStatus) error {
	if !validTransition(t.Status, status) {
		return fmt.Errorf("invalid status transition from %s to %s", t.Status, status)
	}
	if t.Status == status {
		return nil
	}
	t.Status = status
	now := time.Now()
	switch {
	case status == TaskStatusRunning:
		t.StartTime = now
	case status.Terminal():
		t.EndTime = now
	}
	return nil
}

// GetStatus returns the current task status.
func (t *Task) GetStatus() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// GetError returns the failure message, if any.
func (t *Task) GetError() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Error
}

// fail records err and marks the task failed.
func (t *Task) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.Error = err.Error()
	}
	_ = t.setStatusLocked(TaskStatusFailed)
}

func (t *Task) setCancelFunc(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// Cancel cancels a queued or running task. It returns false when the task
// has already finished.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	_ = t.setStatusLocked(TaskStatusCanceled)
	return true
}

// Duration returns how long the task has run, or ran.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.StartTime.IsZero() {
		return 0
	}
	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}
	return t.EndTime.Sub(t.StartTime)
}

// IsComplete reports whether the task reached a terminal state.
func (t *Task) IsComplete() bool {
	return t.GetStatus().Terminal()
}

// Clone returns a snapshot safe to read without locks.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metadata := make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		metadata[k] = v
	}
	return &Task{
		ID:          t.ID,
		Kind:        t.Kind,
		Description: t.Description,
		Status:      t.Status,
		QueuedAt:    t.QueuedAt,
		StartTime:   t.StartTime,
		EndTime:     t.EndTime,
		Error:       t.Error,
		Metadata:    metadata,
	}
}
