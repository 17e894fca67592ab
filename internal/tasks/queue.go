// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Add when the queued limit is reached.
var ErrQueueFull = errors.New("task queue is full")

// =============================================================================
// TASK QUEUE
// =============================================================================

// Queue holds queued, running and recently finished tasks.
type Queue struct {
	tasks   []*Task
	running map[string]*Task

	// maxHistory bounds finished tasks kept (0 = unlimited).
	maxHistory int
	// maxQueueSize bounds queued tasks (0 = unlimited).
	maxQueueSize int

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewQueue creates a queue keeping maxHistory finished tasks.
func NewQueue(maxHistory int) *Queue {
	return NewQueueWithOptions(maxHistory, 0)
}

// NewQueueWithOptions creates a queue with history and size limits.
func NewQueueWithOptions(maxHistory, maxQueueSize int) *Queue {
	return &Queue{
		tasks:        make([]*Task, 0),
		running:      make(map[string]*Task),
		maxHistory:   maxHistory,
		maxQueueSize: maxQueueSize,
		logger:       zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (q *Queue) WithLogger(l *zap.Logger) *Queue {
	if l != nil {
		q.logger = l
	}
	return q
}

// =============================================================================
// TASK MANAGEMENT
// =============================================================================

// Add queues task.
func (q *Queue) Add(task *Task) error {
	if task == nil || task.fn == nil {
		return errors.New("task has no work")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxQueueSize > 0 {
		queued := 0
		for _, t := range q.tasks {
			if t.GetStatus() == TaskStatusQueued {
				queued++
			}
		}
		if queued >= q.maxQueueSize {
			q.logger.Warn("task_queue_full",
				zap.String("task_id", task.ID),
				zap.String("kind", task.Kind),
				zap.Int("queued", queued))
			return fmt.Errorf("%w: %d queued (max %d)", ErrQueueFull, queued, q.maxQueueSize)
		}
	}

	q.tasks = append(q.tasks, task)
	return nil
}

// Get returns a snapshot of the task with id, or nil.
func (q *Queue) Get(id string) *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, task := range q.tasks {
		if task.ID == id {
			return task.Clone()
		}
	}
	return nil
}

// Cancel cancels the task with id. It returns false for unknown or finished
// tasks.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.tasks {
		if task.ID == id {
			return task.Cancel()
		}
	}
	return false
}

// claim returns the oldest queued task already marked running, or nil.
func (q *Queue) claim() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.tasks {
		if task.GetStatus() != TaskStatusQueued {
			continue
		}
		if err := task.SetStatus(TaskStatusRunning); err != nil {
			continue
		}
		q.running[task.ID] = task
		return task
	}
	return nil
}

// finish records the terminal status of a running task.
func (q *Queue) finish(task *Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case err == nil:
		_ = task.SetStatus(TaskStatusComplete)
	case task.GetStatus() == TaskStatusCanceled:
	default:
		task.fail(err)
	}
	delete(q.running, task.ID)
	q.cleanupLocked()
}

// =============================================================================
// QUEUE QUERIES
// =============================================================================

// All returns snapshots of every task.
func (q *Queue) All() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Task, len(q.tasks))
	for i, task := range q.tasks {
		out[i] = task.Clone()
	}
	return out
}

// Count returns the total number of tasks held.
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// RunningCount returns the number of running tasks.
func (q *Queue) RunningCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.running)
}

// Counts returns the number of tasks per status.
func (q *Queue) Counts() map[TaskStatus]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[TaskStatus]int)
	for _, task := range q.tasks {
		out[task.GetStatus()]++
	}
	return out
}

// =============================================================================
// CLEANUP
// =============================================================================

// cleanupLocked drops the oldest finished tasks beyond maxHistory, in slice
// order.
func (q *Queue) cleanupLocked() {
	if q.maxHistory <= 0 {
		return
	}
	finished := 0
	for _, task := range q.tasks {
		if task.IsComplete() {
			finished++
		}
	}
	if finished <= q.maxHistory {
		return
	}
	toRemove := finished - q.maxHistory
	kept := make([]*Task, 0, len(q.tasks)-toRemove)
	for _, task := range q.tasks {
		if task.IsComplete() && toRemove > 0 {
			toRemove--
			continue
		}
		kept = append(kept, task)
	}
	q.tasks = kept
}

// Summary returns a one-line status summary.
func (q *Queue) Summary() string {
	c := q.Counts()
	return fmt.Sprintf("Running: %d | Queued: %d | Completed: %d | Failed: %d",
		c[TaskStatusRunning], c[TaskStatusQueued], c[TaskStatusComplete], c[TaskStatusFailed])
}
