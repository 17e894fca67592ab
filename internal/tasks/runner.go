// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives a status for every finished task.
type Observer interface {
	ObserveTask(status string)
}

// =============================================================================
// TASK RUNNER
// =============================================================================

// Runner executes tasks from a queue.
type Runner struct {
	queue         *Queue
	wg            sync.WaitGroup
	stop          chan struct{}
	stopOnce      sync.Once
	stopped       atomic.Bool
	maxConcurrent int
	semaphore     chan struct{}
	taskTimeout   time.Duration
	logger        *zap.Logger
	observer      Observer
}

// NewRunner creates a runner with 5 workers and a 30 minute timeout.
func NewRunner(queue *Queue) *Runner {
	return NewRunnerWithOptions(queue, 5, 30*time.Minute)
}

// NewRunnerWithOptions creates a runner. taskTimeout 0 disables the
// per-task deadline.
func NewRunnerWithOptions(queue *Queue, maxConcurrent int, taskTimeout time.Duration) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Runner{
		queue:         queue,
		stop:          make(chan struct{}),
		maxConcurrent: maxConcurrent,
		semaphore:     make(chan struct{}, maxConcurrent),
		taskTimeout:   taskTimeout,
		logger:        zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (r *Runner) WithLogger(l *zap.Logger) *Runner {
	if l != nil {
		r.logger = l
	}
	return r
}

// WithObserver sets the metrics observer.
func (r *Runner) WithObserver(o Observer) *Runner {
	r.observer = o
	return r
}

// Queue returns the queue the runner drains.
func (r *Runner) Queue() *Queue {
	return r.queue
}

// Submit queues a task for execution. Tasks submitted after Stop are
// rejected.
func (r *Runner) Submit(task *Task) error {
	if r.stopped.Load() {
		return errors.New("task runner is stopped")
	}
	return r.queue.Add(task)
}

// =============================================================================
// RUNNER LIFECYCLE
// =============================================================================

// Start begins processing tasks from the queue.
func (r *Runner) Start() {
	go r.processLoop()
}

// Stop stops claiming tasks and waits for running ones to return.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stop)
	})
	r.wg.Wait()
}

// Wait blocks until no task is queued or running, or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		counts := r.queue.Counts()
		if counts[TaskStatusQueued] == 0 && counts[TaskStatusRunning] == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// TASK PROCESSING
// =============================================================================

func (r *Runner) processLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.drain()
		}
	}
}

// drain starts queued tasks until the queue is empty or every worker slot
// is busy.
func (r *Runner) drain() {
	for !r.stopped.Load() {
		select {
		case r.semaphore <- struct{}{}:
		default:
			return
		}
		task := r.queue.claim()
		if task == nil {
			<-r.semaphore
			return
		}
		r.wg.Add(1)
		go r.executeTask(task)
	}
}

func (r *Runner) executeTask(task *Task) {
	defer r.wg.Done()
	defer func() { <-r.semaphore }()

	var ctx context.Context
	var cancel context.CancelFunc
	if r.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), r.taskTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	task.setCancelFunc(cancel)
	defer cancel()

	err := r.invoke(ctx, task)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("task timeout after %v: %w", r.taskTimeout, err)
	}
	r.queue.finish(task, err)

	status := task.GetStatus()
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("kind", task.Kind),
		zap.String("status", status.String()),
		zap.Duration("duration", task.Duration()),
	}
	for k, v := range task.Clone().Metadata {
		fields = append(fields, zap.String(k, v))
	}
	if status == TaskStatusFailed {
		r.logger.Warn("task_failed", append(fields, zap.String("error", task.GetError()))...)
	} else {
		r.logger.Debug("task_finished", fields...)
	}
	if r.observer != nil {
		r.observer.ObserveTask(status.String())
	}
}

// invoke runs the task function, converting a panic into an error.
func (r *Runner) invoke(ctx context.Context, task *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task.fn(ctx, task)
}

// Execute runs task synchronously without a queue.
func Execute(ctx context.Context, task *Task) error {
	if err := task.SetStatus(TaskStatusRunning); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	task.setCancelFunc(cancel)
	defer cancel()

	r := &Runner{logger: zap.NewNop()}
	err := r.invoke(ctx, task)
	if err != nil {
		task.fail(err)
		return err
	}
	return task.SetStatus(TaskStatusComplete)
}
