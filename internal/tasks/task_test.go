// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func noop(ctx context.Context, t *Task) error { return nil }

func TestNewTask(t *testing.T) {
	task := NewTask("memory", "extract memories", noop)

	if task.ID == "" {
		t.Error("Task ID should not be empty")
	}
	if task.Kind != "memory" {
		t.Errorf("Expected kind 'memory', got '%s'", task.Kind)
	}
	if task.GetStatus() != TaskStatusQueued {
		t.Errorf("Expected status queued, got %s", task.GetStatus())
	}
}

func TestStatusTransitions(t *testing.T) {
	task := NewTask("k", "d", noop)

	if err := task.SetStatus(TaskStatusComplete); err == nil {
		t.Error("queued -> complete should be rejected")
	}
	if err := task.SetStatus(TaskStatusRunning); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	if err := task.SetStatus(TaskStatusRunning); err != nil {
		t.Errorf("same-state write should be allowed: %v", err)
	}
	if err := task.SetStatus(TaskStatusComplete); err != nil {
		t.Fatalf("running -> complete: %v", err)
	}
	if err := task.SetStatus(TaskStatusRunning); err == nil {
		t.Error("complete is terminal")
	}
	if task.Duration() < 0 {
		t.Error("Task duration should not be negative")
	}
	if task.Cancel() {
		t.Error("finished task should not cancel")
	}
}

func TestQueueAddAndLimit(t *testing.T) {
	queue := NewQueueWithOptions(10, 2)

	if err := queue.Add(NewTask("k", "1", noop)); err != nil {
		t.Fatal(err)
	}
	if err := queue.Add(NewTask("k", "2", noop)); err != nil {
		t.Fatal(err)
	}
	if err := queue.Add(NewTask("k", "3", noop)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if err := queue.Add(NewTask("k", "nil", nil)); err == nil {
		t.Error("task without work should be rejected")
	}
	if queue.Count() != 2 {
		t.Errorf("Expected 2 tasks, got %d", queue.Count())
	}
}

func TestQueueLogsOnlyRejections(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	queue := NewQueueWithOptions(5, 1).WithLogger(zap.New(core))

	// Finished tasks beyond the history limit leave no queue log lines.
	for i := 0; i < 150; i++ {
		task := NewTask("memory", "t", noop)
		if err := queue.Add(task); err != nil {
			t.Fatal(err)
		}
		if got := queue.claim(); got == nil || got.ID != task.ID {
			t.Fatalf("claim() = %v, want %s", got, task.ID)
		}
		queue.finish(task, nil)
	}
	if logs.Len() != 0 {
		t.Errorf("expected no log entries, got %d", logs.Len())
	}

	if err := queue.Add(NewTask("memory", "a", noop)); err != nil {
		t.Fatal(err)
	}
	if err := queue.Add(NewTask("memory", "b", noop)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	full := logs.FilterMessage("task_queue_full").All()
	if len(full) != 1 {
		t.Fatalf("expected one task_queue_full entry, got %d", len(full))
	}
	if full[0].ContextMap()["kind"] != "memory" {
		t.Errorf("unexpected fields: %v", full[0].ContextMap())
	}
}

func TestClaimIsExclusive(t *testing.T) {
	queue := NewQueue(10)
	task := NewTask("k", "only", noop)
	queue.Add(task)

	first := queue.claim()
	if first == nil || first.ID != task.ID {
		t.Fatal("expected to claim the queued task")
	}
	if queue.claim() != nil {
		t.Error("a claimed task must not be claimed again")
	}
	if queue.RunningCount() != 1 {
		t.Errorf("Expected 1 running, got %d", queue.RunningCount())
	}
}

func TestHistoryCleanup(t *testing.T) {
	queue := NewQueue(2)
	for i := 0; i < 4; i++ {
		queue.Add(NewTask("k", "t", noop))
	}
	for i := 0; i < 4; i++ {
		task := queue.claim()
		queue.finish(task, nil)
	}
	if queue.Count() != 2 {
		t.Errorf("Expected 2 tasks kept, got %d", queue.Count())
	}
}

type statusCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *statusCounter) ObserveTask(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[status]++
}

func (s *statusCounter) get(status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[status]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunnerExecutes(t *testing.T) {
	queue := NewQueue(10)
	obs := &statusCounter{}
	runner := NewRunnerWithOptions(queue, 2, time.Second).WithObserver(obs)
	runner.Start()
	defer runner.Stop()

	var ran atomic.Int32
	ok := NewTask("k", "ok", func(ctx context.Context, t *Task) error {
		ran.Add(1)
		return nil
	})
	bad := NewTask("k", "bad", func(ctx context.Context, t *Task) error {
		return errors.New("boom")
	})
	boom := NewTask("k", "panic", func(ctx context.Context, t *Task) error {
		panic("oops")
	})
	for _, task := range []*Task{ok, bad, boom} {
		if err := runner.Submit(task); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return obs.get("complete")+obs.get("failed") == 3 })

	if ran.Load() != 1 {
		t.Errorf("expected ok task to run once, ran %d", ran.Load())
	}
	if got := queue.Get(bad.ID); got.Status != TaskStatusFailed || got.Error != "boom" {
		t.Errorf("unexpected bad task state: %s %q", got.Status, got.Error)
	}
	if got := queue.Get(boom.ID); got.Status != TaskStatusFailed {
		t.Errorf("panicking task should fail, got %s", got.Status)
	}
	if obs.get("complete") != 1 || obs.get("failed") != 2 {
		t.Errorf("unexpected observed counts: %v", obs.counts)
	}
}

func TestRunnerTimeout(t *testing.T) {
	queue := NewQueue(10)
	runner := NewRunnerWithOptions(queue, 1, 50*time.Millisecond)
	runner.Start()
	defer runner.Stop()

	task := NewTask("k", "slow", func(ctx context.Context, t *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	runner.Submit(task)

	waitFor(t, func() bool { return queue.Get(task.ID).IsComplete() })
	if got := queue.Get(task.ID); got.Status != TaskStatusFailed {
		t.Errorf("expected timeout failure, got %s", got.Status)
	}
}

func TestRunnerRespectsConcurrency(t *testing.T) {
	queue := NewQueue(0)
	runner := NewRunnerWithOptions(queue, 2, time.Second)

	var current, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		queue.Add(NewTask("k", "w", func(ctx context.Context, t *Task) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil
		}))
	}

	runner.Start()
	waitFor(t, func() bool { return current.Load() == 2 })
	close(release)
	waitFor(t, func() bool { return queue.Counts()[TaskStatusComplete] == 5 })
	runner.Stop()

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent tasks, saw %d", peak.Load())
	}
}

func TestSubmitAfterStop(t *testing.T) {
	runner := NewRunner(NewQueue(0))
	runner.Start()
	runner.Stop()
	if err := runner.Submit(NewTask("k", "late", noop)); err == nil {
		t.Error("submit after stop should fail")
	}
}

func TestCancelQueued(t *testing.T) {
	queue := NewQueue(0)
	task := NewTask("k", "c", noop)
	queue.Add(task)

	if !queue.Cancel(task.ID) {
		t.Fatal("queued task should cancel")
	}
	if queue.claim() != nil {
		t.Error("canceled task must not be claimed")
	}
}

func TestExecute(t *testing.T) {
	task := NewTask("k", "sync", noop)
	if err := Execute(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if task.GetStatus() != TaskStatusComplete {
		t.Errorf("expected complete, got %s", task.GetStatus())
	}
}

func TestRunnerWait(t *testing.T) {
	runner := NewRunnerWithOptions(NewQueue(10), 1, time.Second)
	runner.Start()
	defer runner.Stop()

	var ran atomic.Int32
	for range 3 {
		if err := runner.Submit(NewTask("k", "sleep", func(ctx context.Context, t *Task) error {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
			return nil
		})); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := runner.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if ran.Load() != 3 {
		t.Errorf("ran = %d, want 3", ran.Load())
	}
}

func TestRunnerWaitHonorsContext(t *testing.T) {
	runner := NewRunnerWithOptions(NewQueue(10), 1, time.Second)
	if err := runner.Submit(NewTask("k", "never started", noop)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := runner.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

