// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks runs fire-and-forget work after a response has been sent.
//
// Memory extraction is the main user: the fusion service queues it once a
// run is persisted and never waits for the result.
//
// # Key Types
//
//   - Task: one unit of work with a status and captured error
//   - Queue: bounded list of tasks with completion notifications
//   - Runner: executes queued tasks with a concurrency cap and timeout
//
// # Usage
//
//	queue := tasks.NewQueueWithOptions(100, 1000)
//	runner := tasks.NewRunnerWithOptions(queue, 2, time.Minute)
//	runner.Start()
//	defer runner.Stop()
//
//	queue.Add(tasks.NewTask("memory", "extract memories", func(ctx context.Context, t *tasks.Task) error {
//	    return extractor.Extract(ctx, userID, prompt, answer)
//	}))
package tasks
