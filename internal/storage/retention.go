// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Prune deletes runs created before cutoff, their phase rows and messages,
// then drops conversations left without runs. It returns the number of runs
// deleted.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ms := millis(cutoff)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE run_id IN (SELECT id FROM runs WHERE created_at < ?)`, ms); err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < ? AND id NOT IN (SELECT conversation_id FROM runs)`, ms); err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// Pruner is anything Retention can prune.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes old runs on a cron schedule.
type Retention struct {
	store  Pruner
	cron   string
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// NewRetention creates a retention job deleting runs older than maxAge on
// the cron expression.
func NewRetention(store Pruner, cron string, maxAge time.Duration) (*Retention, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cron)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	return &Retention{
		store:  store,
		cron:   cron,
		maxAge: maxAge,
		logger: zap.NewNop(),
		now:    time.Now,
	}, nil
}

// WithLogger sets the logger.
func (r *Retention) WithLogger(l *zap.Logger) *Retention {
	if l != nil {
		r.logger = l
	}
	return r
}

// Start runs the schedule loop until ctx is done.
func (r *Retention) Start(ctx context.Context) {
	r.logger.Info("retention_enabled", zap.String("cron", r.cron), zap.Duration("max_age", r.maxAge))
	go r.loop(ctx)
}

func (r *Retention) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.cron, r.now(), false)
		if err != nil {
			r.logger.Error("retention_nexttick_failed", zap.String("cron", r.cron), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			r.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce prunes immediately. Overlapping calls are skipped.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0, nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Error("retention_run_error", zap.Error(err))
		return 0, err
	}
	r.logger.Info("retention_run_done", zap.Time("cutoff", cutoff), zap.Int64("purged", n))
	return n, nil
}
