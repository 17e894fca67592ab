// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/fusion/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (user_id, content)
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at);
`

// MaxFactRunes bounds a single stored fact.
const MaxFactRunes = 300

// Memory is one stored fact.
type Memory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists memories in SQLite and renders memory blocks.
type Store struct {
	db            *sql.DB
	maxItems      int
	maxBlockChars int
}

// NewStore prepares the memories table in db.
func NewStore(ctx context.Context, db *sql.DB, maxItems, maxBlockChars int) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply memory schema: %w", err)
	}
	if maxItems <= 0 {
		maxItems = 20
	}
	if maxBlockChars <= 0 {
		maxBlockChars = 2000
	}
	return &Store{db: db, maxItems: maxItems, maxBlockChars: maxBlockChars}, nil
}

// Add stores facts for userID, skipping blanks and duplicates. It returns
// the number of new facts.
func (s *Store) Add(ctx context.Context, userID string, facts []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	added := 0
	now := time.Now()
	for i, fact := range facts {
		fact = util.ClipRunes(strings.TrimSpace(fact), MaxFactRunes)
		if fact == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memories(id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), userID, fact, now.Add(time.Duration(i)*time.Millisecond).UnixMilli())
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// Recent returns up to limit of userID's newest memories, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, created_at FROM memories
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var created int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Forget deletes all memories for userID.
func (s *Store) Forget(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	return err
}

// Block renders userID's recent memories as a bulleted list bounded by
// the configured item and character limits. No memories yields "".
func (s *Store) Block(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	mems, err := s.Recent(ctx, userID, s.maxItems)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, m := range mems {
		line := "- " + m.Content + "\n"
		if b.Len()+len(line) > s.maxBlockChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
