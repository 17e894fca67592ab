// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jeranaias/fusion/internal/model"
)

// TokenPrefix marks fusion API tokens.
const TokenPrefix = "fsn_"

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO metadata(key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(SchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying handle so the vault and memory stores can share
// the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// USERS
// =============================================================================

// User is an API caller.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// HashToken returns the stored form of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateUser creates a user and returns its bearer token. The token is not
// stored and cannot be recovered.
func (s *SQLiteStore) CreateUser(ctx context.Context, name string) (User, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, "", errors.New("user name is required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return User{}, "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := TokenPrefix + hex.EncodeToString(raw)

	u := User{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, HashToken(token), millis(u.CreatedAt))
	if err != nil {
		return User{}, "", fmt.Errorf("failed to create user: %w", err)
	}
	return u, token, nil
}

// ListUsers returns all users ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var created int64
		if err := rows.Scan(&u.ID, &u.Name, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = fromMillis(created)
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser returns the user with id.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (User, error) {
	u := User{ID: id}
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT name, created_at FROM users WHERE id = ?`, id).Scan(&u.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

// Authenticate implements Store.
func (s *SQLiteStore) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE token_hash = ?`, HashToken(token)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to authenticate: %w", err)
	}
	return id, nil
}

// =============================================================================
// PROJECTS
// =============================================================================

// CreateProject creates a project with instructions for userID.
func (s *SQLiteStore) CreateProject(ctx context.Context, userID, name, instructions string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, user_id, name, instructions, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, name, instructions, millis(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to create project: %w", err)
	}
	return id, nil
}

// ProjectInstructions implements Store.
func (s *SQLiteStore) ProjectInstructions(ctx context.Context, userID, projectID string) (string, error) {
	if projectID == "" {
		return "", nil
	}
	var instructions string
	err := s.db.QueryRowContext(ctx,
		`SELECT instructions FROM projects WHERE id = ? AND user_id = ?`, projectID, userID).Scan(&instructions)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProjectNotFound
	}
	if err != nil {
		return "", err
	}
	return instructions, nil
}

// =============================================================================
// CONVERSATIONS AND RUNS
// =============================================================================

// EnsureConversation implements Store.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, userID, conversationID, projectID, title string) (string, error) {
	now := millis(time.Now())
	if conversationID != "" {
		res, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?`, now, conversationID, userID)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", ErrConversationNotFound
		}
		return conversationID, nil
	}

	id := uuid.NewString()
	var project any
	if projectID != "" {
		project = projectID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(id, user_id, project_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, project, title, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs(id, conversation_id, user_id, prompt, master_model, mode, status,
			total_tokens, refined, fact_checked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.UserID, run.Prompt, run.MasterModel, string(run.Mode), string(run.Status),
		run.TotalTokens, boolInt(run.Refined), boolInt(run.FactChecked), millis(run.CreatedAt), millis(run.UpdatedAt))
	return err
}

// CompleteRun implements Store.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, total_tokens = ?, refined = ?, fact_checked = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status), run.TotalTokens, boolInt(run.Refined), boolInt(run.FactChecked), millis(run.UpdatedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// InsertResults implements Store. Rows are written in one transaction.
func (s *SQLiteStore) InsertResults(ctx context.Context, runID string, phase model.Phase, results []model.ModelResult) error {
	table, ok := phaseTables[string(phase)]
	if !ok {
		return fmt.Errorf("no table for phase %q", phase)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(run_id, position, model, content, status, error, tokens, peers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := millis(time.Now())
	for i, r := range results {
		var peers any
		if len(r.Peers) > 0 {
			data, _ := json.Marshal(r.Peers)
			peers = string(data)
		}
		var errText any
		if r.Error != "" {
			errText = r.Error
		}
		if _, err := stmt.ExecContext(ctx, runID, i, r.Model, r.Content, string(r.Status), errText, r.Tokens, peers, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertSynthesis implements Store.
func (s *SQLiteStore) InsertSynthesis(ctx context.Context, runID string, syn model.Synthesis) error {
	var verified, consensus, contradictions any
	if fc := syn.FactCheck; fc != nil {
		verified, consensus, contradictions = fc.VerifiedClaims, fc.ConsensusPercentage, fc.ContradictionsFound
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO syntheses(run_id, master_model, content, tokens, verified_claims,
			consensus_percentage, contradictions_found, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, syn.MasterModel, syn.Content, syn.Tokens, verified, consensus, contradictions, millis(time.Now()))
	return err
}

// InsertMessages implements Store. Messages are written in one transaction.
func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		citations := m.Citations
		if citations == nil {
			citations = []model.Citation{}
		}
		data, err := json.Marshal(citations)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages(id, conversation_id, run_id, role, content, verified, citations, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.RunID, string(m.Role), m.Content, boolInt(m.Verified), string(data), millis(m.CreatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// =============================================================================
// READS
// =============================================================================

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, userID, runID string) (*RunDetail, error) {
	var d RunDetail
	var mode, status string
	var refined, factChecked int
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, prompt, master_model, mode, status,
			total_tokens, refined, fact_checked, created_at, updated_at
		FROM runs WHERE id = ? AND user_id = ?`, runID, userID).Scan(
		&d.Run.ID, &d.Run.ConversationID, &d.Run.UserID, &d.Run.Prompt, &d.Run.MasterModel, &mode, &status,
		&d.Run.TotalTokens, &refined, &factChecked, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Run.Mode = model.Mode(mode)
	d.Run.Status = model.RunStatus(status)
	d.Run.Refined = refined == 1
	d.Run.FactChecked = factChecked == 1
	d.Run.CreatedAt = fromMillis(created)
	d.Run.UpdatedAt = fromMillis(updated)

	d.Phases = model.NewPhases()
	for phase, dst := range map[model.Phase]*[]model.ModelResult{
		model.PhaseInitial:       &d.Phases.Initial,
		model.PhaseCrossAnalysis: &d.Phases.CrossAnalysis,
		model.PhaseRefinement:    &d.Phases.Refinement,
	} {
		results, err := s.results(ctx, runID, phase)
		if err != nil {
			return nil, err
		}
		*dst = results
	}

	syn, err := s.synthesis(ctx, runID)
	if err != nil {
		return nil, err
	}
	d.Phases.Synthesis = syn

	d.Messages, err = s.runMessages(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) results(ctx context.Context, runID string, phase model.Phase) ([]model.ModelResult, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT model, content, status, error, tokens, peers FROM %s
		WHERE run_id = ? ORDER BY position`, phaseTables[string(phase)]), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ModelResult{}
	for rows.Next() {
		r := model.ModelResult{Phase: phase}
		var status string
		var errText, peers sql.NullString
		if err := rows.Scan(&r.Model, &r.Content, &status, &errText, &r.Tokens, &peers); err != nil {
			return nil, err
		}
		r.Status = model.ResultStatus(status)
		r.Error = errText.String
		if peers.Valid && peers.String != "" {
			if err := json.Unmarshal([]byte(peers.String), &r.Peers); err != nil {
				return nil, fmt.Errorf("corrupt peers for run %s: %w", runID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) synthesis(ctx context.Context, runID string) (*model.Synthesis, error) {
	syn := model.Synthesis{Status: model.StatusSuccess}
	var verified, consensus, contradictions sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT master_model, content, tokens, verified_claims, consensus_percentage, contradictions_found
		FROM syntheses WHERE run_id = ?`, runID).Scan(
		&syn.MasterModel, &syn.Content, &syn.Tokens, &verified, &consensus, &contradictions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if verified.Valid {
		syn.FactCheck = &model.FactCheckSummary{
			VerifiedClaims:      int(verified.Int64),
			ConsensusPercentage: int(consensus.Int64),
			ContradictionsFound: int(contradictions.Int64),
		}
	}
	return &syn, nil
}

func (s *SQLiteStore) runMessages(ctx context.Context, runID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, run_id, role, content, verified, citations, created_at
		FROM messages WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, citations string
		var verified int
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.RunID, &role, &m.Content, &verified, &citations, &created); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.Verified = verified == 1
		m.CreatedAt = fromMillis(created)
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return nil, fmt.Errorf("corrupt citations for message %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
