// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/fusion/internal/router"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12

	// KeySize is the AES-256 key size.
	KeySize = 32

	// SaltSize is the PBKDF2 salt size.
	SaltSize = 32

	// PBKDF2Iterations follows the OWASP 2023 guidance for PBKDF2-SHA-256.
	PBKDF2Iterations = 600000
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS provider_keys (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    ciphertext TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, provider)
);
`

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoSecret is returned by Open when no vault secret is configured.
	ErrNoSecret = errors.New("vault secret is not configured")

	// ErrInvalidCiphertext indicates a stored value is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed indicates a wrong secret or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrUnknownProvider is returned when storing a key for ProviderUnknown.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Identifier maps a bearer token to a user id.
type Identifier interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Vault is a SQLite-backed encrypted key store.
type Vault struct {
	db   *sql.DB
	aead cipher.AEAD
	ids  Identifier
}

// Open prepares the vault tables in db and derives the sealing key from
// secret. ids may be nil when only the user-id methods are used.
func Open(ctx context.Context, db *sql.DB, secret string, ids Identifier) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply vault schema: %w", err)
	}

	salt, err := loadSalt(ctx, db)
	if err != nil {
		return nil, err
	}

	key := DeriveKey(secret, salt)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &Vault{db: db, aead: gcm, ids: ids}, nil
}

// DeriveKey derives the sealing key from a secret and salt.
func DeriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, PBKDF2Iterations, KeySize, sha256.New)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// loadSalt reads the vault salt, generating and storing one on first use.
func loadSalt(ctx context.Context, db *sql.DB) ([]byte, error) {
	var encoded string
	err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'vault_salt'`).Scan(&encoded)
	if err == nil {
		salt, err := hex.DecodeString(encoded)
		if err != nil || len(salt) != SaltSize {
			return nil, fmt.Errorf("corrupt vault salt")
		}
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read vault salt: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO metadata(key, value) VALUES ('vault_salt', ?)`, hex.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("failed to save vault salt: %w", err)
	}
	return salt, nil
}

// =============================================================================
// SEAL / OPEN
// =============================================================================

// seal returns base64(nonce|ciphertext|tag). The user and provider are bound
// as additional data so rows cannot be swapped.
func (v *Vault) seal(userID string, p router.Provider, plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := v.aead.Seal(nonce, nonce, []byte(plaintext), additionalData(userID, p))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) open(userID string, p router.Provider, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) < NonceSize+v.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := v.aead.Open(nil, data[:NonceSize], data[NonceSize:], additionalData(userID, p))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func additionalData(userID string, p router.Provider) []byte {
	return []byte(userID + "|" + p.String())
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Set stores secret for userID and provider, replacing any previous value.
func (v *Vault) Set(ctx context.Context, userID string, p router.Provider, secret string) error {
	if p == router.ProviderUnknown {
		return ErrUnknownProvider
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return v.Delete(ctx, userID, p)
	}
	sealed, err := v.seal(userID, p, secret)
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO provider_keys(user_id, provider, ciphertext, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		userID, p.String(), sealed, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	return nil
}

// Delete removes a stored key. Deleting a missing key is not an error.
func (v *Vault) Delete(ctx context.Context, userID string, p router.Provider) error {
	_, err := v.db.ExecContext(ctx,
		`DELETE FROM provider_keys WHERE user_id = ? AND provider = ?`, userID, p.String())
	return err
}

// Get returns the decrypted key for userID, or "" when none is stored.
func (v *Vault) Get(ctx context.Context, userID string, p router.Provider) (string, error) {
	var sealed string
	err := v.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM provider_keys WHERE user_id = ? AND provider = ?`, userID, p.String()).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.open(userID, p, sealed)
}

// Providers lists the providers userID has keys for.
func (v *Vault) Providers(ctx context.Context, userID string) ([]router.Provider, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT provider FROM provider_keys WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []router.Provider
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if p, err := router.ParseProvider(name); err == nil {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// Lookup resolves callerToken to a user and returns that user's key for p.
func (v *Vault) Lookup(ctx context.Context, callerToken string, p router.Provider) (string, error) {
	if v.ids == nil {
		return "", errors.New("vault has no identifier")
	}
	userID, err := v.ids.Authenticate(ctx, callerToken)
	if err != nil {
		return "", err
	}
	return v.Get(ctx, userID, p)
}
