// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/storage"
)

type tokenMap map[string]string

func (m tokenMap) Authenticate(ctx context.Context, token string) (string, error) {
	if id, ok := m[token]; ok {
		return id, nil
	}
	return "", storage.ErrInvalidToken
}

func openTestVault(t *testing.T, secret string, ids Identifier) (*Vault, *storage.SQLiteStore) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	v, err := Open(context.Background(), s.DB(), secret, ids)
	require.NoError(t, err)
	return v, s
}

func TestSetGetDelete(t *testing.T) {
	v, _ := openTestVault(t, "s3cret", nil)
	ctx := context.Background()

	got, err := v.Get(ctx, "u1", router.ProviderOpenAI)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, v.Set(ctx, "u1", router.ProviderOpenAI, "sk-user"))
	got, err = v.Get(ctx, "u1", router.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-user", got)

	require.NoError(t, v.Set(ctx, "u1", router.ProviderOpenAI, "sk-rotated"))
	got, _ = v.Get(ctx, "u1", router.ProviderOpenAI)
	assert.Equal(t, "sk-rotated", got)

	providers, err := v.Providers(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []router.Provider{router.ProviderOpenAI}, providers)

	require.NoError(t, v.Delete(ctx, "u1", router.ProviderOpenAI))
	got, _ = v.Get(ctx, "u1", router.ProviderOpenAI)
	assert.Empty(t, got)
}

func TestSetRejectsUnknownProvider(t *testing.T) {
	v, _ := openTestVault(t, "s3cret", nil)
	err := v.Set(context.Background(), "u1", router.ProviderUnknown, "x")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCiphertextAtRest(t *testing.T) {
	v, s := openTestVault(t, "s3cret", nil)
	ctx := context.Background()
	require.NoError(t, v.Set(ctx, "u1", router.ProviderAnthropic, "sk-ant-plain"))

	var stored string
	require.NoError(t, s.DB().QueryRow(`SELECT ciphertext FROM provider_keys`).Scan(&stored))
	assert.NotContains(t, stored, "sk-ant-plain")
}

func TestWrongSecretFails(t *testing.T) {
	v, s := openTestVault(t, "right", nil)
	ctx := context.Background()
	require.NoError(t, v.Set(ctx, "u1", router.ProviderGoogle, "g-key"))

	other, err := Open(ctx, s.DB(), "wrong", nil)
	require.NoError(t, err)
	_, err = other.Get(ctx, "u1", router.ProviderGoogle)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	same, err := Open(ctx, s.DB(), "right", nil)
	require.NoError(t, err)
	got, err := same.Get(ctx, "u1", router.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "g-key", got)
}

func TestRowsAreBoundToOwner(t *testing.T) {
	v, s := openTestVault(t, "s3cret", nil)
	ctx := context.Background()
	require.NoError(t, v.Set(ctx, "u1", router.ProviderXAI, "xai-key"))

	_, err := s.DB().Exec(`UPDATE provider_keys SET user_id = 'u2'`)
	require.NoError(t, err)
	_, err = v.Get(ctx, "u2", router.ProviderXAI)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestLookup(t *testing.T) {
	v, _ := openTestVault(t, "s3cret", tokenMap{"tok": "u1"})
	ctx := context.Background()
	require.NoError(t, v.Set(ctx, "u1", router.ProviderSerper, "serper-key"))

	got, err := v.Lookup(ctx, "tok", router.ProviderSerper)
	require.NoError(t, err)
	assert.Equal(t, "serper-key", got)

	_, err = v.Lookup(ctx, "bad", router.ProviderSerper)
	assert.ErrorIs(t, err, storage.ErrInvalidToken)
}

func TestOpenRequiresSecret(t *testing.T) {
	s, err := storage.Open(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	defer s.Close()
	_, err = Open(context.Background(), s.DB(), "", nil)
	assert.ErrorIs(t, err, ErrNoSecret)
}
