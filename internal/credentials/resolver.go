// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/fusion/internal/router"
)

// Vault returns a caller's decrypted secret for a provider, or "" when the
// caller has none stored.
type Vault interface {
	Lookup(ctx context.Context, callerToken string, p router.Provider) (string, error)
}

// Resolver merges default credentials with per-caller vault overrides.
type Resolver struct {
	mu        sync.RWMutex
	defaults  Set
	vault     Vault
	providers []router.Provider
	logger    *zap.Logger
}

// NewResolver creates a resolver. vault may be nil.
func NewResolver(defaults Set, vault Vault) *Resolver {
	return &Resolver{
		defaults:  defaults,
		vault:     vault,
		providers: router.Providers,
		logger:    zap.NewNop(),
	}
}

// WithLogger sets the logger used for lookup failures.
func (r *Resolver) WithLogger(l *zap.Logger) *Resolver {
	if l != nil {
		r.logger = l
	}
	return r
}

// Defaults returns the current default set.
func (r *Resolver) Defaults() Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetDefaults replaces the default set. Requests already resolved keep the
// set they were given.
func (r *Resolver) SetDefaults(s Set) {
	r.mu.Lock()
	r.defaults = s
	r.mu.Unlock()
}

// Resolve returns the credential set for one request. An empty token or a
// nil vault yields the defaults unchanged.
func (r *Resolver) Resolve(ctx context.Context, callerToken string) Set {
	defaults := r.Defaults()
	if callerToken == "" || r.vault == nil {
		return defaults
	}

	overrides := make([]string, len(r.providers))
	var g errgroup.Group
	for i, p := range r.providers {
		g.Go(func() error {
			secret, err := r.vault.Lookup(ctx, callerToken, p)
			if err != nil {
				r.logger.Debug("vault_lookup_failed",
					zap.String("provider", p.String()),
					zap.Error(err))
				return nil
			}
			overrides[i] = secret
			return nil
		})
	}
	_ = g.Wait()

	set := defaults
	for i, p := range r.providers {
		set = set.With(p, overrides[i])
	}
	return set
}
