// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jeranaias/fusion/internal/router"
)

// Set maps providers to secrets. A Set is never mutated after construction;
// With returns a modified copy.
type Set struct {
	keys map[router.Provider]string
}

// NewSet copies m into a new Set, dropping empty secrets.
func NewSet(m map[router.Provider]string) Set {
	keys := make(map[router.Provider]string, len(m))
	for p, v := range m {
		if v = strings.TrimSpace(v); v != "" {
			keys[p] = v
		}
	}
	return Set{keys: keys}
}

// Get returns the secret for p, or "".
func (s Set) Get(p router.Provider) string {
	return s.keys[p]
}

// Has reports whether a secret exists for p.
func (s Set) Has(p router.Provider) bool {
	return s.keys[p] != ""
}

// With returns a copy of s with p set to secret. An empty secret leaves the
// existing value in place.
func (s Set) With(p router.Provider, secret string) Set {
	secret = strings.TrimSpace(secret)
	keys := make(map[router.Provider]string, len(s.keys)+1)
	for k, v := range s.keys {
		keys[k] = v
	}
	if secret != "" {
		keys[p] = secret
	}
	return Set{keys: keys}
}

// Providers returns the providers with a secret, in enum order.
func (s Set) Providers() []router.Provider {
	out := make([]router.Provider, 0, len(s.keys))
	for p := range s.keys {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of providers with a secret.
func (s Set) Len() int {
	return len(s.keys)
}

// String lists provider names only. Secrets are never printed.
func (s Set) String() string {
	names := make([]string, 0, len(s.keys))
	for _, p := range s.Providers() {
		names = append(names, p.String())
	}
	return fmt.Sprintf("credentials[%s]", strings.Join(names, ","))
}
