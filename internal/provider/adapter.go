// Package provider contains the per-provider adapters: each one binds an
// acquisition flow variant, the provider's token refresh and identity
// endpoints, and the interpretation of its provider-specific credential
// extras. The rotation engine is written once against the Adapter interface.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ForwardInfinity/pi-extensions/internal/oauth"
	"github.com/ForwardInfinity/pi-extensions/internal/pool"
)

// FlowOptions carries the host-supplied pieces an acquisition flow needs.
type FlowOptions struct {
	// ProxyURL routes the flow's HTTP traffic when set.
	ProxyURL string
	// Prompt asks the user for input (manual code paste); supplied by the
	// host glue.
	Prompt func(ctx context.Context, message string) (string, error)
	// OpenURL opens the authorization URL in the user's browser; nil leaves
	// the URL print-only.
	OpenURL func(url string) error
}

// Adapter is one managed upstream provider.
type Adapter interface {
	// Name is the provider key used in the host auth store and pool file.
	Name() string
	// StableRefreshToken reports whether the provider keeps the refresh
	// token stable per account. When false, the sync reconciler must match
	// on account id or email instead.
	StableRefreshToken() bool
	// NewFlow builds the provider's acquisition flow.
	NewFlow(opts FlowOptions) oauth.Flow
	// Complete backfills identity and provider-specific extras after a
	// successful acquisition. Identity is best-effort: a failure here leaves
	// the bundle usable and is reported by the caller, not fatal.
	Complete(ctx context.Context, bundle *oauth.TokenBundle) error
	// Refresh exchanges the refresh token for a fresh access token. The
	// explicit result distinguishes transport failure from provider
	// rejection so callers can decide retry vs. abort.
	Refresh(ctx context.Context, cred pool.Credential) *oauth.ExchangeResult
	// Identify forces a token refresh and then resolves the account's
	// stable identity. Satisfies pool.IdentityResolver.
	Identify(ctx context.Context, cred pool.Credential) (pool.Credential, pool.Identity, error)
}

var adapters = map[string]func() Adapter{
	"gemini": func() Adapter { return NewGemini() },
	"qwen":   func() Adapter { return NewQwen() },
	"claude": func() Adapter { return NewClaude() },
}

// Get returns the adapter registered under name.
func Get(name string) (Adapter, error) {
	factory, ok := adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return factory(), nil
}

// Names lists the supported provider keys.
func Names() []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
