// Package contracts — authentication interfaces for the pluggable auth layer.
//
// Two kinds of callers reach the API: agent clients presenting a vault-issued
// access credential, and tenant administrators presenting an admin token.
// Both flow through the same AuthProvider chain; handlers consume only the
// resulting Identity and never know which provider produced it.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated caller. Produced by an AuthProvider,
// consumed by the authorization middleware and handlers.
type Identity struct {
	// Subject is the unique caller identifier (user ID or "instance:<id>").
	Subject string `json:"subject"`

	// Provider identifies which auth provider authenticated this identity.
	// Values: "agent-credential", "admin-token".
	Provider string `json:"provider"`

	// TenantID is the tenant scope the identity is bound to.
	TenantID string `json:"tenant_id"`

	// InstanceID is set when the caller authenticated with an agent
	// credential; it names the verified agent instance.
	InstanceID string `json:"instance_id,omitempty"`

	// Role is the caller's role: "admin" or "agent".
	Role string `json:"role"`

	// ExpiresAt is when this identity's session expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsAdmin reports whether the identity carries the administrator role.
func (id *Identity) IsAdmin() bool { return id != nil && id.Role == "admin" }

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier.
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// AuthProviderChain tries providers in priority order until one returns an
// Identity, so agent clients and administrators can call the same endpoints.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order. Returns the first
	// successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	RegisterProvider(provider AuthProvider)
}
