// Package contracts defines the service interfaces at the boundary of the
// Opshalo orchestration core.
//
// The core consumes four collaborators it does not implement the business
// logic of: the tenant directory, the secret store, the downstream ticketing
// executor, and the per-tenant AI/tool capability handles. Each is an
// interface here, so the in-memory defaults (zero-config runs, tests) and
// the production integrations are interchangeable at wiring time.
package contracts

import (
	"context"

	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed so
// deployment wiring outside internal/ can reference it.
type Store = store.Store

// ── Directory ───────────────────────────────────────────────

// Directory supplies tenant records and administrator role checks. The core
// only reads from it; the tenant schema belongs to the identity platform.
type Directory interface {
	// GetTenant returns the tenant, or models.ErrNotFound.
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)

	// IsAdmin reports whether actor is an administrator of the tenant.
	IsAdmin(ctx context.Context, tenantID, actor string) (bool, error)
}

// ── Secret Store ────────────────────────────────────────────

// SecretStore resolves a secret reference to its value. The core persists
// references only; values live in the secret platform (key vault, etc.).
type SecretStore interface {
	// Resolve returns the secret value for ref, or
	// models.ErrDependencyUnavailable / models.ErrNotFound.
	Resolve(ctx context.Context, ref string) (string, error)
}

// ── Ticketing ───────────────────────────────────────────────

// TicketRequest is the work-item creation payload sent downstream.
type TicketRequest struct {
	TenantID    string            `json:"tenant_id"`
	Subject     string            `json:"subject"`
	Description string            `json:"description"`
	Severity    models.Severity   `json:"severity"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Ticketing is the downstream ticketing executor. It is authoritative for
// work-item IDs and status transitions; the core never invents an ID and
// never drives PENDING→EXECUTED/FAILED/DERIVED itself.
type Ticketing interface {
	// CreateTicket creates a work item downstream and returns its ID.
	CreateTicket(ctx context.Context, req *TicketRequest) (string, error)

	// TicketStatus reads back the downstream status of a work item.
	TicketStatus(ctx context.Context, id string) (models.WorkItemStatus, error)
}

// ── Tool Drivers ────────────────────────────────────────────

// ToolResult is the normalized result of a read-only tool invocation.
type ToolResult struct {
	Source  string            `json:"source"`
	Summary string            `json:"summary"`
	Data    map[string]string `json:"data,omitempty"`

	// Mock marks a simulated result produced in mock mode. Replies built
	// from mock results are labeled as such.
	Mock bool `json:"mock,omitempty"`
}

// ToolDriver is the uniform contract for a tenant's read-only security tool
// capability (log search, firewall status, metrics, knowledge search).
//
// The intent router depends only on this interface, never on concrete tool
// types; each backend is one implementation registered by kind.
type ToolDriver interface {
	// Kind returns the tool identifier (e.g. "loghunt", "firewall").
	Kind() string

	// Invoke runs a read-only query and returns a normalized result.
	Invoke(ctx context.Context, query string, params map[string]string) (*ToolResult, error)
}

// ── Chat Completion ─────────────────────────────────────────

// ChatCompleter produces the assistant reply for the informational path.
// Live implementations call the tenant's configured provider; the mock
// implementation returns clearly labeled simulated answers.
type ChatCompleter interface {
	// Complete generates a reply to message given the recent history.
	Complete(ctx context.Context, history []models.Turn, message string) (string, error)

	// Mode reports "live" or "mock".
	Mode() string
}
