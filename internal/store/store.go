// Package store provides the storage interface and implementations for the
// Opshalo orchestration core. The in-memory store is the zero-config default
// (local dev, tests); the Postgres store backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/opshalo/opshalo/pkg/models"
)

// Store is the primary storage interface. All service code depends on this
// interface, making it easy to swap between in-memory and Postgres.
type Store interface {
	InstanceStore
	ThreadStore
	WorkItemStore
	AuditStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Instance Store ──────────────────────────────────────────

// InstanceStore persists agent instances and their credential material.
// Instances are never physically deleted: disable is a status change, so
// the audit trail stays attached to a real record.
type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*models.AgentInstance, error)

	// GetActiveInstance returns the non-disabled instance for the tenant and
	// agent type, or models.ErrNotFound.
	GetActiveInstance(ctx context.Context, tenantID, agentType string) (*models.AgentInstance, error)

	ListInstances(ctx context.Context, tenantID string) ([]models.AgentInstance, error)
	CreateInstance(ctx context.Context, inst *models.AgentInstance) error

	// UpdateInstance replaces the stored record wholesale. Credential hash
	// and ciphertext always travel together through this call; a record
	// with only one of the pair updated is never observable.
	UpdateInstance(ctx context.Context, inst *models.AgentInstance) error
}

// ── Thread Store ────────────────────────────────────────────

// ThreadStore persists conversation threads. Turns are append-only;
// AppendTurn is the only mutation of history.
type ThreadStore interface {
	GetThread(ctx context.Context, id string) (*models.ConversationThread, error)
	CreateThread(ctx context.Context, thread *models.ConversationThread) error
	AppendTurn(ctx context.Context, threadID string, turn models.Turn) error
	DeleteThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, tenantID, userID string) ([]models.ConversationThread, error)

	// ListIdleThreads returns threads with no activity since cutoff, for the
	// retention janitor. Advisory: in-flight requests never depend on it.
	ListIdleThreads(ctx context.Context, cutoff time.Time) ([]models.ConversationThread, error)
}

// ── Work Item Store ─────────────────────────────────────────

// WorkItemStore persists escalated work items keyed by the downstream-
// assigned ID, with a secondary idempotency-key index for deduplication.
type WorkItemStore interface {
	GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error)

	// GetWorkItemByKey looks up a work item by idempotency key, or
	// models.ErrNotFound.
	GetWorkItemByKey(ctx context.Context, key string) (*models.WorkItem, error)

	// CreateWorkItem stores a new work item. A duplicate idempotency key
	// fails with models.ErrConflict (backstop behind the gateway's own
	// check-and-set).
	CreateWorkItem(ctx context.Context, item *models.WorkItem) error

	UpdateWorkItem(ctx context.Context, item *models.WorkItem) error
	ListWorkItems(ctx context.Context, tenantID string, limit int) ([]models.WorkItem, error)
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore is the append-only audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, event *models.AuditEvent) error
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
}
