// Package models defines the core domain types for the Opshalo orchestration
// layer: agent instances and their credential material, conversation threads,
// escalation requests, work items, and audit events.
//
// All core state is partitioned by tenant ID. Types here are plain data;
// behavior lives in the internal packages that own each concern.
package models

import "time"

// ── Agent Instances ─────────────────────────────────────────

// InstanceStatus tracks the lifecycle of an agent instance.
type InstanceStatus string

const (
	InstanceActive           InstanceStatus = "ACTIVE"
	InstanceDisabled         InstanceStatus = "DISABLED"
	InstancePendingProvision InstanceStatus = "PENDING_PROVISION"
)

// AgentInstance is one provisioned agent configuration + credential pair
// belonging to a tenant. A tenant may hold more than one instance,
// disambiguated by agent type.
//
// Credential material is stored in two independent forms derived from the
// same plaintext at issuance time: a one-way hash used only for verification,
// and an authenticated reversible encryption used only for the audited
// recovery path. The plaintext itself is never persisted.
type AgentInstance struct {
	ID        string         `json:"id" db:"id"`
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	AgentType string         `json:"agent_type" db:"agent_type"`
	Config    AgentConfig    `json:"config"`
	Status    InstanceStatus `json:"status" db:"status"`

	// CredentialHash is the bcrypt hash of the access credential.
	// Verification-only; never returned over the API.
	CredentialHash string `json:"-" db:"credential_hash"`

	// CredentialEncrypted is the AES-GCM ciphertext of the same credential
	// under the process master key. Recovery-only; never returned over the API.
	CredentialEncrypted []byte `json:"-" db:"credential_encrypted"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// AgentConfig holds the per-tenant AI provider configuration for an instance.
// Secret fields carry references into the secret store, never the values.
type AgentConfig struct {
	ChatEndpoint string `json:"chat_endpoint,omitempty"`
	ChatModel    string `json:"chat_model,omitempty"`
	ChatKeyRef   string `json:"chat_key_ref,omitempty"`

	Voice string `json:"voice,omitempty"`

	KnowledgeEndpoint string `json:"knowledge_endpoint,omitempty"`
	KnowledgeIndex    string `json:"knowledge_index,omitempty"`
	KnowledgeKeyRef   string `json:"knowledge_key_ref,omitempty"`

	// Tools maps a read-only tool kind (loghunt, firewall, metrics) to the
	// endpoint serving it for this tenant.
	Tools map[string]ToolEndpoint `json:"tools,omitempty"`
}

// ToolEndpoint locates one tenant-scoped security tool backend.
type ToolEndpoint struct {
	URL    string `json:"url"`
	KeyRef string `json:"key_ref,omitempty"`
}

// HasChatConfig reports whether the instance carries everything the live
// chat provider driver needs. Anything less runs in mock mode.
func (c AgentConfig) HasChatConfig() bool {
	return c.ChatEndpoint != "" && c.ChatModel != "" && c.ChatKeyRef != ""
}

// ── Conversation Threads ────────────────────────────────────

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a conversation thread. Threads are append-only and
// insertion order is the conversation order.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationThread is the ordered message history for one (tenant, user)
// conversation. Ownership is enforced on every access: a thread is only
// visible to the tenant+user pair that created it.
type ConversationThread struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Severity ────────────────────────────────────────────────

// Severity is the work-item severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher of two severities. Unknown values rank
// below low, so a malformed hint can never lower an action-type default.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// ── Escalation ──────────────────────────────────────────────

// ExtractedParams are the parameters pulled out of a user message by the
// intent router's deterministic pattern matching.
type ExtractedParams struct {
	IPs          []string `json:"ips,omitempty"`
	Device       string   `json:"device,omitempty"`
	Account      string   `json:"account,omitempty"`
	SeverityHint Severity `json:"severity_hint,omitempty"`
}

// EscalationRequest is the transient classification result handed to the
// Escalation Gateway for a high-risk action.
type EscalationRequest struct {
	TenantID        string          `json:"tenant_id"`
	UserID          string          `json:"user_id"`
	ThreadID        string          `json:"thread_id"`
	ActionType      string          `json:"action_type"`
	Params          ExtractedParams `json:"params"`
	OriginalMessage string          `json:"original_message"`
}

// WorkItemStatus tracks the downstream lifecycle of a work item. The core
// never drives these transitions; the ticketing executor does.
type WorkItemStatus string

const (
	WorkItemPending  WorkItemStatus = "PENDING"
	WorkItemExecuted WorkItemStatus = "EXECUTED"
	WorkItemFailed   WorkItemStatus = "FAILED"
	WorkItemDerived  WorkItemStatus = "DERIVED"
)

// WorkItem is the persisted snapshot of an escalated request. The ID is
// assigned by the downstream ticketing executor, never locally.
type WorkItem struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	UserID         string            `json:"user_id" db:"user_id"`
	ThreadID       string            `json:"thread_id,omitempty" db:"thread_id"`
	ActionType     string            `json:"action_type" db:"action_type"`
	Subject        string            `json:"subject" db:"subject"`
	Description    string            `json:"description" db:"description"`
	Severity       Severity          `json:"severity" db:"severity"`
	Status         WorkItemStatus    `json:"status" db:"status"`
	IdempotencyKey string            `json:"-" db:"idempotency_key"`
	Payload        map[string]string `json:"payload,omitempty"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// WorkItemRef is the caller-facing reference to a created (or deduplicated)
// work item.
type WorkItemRef struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Status   WorkItemStatus `json:"status"`

	// Deduplicated is true when the request collapsed onto an existing
	// work item instead of creating a new one.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// ── Tenants ─────────────────────────────────────────────────

// Tenant is the read-only view of a tenant supplied by the directory
// collaborator. The core never defines or mutates the tenant schema.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// ThreadRetention bounds how long an idle conversation thread is kept.
	// Zero means the server default applies.
	ThreadRetention time.Duration `json:"thread_retention,omitempty"`
}

// ── Audit ───────────────────────────────────────────────────

// AuditEvent records one auditable action: who did what to which resource,
// and how it turned out. Written for every mutating operation regardless of
// success, and for every credential verification failure.
type AuditEvent struct {
	ID         string            `json:"id" db:"id"`
	Timestamp  time.Time         `json:"timestamp" db:"timestamp"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	Actor      string            `json:"actor" db:"actor"`
	Action     string            `json:"action" db:"action"`
	Resource   string            `json:"resource" db:"resource"`
	ResourceID string            `json:"resource_id,omitempty" db:"resource_id"`
	Outcome    string            `json:"outcome" db:"outcome"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// AuditFilter provides query options for listing audit events.
type AuditFilter struct {
	TenantID string
	Action   string
	Since    *time.Time
	Limit    int
}
