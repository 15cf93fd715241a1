// Package handlers implements the HTTP handlers for the Opshalo core: the
// credential lifecycle, the chat surface, session threads, cache
// administration, work items, and the audit trail.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opshalo/opshalo/internal/escalation"
	"github.com/opshalo/opshalo/internal/notify"
	"github.com/opshalo/opshalo/internal/orchestrator"
	"github.com/opshalo/opshalo/internal/sessions"
	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/internal/tenantcache"
	"github.com/opshalo/opshalo/internal/vault"
	"github.com/opshalo/opshalo/pkg/contracts"
	pkgmw "github.com/opshalo/opshalo/pkg/middleware"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Vault        *vault.Vault
	Cache        *tenantcache.Cache
	Sessions     *sessions.Manager
	Orchestrator *orchestrator.Orchestrator
	Gateway      *escalation.Gateway
	Notify       *notify.Service
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, v *vault.Vault, cache *tenantcache.Cache, sess *sessions.Manager, orch *orchestrator.Orchestrator, gw *escalation.Gateway, n *notify.Service) *Handlers {
	return &Handlers{
		Store:        s,
		Vault:        v,
		Cache:        cache,
		Sessions:     sess,
		Orchestrator: orch,
		Gateway:      gw,
		Notify:       n,
	}
}

// ── Credential Lifecycle ─────────────────────────────────────

// IssueInstanceRequest is the payload to provision an agent instance.
type IssueInstanceRequest struct {
	AgentType string             `json:"agent_type"`
	Config    models.AgentConfig `json:"config"`
}

// IssueInstanceResponse carries the one-time plaintext credential.
type IssueInstanceResponse struct {
	Instance   *models.AgentInstance `json:"instance"`
	Credential string                `json:"credential"`
}

func (h *Handlers) IssueInstance(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req IssueInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	inst, credential, err := h.Vault.Issue(r.Context(), tenant, req.AgentType, req.Config, identity.Subject)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, IssueInstanceResponse{Instance: inst, Credential: credential})
}

func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	instances, err := h.Store.ListInstances(r.Context(), tenant)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if instances == nil {
		instances = []models.AgentInstance{}
	}
	respondJSON(w, http.StatusOK, instances)
}

func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	inst, ok := h.tenantInstance(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

// RotateCredentialResponse carries the replacement plaintext credential.
type RotateCredentialResponse struct {
	InstanceID string `json:"instance_id"`
	Credential string `json:"credential"`
}

func (h *Handlers) RotateCredential(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	inst, ok := h.tenantInstance(w, r)
	if !ok {
		return
	}

	credential, err := h.Vault.Rotate(r.Context(), inst.ID, identity.Subject)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RotateCredentialResponse{InstanceID: inst.ID, Credential: credential})
}

// RecoverCredentialResponse carries the decrypted current credential.
type RecoverCredentialResponse struct {
	InstanceID string `json:"instance_id"`
	Credential string `json:"credential"`
}

func (h *Handlers) RecoverCredential(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	inst, ok := h.tenantInstance(w, r)
	if !ok {
		return
	}

	credential, err := h.Vault.Recover(r.Context(), inst.ID, identity.Subject)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RecoverCredentialResponse{InstanceID: inst.ID, Credential: credential})
}

func (h *Handlers) DisableInstance(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	inst, ok := h.tenantInstance(w, r)
	if !ok {
		return
	}

	if err := h.Vault.Disable(r.Context(), inst.ID, identity.Subject); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) UpdateInstanceConfig(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	inst, ok := h.tenantInstance(w, r)
	if !ok {
		return
	}

	var cfg models.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.Vault.UpdateConfig(r.Context(), inst.ID, cfg, identity.Subject)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// ── Chat ─────────────────────────────────────────────────────

// ChatRequest is one inbound user message.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	result, err := h.Orchestrator.HandleMessage(r.Context(), tenant, identity.Subject, req.ThreadID, req.Message)
	if err != nil {
		// ErrForbidden can only come from thread resolution here.
		respondThreadError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Threads ──────────────────────────────────────────────────

func (h *Handlers) ListThreads(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	threads, err := h.Sessions.List(r.Context(), tenant, identity.Subject)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if threads == nil {
		threads = []models.ConversationThread{}
	}
	respondJSON(w, http.StatusOK, threads)
}

func (h *Handlers) GetThread(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	threadID := chi.URLParam(r, "threadID")
	tenant := pkgmw.GetTenant(r.Context())

	thread, err := h.Sessions.GetOrCreate(r.Context(), tenant, identity.Subject, threadID)
	if err != nil {
		respondThreadError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, thread)
}

func (h *Handlers) DeleteThread(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	threadID := chi.URLParam(r, "threadID")
	tenant := pkgmw.GetTenant(r.Context())

	if err := h.Sessions.Delete(r.Context(), threadID, tenant, identity.Subject); err != nil {
		respondThreadError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Cache Administration ─────────────────────────────────────

func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Cache.Stats())
}

func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	h.Cache.Invalidate(tenant)
	log.Info().Str("tenant", tenant).Str("actor", identity.Subject).Msg("Tenant cache invalidated via API")
	respondJSON(w, http.StatusOK, map[string]string{"tenant_id": tenant, "status": "invalidated"})
}

// ── Work Items ───────────────────────────────────────────────

func (h *Handlers) ListWorkItems(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	tenant := pkgmw.GetTenant(r.Context())
	items, err := h.Store.ListWorkItems(r.Context(), tenant, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if items == nil {
		items = []models.WorkItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handlers) GetWorkItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	item, err := h.Store.GetWorkItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil || item.TenantID != tenant {
		respondDomainError(w, models.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// RefreshWorkItem re-reads the downstream status and persists transitions.
func (h *Handlers) RefreshWorkItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	item, err := h.Gateway.Refresh(r.Context(), tenant, chi.URLParam(r, "itemID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// ── Notification Channels ────────────────────────────────────

// RegisterChannelRequest is the payload to register a webhook channel.
type RegisterChannelRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

func (h *Handlers) RegisterChannel(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	var req RegisterChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	ch, err := h.Notify.Register(tenant, req.Name, req.URL, req.Secret, req.Events)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ch)
}

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Notify.List(pkgmw.GetTenant(r.Context())))
}

func (h *Handlers) RemoveChannel(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	tenant := pkgmw.GetTenant(r.Context())
	if err := h.Notify.Remove(tenant, chi.URLParam(r, "channelID")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Audit Trail ──────────────────────────────────────────────

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	filter := models.AuditFilter{
		TenantID: pkgmw.GetTenant(r.Context()),
		Action:   r.URL.Query().Get("action"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	events, err := h.Store.ListAudit(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ── Helpers ──────────────────────────────────────────────────

// requireAdmin enforces the administrator role on the current identity;
// a false return means the response was already written.
func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) (*contracts.Identity, bool) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	if !identity.IsAdmin() {
		respondError(w, http.StatusForbidden, "Administrator role required")
		return nil, false
	}
	return identity, true
}

// tenantInstance loads the instance from the URL and enforces that it
// belongs to the request's tenant scope. Cross-tenant IDs read as absent.
func (h *Handlers) tenantInstance(w http.ResponseWriter, r *http.Request) (*models.AgentInstance, bool) {
	inst, err := h.Store.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil || inst.TenantID != pkgmw.GetTenant(r.Context()) {
		respondDomainError(w, models.ErrNotFound)
		return nil, false
	}
	return inst, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondThreadError responds for thread-resolution failures. An ownership
// mismatch is reported as 404, same as an unknown ID, so a thread ID cannot
// be probed for existence across tenants or users; the audit-facing error
// kind still differs server-side.
func respondThreadError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrForbidden) {
		respondError(w, http.StatusNotFound, "Thread not found")
		return
	}
	respondDomainError(w, err)
}

// respondDomainError maps the sentinel error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrAuthFailure):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrHandoffFailed):
		status = http.StatusBadGateway
	case errors.Is(err, models.ErrDependencyUnavailable):
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, err.Error())
}
