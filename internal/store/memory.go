// Package store — in-memory Store implementation.
// Used when DATABASE_URL is not set (local dev, tests). Supports file-based
// snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxAuditEvents caps the in-memory audit trail; the oldest events are
// dropped past this point. Postgres deployments keep the full trail.
const maxAuditEvents = 10000

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Instances   map[string]*persistedInstance         `json:"instances"`
	Threads     map[string]*models.ConversationThread `json:"threads"`
	WorkItems   map[string]*models.WorkItem           `json:"work_items"`
	AuditEvents []*models.AuditEvent                  `json:"audit_events"`
}

// persistedInstance re-exposes the credential fields that the model hides
// from API serialization with json:"-". Without it a restart would silently
// drop every stored credential.
type persistedInstance struct {
	models.AgentInstance
	CredentialHash      string `json:"credential_hash,omitempty"`
	CredentialEncrypted []byte `json:"credential_encrypted,omitempty"`
}

func toPersisted(inst *models.AgentInstance) *persistedInstance {
	return &persistedInstance{
		AgentInstance:       *inst,
		CredentialHash:      inst.CredentialHash,
		CredentialEncrypted: inst.CredentialEncrypted,
	}
}

func (p *persistedInstance) toModel() *models.AgentInstance {
	inst := p.AgentInstance
	inst.CredentialHash = p.CredentialHash
	inst.CredentialEncrypted = p.CredentialEncrypted
	return &inst
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*models.AgentInstance      // key: id
	threads     map[string]*models.ConversationThread // key: id
	workItems   map[string]*models.WorkItem           // key: downstream id
	itemsByKey  map[string]string                     // idempotency key → work item id
	auditEvents []*models.AuditEvent                  // append-only, capped

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutine to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store.
// If OPSHALO_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.opshalo/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		instances:   make(map[string]*models.AgentInstance),
		threads:     make(map[string]*models.ConversationThread),
		workItems:   make(map[string]*models.WorkItem),
		itemsByKey:  make(map[string]string),
		auditEvents: make([]*models.AuditEvent, 0),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	dataDir := os.Getenv("OPSHALO_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".opshalo")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Instances ───────────────────────────────────────────────

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*models.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return copyInstance(inst), nil
}

func (m *MemoryStore) GetActiveInstance(_ context.Context, tenantID, agentType string) (*models.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inst := range m.instances {
		if inst.TenantID == tenantID && inst.AgentType == agentType && inst.Status != models.InstanceDisabled {
			return copyInstance(inst), nil
		}
	}
	return nil, fmt.Errorf("active instance for tenant %s: %w", tenantID, models.ErrNotFound)
}

func (m *MemoryStore) ListInstances(_ context.Context, tenantID string) ([]models.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.AgentInstance
	for _, inst := range m.instances {
		if inst.TenantID == tenantID {
			result = append(result, *copyInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CreateInstance(_ context.Context, inst *models.AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists: %w", inst.ID, models.ErrConflict)
	}
	m.instances[inst.ID] = copyInstance(inst)
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, inst *models.AgentInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.ID]; !exists {
		return fmt.Errorf("instance %s: %w", inst.ID, models.ErrNotFound)
	}
	updated := copyInstance(inst)
	updated.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = updated
	m.requestSave()
	return nil
}

// ── Threads ─────────────────────────────────────────────────

func (m *MemoryStore) GetThread(_ context.Context, id string) (*models.ConversationThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, models.ErrNotFound)
	}
	return copyThread(thread), nil
}

func (m *MemoryStore) CreateThread(_ context.Context, thread *models.ConversationThread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.threads[thread.ID]; exists {
		return fmt.Errorf("thread %s already exists: %w", thread.ID, models.ErrConflict)
	}
	m.threads[thread.ID] = copyThread(thread)
	m.requestSave()
	return nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, threadID string, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, models.ErrNotFound)
	}
	thread.Turns = append(thread.Turns, turn)
	thread.UpdatedAt = time.Now().UTC()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.threads[id]; !exists {
		return fmt.Errorf("thread %s: %w", id, models.ErrNotFound)
	}
	delete(m.threads, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListThreads(_ context.Context, tenantID, userID string) ([]models.ConversationThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.ConversationThread
	for _, t := range m.threads {
		if t.TenantID == tenantID && (userID == "" || t.UserID == userID) {
			result = append(result, *copyThread(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (m *MemoryStore) ListIdleThreads(_ context.Context, cutoff time.Time) ([]models.ConversationThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.ConversationThread
	for _, t := range m.threads {
		if t.UpdatedAt.Before(cutoff) {
			result = append(result, *copyThread(t))
		}
	}
	return result, nil
}

// ── Work Items ──────────────────────────────────────────────

func (m *MemoryStore) GetWorkItem(_ context.Context, id string) (*models.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.workItems[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, models.ErrNotFound)
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryStore) GetWorkItemByKey(_ context.Context, key string) (*models.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.itemsByKey[key]
	if !ok {
		return nil, fmt.Errorf("work item key: %w", models.ErrNotFound)
	}
	cp := *m.workItems[id]
	return &cp, nil
}

func (m *MemoryStore) CreateWorkItem(_ context.Context, item *models.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workItems[item.ID]; exists {
		return fmt.Errorf("work item %s already exists: %w", item.ID, models.ErrConflict)
	}
	if item.IdempotencyKey != "" {
		if _, exists := m.itemsByKey[item.IdempotencyKey]; exists {
			return fmt.Errorf("duplicate idempotency key: %w", models.ErrConflict)
		}
		m.itemsByKey[item.IdempotencyKey] = item.ID
	}
	cp := *item
	m.workItems[item.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateWorkItem(_ context.Context, item *models.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workItems[item.ID]; !exists {
		return fmt.Errorf("work item %s: %w", item.ID, models.ErrNotFound)
	}
	cp := *item
	cp.UpdatedAt = time.Now().UTC()
	m.workItems[item.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListWorkItems(_ context.Context, tenantID string, limit int) ([]models.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.WorkItem
	for _, item := range m.workItems {
		if item.TenantID == tenantID {
			result = append(result, *item)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Audit ───────────────────────────────────────────────────

func (m *MemoryStore) AppendAudit(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	if len(m.auditEvents) > maxAuditEvents {
		m.auditEvents = m.auditEvents[len(m.auditEvents)-maxAuditEvents:]
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []models.AuditEvent
	// Newest first.
	for i := len(m.auditEvents) - 1; i >= 0 && len(result) < limit; i-- {
		ev := m.auditEvents[i]
		if filter.TenantID != "" && ev.TenantID != filter.TenantID {
			continue
		}
		if filter.Action != "" && ev.Action != filter.Action {
			continue
		}
		if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
			continue
		}
		result = append(result, *ev)
	}
	return result, nil
}

// ── Copies ──────────────────────────────────────────────────

// The store hands out copies so callers can never mutate shared state
// behind the lock.

func copyInstance(inst *models.AgentInstance) *models.AgentInstance {
	cp := *inst
	if inst.CredentialEncrypted != nil {
		cp.CredentialEncrypted = append([]byte(nil), inst.CredentialEncrypted...)
	}
	if inst.Config.Tools != nil {
		cp.Config.Tools = make(map[string]models.ToolEndpoint, len(inst.Config.Tools))
		for k, v := range inst.Config.Tools {
			cp.Config.Tools[k] = v
		}
	}
	return &cp
}

func copyThread(t *models.ConversationThread) *models.ConversationThread {
	cp := *t
	cp.Turns = append([]models.Turn(nil), t.Turns...)
	return &cp
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	instances := make(map[string]*persistedInstance, len(m.instances))
	for id, inst := range m.instances {
		instances[id] = toPersisted(inst)
	}
	snap := snapshot{
		Instances:   instances,
		Threads:     m.threads,
		WorkItems:   m.workItems,
		AuditEvents: m.auditEvents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Snapshot rename failed")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot load failed")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot parse failed, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range snap.Instances {
		m.instances[id] = p.toModel()
	}
	if snap.Threads != nil {
		m.threads = snap.Threads
	}
	if snap.WorkItems != nil {
		m.workItems = snap.WorkItems
		for _, item := range m.workItems {
			if item.IdempotencyKey != "" {
				m.itemsByKey[item.IdempotencyKey] = item.ID
			}
		}
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}

	log.Info().
		Int("instances", len(m.instances)).
		Int("threads", len(m.threads)).
		Int("work_items", len(m.workItems)).
		Msg("Snapshot loaded")
}
