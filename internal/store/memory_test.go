package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opshalo/opshalo/pkg/models"
)

func newMemory(t *testing.T) *MemoryStore {
	t.Helper()
	t.Setenv("OPSHALO_DATA_DIR", t.TempDir())
	m := NewMemoryStore()
	t.Cleanup(func() { m.Close() })
	return m
}

func testInstance(tenantID string) *models.AgentInstance {
	now := time.Now().UTC()
	return &models.AgentInstance{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AgentType: "assistant",
		Status:    models.InstanceActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInstanceLifecycle(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	inst := testInstance("acme")
	if err := m.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := m.CreateInstance(ctx, inst); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate create err = %v, want ErrConflict", err)
	}

	got, err := m.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.TenantID != "acme" || got.Status != models.InstanceActive {
		t.Fatalf("got = %+v", got)
	}

	got.Status = models.InstanceDisabled
	if err := m.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	updated, err := m.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance after update: %v", err)
	}
	if updated.Status != models.InstanceDisabled {
		t.Fatalf("Status = %s, want DISABLED", updated.Status)
	}

	if _, err := m.GetInstance(ctx, uuid.NewString()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestGetActiveInstanceSkipsDisabled(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	disabled := testInstance("acme")
	disabled.Status = models.InstanceDisabled
	if err := m.CreateInstance(ctx, disabled); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if _, err := m.GetActiveInstance(ctx, "acme", "assistant"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound with only a disabled instance", err)
	}

	active := testInstance("acme")
	if err := m.CreateInstance(ctx, active); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	got, err := m.GetActiveInstance(ctx, "acme", "assistant")
	if err != nil {
		t.Fatalf("GetActiveInstance: %v", err)
	}
	if got.ID != active.ID {
		t.Fatalf("got %s, want %s", got.ID, active.ID)
	}
}

func TestInstanceCopiesAreIsolated(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	inst := testInstance("acme")
	inst.CredentialEncrypted = []byte{1, 2, 3}
	if err := m.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	got, err := m.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	got.CredentialEncrypted[0] = 99
	got.Status = models.InstanceDisabled

	reread, err := m.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if reread.CredentialEncrypted[0] != 1 || reread.Status != models.InstanceActive {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestAppendTurnOrdering(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	thread := &models.ConversationThread{
		ID: uuid.NewString(), TenantID: "acme", UserID: "agent-1",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := m.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	for i := 0; i < 5; i++ {
		turn := models.Turn{Role: models.RoleUser, Content: fmt.Sprintf("msg-%d", i), CreatedAt: time.Now().UTC()}
		if err := m.AppendTurn(ctx, thread.ID, turn); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	got, err := m.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	for i, turn := range got.Turns {
		if want := fmt.Sprintf("msg-%d", i); turn.Content != want {
			t.Fatalf("turn[%d] = %q, want %q", i, turn.Content, want)
		}
	}

	if err := m.AppendTurn(ctx, uuid.NewString(), models.Turn{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("append to unknown thread err = %v, want ErrNotFound", err)
	}
}

func TestCreateWorkItemIdempotencyKeyConflict(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	item := &models.WorkItem{
		ID: "wi-1", TenantID: "acme", ActionType: "block_ip",
		Status: models.WorkItemPending, IdempotencyKey: "key-1",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := m.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem: %v", err)
	}

	clash := *item
	clash.ID = "wi-2"
	if err := m.CreateWorkItem(ctx, &clash); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate key err = %v, want ErrConflict", err)
	}

	byKey, err := m.GetWorkItemByKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetWorkItemByKey: %v", err)
	}
	if byKey.ID != "wi-1" {
		t.Fatalf("key resolves to %s, want wi-1", byKey.ID)
	}

	if _, err := m.GetWorkItemByKey(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown key err = %v, want ErrNotFound", err)
	}
}

func TestListWorkItemsNewestFirstWithLimit(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		item := &models.WorkItem{
			ID: fmt.Sprintf("wi-%d", i), TenantID: "acme", ActionType: "block_ip",
			Status: models.WorkItemPending, IdempotencyKey: fmt.Sprintf("key-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second), UpdatedAt: base,
		}
		if err := m.CreateWorkItem(ctx, item); err != nil {
			t.Fatalf("CreateWorkItem: %v", err)
		}
	}

	items, err := m.ListWorkItems(ctx, "acme", 2)
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(items) != 2 || items[0].ID != "wi-3" || items[1].ID != "wi-2" {
		t.Fatalf("items = %+v, want wi-3 then wi-2", items)
	}

	if other, _ := m.ListWorkItems(ctx, "globex", 0); len(other) != 0 {
		t.Fatalf("foreign tenant sees %d items", len(other))
	}
}

func TestAuditFilter(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	stamp := time.Now().UTC()
	events := []*models.AuditEvent{
		{TenantID: "acme", Actor: "ops@acme", Action: "vault.issue", Outcome: "success", Timestamp: stamp.Add(-2 * time.Hour)},
		{TenantID: "acme", Actor: "agent-1", Action: "escalation.create", Outcome: "success", Timestamp: stamp.Add(-time.Hour)},
		{TenantID: "globex", Actor: "agent-9", Action: "escalation.create", Outcome: "failure", Timestamp: stamp},
	}
	for _, ev := range events {
		if err := m.AppendAudit(ctx, ev); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := m.ListAudit(ctx, models.AuditFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tenant filter returned %d events, want 2", len(got))
	}
	if got[0].Action != "escalation.create" {
		t.Fatalf("newest-first violated: %s", got[0].Action)
	}

	since := stamp.Add(-90 * time.Minute)
	got, err = m.ListAudit(ctx, models.AuditFilter{TenantID: "acme", Since: &since})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 1 || got[0].Action != "escalation.create" {
		t.Fatalf("since filter = %+v", got)
	}

	got, err = m.ListAudit(ctx, models.AuditFilter{Action: "escalation.create", Limit: 1})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 1 || got[0].TenantID != "globex" {
		t.Fatalf("action+limit filter = %+v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OPSHALO_DATA_DIR", dir)

	first := NewMemoryStore()
	ctx := context.Background()
	inst := testInstance("acme")
	inst.CredentialHash = "$2a$10$fakehash"
	inst.CredentialEncrypted = []byte{0xde, 0xad, 0xbe, 0xef}
	if err := first.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := NewMemoryStore()
	t.Cleanup(func() { second.Close() })
	got, err := second.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance after reload: %v", err)
	}
	if got.TenantID != "acme" {
		t.Fatalf("reloaded instance = %+v", got)
	}
	// Credential material must survive a restart even though the model hides
	// it from API serialization.
	if got.CredentialHash != inst.CredentialHash {
		t.Fatal("credential hash lost across snapshot reload")
	}
	if len(got.CredentialEncrypted) != 4 || got.CredentialEncrypted[0] != 0xde {
		t.Fatal("encrypted credential lost across snapshot reload")
	}
}
