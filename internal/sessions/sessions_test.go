package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opshalo/opshalo/internal/integrations"
	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	t.Setenv("OPSHALO_DATA_DIR", t.TempDir())
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewManager(st), st
}

func TestGetOrCreateNewThread(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	thread, err := mgr.GetOrCreate(ctx, "acme", "agent-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if thread.ID == "" {
		t.Fatal("expected a generated thread ID")
	}
	if thread.TenantID != "acme" || thread.UserID != "agent-1" {
		t.Fatalf("thread owner = (%s, %s), want (acme, agent-1)", thread.TenantID, thread.UserID)
	}

	same, err := mgr.GetOrCreate(ctx, "acme", "agent-1", thread.ID)
	if err != nil {
		t.Fatalf("GetOrCreate existing: %v", err)
	}
	if same.ID != thread.ID {
		t.Fatalf("resolved thread %s, want %s", same.ID, thread.ID)
	}
}

func TestGetOrCreateUnknownID(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.GetOrCreate(context.Background(), "acme", "agent-1", uuid.NewString())
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetOrCreateOwnershipEnforced(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	thread, err := mgr.GetOrCreate(ctx, "acme", "agent-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := mgr.GetOrCreate(ctx, "acme", "agent-2", thread.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("other user err = %v, want ErrForbidden", err)
	}
	if _, err := mgr.GetOrCreate(ctx, "globex", "agent-1", thread.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("other tenant err = %v, want ErrForbidden", err)
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	thread, err := mgr.GetOrCreate(ctx, "acme", "agent-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	want := []string{"first", "second", "third", "fourth"}
	for i, content := range want {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		if err := mgr.Append(ctx, thread.ID, role, content); err != nil {
			t.Fatalf("Append %q: %v", content, err)
		}
	}

	turns, err := mgr.History(ctx, thread.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != len(want) {
		t.Fatalf("history length = %d, want %d", len(turns), len(want))
	}
	for i, turn := range turns {
		if turn.Content != want[i] {
			t.Fatalf("turn[%d] = %q, want %q", i, turn.Content, want[i])
		}
	}
}

func TestHistoryWindow(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	thread, err := mgr.GetOrCreate(ctx, "acme", "agent-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := mgr.Append(ctx, thread.ID, models.RoleUser, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	turns, err := mgr.History(ctx, thread.ID, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("windowed history length = %d, want 3", len(turns))
	}
	if turns[0].Content != "msg-4" || turns[2].Content != "msg-6" {
		t.Fatalf("window = [%s..%s], want [msg-4..msg-6]", turns[0].Content, turns[2].Content)
	}
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	thread, err := mgr.GetOrCreate(ctx, "acme", "agent-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := mgr.Append(ctx, thread.ID, models.RoleUser, fmt.Sprintf("msg-%d", i)); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	turns, err := mgr.History(ctx, thread.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != writers {
		t.Fatalf("history length = %d, want %d", len(turns), writers)
	}
}

func TestDeleteRequiresOwnership(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	thread, err := mgr.GetOrCreate(ctx, "acme", "agent-1", "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if err := mgr.Delete(ctx, thread.ID, "acme", "agent-2"); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("foreign delete err = %v, want ErrForbidden", err)
	}
	if err := mgr.Delete(ctx, thread.ID, "acme", "agent-1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := mgr.History(ctx, thread.ID, 0); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("history after delete err = %v, want ErrNotFound", err)
	}
}

func TestListScopedToOwner(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	for _, owner := range []struct{ tenant, user string }{
		{"acme", "agent-1"},
		{"acme", "agent-1"},
		{"acme", "agent-2"},
		{"globex", "agent-1"},
	} {
		if _, err := mgr.GetOrCreate(ctx, owner.tenant, owner.user, ""); err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}

	threads, err := mgr.List(ctx, "acme", "agent-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("List returned %d threads, want 2", len(threads))
	}
	for _, thread := range threads {
		if thread.TenantID != "acme" || thread.UserID != "agent-1" {
			t.Fatalf("leaked thread owned by (%s, %s)", thread.TenantID, thread.UserID)
		}
	}
}

func TestJanitorExpiresIdleThreads(t *testing.T) {
	_, st := newTestManager(t)
	ctx := context.Background()

	dir := integrations.NewStaticDirectory()
	dir.AddTenant(&models.Tenant{ID: "acme", Name: "Acme"})
	dir.AddTenant(&models.Tenant{ID: "globex", Name: "Globex"})
	if err := dir.SetRetention("globex", 2*time.Hour); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}

	seed := func(tenant string, idle time.Duration) string {
		t.Helper()
		stamp := time.Now().UTC().Add(-idle)
		thread := &models.ConversationThread{
			ID:        uuid.NewString(),
			TenantID:  tenant,
			UserID:    "agent-1",
			CreatedAt: stamp,
			UpdatedAt: stamp,
		}
		if err := st.CreateThread(ctx, thread); err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
		return thread.ID
	}

	// acme uses the 24h default; globex overrides down to 2h.
	expiredDefault := seed("acme", 25*time.Hour)
	keptDefault := seed("acme", 3*time.Hour)
	expiredOverride := seed("globex", 3*time.Hour)
	keptFresh := seed("globex", 30*time.Minute)

	janitor := NewJanitor(st, dir, 24*time.Hour, time.Minute)
	if expired := janitor.RunCycle(ctx); expired != 2 {
		t.Fatalf("RunCycle expired %d threads, want 2", expired)
	}

	for _, id := range []string{expiredDefault, expiredOverride} {
		if _, err := st.GetThread(ctx, id); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("thread %s survived expiry, err = %v", id, err)
		}
	}
	for _, id := range []string{keptDefault, keptFresh} {
		if _, err := st.GetThread(ctx, id); err != nil {
			t.Fatalf("thread %s expired prematurely: %v", id, err)
		}
	}
}
