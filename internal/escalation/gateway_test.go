package escalation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opshalo/opshalo/internal/integrations"
	"github.com/opshalo/opshalo/internal/notify"
	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("OPSHALO_DATA_DIR", t.TempDir())
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return st
}

func blockIPRequest(ip string) *models.EscalationRequest {
	return &models.EscalationRequest{
		TenantID:        "acme",
		UserID:          "agent-1",
		ThreadID:        "thread-1",
		ActionType:      "block_ip",
		Params:          models.ExtractedParams{IPs: []string{ip}},
		OriginalMessage: "Block IP " + ip,
	}
}

func TestEscalateCreatesWorkItem(t *testing.T) {
	st := newTestStore(t)
	ticketing := integrations.NewStubTicketing()
	gw := New(st, ticketing, DefaultPolicy(time.Hour))
	ctx := context.Background()

	ref, err := gw.Escalate(ctx, blockIPRequest("10.0.0.5"))
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if ref.Deduplicated {
		t.Fatal("first escalation reported as deduplicated")
	}
	if ref.Status != models.WorkItemPending {
		t.Fatalf("Status = %s, want PENDING", ref.Status)
	}
	if ref.Severity != models.SeverityHigh {
		t.Fatalf("Severity = %s, want high", ref.Severity)
	}

	item, err := st.GetWorkItem(ctx, ref.ID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if item.TenantID != "acme" || item.ActionType != "block_ip" {
		t.Fatalf("persisted item = %+v", item)
	}
	if item.Payload["ips"] != "10.0.0.5" {
		t.Fatalf("Payload[ips] = %q, want 10.0.0.5", item.Payload["ips"])
	}

	// The downstream executor knows the item under the same ID.
	if status, err := ticketing.TicketStatus(ctx, ref.ID); err != nil || status != models.WorkItemPending {
		t.Fatalf("TicketStatus = %s, %v", status, err)
	}
}

func TestEscalateDeduplicatesWithinWindow(t *testing.T) {
	st := newTestStore(t)
	gw := New(st, integrations.NewStubTicketing(), DefaultPolicy(time.Hour))
	ctx := context.Background()

	first, err := gw.Escalate(ctx, blockIPRequest("10.0.0.5"))
	if err != nil {
		t.Fatalf("first Escalate: %v", err)
	}

	// Different wording, same logical request.
	dup := blockIPRequest("10.0.0.5")
	dup.OriginalMessage = "please block ip 10.0.0.5 right away"
	second, err := gw.Escalate(ctx, dup)
	if err != nil {
		t.Fatalf("second Escalate: %v", err)
	}
	if !second.Deduplicated {
		t.Fatal("duplicate inside the window was not deduplicated")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate landed on %s, want %s", second.ID, first.ID)
	}

	// A different target is a different work item.
	other, err := gw.Escalate(ctx, blockIPRequest("10.0.0.6"))
	if err != nil {
		t.Fatalf("third Escalate: %v", err)
	}
	if other.Deduplicated || other.ID == first.ID {
		t.Fatalf("distinct target collapsed onto %s", other.ID)
	}

	items, err := st.ListWorkItems(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("persisted %d work items, want 2", len(items))
	}
}

func TestEscalateConcurrentDuplicates(t *testing.T) {
	st := newTestStore(t)
	gw := New(st, integrations.NewStubTicketing(), DefaultPolicy(time.Hour))
	ctx := context.Background()

	const callers = 10
	refs := make([]*models.WorkItemRef, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := gw.Escalate(ctx, blockIPRequest("10.0.0.5"))
			if err != nil {
				t.Errorf("Escalate: %v", err)
				return
			}
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for _, ref := range refs {
		if ref == nil || ref.ID != refs[0].ID {
			t.Fatal("concurrent duplicates produced more than one work item")
		}
	}
	items, err := st.ListWorkItems(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("persisted %d work items, want 1", len(items))
	}
}

func TestSeverityHintOnlyRaises(t *testing.T) {
	st := newTestStore(t)
	gw := New(st, integrations.NewStubTicketing(), DefaultPolicy(time.Hour))
	ctx := context.Background()

	raised := blockIPRequest("10.0.0.5")
	raised.Params.SeverityHint = models.SeverityCritical
	ref, err := gw.Escalate(ctx, raised)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if ref.Severity != models.SeverityCritical {
		t.Fatalf("Severity = %s, want critical (hint raised)", ref.Severity)
	}

	lowered := blockIPRequest("10.0.0.6")
	lowered.Params.SeverityHint = models.SeverityLow
	ref, err = gw.Escalate(ctx, lowered)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if ref.Severity != models.SeverityHigh {
		t.Fatalf("Severity = %s, want high (hint must not lower)", ref.Severity)
	}
}

// failingTicketing always rejects creation, exercising the handoff-failure
// path after retries are exhausted.
type failingTicketing struct {
	mu       sync.Mutex
	attempts int
}

func (f *failingTicketing) CreateTicket(context.Context, *contracts.TicketRequest) (string, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return "", errors.New("executor unavailable")
}

func (f *failingTicketing) TicketStatus(context.Context, string) (models.WorkItemStatus, error) {
	return "", errors.New("executor unavailable")
}

func TestEscalateHandoffFailure(t *testing.T) {
	st := newTestStore(t)
	ticketing := &failingTicketing{}
	gw := New(st, ticketing, DefaultPolicy(time.Hour))
	ctx := context.Background()

	_, err := gw.Escalate(ctx, blockIPRequest("10.0.0.5"))
	if !errors.Is(err, models.ErrHandoffFailed) {
		t.Fatalf("err = %v, want ErrHandoffFailed", err)
	}
	if ticketing.attempts < 2 {
		t.Fatalf("attempts = %d, want retries before giving up", ticketing.attempts)
	}

	// Nothing was persisted, so the failure is audited, not silently dropped.
	items, err := st.ListWorkItems(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("persisted %d work items after failed handoff, want 0", len(items))
	}
	events, err := st.ListAudit(ctx, models.AuditFilter{TenantID: "acme", Action: "escalation.create"})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != "failure" {
		t.Fatalf("audit events = %+v, want one failure record", events)
	}
}

func TestEscalateValidation(t *testing.T) {
	gw := New(newTestStore(t), integrations.NewStubTicketing(), DefaultPolicy(time.Hour))

	_, err := gw.Escalate(context.Background(), &models.EscalationRequest{TenantID: "acme"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRefreshMirrorsDownstreamStatus(t *testing.T) {
	st := newTestStore(t)
	ticketing := integrations.NewStubTicketing()
	gw := New(st, ticketing, DefaultPolicy(time.Hour))
	ctx := context.Background()

	ref, err := gw.Escalate(ctx, blockIPRequest("10.0.0.5"))
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	ticketing.SetStatus(ref.ID, models.WorkItemExecuted)
	item, err := gw.Refresh(ctx, "acme", ref.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if item.Status != models.WorkItemExecuted {
		t.Fatalf("Status = %s, want EXECUTED", item.Status)
	}

	// The transition was persisted, not just reported.
	stored, err := st.GetWorkItem(ctx, ref.ID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if stored.Status != models.WorkItemExecuted {
		t.Fatalf("stored Status = %s, want EXECUTED", stored.Status)
	}

	// Foreign tenants cannot see the item.
	if _, err := gw.Refresh(ctx, "globex", ref.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("foreign Refresh err = %v, want ErrNotFound", err)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "dedupe_window: 90s\nhigh_risk_actions:\n  - configuration_change\nseverity_overrides:\n  block_ip: critical\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	policy, err := LoadPolicy(path, 5*time.Minute)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if policy.DedupeWindow != 90*time.Second {
		t.Fatalf("DedupeWindow = %s, want 90s", policy.DedupeWindow)
	}
	if len(policy.HighRiskActions) != 1 || policy.HighRiskActions[0] != "configuration_change" {
		t.Fatalf("HighRiskActions = %v", policy.HighRiskActions)
	}
	if got := policy.DeriveSeverity("block_ip", ""); got != models.SeverityCritical {
		t.Fatalf("overridden block_ip severity = %s, want critical", got)
	}

	// Defaults survive an empty path.
	policy, err = LoadPolicy("", time.Minute)
	if err != nil {
		t.Fatalf("LoadPolicy empty path: %v", err)
	}
	if policy.DedupeWindow != time.Minute {
		t.Fatalf("DedupeWindow = %s, want 1m", policy.DedupeWindow)
	}
}

func TestDeriveSeverity(t *testing.T) {
	policy := DefaultPolicy(0)

	cases := []struct {
		actionType string
		hint       models.Severity
		want       models.Severity
	}{
		{"block_ip", "", models.SeverityHigh},
		{"disable_firewall", "", models.SeverityCritical},
		{"general_action", "", models.SeverityMedium},
		{"block_ip", models.SeverityCritical, models.SeverityCritical},
		{"disable_firewall", models.SeverityLow, models.SeverityCritical},
	}
	for _, tc := range cases {
		if got := policy.DeriveSeverity(tc.actionType, tc.hint); got != tc.want {
			t.Errorf("DeriveSeverity(%s, %s) = %s, want %s", tc.actionType, tc.hint, got, tc.want)
		}
	}
}

func TestEscalateAuditEventIsComplete(t *testing.T) {
	st := newTestStore(t)
	gw := New(st, integrations.NewStubTicketing(), DefaultPolicy(time.Hour))
	ctx := context.Background()

	if _, err := gw.Escalate(ctx, blockIPRequest("10.0.0.5")); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	events, err := st.ListAudit(ctx, models.AuditFilter{TenantID: "acme", Action: "escalation.create"})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	// Every audit event carries its own identity and time; the Postgres
	// store keys on the ID and ListAudit filters on the timestamp.
	if events[0].ID == "" {
		t.Fatal("audit event has no ID")
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("audit event has zero timestamp")
	}
	if events[0].Outcome != "success" {
		t.Fatalf("Outcome = %q, want success", events[0].Outcome)
	}
}

func TestEscalateReturnsBeforeWebhookDelivery(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	notifier := notify.NewService()
	if _, err := notifier.Register("acme", "stalled-hook", srv.URL, "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	st := newTestStore(t)
	gw := New(st, integrations.NewStubTicketing(), DefaultPolicy(time.Hour))
	gw.SetNotifier(notifier)

	start := time.Now()
	ref, err := gw.Escalate(context.Background(), blockIPRequest("10.0.0.5"))
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if ref.ID == "" {
		t.Fatal("missing work item ref")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("Escalate blocked %v behind a stalled webhook receiver", elapsed)
	}
}
