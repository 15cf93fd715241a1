package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opshalo/opshalo/internal/notify"
	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	ticketMaxRetries    = 3
	ticketRetryInterval = 200 * time.Millisecond
)

// Notifier receives work-item lifecycle events. Delivery must be
// best-effort; the gateway never waits on or fails with it.
type Notifier interface {
	WorkItemEvent(ctx context.Context, eventType string, item *models.WorkItem)
}

// Gateway converts high-risk escalation requests into work items on the
// downstream ticketing executor, at most once per idempotency key.
type Gateway struct {
	store     store.Store
	ticketing contracts.Ticketing
	policy    *Policy
	notifier  Notifier

	// group collapses concurrent escalations carrying the same key onto a
	// single downstream creation.
	group singleflight.Group
}

// New creates a Gateway over the given store, ticketing client and policy.
func New(st store.Store, ticketing contracts.Ticketing, policy *Policy) *Gateway {
	if policy == nil {
		policy = DefaultPolicy(0)
	}
	return &Gateway{store: st, ticketing: ticketing, policy: policy}
}

// SetNotifier registers the lifecycle event sink. Nil disables events.
func (g *Gateway) SetNotifier(n Notifier) { g.notifier = n }

func (g *Gateway) notify(ctx context.Context, eventType string, item *models.WorkItem) {
	if g.notifier != nil {
		g.notifier.WorkItemEvent(ctx, eventType, item)
	}
}

// Escalate creates (or deduplicates onto) a work item for a high-risk
// request and returns the caller-facing reference. A nil error guarantees
// the work item exists downstream and is persisted locally.
func (g *Gateway) Escalate(ctx context.Context, req *models.EscalationRequest) (*models.WorkItemRef, error) {
	if req.TenantID == "" || req.ActionType == "" {
		return nil, fmt.Errorf("%w: tenant id and action type are required", models.ErrValidation)
	}

	key := g.idempotencyKey(req, time.Now().UTC())

	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		return g.escalateOnce(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkItemRef), nil
}

// escalateOnce runs under singleflight: concurrent duplicates share one
// execution, and the store lookup catches duplicates from earlier in the
// dedupe window (including other replicas sharing the store).
func (g *Gateway) escalateOnce(ctx context.Context, req *models.EscalationRequest, key string) (*models.WorkItemRef, error) {
	if existing, err := g.store.GetWorkItemByKey(ctx, key); err == nil {
		log.Debug().
			Str("tenant_id", req.TenantID).
			Str("work_item_id", existing.ID).
			Str("action_type", req.ActionType).
			Msg("Escalation deduplicated onto existing work item")
		g.notify(ctx, notify.EventWorkItemDeduplicated, existing)
		return &models.WorkItemRef{
			ID:           existing.ID,
			Severity:     existing.Severity,
			Status:       existing.Status,
			Deduplicated: true,
		}, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("work item lookup: %w", err)
	}

	severity := g.policy.DeriveSeverity(req.ActionType, req.Params.SeverityHint)
	subject := subjectFor(req)
	description := describeRequest(req)

	ticketID, err := g.createWithRetry(ctx, &contracts.TicketRequest{
		TenantID:    req.TenantID,
		Subject:     subject,
		Description: description,
		Severity:    severity,
		Metadata: map[string]string{
			"action_type":  req.ActionType,
			"thread_id":    req.ThreadID,
			"requested_by": req.UserID,
		},
	})
	if err != nil {
		g.audit(ctx, req, "", severity, "failure", err.Error())
		return nil, fmt.Errorf("%w: %v", models.ErrHandoffFailed, err)
	}

	now := time.Now().UTC()
	item := &models.WorkItem{
		ID:             ticketID,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		ThreadID:       req.ThreadID,
		ActionType:     req.ActionType,
		Subject:        subject,
		Description:    description,
		Severity:       severity,
		Status:         models.WorkItemPending,
		IdempotencyKey: key,
		Payload:        paramsPayload(req.Params),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.store.CreateWorkItem(ctx, item); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// Another replica won the race after our lookup; its item is
			// authoritative.
			if existing, lookupErr := g.store.GetWorkItemByKey(ctx, key); lookupErr == nil {
				return &models.WorkItemRef{
					ID:           existing.ID,
					Severity:     existing.Severity,
					Status:       existing.Status,
					Deduplicated: true,
				}, nil
			}
		}
		// The downstream ticket exists; losing the local record is worse
		// than surfacing a retryable error.
		return nil, fmt.Errorf("work item persist: %w", err)
	}

	g.audit(ctx, req, ticketID, severity, "success", "")
	g.notify(ctx, notify.EventWorkItemCreated, item)
	log.Info().
		Str("tenant_id", req.TenantID).
		Str("work_item_id", ticketID).
		Str("action_type", req.ActionType).
		Str("severity", string(severity)).
		Msg("Escalation created work item")

	return &models.WorkItemRef{ID: ticketID, Severity: severity, Status: models.WorkItemPending}, nil
}

// createWithRetry calls the ticketing executor with bounded exponential
// backoff. Escalation sits on the user's critical path, so retries stay
// short; persistent failure surfaces to the caller instead of queueing.
func (g *Gateway) createWithRetry(ctx context.Context, req *contracts.TicketRequest) (string, error) {
	var ticketID string

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ticketRetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, ticketMaxRetries), ctx)

	err := backoff.Retry(func() error {
		id, err := g.ticketing.CreateTicket(ctx, req)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("Ticket creation failed, retrying")
			return err
		}
		ticketID = id
		return nil
	}, policy)
	if err != nil {
		return "", err
	}
	return ticketID, nil
}

// Refresh re-reads the downstream status of a work item and persists any
// transition. The executor is authoritative; the core only mirrors.
func (g *Gateway) Refresh(ctx context.Context, tenantID, itemID string) (*models.WorkItem, error) {
	item, err := g.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.TenantID != tenantID {
		return nil, models.ErrNotFound
	}
	status, err := g.ticketing.TicketStatus(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("%w: status lookup: %v", models.ErrDependencyUnavailable, err)
	}
	if status != item.Status {
		item.Status = status
		item.UpdatedAt = time.Now().UTC()
		if err := g.store.UpdateWorkItem(ctx, item); err != nil {
			return nil, err
		}
		g.notify(ctx, notify.EventWorkItemStatus, item)
	}
	return item, nil
}

// idempotencyKey hashes the logical identity of a request: tenant, action,
// normalized targets, and the coarse time bucket. Message wording does not
// participate, so "block 10.0.0.5" and "please block ip 10.0.0.5 now"
// collapse together.
func (g *Gateway) idempotencyKey(req *models.EscalationRequest, now time.Time) string {
	ips := append([]string(nil), req.Params.IPs...)
	sort.Strings(ips)

	bucket := now.Unix() / int64(g.policy.DedupeWindow.Seconds())

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%d",
		req.TenantID,
		req.ActionType,
		strings.Join(ips, ","),
		strings.ToLower(req.Params.Device),
		strings.ToLower(req.Params.Account),
		bucket,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func subjectFor(req *models.EscalationRequest) string {
	target := ""
	switch {
	case len(req.Params.IPs) > 0:
		target = req.Params.IPs[0]
	case req.Params.Device != "":
		target = req.Params.Device
	case req.Params.Account != "":
		target = req.Params.Account
	}
	label := strings.ReplaceAll(req.ActionType, "_", " ")
	if target == "" {
		return fmt.Sprintf("[Opshalo] %s requested", label)
	}
	return fmt.Sprintf("[Opshalo] %s: %s", label, target)
}

func describeRequest(req *models.EscalationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated escalation requested via Opshalo assistant.\n\n")
	fmt.Fprintf(&b, "Action: %s\n", req.ActionType)
	if len(req.Params.IPs) > 0 {
		fmt.Fprintf(&b, "Target IPs: %s\n", strings.Join(req.Params.IPs, ", "))
	}
	if req.Params.Device != "" {
		fmt.Fprintf(&b, "Target device: %s\n", req.Params.Device)
	}
	if req.Params.Account != "" {
		fmt.Fprintf(&b, "Target account: %s\n", req.Params.Account)
	}
	fmt.Fprintf(&b, "Requested by: %s\n", req.UserID)
	if req.OriginalMessage != "" {
		fmt.Fprintf(&b, "\nOriginal request:\n%s\n", req.OriginalMessage)
	}
	return b.String()
}

func paramsPayload(p models.ExtractedParams) map[string]string {
	payload := map[string]string{}
	if len(p.IPs) > 0 {
		payload["ips"] = strings.Join(p.IPs, ",")
	}
	if p.Device != "" {
		payload["device"] = p.Device
	}
	if p.Account != "" {
		payload["account"] = p.Account
	}
	if p.SeverityHint != "" {
		payload["severity_hint"] = string(p.SeverityHint)
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}

func (g *Gateway) audit(ctx context.Context, req *models.EscalationRequest, itemID string, severity models.Severity, outcome, detail string) {
	event := &models.AuditEvent{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		TenantID:   req.TenantID,
		Actor:      req.UserID,
		Action:     "escalation.create",
		Resource:   "work_item",
		ResourceID: itemID,
		Outcome:    outcome,
		Detail: map[string]string{
			"action_type": req.ActionType,
			"severity":    string(severity),
		},
	}
	if detail != "" {
		event.Detail["error"] = detail
	}
	if err := g.store.AppendAudit(ctx, event); err != nil {
		log.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("Audit append failed")
	}
}
