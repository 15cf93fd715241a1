// Package notify dispatches work-item lifecycle events to tenant-registered
// webhook channels.
//
// Channels are registered through the admin API and live in memory; they are
// operational plumbing, not tenant data, and re-registering after a restart
// is acceptable. Payloads are optionally HMAC-SHA256 signed so receivers can
// authenticate the sender.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// ── Event types ─────────────────────────────────────────────

const (
	EventWorkItemCreated      = "work_item.created"
	EventWorkItemDeduplicated = "work_item.deduplicated"
	EventWorkItemStatus       = "work_item.status_changed"
)

// Event is the webhook payload.
type Event struct {
	Type       string                `json:"type"`
	TenantID   string                `json:"tenant_id"`
	WorkItemID string                `json:"work_item_id"`
	ActionType string                `json:"action_type"`
	Severity   models.Severity       `json:"severity"`
	Status     models.WorkItemStatus `json:"status"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Channel is one registered webhook endpoint.
type Channel struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Secret   string `json:"-"`

	// Events filters delivery; empty means all events.
	Events    []string  `json:"events,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Service ──────────────────────────────────────────────────

const (
	dispatchTimeout  = 15 * time.Second
	deliveryAttempts = 3

	// deliveryWindow caps one channel's delivery including retries.
	deliveryWindow = deliveryAttempts * dispatchTimeout
)

// Service holds channel registrations and delivers events to them.
type Service struct {
	client *http.Client

	mu       sync.RWMutex
	channels map[string]*Channel // channel ID → channel

	inflight sync.WaitGroup
}

// NewService creates an empty notification service.
func NewService() *Service {
	return &Service{
		client:   &http.Client{Timeout: dispatchTimeout},
		channels: make(map[string]*Channel),
	}
}

// Register adds a webhook channel for a tenant and returns it with its
// assigned ID.
func (s *Service) Register(tenantID, name, url, secret string, events []string) (*Channel, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: channel url is required", models.ErrValidation)
	}
	ch := &Channel{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.mu.Unlock()

	log.Info().Str("tenant", tenantID).Str("channel", name).Msg("Notification channel registered")
	return ch, nil
}

// List returns the tenant's channels.
func (s *Service) List(tenantID string) []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0)
	for _, ch := range s.channels {
		if ch.TenantID == tenantID {
			out = append(out, *ch)
		}
	}
	return out
}

// Remove deletes a channel; cross-tenant IDs read as absent.
func (s *Service) Remove(tenantID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok || ch.TenantID != tenantID {
		return models.ErrNotFound
	}
	delete(s.channels, channelID)
	return nil
}

// WorkItemEvent builds and dispatches an event for a work item to all of
// the owning tenant's subscribed channels. WorkItemEvent returns as soon as
// deliveries are handed off: the escalation path must never wait on a
// webhook receiver. Deliveries run detached from the caller's context with
// their own bounded deadline; failures are logged, never surfaced.
func (s *Service) WorkItemEvent(ctx context.Context, eventType string, item *models.WorkItem) {
	event := Event{
		Type:       eventType,
		TenantID:   item.TenantID,
		WorkItemID: item.ID,
		ActionType: item.ActionType,
		Severity:   item.Severity,
		Status:     item.Status,
		Timestamp:  time.Now().UTC(),
	}

	s.mu.RLock()
	targets := make([]*Channel, 0)
	for _, ch := range s.channels {
		if ch.TenantID == item.TenantID && ch.Active && subscribes(ch, eventType) {
			targets = append(targets, ch)
		}
	}
	s.mu.RUnlock()

	for _, ch := range targets {
		s.inflight.Add(1)
		go func(ch *Channel) {
			defer s.inflight.Done()
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryWindow)
			defer cancel()
			if err := s.deliver(dctx, ch, event); err != nil {
				log.Warn().Err(err).
					Str("tenant", ch.TenantID).
					Str("channel", ch.Name).
					Str("event", eventType).
					Msg("Webhook delivery failed")
				return
			}
			log.Debug().
				Str("channel", ch.Name).
				Str("event", eventType).
				Str("work_item", item.ID).
				Msg("Webhook delivered")
		}(ch)
	}
}

// Drain blocks until all in-flight deliveries have completed or timed out.
// Called on shutdown so handed-off events are not cut short.
func (s *Service) Drain() {
	s.inflight.Wait()
}

// deliver posts the event as JSON with bounded retries. The request is
// rebuilt per attempt; a consumed body cannot be resent.
func (s *Service) deliver(ctx context.Context, ch *Channel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), deliveryAttempts-1), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Opshalo-Webhook/1.0")
		req.Header.Set("X-Opshalo-Event", event.Type)
		req.Header.Set("X-Opshalo-Tenant", event.TenantID)
		if ch.Secret != "" {
			mac := hmac.New(sha256.New, []byte(ch.Secret))
			mac.Write(body)
			req.Header.Set("X-Opshalo-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL)
		}
		return nil
	}, bo)
}

func subscribes(ch *Channel, eventType string) bool {
	if len(ch.Events) == 0 {
		return true
	}
	for _, e := range ch.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}
