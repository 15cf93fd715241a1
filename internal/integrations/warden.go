package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
)

const wardenTimeout = 15 * time.Second

// WardenClient is the HTTP client for the Warden ticketing executor, the
// downstream system that actually performs escalated actions. Warden owns
// work-item IDs and status transitions.
type WardenClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewWardenClient creates a client for the Warden API at baseURL. The token
// is sent as a bearer credential; empty means unauthenticated (dev Warden).
func NewWardenClient(baseURL, token string) *WardenClient {
	return &WardenClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: wardenTimeout},
	}
}

type wardenTicket struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Severity string `json:"severity"`
}

// CreateTicket implements contracts.Ticketing.
func (c *WardenClient) CreateTicket(ctx context.Context, req *contracts.TicketRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/tickets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.decorate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: warden: %v", models.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: warden returned %d: %s", models.ErrDependencyUnavailable, resp.StatusCode, snippet)
	}

	var ticket wardenTicket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return "", fmt.Errorf("%w: warden response: %v", models.ErrDependencyUnavailable, err)
	}
	if ticket.ID == "" {
		return "", fmt.Errorf("%w: warden returned no ticket id", models.ErrDependencyUnavailable)
	}
	return ticket.ID, nil
}

// TicketStatus implements contracts.Ticketing.
func (c *WardenClient) TicketStatus(ctx context.Context, id string) (models.WorkItemStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/tickets/"+id, nil)
	if err != nil {
		return "", err
	}
	c.decorate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: warden: %v", models.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: ticket %s", models.ErrNotFound, id)
	default:
		return "", fmt.Errorf("%w: warden returned %d", models.ErrDependencyUnavailable, resp.StatusCode)
	}

	var ticket wardenTicket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return "", fmt.Errorf("%w: warden response: %v", models.ErrDependencyUnavailable, err)
	}

	switch ticket.Status {
	case "pending", "queued", "in_progress":
		return models.WorkItemPending, nil
	case "executed", "done", "resolved":
		return models.WorkItemExecuted, nil
	case "failed", "rejected":
		return models.WorkItemFailed, nil
	case "derived", "merged":
		return models.WorkItemDerived, nil
	default:
		return "", fmt.Errorf("%w: unknown warden status %q", models.ErrDependencyUnavailable, ticket.Status)
	}
}

func (c *WardenClient) decorate(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

var _ contracts.Ticketing = (*WardenClient)(nil)
