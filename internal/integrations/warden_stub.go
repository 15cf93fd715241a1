package integrations

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// StubTicketing is the zero-config ticketing executor: it mints IDs locally
// and holds tickets in memory, forever PENDING unless a test advances them.
// It stands in when OPSHALO_TICKETING_URL is unset.
type StubTicketing struct {
	mu      sync.Mutex
	tickets map[string]models.WorkItemStatus
}

// NewStubTicketing creates an empty in-memory ticketing executor.
func NewStubTicketing() *StubTicketing {
	return &StubTicketing{tickets: make(map[string]models.WorkItemStatus)}
}

// CreateTicket implements contracts.Ticketing.
func (s *StubTicketing) CreateTicket(_ context.Context, req *contracts.TicketRequest) (string, error) {
	id := "stub-" + uuid.New().String()
	s.mu.Lock()
	s.tickets[id] = models.WorkItemPending
	s.mu.Unlock()

	log.Info().
		Str("ticket_id", id).
		Str("tenant_id", req.TenantID).
		Str("severity", string(req.Severity)).
		Str("subject", req.Subject).
		Msg("Stub ticketing accepted work item (no downstream executor configured)")
	return id, nil
}

// TicketStatus implements contracts.Ticketing.
func (s *StubTicketing) TicketStatus(_ context.Context, id string) (models.WorkItemStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.tickets[id]
	if !ok {
		return "", fmt.Errorf("%w: ticket %s", models.ErrNotFound, id)
	}
	return status, nil
}

// SetStatus force-sets a ticket status. Test hook.
func (s *StubTicketing) SetStatus(id string, status models.WorkItemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[id] = status
}

var _ contracts.Ticketing = (*StubTicketing)(nil)
