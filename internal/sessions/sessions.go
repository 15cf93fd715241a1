// Package sessions manages conversation threads: ordered, append-only
// message history keyed by tenant and user.
//
// Ownership is enforced on every access. A supplied thread ID that does not
// exist, or that belongs to a different tenant+user pair, is an error — the
// store never silently creates a thread under a guessed ID.
package sessions

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/pkg/models"
)

// appendStripes bounds the per-thread append mutex table.
const appendStripes = 64

// Manager is the session store over the persistence layer. Appends are
// serialized per thread so concurrent messages on one thread land in the
// order they are accepted.
type Manager struct {
	store store.Store
	locks [appendStripes]sync.Mutex
}

// NewManager creates a session manager.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

func (m *Manager) lockFor(threadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return &m.locks[h.Sum32()%appendStripes]
}

// GetOrCreate resolves the conversation thread for a request.
//
// With a supplied threadID, the thread must exist and belong to
// (tenantID, userID): unknown IDs fail with ErrNotFound, ownership
// mismatches with ErrForbidden. Without one, a fresh thread is created.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, userID, threadID string) (*models.ConversationThread, error) {
	if threadID != "" {
		thread, err := m.store.GetThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if thread.TenantID != tenantID || thread.UserID != userID {
			// Deliberately indistinguishable in detail from "not found" at
			// the API layer; the error kind still differs for the audit log.
			return nil, fmt.Errorf("thread %s not owned by caller: %w", threadID, models.ErrForbidden)
		}
		return thread, nil
	}

	now := time.Now().UTC()
	thread := &models.ConversationThread{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// Append adds one turn to the thread. Append-only: prior turns are never
// edited or reordered.
func (m *Manager) Append(ctx context.Context, threadID string, role models.Role, content string) error {
	mu := m.lockFor(threadID)
	mu.Lock()
	defer mu.Unlock()

	return m.store.AppendTurn(ctx, threadID, models.Turn{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}

// History returns the thread's turns in conversation order. maxTurns > 0
// bounds the result to the most recent N.
func (m *Manager) History(ctx context.Context, threadID string, maxTurns int) ([]models.Turn, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	turns := thread.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

// Delete removes a thread permanently. Requires ownership.
func (m *Manager) Delete(ctx context.Context, threadID, tenantID, userID string) error {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.TenantID != tenantID || thread.UserID != userID {
		return fmt.Errorf("thread %s not owned by caller: %w", threadID, models.ErrForbidden)
	}
	return m.store.DeleteThread(ctx, threadID)
}

// List returns the caller's threads, newest activity first.
func (m *Manager) List(ctx context.Context, tenantID, userID string) ([]models.ConversationThread, error) {
	return m.store.ListThreads(ctx, tenantID, userID)
}
