package selection

import (
	"context"
	"sync"
)

// MemoryStore keeps selections in process memory. It is the default when no
// database is configured and the implementation tests run against.
type MemoryStore struct {
	mu  sync.RWMutex
	sel map[string]string
}

// NewMemoryStore constructs an empty in-memory selection store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sel: make(map[string]string)}
}

var _ Store = (*MemoryStore)(nil)

// Get returns the selected project id for userID, or ErrNoSelection.
func (s *MemoryStore) Get(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	projectID, ok := s.sel[userID]
	if !ok {
		return "", ErrNoSelection
	}
	return projectID, nil
}

// Set records projectID as userID's selection.
func (s *MemoryStore) Set(ctx context.Context, userID, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" || projectID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel[userID] = projectID
	return nil
}

// Clear removes userID's selection (idempotent).
func (s *MemoryStore) Clear(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sel, userID)
	return nil
}
