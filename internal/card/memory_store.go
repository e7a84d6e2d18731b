package card

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory card store for demo/development mode.
type MemoryStore struct {
	byID map[string]*Account
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory card store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Account)}
}

func (m *MemoryStore) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byID {
		if existing.ID == acct.ID ||
			(existing.Provider == acct.Provider && existing.ExternalID == acct.ExternalID) {
			return ErrAlreadyExists
		}
	}

	cp := acct.Clone()
	cp.Version = 1
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Flags == nil {
		cp.Flags = make(FlagSet)
	}
	m.byID[cp.ID] = cp
	acct.Version = cp.Version
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acct, ok := m.byID[id]; ok {
		return acct.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, provider, externalID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acct := range m.byID {
		if acct.Provider == provider && acct.ExternalID == externalID {
			return acct.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[acct.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != acct.Version {
		return ErrVersionConflict
	}

	cp := acct.Clone()
	cp.Version = current.Version + 1
	cp.UpdatedAt = time.Now()
	m.byID[cp.ID] = cp
	acct.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, acct := range m.byID {
		if acct.UserID == userID {
			result = append(result, acct.Clone())
		}
	}
	return result, nil
}
