package fraud

import (
	"context"
	"sync"
)

// MemoryStore keeps analyses in memory for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	byCard map[string][]*Analysis
}

// NewMemoryStore creates an in-memory analysis store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byCard: make(map[string][]*Analysis)}
}

func (m *MemoryStore) Record(ctx context.Context, a *Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	// Newest first.
	m.byCard[a.CardID] = append([]*Analysis{&cp}, m.byCard[a.CardID]...)
	return nil
}

func (m *MemoryStore) ListByCard(ctx context.Context, cardID string, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byCard[cardID]
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Analysis, len(list))
	for i, a := range list {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}
