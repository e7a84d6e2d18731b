package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/cardrail/internal/card"
)

// MemoryStore is an in-memory record store for demo/development mode.
// Commit delegates the card mutation to the card store; under the engine's
// per-card lock the two writes are effectively atomic in a single process.
type MemoryStore struct {
	cards card.Store
	byKey map[string]*Record // provider + "\x00" + external event id
	byID  map[string]*Record
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore(cards card.Store) *MemoryStore {
	return &MemoryStore{
		cards: cards,
		byKey: make(map[string]*Record),
		byID:  make(map[string]*Record),
	}
}

func recordKey(provider, externalEventID string) string {
	return provider + "\x00" + externalEventID
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	if rec.Metadata != nil {
		cp.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) Commit(ctx context.Context, acct *card.Account, recs ...*Record) error {
	if acct != nil {
		if err := m.cards.Update(ctx, acct); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, rec := range recs {
		rec.UpdatedAt = now
		cp := cloneRecord(rec)
		m.byKey[recordKey(cp.Provider, cp.ExternalEventID)] = cp
		m.byID[cp.ID] = cp
	}
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.byID[id]; ok {
		return cloneRecord(rec), nil
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryStore) GetByEventID(ctx context.Context, provider, externalEventID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.byKey[recordKey(provider, externalEventID)]; ok {
		return cloneRecord(rec), nil
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryStore) ListByCard(ctx context.Context, cardID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	recs, err := m.ListByCardSince(ctx, cardID, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *MemoryStore) ListByCardSince(ctx context.Context, cardID string, since time.Time) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.byID {
		if rec.CardID == cardID && !rec.CreatedAt.Before(since) {
			result = append(result, cloneRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) SumSpendSince(ctx context.Context, cardID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, rec := range m.byID {
		if rec.CardID != cardID || !rec.Kind.IsSpend() || rec.CreatedAt.Before(since) {
			continue
		}
		if rec.Status == StatusPending || rec.Status == StatusCompleted {
			total += rec.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) MaxAmountByCard(ctx context.Context, cardID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var max int64
	for _, rec := range m.byID {
		if rec.CardID != cardID || !rec.Kind.IsSpend() {
			continue
		}
		if rec.ProcessingStatus == ProcSettled && rec.Amount > max {
			max = rec.Amount
		}
	}
	return max, nil
}
