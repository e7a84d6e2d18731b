package intake

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/cardrail/internal/event"
)

// DedupKey builds the composite key used to recognize redelivered events.
// The provider timestamp participates so a provider reusing an event id for
// a genuinely new notification is not silently dropped.
func DedupKey(provider string, kind event.Kind, externalEventID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", provider, kind, externalEventID, ts.Unix())
}

// Deduper records dedup keys. Observe must be atomic: two concurrent calls
// with the same key must not both report first-seen.
type Deduper interface {
	// Observe records the key and reports whether it was already present.
	Observe(ctx context.Context, key string) (seen bool, err error)
	// Forget releases a key recorded by Observe. Called when dispatch of
	// the delivery fails, so the provider's retry is not answered as a
	// duplicate of an event that was never applied.
	Forget(ctx context.Context, key string) error
}

// windowSize is the approximate number of retained keys. When the window is
// full the oldest half is evicted, so the guarantee is best-effort within a
// single process; the ledger's upsert keys make reprocessing harmless.
const windowSize = 1000

// Window is an in-memory bounded dedup window.
type Window struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string // insertion order, oldest first
	max   int
}

// NewWindow creates a dedup window with the default capacity.
func NewWindow() *Window {
	return newWindow(windowSize)
}

func newWindow(max int) *Window {
	return &Window{
		keys: make(map[string]struct{}, max),
		max:  max,
	}
}

func (w *Window) Observe(ctx context.Context, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.keys[key]; ok {
		return true, nil
	}

	if len(w.order) >= w.max {
		evict := w.order[:len(w.order)/2]
		for _, old := range evict {
			delete(w.keys, old)
		}
		w.order = append(w.order[:0], w.order[len(w.order)/2:]...)
	}

	w.keys[key] = struct{}{}
	w.order = append(w.order, key)
	return false, nil
}

func (w *Window) Forget(ctx context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.keys[key]; !ok {
		return nil
	}
	delete(w.keys, key)
	for i, k := range w.order {
		if k == key {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports the number of retained keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}

// PostgresDeduper records keys durably so dedup survives restarts and is
// shared across instances. INSERT ... ON CONFLICT DO NOTHING gives the
// atomic check-and-insert.
type PostgresDeduper struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresDeduper creates a durable deduper. Keys older than ttl are
// opportunistically purged.
func NewPostgresDeduper(db *sql.DB, ttl time.Duration) *PostgresDeduper {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &PostgresDeduper{db: db, ttl: ttl}
}

func (p *PostgresDeduper) Observe(ctx context.Context, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (dedup_key, seen_at)
		VALUES ($1, NOW())
		ON CONFLICT (dedup_key) DO NOTHING
	`, key)
	if err != nil {
		return false, fmt.Errorf("record dedup key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (p *PostgresDeduper) Forget(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE dedup_key = $1`, key)
	if err != nil {
		return fmt.Errorf("release dedup key: %w", err)
	}
	return nil
}

// Purge deletes keys older than the TTL. Run periodically from the server.
func (p *PostgresDeduper) Purge(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE seen_at < $1`, time.Now().Add(-p.ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
