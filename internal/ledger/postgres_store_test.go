//go:build integration

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
	"github.com/mbd888/cardrail/internal/idgen"
	"github.com/mbd888/cardrail/internal/money"
	"github.com/mbd888/cardrail/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, *card.PostgresStore, *card.Account) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	cards := card.NewPostgresStore(db)
	acct := &card.Account{
		ID:           idgen.WithPrefix("card_"),
		UserID:       "user_pg",
		Provider:     "acme",
		ExternalID:   idgen.WithPrefix("ext_"),
		Balance:      money.Dollars(500),
		Currency:     "USD",
		Status:       card.StatusActive,
		LastSyncedAt: time.Now(),
	}
	if err := cards.Create(context.Background(), acct); err != nil {
		t.Fatalf("create card: %v", err)
	}

	return NewPostgresStore(db), cards, acct
}

func pgRecord(acct *card.Account, eventID string, amount int64) *Record {
	now := time.Now()
	return &Record{
		ID:                idgen.WithPrefix("txn_"),
		CardID:            acct.ID,
		UserID:            acct.UserID,
		Provider:          acct.Provider,
		ExternalEventID:   eventID,
		Kind:              event.KindClearing,
		Amount:            amount,
		Currency:          "USD",
		Status:            StatusCompleted,
		ProcessingStatus:  ProcSettled,
		ProviderTimestamp: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestPostgres_CommitUpsertIsIdempotent(t *testing.T) {
	store, _, acct := setupPostgres(t)
	ctx := context.Background()

	rec := pgRecord(acct, "evt-pg-1", money.Dollars(25))
	if err := store.Commit(ctx, nil, rec); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Redelivery writes the same event identity under a fresh record ID;
	// the unique (provider, external_event_id) key collapses them.
	dup := pgRecord(acct, "evt-pg-1", money.Dollars(25))
	if err := store.Commit(ctx, nil, dup); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	recs, err := store.ListByCard(ctx, acct.ID, 10)
	if err != nil {
		t.Fatalf("ListByCard: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}

	got, err := store.GetByEventID(ctx, acct.Provider, "evt-pg-1")
	if err != nil {
		t.Fatalf("GetByEventID: %v", err)
	}
	if got.Amount != money.Dollars(25) {
		t.Errorf("amount = %d, want %d", got.Amount, money.Dollars(25))
	}
}

func TestPostgres_CommitRejectsStaleVersion(t *testing.T) {
	store, cards, acct := setupPostgres(t)
	ctx := context.Background()

	// Another writer bumps the row first.
	other, err := cards.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	other.Balance -= money.Dollars(10)
	if err := cards.Update(ctx, other); err != nil {
		t.Fatalf("Update: %v", err)
	}

	acct.Balance -= money.Dollars(20)
	err = store.Commit(ctx, acct, pgRecord(acct, "evt-pg-stale", money.Dollars(20)))
	if err != card.ErrVersionConflict {
		t.Errorf("Commit with stale version = %v, want ErrVersionConflict", err)
	}
}

func TestPostgres_SumSpendSinceSkipsDeclined(t *testing.T) {
	store, _, acct := setupPostgres(t)
	ctx := context.Background()

	settled := pgRecord(acct, "evt-pg-a", money.Dollars(40))
	declined := pgRecord(acct, "evt-pg-b", money.Dollars(999))
	declined.Status = StatusFailed
	declined.ProcessingStatus = ProcDeclined
	if err := store.Commit(ctx, nil, settled, declined); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	total, err := store.SumSpendSince(ctx, acct.ID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SumSpendSince: %v", err)
	}
	if total != money.Dollars(40) {
		t.Errorf("total = %d, want %d", total, money.Dollars(40))
	}

	max, err := store.MaxAmountByCard(ctx, acct.ID)
	if err != nil {
		t.Fatalf("MaxAmountByCard: %v", err)
	}
	if max != money.Dollars(40) {
		t.Errorf("max = %d, want %d", max, money.Dollars(40))
	}
}
