package card

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStatus_TransitionTable(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusClosed, true},
		{StatusPending, StatusFrozen, false},
		{StatusActive, StatusFrozen, true},
		{StatusActive, StatusSuspended, true},
		{StatusActive, StatusClosed, true},
		{StatusFrozen, StatusActive, true},
		{StatusFrozen, StatusSuspended, false},
		{StatusSuspended, StatusActive, true},
		{StatusClosed, StatusActive, false},
		{StatusClosed, StatusFrozen, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: CanTransition = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestAccount_Transition(t *testing.T) {
	a := &Account{Status: StatusActive}

	if err := a.Transition(StatusFrozen); err != nil {
		t.Fatalf("active -> frozen: %v", err)
	}
	if a.Status != StatusFrozen {
		t.Errorf("status = %s, want frozen", a.Status)
	}

	// Same-status transition is idempotent.
	if err := a.Transition(StatusFrozen); err != nil {
		t.Errorf("frozen -> frozen: %v", err)
	}

	a.Status = StatusClosed
	err := a.Transition(StatusActive)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("closed -> active = %v, want ErrInvalidTransition", err)
	}
	if a.Status != StatusClosed {
		t.Errorf("failed transition mutated status to %s", a.Status)
	}
}

func TestFlagSet(t *testing.T) {
	f := make(FlagSet)

	if !f.Add(FlagFraudAlert) {
		t.Error("first Add should report a change")
	}
	if f.Add(FlagFraudAlert) {
		t.Error("second Add of the same flag should be a no-op")
	}
	f.Add(FlagHighRisk)

	if !f.Has(FlagFraudAlert) || !f.Has(FlagHighRisk) {
		t.Error("expected both flags present")
	}
	if f.Has(FlagManualReview) {
		t.Error("unexpected manual_review flag")
	}

	got := f.List()
	want := []string{"fraud_alert", "high_risk"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("List() = %v, want %v", got, want)
	}

	round := ParseFlags(got)
	if !round.Has(FlagFraudAlert) || !round.Has(FlagHighRisk) {
		t.Error("ParseFlags lost a flag")
	}
}

func TestAccount_Clone(t *testing.T) {
	a := &Account{
		ID:    "card_1",
		Flags: FlagSet{FlagFraudAlert: {}},
	}
	cp := a.Clone()
	cp.Flags.Add(FlagHighRisk)
	cp.Balance = 999

	if a.Flags.Has(FlagHighRisk) {
		t.Error("clone flag mutation leaked into original")
	}
	if a.Balance != 0 {
		t.Error("clone balance mutation leaked into original")
	}
}

func TestMemoryStore_CreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := &Account{ID: "card_1", Provider: "acme", ExternalID: "ext-1", Status: StatusActive}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sameExternal := &Account{ID: "card_2", Provider: "acme", ExternalID: "ext-1"}
	if err := store.Create(ctx, sameExternal); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate (provider, externalId) = %v, want ErrAlreadyExists", err)
	}

	otherProvider := &Account{ID: "card_3", Provider: "globex", ExternalID: "ext-1"}
	if err := store.Create(ctx, otherProvider); err != nil {
		t.Errorf("same externalId under another provider should be allowed: %v", err)
	}
}

func TestMemoryStore_UpdateVersionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := &Account{ID: "card_1", Provider: "acme", ExternalID: "ext-1", Status: StatusActive}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _ := store.Get(ctx, "card_1")
	second, _ := store.Get(ctx, "card_1")

	first.Balance = 100
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	second.Balance = 200
	if err := store.Update(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update = %v, want ErrVersionConflict", err)
	}

	// Refreshed read carries the bumped version and succeeds.
	fresh, _ := store.Get(ctx, "card_1")
	if fresh.Balance != 100 {
		t.Errorf("balance = %d, want 100", fresh.Balance)
	}
	fresh.LastSyncedAt = time.Now()
	if err := store.Update(ctx, fresh); err != nil {
		t.Errorf("refreshed update: %v", err)
	}
}
