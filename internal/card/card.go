// Package card models issued virtual cards and their risk state.
//
// The balance is mutated only by the ledger engine; compliance flags and
// status are mutated only by the fraud prevention pass. Both go through
// the Store with an optimistic version check so concurrent webhook
// deliveries cannot lose updates.
package card

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound          = errors.New("card not found")
	ErrAlreadyExists     = errors.New("card already exists")
	ErrVersionConflict   = errors.New("card version conflict")
	ErrInvalidTransition = errors.New("invalid card status transition")
)

// Status is the lifecycle state of a card.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusFrozen    Status = "frozen"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// statusTransitions is the exhaustive set of legal status moves. Anything
// not listed is rejected by Transition.
var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusClosed},
	StatusActive:    {StatusFrozen, StatusSuspended, StatusClosed},
	StatusFrozen:    {StatusActive, StatusClosed},
	StatusSuspended: {StatusActive, StatusClosed},
	StatusClosed:    {},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ComplianceFlag marks a card for downstream compliance handling.
type ComplianceFlag string

const (
	FlagFraudAlert   ComplianceFlag = "fraud_alert"
	FlagHighRisk     ComplianceFlag = "high_risk"
	FlagManualReview ComplianceFlag = "manual_review"
)

// FlagSet holds compliance flags with set semantics: adding a present
// flag is a no-op.
type FlagSet map[ComplianceFlag]struct{}

// Add inserts a flag and reports whether the set changed.
func (f FlagSet) Add(flag ComplianceFlag) bool {
	if _, ok := f[flag]; ok {
		return false
	}
	f[flag] = struct{}{}
	return true
}

// Has reports flag membership.
func (f FlagSet) Has(flag ComplianceFlag) bool {
	_, ok := f[flag]
	return ok
}

// List returns the flags in stable sorted order for persistence and JSON.
func (f FlagSet) List() []string {
	out := make([]string, 0, len(f))
	for flag := range f {
		out = append(out, string(flag))
	}
	sort.Strings(out)
	return out
}

// ParseFlags rebuilds a FlagSet from its persisted form.
func ParseFlags(raw []string) FlagSet {
	f := make(FlagSet, len(raw))
	for _, s := range raw {
		f[ComplianceFlag(s)] = struct{}{}
	}
	return f
}

// SpendingLimits are the per-card caps enforced before any debit.
// Zero means the tier is unlimited.
type SpendingLimits struct {
	PerTransaction int64 `json:"perTransaction"`
	Daily          int64 `json:"daily"`
	Monthly        int64 `json:"monthly"`
}

// Account is an issued virtual card.
type Account struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Provider     string         `json:"provider"`
	ExternalID   string         `json:"externalId"`
	Balance      int64          `json:"balance"` // minor units, never negative
	HeldBalance  int64          `json:"heldBalance,omitempty"`
	Currency     string         `json:"currency"`
	Limits       SpendingLimits `json:"limits"`
	Status       Status         `json:"status"`
	Flags        FlagSet        `json:"complianceFlags"`
	Version      int64          `json:"-"`
	LastSyncedAt time.Time      `json:"lastSyncedAt"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Transition moves the card to next, enforcing the transition table.
func (a *Account) Transition(next Status) error {
	if a.Status == next {
		return nil // idempotent
	}
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}
	a.Status = next
	return nil
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Flags = make(FlagSet, len(a.Flags))
	for f := range a.Flags {
		cp.Flags[f] = struct{}{}
	}
	return &cp
}

// Store persists card accounts. Update must fail with ErrVersionConflict
// when the stored version differs from the one on the passed account, and
// bump the version on success.
type Store interface {
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByExternalID(ctx context.Context, provider, externalID string) (*Account, error)
	Update(ctx context.Context, acct *Account) error
	ListByUser(ctx context.Context, userID string) ([]*Account, error)
}
