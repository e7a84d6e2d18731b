// Package ledger applies issuer transaction events to per-card balances.
//
// Flow:
//  1. Intake hands the engine a normalized event
//  2. Spending limits are checked in tier order (per-transaction, daily,
//     monthly, balance) before any mutation
//  3. The balance delta for the event kind is applied, clamped at zero
//  4. The transaction record and card account are persisted
//
// Limit failures are business outcomes, not errors: they produce a
// declined record and leave the balance untouched.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
)

var (
	ErrCardNotFound       = errors.New("card not found for event")
	ErrRecordNotFound     = errors.New("transaction record not found")
	ErrOriginalNotFound   = errors.New("original transaction not found for reversal")
	ErrInvalidTransition  = errors.New("invalid processing status transition")
	ErrDuplicateRecord    = errors.New("transaction record already exists for event")
	ErrConflictNotsettled = errors.New("card update conflict not settled after retries")
)

// Status is the business-facing state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ProcessingStatus tracks where a transaction sits in the issuer lifecycle.
type ProcessingStatus string

const (
	ProcPending  ProcessingStatus = "pending"
	ProcApproved ProcessingStatus = "approved"
	ProcDeclined ProcessingStatus = "declined"
	ProcSettled  ProcessingStatus = "settled"
	ProcReversed ProcessingStatus = "reversed"
)

// procTransitions is the exhaustive transition table. Settling an already
// reversed transaction, or reversing a declined one, is rejected here
// rather than by scattered branching. An approved authorization can still
// be declined: limit gates run again when the clearing arrives.
var procTransitions = map[ProcessingStatus][]ProcessingStatus{
	ProcPending:  {ProcApproved, ProcDeclined, ProcSettled},
	ProcApproved: {ProcSettled, ProcDeclined, ProcReversed},
	ProcSettled:  {ProcReversed},
	ProcDeclined: {},
	ProcReversed: {},
}

// CanTransition reports whether moving from p to next is legal.
func (p ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	for _, allowed := range procTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LimitKind identifies which spending gate declined a transaction.
type LimitKind string

const (
	LimitPerTransaction LimitKind = "per_transaction"
	LimitDaily          LimitKind = "daily"
	LimitMonthly        LimitKind = "monthly"
	LimitBalance        LimitKind = "balance"
)

// MerchantInfo is the merchant context reported by the issuer.
type MerchantInfo struct {
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"` // MCC
	Location string `json:"location,omitempty"`
}

// Record is the persisted view of a transaction. The first event for an
// issuer transaction id creates it; later lifecycle events (clearing,
// reversal) transition it instead of creating siblings.
type Record struct {
	ID                   string            `json:"id"`
	CardID               string            `json:"cardId"`
	UserID               string            `json:"userId"`
	Provider             string            `json:"provider"`
	ExternalEventID      string            `json:"externalEventId"`
	Kind                 event.Kind        `json:"kind"`
	Amount               int64             `json:"amount"` // minor units
	Currency             string            `json:"currency"`
	Status               Status            `json:"status"`
	ProcessingStatus     ProcessingStatus  `json:"processingStatus"`
	BalanceBefore        int64             `json:"balanceBefore"`
	BalanceAfter         int64             `json:"balanceAfter"`
	RelatedTransactionID string            `json:"relatedTransactionId,omitempty"`
	AuthorizationCode    string            `json:"authorizationCode,omitempty"`
	Merchant             MerchantInfo      `json:"merchantInfo"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	ProviderTimestamp    time.Time         `json:"providerTimestamp"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Transition moves the record's processing status, enforcing the table,
// and keeps the business status in step.
func (r *Record) Transition(next ProcessingStatus) error {
	if r.ProcessingStatus == next {
		return nil // idempotent
	}
	if !r.ProcessingStatus.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.ProcessingStatus, next)
	}
	r.ProcessingStatus = next
	switch next {
	case ProcApproved:
		r.Status = StatusPending
	case ProcSettled:
		r.Status = StatusCompleted
	case ProcDeclined:
		r.Status = StatusFailed
	case ProcReversed:
		r.Status = StatusCancelled
	}
	return nil
}

// Store persists transaction records. Records are upserted by their
// (provider, external_event_id) dedup key, so replaying a delivery can
// never produce a second row.
type Store interface {
	// Commit atomically upserts the given records and, when acct is
	// non-nil, applies the card's balance mutation guarded by its version
	// (card.ErrVersionConflict on a stale read).
	Commit(ctx context.Context, acct *card.Account, recs ...*Record) error
	GetByID(ctx context.Context, id string) (*Record, error)
	GetByEventID(ctx context.Context, provider, externalEventID string) (*Record, error)
	ListByCard(ctx context.Context, cardID string, limit int) ([]*Record, error)
	// ListByCardSince returns records newest-first created at or after
	// since. Used by limit aggregates and fraud rules.
	ListByCardSince(ctx context.Context, cardID string, since time.Time) ([]*Record, error)
	// SumSpendSince totals spend-kind records in (pending, completed)
	// status for the rolling limit windows.
	SumSpendSince(ctx context.Context, cardID string, since time.Time) (int64, error)
	// MaxAmountByCard returns the largest settled spend amount ever seen.
	MaxAmountByCard(ctx context.Context, cardID string) (int64, error)
}
