package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
	"github.com/mbd888/cardrail/internal/idgen"
	"github.com/mbd888/cardrail/internal/syncutil"
	"github.com/mbd888/cardrail/internal/traces"
)

const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour

	// cardUpdateAttempts bounds optimistic-version retries. The per-card
	// mutex serializes this process; conflicts only come from sibling
	// instances writing the same row.
	cardUpdateAttempts = 3
)

// Result is the outcome of processing one event.
type Result struct {
	Record         *Record   `json:"transaction"`
	BalanceUpdated bool      `json:"balanceUpdated"`
	Declined       bool      `json:"declined,omitempty"`
	LimitKind      LimitKind `json:"limitKind,omitempty"`
	Duplicate      bool      `json:"duplicate,omitempty"`
}

// Engine is the balance state machine. All mutations for a card are
// serialized through a sharded per-card mutex; the store's version check
// covers writers in other processes.
type Engine struct {
	cards     card.Store
	records   Store
	locks     *syncutil.ContextShardedMutex
	holdAuths bool
	logger    *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithAuthorizationHolds makes approved authorizations move funds into the
// card's held pool instead of having no balance effect.
func WithAuthorizationHolds(enabled bool) Option {
	return func(e *Engine) { e.holdAuths = enabled }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a ledger engine.
func NewEngine(cards card.Store, records Store, opts ...Option) *Engine {
	e := &Engine{
		cards:   cards,
		records: records,
		locks:   syncutil.NewContextShardedMutex(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func cardKey(ev *event.Event) string {
	return ev.Provider + "/" + ev.CardExternalID
}

// Process applies an authorization, clearing, or settlement event.
func (e *Engine) Process(ctx context.Context, ev *event.Event) (*Result, error) {
	if !ev.Kind.IsSpend() {
		return nil, fmt.Errorf("ledger: kind %q is not a spend event", ev.Kind)
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Process",
		traces.Provider(ev.Provider), traces.EventKind(string(ev.Kind)))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, cardKey(ev))
	if err != nil {
		return nil, err
	}
	defer unlock()
	done := observeOp(string(ev.Kind))
	defer done()

	var lastErr error
	for attempt := 0; attempt < cardUpdateAttempts; attempt++ {
		res, err := e.processOnce(ctx, ev)
		if errors.Is(err, card.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("%w: %v", ErrConflictNotsettled, lastErr)
}

func (e *Engine) processOnce(ctx context.Context, ev *event.Event) (*Result, error) {
	acct, err := e.cards.GetByExternalID(ctx, ev.Provider, ev.CardExternalID)
	if err != nil {
		if errors.Is(err, card.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrCardNotFound, ev.Provider, ev.CardExternalID)
		}
		return nil, err
	}

	existing, err := e.records.GetByEventID(ctx, ev.Provider, ev.ExternalEventID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	if existing != nil {
		switch ev.Kind {
		case event.KindClearing, event.KindSettlement:
			return e.settleExisting(ctx, acct, existing, ev)
		default:
			// Redelivered authorization that slipped past the dedup
			// window. The record already exists; nothing to do.
			return &Result{Record: existing, Duplicate: true}, nil
		}
	}

	rec := e.newRecord(acct, ev)

	failed, err := e.checkLimits(ctx, acct, ev.Amount, 0, false)
	if err != nil {
		return nil, err
	}
	if failed != "" {
		rec.BalanceBefore = acct.Balance
		rec.BalanceAfter = acct.Balance
		if err := rec.Transition(ProcDeclined); err != nil {
			return nil, err
		}
		if err := e.records.Commit(ctx, nil, rec); err != nil {
			return nil, err
		}
		declinesTotal.WithLabelValues(string(failed)).Inc()
		return &Result{Record: rec, Declined: true, LimitKind: failed}, nil
	}

	rec.BalanceBefore = acct.Balance
	switch ev.Kind {
	case event.KindAuthorization:
		if e.holdAuths {
			acct.Balance = clampZero(acct.Balance - ev.Amount)
			acct.HeldBalance += ev.Amount
		}
		rec.BalanceAfter = acct.Balance
		if err := rec.Transition(ProcApproved); err != nil {
			return nil, err
		}
	default: // clearing or settlement with no prior authorization
		acct.Balance = clampZero(acct.Balance - ev.Amount)
		rec.BalanceAfter = acct.Balance
		if err := rec.Transition(ProcSettled); err != nil {
			return nil, err
		}
	}
	acct.LastSyncedAt = time.Now()

	if err := e.records.Commit(ctx, acct, rec); err != nil {
		return nil, err
	}

	updated := rec.BalanceAfter != rec.BalanceBefore
	if updated {
		balanceMutations.WithLabelValues("debit").Inc()
	}
	return &Result{Record: rec, BalanceUpdated: updated}, nil
}

// settleExisting applies the deferred debit when a clearing event settles a
// previously approved authorization. A second settlement notification for
// the same record is a no-op: the debit is applied exactly once at the
// approved -> settled transition.
func (e *Engine) settleExisting(ctx context.Context, acct *card.Account, existing *Record, ev *event.Event) (*Result, error) {
	switch existing.ProcessingStatus {
	case ProcSettled:
		return &Result{Record: existing, Duplicate: true}, nil
	case ProcDeclined:
		// Declined at settle time; the redelivered clearing is a no-op.
		return &Result{Record: existing, Declined: true, Duplicate: true}, nil
	case ProcApproved:
		// fall through to settle
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.ProcessingStatus, ProcSettled)
	}

	fromHold := e.holdAuths && existing.Kind == event.KindAuthorization

	// The approved record's own amount already counts toward the rolling
	// aggregates; exclude it so settlement isn't double-counted.
	failed, err := e.checkLimits(ctx, acct, ev.Amount, existing.Amount, fromHold)
	if err != nil {
		return nil, err
	}
	if failed != "" {
		existing.BalanceBefore = acct.Balance
		existing.BalanceAfter = acct.Balance
		if err := existing.Transition(ProcDeclined); err != nil {
			return nil, err
		}
		if err := e.records.Commit(ctx, nil, existing); err != nil {
			return nil, err
		}
		declinesTotal.WithLabelValues(string(failed)).Inc()
		return &Result{Record: existing, Declined: true, LimitKind: failed}, nil
	}

	existing.BalanceBefore = acct.Balance
	if fromHold {
		// Funds left the available balance at authorization time.
		acct.HeldBalance = clampZero(acct.HeldBalance - existing.Amount)
	} else {
		acct.Balance = clampZero(acct.Balance - ev.Amount)
	}
	existing.Amount = ev.Amount // settle for the cleared amount
	existing.BalanceAfter = acct.Balance
	if err := existing.Transition(ProcSettled); err != nil {
		return nil, err
	}
	acct.LastSyncedAt = time.Now()

	if err := e.records.Commit(ctx, acct, existing); err != nil {
		return nil, err
	}

	updated := existing.BalanceAfter != existing.BalanceBefore || fromHold
	if updated {
		balanceMutations.WithLabelValues("debit").Inc()
	}
	return &Result{Record: existing, BalanceUpdated: updated}, nil
}

// ProcessReversal applies a reversal, chargeback, or refund. The event must
// reference an existing original record; otherwise it is unprocessable.
func (e *Engine) ProcessReversal(ctx context.Context, ev *event.Event) (*Result, error) {
	if !ev.Kind.IsCredit() {
		return nil, fmt.Errorf("ledger: kind %q is not a credit event", ev.Kind)
	}

	ctx, span := traces.StartSpan(ctx, "ledger.ProcessReversal",
		traces.Provider(ev.Provider), traces.EventKind(string(ev.Kind)))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, cardKey(ev))
	if err != nil {
		return nil, err
	}
	defer unlock()
	done := observeOp(string(ev.Kind))
	defer done()

	var lastErr error
	for attempt := 0; attempt < cardUpdateAttempts; attempt++ {
		res, err := e.reverseOnce(ctx, ev)
		if errors.Is(err, card.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("%w: %v", ErrConflictNotsettled, lastErr)
}

func (e *Engine) reverseOnce(ctx context.Context, ev *event.Event) (*Result, error) {
	acct, err := e.cards.GetByExternalID(ctx, ev.Provider, ev.CardExternalID)
	if err != nil {
		if errors.Is(err, card.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrCardNotFound, ev.Provider, ev.CardExternalID)
		}
		return nil, err
	}

	refID := ev.RelatedEventID
	if refID == "" {
		// Some issuers reuse the original transaction id on reversals.
		refID = ev.ExternalEventID
	}
	original, err := e.records.GetByEventID(ctx, ev.Provider, refID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrOriginalNotFound, ev.Provider, refID)
		}
		return nil, err
	}

	if original.ProcessingStatus == ProcReversed {
		return &Result{Record: original, Duplicate: true}, nil
	}
	if !original.ProcessingStatus.CanTransition(ProcReversed) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, original.ProcessingStatus, ProcReversed)
	}

	amount := ev.Amount
	if amount <= 0 || amount > original.Amount {
		amount = original.Amount
	}

	rec := e.newRecord(acct, ev)
	rec.Amount = amount
	rec.RelatedTransactionID = original.ID
	rec.BalanceBefore = acct.Balance

	settled := original.ProcessingStatus == ProcSettled
	switch {
	case settled:
		// The debit was applied; credit it back.
		acct.Balance += amount
	case e.holdAuths && original.Kind == event.KindAuthorization:
		// Release the outstanding hold.
		acct.HeldBalance = clampZero(acct.HeldBalance - amount)
		acct.Balance += amount
	default:
		// Approved authorization never debited; reversal has no balance effect.
	}
	rec.BalanceAfter = acct.Balance
	if err := rec.Transition(ProcSettled); err != nil {
		return nil, err
	}
	if err := original.Transition(ProcReversed); err != nil {
		return nil, err
	}
	acct.LastSyncedAt = time.Now()

	if err := e.records.Commit(ctx, acct, original, rec); err != nil {
		return nil, err
	}

	updated := rec.BalanceAfter != rec.BalanceBefore
	if updated {
		balanceMutations.WithLabelValues("credit").Inc()
	}
	return &Result{Record: rec, BalanceUpdated: updated}, nil
}

// checkLimits evaluates the spending gates in the fixed tier order,
// short-circuiting on the first failure. exclude is an amount already
// counted in the rolling aggregates for this same transaction; fromHold
// skips the available-balance gate because the funds are already held.
func (e *Engine) checkLimits(ctx context.Context, acct *card.Account, amount, exclude int64, fromHold bool) (LimitKind, error) {
	lim := acct.Limits

	if lim.PerTransaction > 0 && amount > lim.PerTransaction {
		return LimitPerTransaction, nil
	}

	if lim.Daily > 0 {
		spent, err := e.records.SumSpendSince(ctx, acct.ID, time.Now().Add(-dailyWindow))
		if err != nil {
			return "", fmt.Errorf("daily spend aggregate: %w", err)
		}
		if spent-exclude+amount > lim.Daily {
			return LimitDaily, nil
		}
	}

	if lim.Monthly > 0 {
		spent, err := e.records.SumSpendSince(ctx, acct.ID, time.Now().Add(-monthlyWindow))
		if err != nil {
			return "", fmt.Errorf("monthly spend aggregate: %w", err)
		}
		if spent-exclude+amount > lim.Monthly {
			return LimitMonthly, nil
		}
	}

	if !fromHold && amount > acct.Balance {
		return LimitBalance, nil
	}

	return "", nil
}

func (e *Engine) newRecord(acct *card.Account, ev *event.Event) *Record {
	now := time.Now()
	return &Record{
		ID:                idgen.WithPrefix("txn_"),
		CardID:            acct.ID,
		UserID:            acct.UserID,
		Provider:          ev.Provider,
		ExternalEventID:   ev.ExternalEventID,
		Kind:              ev.Kind,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		Status:            StatusPending,
		ProcessingStatus:  ProcPending,
		AuthorizationCode: ev.AuthorizationCode,
		Merchant: MerchantInfo{
			Name:     ev.MerchantName,
			Category: ev.MerchantCategory,
			Location: ev.MerchantLocation,
		},
		ProviderTimestamp: ev.ProviderTimestamp,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// clampZero enforces the non-negative balance invariant: debits bottom out
// at zero rather than driving the balance negative.
func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
