package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/logging"
	"github.com/mbd888/cardrail/internal/syncutil"
)

// applyAttempts bounds optimistic-version retries when writing flags or a
// freeze to a card that the ledger may be mutating concurrently.
const applyAttempts = 3

// Applied reports what a prevention pass actually changed.
type Applied struct {
	FlagsAdded []card.ComplianceFlag `json:"flagsAdded,omitempty"`
	Frozen     bool                  `json:"frozen,omitempty"`
	Block      bool                  `json:"blockRecommended,omitempty"`
}

// Applier turns recommended actions into card mutations. All mutations are
// idempotent: re-adding a present flag and freezing a frozen card are no-ops.
// A sharded per-card mutex keeps concurrent analyses of the same card from
// burning version-conflict retries against each other.
type Applier struct {
	cards card.Store
	locks syncutil.ShardedMutex
}

// NewApplier creates a prevention applier.
func NewApplier(cards card.Store) *Applier {
	return &Applier{cards: cards}
}

// Apply executes the analysis's recommended actions against the card and
// returns what changed. Blocking is a recommendation to the caller, not a
// card mutation; the transaction it concerns is already committed.
func (p *Applier) Apply(ctx context.Context, analysis *Analysis) (*Applied, error) {
	applied := &Applied{}
	for _, action := range analysis.Actions {
		if action == ActionBlock {
			applied.Block = true
		}
	}

	if !needsCardMutation(analysis) {
		return applied, nil
	}

	unlock := p.locks.Lock(analysis.CardID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		acct, err := p.cards.Get(ctx, analysis.CardID)
		if err != nil {
			return applied, fmt.Errorf("load card for prevention: %w", err)
		}

		changed := false
		applied.FlagsAdded = applied.FlagsAdded[:0]
		applied.Frozen = false

		switch analysis.Level {
		case LevelMedium:
			if acct.Flags.Add(card.FlagFraudAlert) {
				applied.FlagsAdded = append(applied.FlagsAdded, card.FlagFraudAlert)
				changed = true
			}
		case LevelHigh:
			if acct.Flags.Add(card.FlagHighRisk) {
				applied.FlagsAdded = append(applied.FlagsAdded, card.FlagHighRisk)
				changed = true
			}
		case LevelCritical:
			if acct.Flags.Add(card.FlagFraudAlert) {
				applied.FlagsAdded = append(applied.FlagsAdded, card.FlagFraudAlert)
				changed = true
			}
			if acct.Status != card.StatusFrozen {
				if err := acct.Transition(card.StatusFrozen); err != nil {
					// Closed cards cannot be frozen; flag-only.
					logging.L(ctx).Warn("cannot freeze card",
						"cardId", acct.ID, "status", acct.Status, "error", err)
				} else {
					applied.Frozen = true
					changed = true
				}
			}
		}

		if !changed {
			return applied, nil
		}

		acct.UpdatedAt = time.Now()
		err = p.cards.Update(ctx, acct)
		if errors.Is(err, card.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("apply prevention actions: %w", err)
		}

		for _, f := range applied.FlagsAdded {
			actionsTotal.WithLabelValues("flag:" + string(f)).Inc()
		}
		if applied.Frozen {
			actionsTotal.WithLabelValues("freeze").Inc()
		}
		return applied, nil
	}
	return applied, fmt.Errorf("apply prevention actions: %w", lastErr)
}

func needsCardMutation(a *Analysis) bool {
	switch a.Level {
	case LevelMedium, LevelHigh, LevelCritical:
		return true
	default:
		return false
	}
}
