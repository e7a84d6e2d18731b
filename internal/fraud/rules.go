package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/ledger"
	"github.com/mbd888/cardrail/internal/money"
)

// spendHistory filters the shared history down to spend-side records.
func spendHistory(in *Input) []*ledger.Record {
	out := make([]*ledger.Record, 0, len(in.History))
	for _, rec := range in.History {
		if rec.Kind.IsSpend() {
			out = append(out, rec)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Velocity: transaction frequency on the card
// ---------------------------------------------------------------------------

type velocityRule struct {
	points Points
}

func (r *velocityRule) Family() string { return "velocity" }

func (r *velocityRule) Evaluate(_ context.Context, in *Input) ([]Signal, error) {
	spends := spendHistory(in)

	var inMinute, inHour int
	for _, rec := range spends {
		age := in.Now.Sub(rec.CreatedAt)
		if age <= time.Minute {
			inMinute++
		}
		if age <= time.Hour {
			inHour++
		}
	}

	var signals []Signal
	// The transaction under analysis counts toward both windows.
	if inMinute+1 >= 5 {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "rapid_burst", Points: r.points.VelocityBurst,
			Reason: fmt.Sprintf("%d transactions in the last 60s", inMinute+1),
		})
	}
	if inHour+1 >= 20 {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "sustained_velocity", Points: r.points.VelocitySustained,
			Reason: fmt.Sprintf("%d transactions in the last hour", inHour+1),
		})
	}
	if len(spends) > 0 {
		if gap := in.Now.Sub(spends[0].CreatedAt); gap >= 0 && gap < 30*time.Second {
			signals = append(signals, Signal{
				Family: r.Family(), Code: "short_gap", Points: r.points.VelocityShortGap,
				Reason: fmt.Sprintf("only %s since previous transaction", gap.Round(time.Second)),
			})
		}
	}
	return signals, nil
}

// ---------------------------------------------------------------------------
// Amount: size of this transaction relative to configuration and history
// ---------------------------------------------------------------------------

type amountRule struct {
	points  Points
	cap     int64
	records ledger.Store
}

func (r *amountRule) Family() string { return "amount" }

func (r *amountRule) Evaluate(ctx context.Context, in *Input) ([]Signal, error) {
	amount := in.Event.Amount

	var signals []Signal
	if r.cap > 0 && amount > r.cap {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "over_cap", Points: r.points.AmountOverCap,
			Reason: fmt.Sprintf("amount %s exceeds cap %s", money.Format(amount), money.Format(r.cap)),
		})
	}

	if spends := spendHistory(in); len(spends) > 0 {
		var total int64
		for _, rec := range spends {
			total += rec.Amount
		}
		avg := total / int64(len(spends))
		if avg > 0 && amount > 5*avg {
			signals = append(signals, Signal{
				Family: r.Family(), Code: "over_average", Points: r.points.AmountOverAverage,
				Reason: fmt.Sprintf("amount is over 5x the 30-day average %s", money.Format(avg)),
			})
		}
	}

	max, err := r.records.MaxAmountByCard(ctx, in.Account.ID)
	if err != nil {
		return signals, fmt.Errorf("historical max lookup: %w", err)
	}
	if max > 0 && amount > 2*max {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "over_historical_max", Points: r.points.AmountOverMax,
			Reason: fmt.Sprintf("amount is over 2x the historical max %s", money.Format(max)),
		})
	}

	if amount >= money.Dollars(500) && amount%money.Dollars(100) == 0 {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "round_amount", Points: r.points.AmountRound,
			Reason: "large round-number amount",
		})
	}
	return signals, nil
}

// ---------------------------------------------------------------------------
// Merchant: who is being paid
// ---------------------------------------------------------------------------

type merchantRule struct {
	points    Points
	highRisk  map[string]bool
	blocklist []string
}

func (r *merchantRule) Family() string { return "merchant" }

func (r *merchantRule) Evaluate(_ context.Context, in *Input) ([]Signal, error) {
	ev := in.Event

	var signals []Signal
	if r.highRisk[ev.MerchantCategory] {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "high_risk_category", Points: r.points.MerchantHighRisk,
			Reason: fmt.Sprintf("merchant category %s is high-risk", ev.MerchantCategory),
		})
	}

	name := strings.ToLower(ev.MerchantName)
	for _, term := range r.blocklist {
		if term != "" && strings.Contains(name, strings.ToLower(term)) {
			signals = append(signals, Signal{
				Family: r.Family(), Code: "blocklisted_merchant", Points: r.points.MerchantBlocklisted,
				Reason: fmt.Sprintf("merchant name matches blocklist term %q", term),
			})
			break
		}
	}

	if ev.Amount > money.Dollars(1000) && ev.MerchantName != "" {
		seen := false
		for _, rec := range in.History {
			if strings.EqualFold(rec.Merchant.Name, ev.MerchantName) {
				seen = true
				break
			}
		}
		if !seen {
			signals = append(signals, Signal{
				Family: r.Family(), Code: "first_merchant_large", Points: r.points.MerchantFirstTimeLarge,
				Reason: "large first-time purchase at this merchant",
			})
		}
	}
	return signals, nil
}

// ---------------------------------------------------------------------------
// Pattern: shapes of activity that precede fraud
// ---------------------------------------------------------------------------

type patternRule struct {
	points Points
}

func (r *patternRule) Family() string { return "pattern" }

func (r *patternRule) Evaluate(_ context.Context, in *Input) ([]Signal, error) {
	spends := spendHistory(in)
	amount := in.Event.Amount

	var signals []Signal

	// Card testing: a run of tiny probes followed by a large charge.
	if amount > money.Dollars(500) {
		small := 0
		for _, rec := range spends {
			if in.Now.Sub(rec.CreatedAt) <= time.Hour && rec.Amount < money.Dollars(10) {
				small++
			}
		}
		if small >= 3 {
			signals = append(signals, Signal{
				Family: r.Family(), Code: "testing_pattern", Points: r.points.PatternTesting,
				Reason: fmt.Sprintf("%d sub-$10 probes in the last hour before a large charge", small),
			})
		}
	}

	identical := 0
	for _, rec := range spends {
		if in.Now.Sub(rec.CreatedAt) <= 24*time.Hour && rec.Amount == amount {
			identical++
		}
	}
	if identical >= 3 {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "repeated_amount", Points: r.points.PatternRepeated,
			Reason: fmt.Sprintf("%d prior transactions with the identical amount in 24h", identical),
		})
	}

	when := in.Event.ProviderTimestamp
	if when.IsZero() {
		when = in.Now
	}
	if h := when.Hour(); h >= 2 && h < 5 {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "odd_hours", Points: r.points.PatternOddHours,
			Reason: fmt.Sprintf("transaction at %02d:00 local", h),
		})
	}
	return signals, nil
}

// ---------------------------------------------------------------------------
// Behavior: how established the card and its owner are
// ---------------------------------------------------------------------------

type behaviorRule struct {
	points Points
	cards  card.Store
}

func (r *behaviorRule) Family() string { return "behavior" }

func (r *behaviorRule) Evaluate(ctx context.Context, in *Input) ([]Signal, error) {
	acct := in.Account
	amount := in.Event.Amount

	var signals []Signal
	if in.Now.Sub(acct.CreatedAt) < 24*time.Hour && amount > money.Dollars(1000) {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "new_card_large", Points: r.points.BehaviorNewCard,
			Reason: "card is less than 24h old",
		})
	}

	siblings, err := r.cards.ListByUser(ctx, acct.UserID)
	if err != nil {
		return signals, fmt.Errorf("sibling card lookup: %w", err)
	}

	// Account age is approximated by the oldest card the user holds.
	oldest := acct.CreatedAt
	flaggedSibling := false
	for _, sib := range siblings {
		if sib.CreatedAt.Before(oldest) {
			oldest = sib.CreatedAt
		}
		if sib.ID != acct.ID && sib.Flags.Has(card.FlagFraudAlert) {
			flaggedSibling = true
		}
	}

	if in.Now.Sub(oldest) < 7*24*time.Hour && amount > money.Dollars(2000) {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "new_account_large", Points: r.points.BehaviorNewAccount,
			Reason: "account is less than 7 days old",
		})
	}
	if flaggedSibling {
		signals = append(signals, Signal{
			Family: r.Family(), Code: "sibling_fraud_alert", Points: r.points.BehaviorSiblingFlag,
			Reason: "another card on this account carries a fraud_alert flag",
		})
	}
	return signals, nil
}
