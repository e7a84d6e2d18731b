package fraud

import (
	"context"
	"sort"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
	"github.com/mbd888/cardrail/internal/idgen"
	"github.com/mbd888/cardrail/internal/ledger"
	"github.com/mbd888/cardrail/internal/logging"
)

const historyWindow = 30 * 24 * time.Hour

// maxScore caps the reported total and is the fail-closed score.
const maxScore = 100

// Engine scores committed transactions against the registered rule families.
type Engine struct {
	rules      []Rule
	records    ledger.Store
	store      Store
	thresholds Thresholds
	now        func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithStore enables the best-effort analysis audit trail.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRules replaces the default rule families.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// NewEngine creates a scoring engine with the default rule families.
func NewEngine(records ledger.Store, cards card.Store, cfg Config, opts ...Option) *Engine {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Points == (Points{}) {
		cfg.Points = DefaultPoints()
	}
	if cfg.HighRiskCategories == nil {
		cfg.HighRiskCategories = DefaultHighRiskCategories()
	}

	e := &Engine{
		records: records,
		now:     time.Now,
		rules: []Rule{
			&velocityRule{points: cfg.Points},
			&amountRule{points: cfg.Points, cap: cfg.AmountCap, records: records},
			&merchantRule{points: cfg.Points, highRisk: cfg.HighRiskCategories, blocklist: cfg.MerchantBlocklist},
			&patternRule{points: cfg.Points},
			&behaviorRule{points: cfg.Points, cards: cards},
		},
		thresholds: cfg.Thresholds,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze scores one committed transaction. It never returns an error: if the
// shared history cannot be loaded the engine fails closed with the maximum
// score, and an individual family's failure just drops that family's
// contribution.
func (e *Engine) Analyze(ctx context.Context, ev *event.Event, acct *card.Account, rec *ledger.Record) *Analysis {
	now := e.now()
	log := logging.L(ctx)

	history, err := e.records.ListByCardSince(ctx, acct.ID, now.Add(-historyWindow))
	if err != nil {
		log.Error("fraud analysis failed closed", "cardId", acct.ID, "error", err)
		analysisFailures.Inc()
		return e.finish(ctx, &Analysis{
			CardID:        acct.ID,
			TransactionID: rec.ID,
			Score:         maxScore,
			Signals: []Signal{{
				Family: "engine", Code: "analysis_failure", Points: maxScore,
				Reason: "transaction history unavailable",
			}},
			FailedClosed: true,
		})
	}

	in := &Input{
		Event:   ev,
		Account: acct,
		Record:  rec,
		History: excludeRecord(history, rec.ID),
		Now:     now,
	}

	analysis := &Analysis{CardID: acct.ID, TransactionID: rec.ID}
	for _, rule := range e.rules {
		signals, err := rule.Evaluate(ctx, in)
		if err != nil {
			// Non-fatal: the family contributes whatever it computed
			// before the lookup failed.
			log.Warn("fraud rule family degraded",
				"family", rule.Family(), "cardId", acct.ID, "error", err)
			ruleFailures.WithLabelValues(rule.Family()).Inc()
		}
		for _, sig := range signals {
			analysis.Score += sig.Points
			analysis.Signals = append(analysis.Signals, sig)
		}
	}
	if analysis.Score > maxScore {
		analysis.Score = maxScore
	}
	return e.finish(ctx, analysis)
}

func (e *Engine) finish(ctx context.Context, a *Analysis) *Analysis {
	a.ID = idgen.WithPrefix("fraud_")
	a.Level = e.thresholds.LevelFor(a.Score)
	a.Actions = ActionsFor(a.Level)
	a.EvaluatedAt = e.now()
	sort.SliceStable(a.Signals, func(i, j int) bool {
		return a.Signals[i].Points > a.Signals[j].Points
	})

	scoreHistogram.Observe(float64(a.Score))
	levelsTotal.WithLabelValues(string(a.Level)).Inc()

	// Best-effort audit trail, off the webhook path.
	if e.store != nil {
		go func() {
			_ = e.store.Record(context.WithoutCancel(ctx), a)
		}()
	}
	return a
}

func excludeRecord(history []*ledger.Record, id string) []*ledger.Record {
	out := history[:0:0]
	for _, rec := range history {
		if rec.ID != id {
			out = append(out, rec)
		}
	}
	return out
}
