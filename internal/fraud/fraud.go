// Package fraud implements additive rule-family fraud scoring for committed
// card transactions, plus the automated prevention actions derived from the
// resulting risk level.
//
// Each rule family contributes a fixed point delta when triggered; deltas are
// additive and never negative. A family whose data lookup fails contributes
// zero and the failure is logged. If the analysis as a whole cannot run, the
// engine fails closed with a maximum score so the caller treats the
// transaction as high-risk by default.
package fraud

import (
	"context"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
	"github.com/mbd888/cardrail/internal/ledger"
)

// Level is the discrete risk bucket derived from the numeric score.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Thresholds are the score boundaries for each level. A score below Low is
// minimal; Critical and above is critical.
type Thresholds struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
}

// DefaultThresholds returns the standard level boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, Medium: 60, High: 80, Critical: 95}
}

// LevelFor buckets a score.
func (t Thresholds) LevelFor(score int) Level {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	case score >= t.Low:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// Points holds the per-indicator score deltas. The values have no documented
// calibration basis, so they live in configuration rather than constants.
type Points struct {
	VelocityBurst     int `json:"velocityBurst"`
	VelocitySustained int `json:"velocitySustained"`
	VelocityShortGap  int `json:"velocityShortGap"`

	AmountOverCap     int `json:"amountOverCap"`
	AmountOverAverage int `json:"amountOverAverage"`
	AmountOverMax     int `json:"amountOverMax"`
	AmountRound       int `json:"amountRound"`

	MerchantHighRisk       int `json:"merchantHighRisk"`
	MerchantBlocklisted    int `json:"merchantBlocklisted"`
	MerchantFirstTimeLarge int `json:"merchantFirstTimeLarge"`

	PatternTesting  int `json:"patternTesting"`
	PatternRepeated int `json:"patternRepeated"`
	PatternOddHours int `json:"patternOddHours"`

	BehaviorNewCard     int `json:"behaviorNewCard"`
	BehaviorNewAccount  int `json:"behaviorNewAccount"`
	BehaviorSiblingFlag int `json:"behaviorSiblingFlag"`
}

// DefaultPoints returns the standard indicator deltas.
func DefaultPoints() Points {
	return Points{
		VelocityBurst:     40,
		VelocitySustained: 25,
		VelocityShortGap:  30,

		AmountOverCap:     50,
		AmountOverAverage: 35,
		AmountOverMax:     25,
		AmountRound:       10,

		MerchantHighRisk:       20,
		MerchantBlocklisted:    60,
		MerchantFirstTimeLarge: 15,

		PatternTesting:  45,
		PatternRepeated: 20,
		PatternOddHours: 10,

		BehaviorNewCard:     30,
		BehaviorNewAccount:  25,
		BehaviorSiblingFlag: 20,
	}
}

// Config tunes the scoring engine.
type Config struct {
	// AmountCap is the absolute per-transaction amount (minor units) above
	// which the amount family triggers its largest indicator. Zero disables.
	AmountCap int64

	// MerchantBlocklist is matched as a case-insensitive substring against
	// the merchant name.
	MerchantBlocklist []string

	// HighRiskCategories is the set of high-risk MCCs.
	HighRiskCategories map[string]bool

	Thresholds Thresholds
	Points     Points
}

// DefaultHighRiskCategories covers gambling, money transfer, quasi-cash,
// crypto, and dating — the classic dispute-heavy MCCs.
func DefaultHighRiskCategories() map[string]bool {
	return map[string]bool{
		"4829": true, // wire transfer / money order
		"6051": true, // quasi-cash, crypto
		"6211": true, // securities
		"7273": true, // dating services
		"7995": true, // gambling
	}
}

// Signal is one triggered indicator.
type Signal struct {
	Family string `json:"family"`
	Code   string `json:"code"`
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

// Analysis is the scoring result for one transaction.
type Analysis struct {
	ID            string    `json:"id"`
	CardID        string    `json:"cardId"`
	TransactionID string    `json:"transactionId"`
	Score         int       `json:"score"`
	Level         Level     `json:"riskLevel"`
	Signals       []Signal  `json:"signals"`
	Actions       []Action  `json:"recommendedActions"`
	FailedClosed  bool      `json:"failedClosed,omitempty"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// Action is a recommended prevention step.
type Action string

const (
	ActionFlag   Action = "flag"
	ActionBlock  Action = "block"
	ActionFreeze Action = "freeze"
)

// ActionsFor returns the prevention actions for a level: medium flags the
// card, high flags it and recommends blocking, critical freezes and blocks.
func ActionsFor(level Level) []Action {
	switch level {
	case LevelMedium:
		return []Action{ActionFlag}
	case LevelHigh:
		return []Action{ActionFlag, ActionBlock}
	case LevelCritical:
		return []Action{ActionFreeze, ActionBlock}
	default:
		return nil
	}
}

// Input carries the data shared by all rule families for one evaluation.
// History holds the card's trailing-30-day records, newest first, with the
// transaction under analysis already excluded.
type Input struct {
	Event   *event.Event
	Account *card.Account
	Record  *ledger.Record
	History []*ledger.Record
	Now     time.Time
}

// Rule is one independent scoring family.
type Rule interface {
	Family() string
	Evaluate(ctx context.Context, in *Input) ([]Signal, error)
}

// Store persists analyses for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Analysis) error
	ListByCard(ctx context.Context, cardID string, limit int) ([]*Analysis, error)
}
