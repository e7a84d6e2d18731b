// Package intake is the webhook front door: it verifies provider
// signatures, drops redelivered events, and routes what remains to the
// ledger and fraud engines.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
	"github.com/mbd888/cardrail/internal/fraud"
	"github.com/mbd888/cardrail/internal/ledger"
	"github.com/mbd888/cardrail/internal/logging"
	"github.com/mbd888/cardrail/internal/notify"
	"github.com/mbd888/cardrail/internal/traces"
)

var ErrMalformedPayload = errors.New("malformed payload")

// statusAttempts bounds optimistic-version retries on card status writes.
const statusAttempts = 3

// Result is what one webhook delivery produced.
type Result struct {
	Processed        bool             `json:"processed"`
	Duplicate        bool             `json:"duplicate,omitempty"`
	Declined         bool             `json:"declined,omitempty"`
	LimitKind        ledger.LimitKind `json:"limitKind,omitempty"`
	TransactionID    string           `json:"transactionId,omitempty"`
	RiskScore        int              `json:"riskScore,omitempty"`
	RiskLevel        fraud.Level      `json:"riskLevel,omitempty"`
	BlockRecommended bool             `json:"blockRecommended,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// Notifier receives significant card status changes, post-commit.
type Notifier interface {
	StatusChanged(ctx context.Context, change *notify.StatusChange)
}

// Feed receives processed activity for live streaming.
type Feed interface {
	BroadcastTransaction(rec *ledger.Record)
	BroadcastCardStatus(cardID string, old, new card.Status, reason string)
}

// Stats are the running intake counters.
type Stats struct {
	Processed       uint64     `json:"processed"`
	Failed          uint64     `json:"failed"`
	Duplicates      uint64     `json:"duplicates"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
}

// Service orchestrates one webhook delivery end to end.
type Service struct {
	verifier *Verifier
	dedup    Deduper
	ledger   *ledger.Engine
	cards    card.Store
	analyzer *fraud.Engine
	applier  *fraud.Applier
	notifier Notifier
	feed     Feed

	processed  atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
	lastAt     atomic.Int64 // unix nanos, 0 when nothing processed yet
}

// Option configures the service.
type Option func(*Service)

// WithNotifier wires the status-change sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithFeed wires the realtime feed.
func WithFeed(f Feed) Option {
	return func(s *Service) { s.feed = f }
}

// WithFraud wires the scoring engine and prevention applier.
func WithFraud(analyzer *fraud.Engine, applier *fraud.Applier) Option {
	return func(s *Service) {
		s.analyzer = analyzer
		s.applier = applier
	}
}

// NewService creates the intake service.
func NewService(verifier *Verifier, dedup Deduper, eng *ledger.Engine, cards card.Store, opts ...Option) *Service {
	s := &Service{
		verifier: verifier,
		dedup:    dedup,
		ledger:   eng,
		cards:    cards,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest processes one raw webhook delivery. Signature failures and
// malformed payloads mutate nothing. Duplicates are explicit no-ops, not
// errors. Everything else is routed by event kind.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, signature string) (*Result, error) {
	done := observeIngest(provider)
	defer done()

	ctx, span := traces.StartSpan(ctx, "intake.Ingest", traces.Provider(provider))
	defer span.End()

	if err := s.verifier.Verify(provider, payload, signature); err != nil {
		s.failed.Add(1)
		resultsTotal.WithLabelValues(provider, "signature_invalid").Inc()
		return nil, err
	}

	var ev event.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.failed.Add(1)
		resultsTotal.WithLabelValues(provider, "malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ev.Provider = provider
	ev.Kind = event.ParseKind(string(ev.Kind))
	span.SetAttributes(traces.EventKind(string(ev.Kind)))

	key := DedupKey(provider, ev.Kind, ev.ExternalEventID, ev.ProviderTimestamp)
	seen, err := s.dedup.Observe(ctx, key)
	if err != nil {
		// Dedup is an optimization; the ledger's event-id upsert keeps
		// reprocessing harmless. Log and continue.
		logging.L(ctx).Warn("dedup store degraded", "provider", provider, "error", err)
	}
	if seen {
		s.duplicates.Add(1)
		resultsTotal.WithLabelValues(provider, "duplicate").Inc()
		return &Result{Processed: true, Duplicate: true}, nil
	}

	res, err := s.dispatch(ctx, &ev)
	if err != nil {
		// The event was never applied; release the key so the provider's
		// retry of this delivery is processed instead of dropped.
		if ferr := s.dedup.Forget(ctx, key); ferr != nil {
			logging.L(ctx).Warn("could not release dedup key",
				"provider", provider, "error", ferr)
		}
		s.failed.Add(1)
		resultsTotal.WithLabelValues(provider, "error").Inc()
		return nil, err
	}
	if res.Processed {
		s.processed.Add(1)
		s.lastAt.Store(time.Now().UnixNano())
		resultsTotal.WithLabelValues(provider, outcomeLabel(res)).Inc()
	} else {
		s.failed.Add(1)
		resultsTotal.WithLabelValues(provider, "unprocessed").Inc()
	}
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, ev *event.Event) (*Result, error) {
	switch {
	case ev.Kind.IsSpend():
		return s.handleSpend(ctx, ev)
	case ev.Kind.IsCredit():
		return s.handleCredit(ctx, ev)
	case ev.Kind == event.KindCardStatus:
		return s.handleCardStatus(ctx, ev)
	default:
		logging.L(ctx).Warn("unknown event kind",
			"provider", ev.Provider, "eventId", ev.ExternalEventID)
		return &Result{Processed: false, Reason: "unknown event kind"}, nil
	}
}

func (s *Service) handleSpend(ctx context.Context, ev *event.Event) (*Result, error) {
	lres, err := s.ledger.Process(ctx, ev)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Processed:     true,
		Duplicate:     lres.Duplicate,
		Declined:      lres.Declined,
		LimitKind:     lres.LimitKind,
		TransactionID: lres.Record.ID,
	}
	if lres.Duplicate {
		return result, nil
	}

	if s.feed != nil {
		s.feed.BroadcastTransaction(lres.Record)
	}

	// Risk pass runs on committed, non-declined transactions only; its
	// outcome cannot undo the ledger effects above.
	if s.analyzer != nil && !lres.Declined {
		s.scoreAndPrevent(ctx, ev, lres.Record, result)
	}
	return result, nil
}

func (s *Service) scoreAndPrevent(ctx context.Context, ev *event.Event, rec *ledger.Record, result *Result) {
	log := logging.L(ctx)

	acct, err := s.cards.GetByExternalID(ctx, ev.Provider, ev.CardExternalID)
	if err != nil {
		log.Error("card vanished before risk pass", "cardExternalId", ev.CardExternalID, "error", err)
		return
	}
	oldStatus := acct.Status

	analysis := s.analyzer.Analyze(ctx, ev, acct, rec)
	result.RiskScore = analysis.Score
	result.RiskLevel = analysis.Level

	if s.applier == nil {
		return
	}
	applied, err := s.applier.Apply(ctx, analysis)
	if err != nil {
		log.Error("prevention actions failed", "cardId", acct.ID, "error", err)
	}
	if applied == nil {
		return
	}
	result.BlockRecommended = applied.Block

	if applied.Frozen {
		s.announceStatusChange(ctx, acct.ID, oldStatus, card.StatusFrozen, "fraud_critical")
	}
}

func (s *Service) handleCredit(ctx context.Context, ev *event.Event) (*Result, error) {
	lres, err := s.ledger.ProcessReversal(ctx, ev)
	if err != nil {
		if errors.Is(err, ledger.ErrOriginalNotFound) {
			// Unprocessable, not retriable: the referenced original was
			// never seen. Reported as data, no balance effect.
			logging.L(ctx).Warn("reversal references unknown original",
				"provider", ev.Provider, "eventId", ev.ExternalEventID)
			return &Result{Processed: false, Reason: "original transaction not found"}, nil
		}
		return nil, err
	}

	result := &Result{
		Processed:     true,
		Duplicate:     lres.Duplicate,
		TransactionID: lres.Record.ID,
	}
	if !lres.Duplicate && s.feed != nil {
		s.feed.BroadcastTransaction(lres.Record)
	}
	return result, nil
}

func (s *Service) handleCardStatus(ctx context.Context, ev *event.Event) (*Result, error) {
	next := card.Status(strings.ToLower(strings.TrimSpace(ev.NewCardStatus)))
	switch next {
	case card.StatusPending, card.StatusActive, card.StatusFrozen, card.StatusSuspended, card.StatusClosed:
	default:
		return &Result{Processed: false, Reason: "unknown card status"}, nil
	}

	var lastErr error
	for attempt := 0; attempt < statusAttempts; attempt++ {
		acct, err := s.cards.GetByExternalID(ctx, ev.Provider, ev.CardExternalID)
		if err != nil {
			if errors.Is(err, card.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s/%s", ledger.ErrCardNotFound, ev.Provider, ev.CardExternalID)
			}
			return nil, err
		}

		old := acct.Status
		if old == next {
			return &Result{Processed: true, Duplicate: true}, nil
		}
		if err := acct.Transition(next); err != nil {
			logging.L(ctx).Warn("issuer reported illegal status transition",
				"cardId", acct.ID, "from", old, "to", next)
			return &Result{Processed: false, Reason: "illegal status transition"}, nil
		}
		acct.LastSyncedAt = time.Now()

		err = s.cards.Update(ctx, acct)
		if errors.Is(err, card.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		s.announceStatusChange(ctx, acct.ID, old, next, "issuer_reported")
		return &Result{Processed: true}, nil
	}
	return nil, fmt.Errorf("card status update: %w", lastErr)
}

// announceStatusChange publishes a committed status change to the feed and,
// when the transition is significant, the notification sink.
func (s *Service) announceStatusChange(ctx context.Context, cardID string, old, next card.Status, reason string) {
	if s.feed != nil {
		s.feed.BroadcastCardStatus(cardID, old, next, reason)
	}
	if s.notifier != nil && notify.Significant(old, next) {
		s.notifier.StatusChanged(ctx, &notify.StatusChange{
			CardID:    cardID,
			OldStatus: old,
			NewStatus: next,
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}
}

// Stats returns the running counters.
func (s *Service) Stats() Stats {
	stats := Stats{
		Processed:  s.processed.Load(),
		Failed:     s.failed.Load(),
		Duplicates: s.duplicates.Load(),
	}
	if ns := s.lastAt.Load(); ns > 0 {
		t := time.Unix(0, ns)
		stats.LastProcessedAt = &t
	}
	return stats
}

func outcomeLabel(res *Result) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Declined:
		return "declined"
	default:
		return "processed"
	}
}
