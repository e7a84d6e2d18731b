package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
	"github.com/mbd888/cardrail/internal/fraud"
	"github.com/mbd888/cardrail/internal/ledger"
	"github.com/mbd888/cardrail/internal/money"
	"github.com/mbd888/cardrail/internal/notify"
)

const testSecret = "intake-test-secret"

type fakeNotifier struct {
	mu      sync.Mutex
	changes []*notify.StatusChange
}

func (f *fakeNotifier) StatusChanged(_ context.Context, change *notify.StatusChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changes)
}

type fakeFeed struct {
	mu       sync.Mutex
	txs      []*ledger.Record
	statuses []string
}

func (f *fakeFeed) BroadcastTransaction(rec *ledger.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, rec)
}

func (f *fakeFeed) BroadcastCardStatus(cardID string, old, new card.Status, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, string(old)+"->"+string(new))
}

type fixture struct {
	service  *Service
	cards    card.Store
	records  ledger.Store
	notifier *fakeNotifier
	feed     *fakeFeed
}

func newFixture(t *testing.T, fraudCfg fraud.Config) *fixture {
	t.Helper()

	cards := card.NewMemoryStore()
	acct := &card.Account{
		ID:         "card_1",
		UserID:     "user_1",
		Provider:   "acme",
		ExternalID: "ext-card-1",
		Balance:    money.Dollars(5000),
		Currency:   "USD",
		Status:     card.StatusActive,
		Flags:      make(card.FlagSet),
		CreatedAt:  time.Now().Add(-90 * 24 * time.Hour),
	}
	if err := cards.Create(context.Background(), acct); err != nil {
		t.Fatalf("create card: %v", err)
	}

	records := ledger.NewMemoryStore(cards)
	eng := ledger.NewEngine(cards, records)
	analyzer := fraud.NewEngine(records, cards, fraudCfg)
	notifier := &fakeNotifier{}
	feed := &fakeFeed{}

	service := NewService(
		NewVerifier(map[string]string{"acme": testSecret}),
		NewWindow(),
		eng,
		cards,
		WithFraud(analyzer, fraud.NewApplier(cards)),
		WithNotifier(notifier),
		WithFeed(feed),
	)
	return &fixture{service: service, cards: cards, records: records, notifier: notifier, feed: feed}
}

func deliver(t *testing.T, f *fixture, ev *event.Event) (*Result, error) {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return f.service.Ingest(context.Background(), "acme", payload, signPayload(payload, testSecret))
}

func clearingEvent(eventID string, amount int64) *event.Event {
	return &event.Event{
		ExternalEventID:   eventID,
		Kind:              event.KindClearing,
		CardExternalID:    "ext-card-1",
		Amount:            amount,
		Currency:          "USD",
		MerchantName:      "Coffee Shop",
		MerchantCategory:  "5814",
		ProviderTimestamp: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	acct, err := f.cards.Get(context.Background(), "card_1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	return acct.Balance
}

func TestIngest_ProcessesClearing(t *testing.T) {
	f := newFixture(t, fraud.Config{})

	res, err := deliver(t, f, clearingEvent("evt-1", money.Dollars(40)))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !res.Processed || res.Duplicate || res.Declined {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.TransactionID == "" {
		t.Error("missing transaction id")
	}
	if got := f.balance(t); got != money.Dollars(4960) {
		t.Errorf("expected balance 496000, got %d", got)
	}
	if len(f.feed.txs) != 1 {
		t.Errorf("expected 1 feed broadcast, got %d", len(f.feed.txs))
	}
}

func TestIngest_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, fraud.Config{})
	ev := clearingEvent("evt-1", money.Dollars(40))

	if _, err := deliver(t, f, ev); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	balanceAfterFirst := f.balance(t)

	res, err := deliver(t, f, ev)
	if err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected duplicate result")
	}
	if got := f.balance(t); got != balanceAfterFirst {
		t.Errorf("duplicate delivery mutated balance: %d != %d", got, balanceAfterFirst)
	}

	stats := f.service.Stats()
	if stats.Processed != 1 || stats.Duplicates != 1 {
		t.Errorf("expected processed=1 duplicates=1, got %+v", stats)
	}

	recs, err := f.records.ListByCard(context.Background(), "card_1", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected exactly one record, got %d", len(recs))
	}
}

func TestIngest_InvalidSignatureMutatesNothing(t *testing.T) {
	f := newFixture(t, fraud.Config{})
	payload, _ := json.Marshal(clearingEvent("evt-1", money.Dollars(40)))

	_, err := f.service.Ingest(context.Background(), "acme", payload, signPayload(payload, "wrong"))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if got := f.balance(t); got != money.Dollars(5000) {
		t.Errorf("balance mutated on bad signature: %d", got)
	}
	if stats := f.service.Stats(); stats.Failed != 1 || stats.Processed != 0 {
		t.Errorf("expected failed=1, got %+v", stats)
	}

	// Same payload with a valid signature still processes: nothing was
	// recorded for the rejected delivery.
	res, err := f.service.Ingest(context.Background(), "acme", payload, signPayload(payload, testSecret))
	if err != nil || res.Duplicate {
		t.Errorf("valid retry after rejection: res=%+v err=%v", res, err)
	}
}

// flakyStore fails the first n Commit calls, standing in for a transient
// database outage during dispatch.
type flakyStore struct {
	ledger.Store
	failures int
}

func (s *flakyStore) Commit(ctx context.Context, acct *card.Account, recs ...*ledger.Record) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset by peer")
	}
	return s.Store.Commit(ctx, acct, recs...)
}

func TestIngest_FailedDispatchIsRetriable(t *testing.T) {
	cards := card.NewMemoryStore()
	acct := &card.Account{
		ID:         "card_1",
		UserID:     "user_1",
		Provider:   "acme",
		ExternalID: "ext-card-1",
		Balance:    money.Dollars(100),
		Currency:   "USD",
		Status:     card.StatusActive,
		Flags:      make(card.FlagSet),
	}
	if err := cards.Create(context.Background(), acct); err != nil {
		t.Fatalf("create card: %v", err)
	}
	records := &flakyStore{Store: ledger.NewMemoryStore(cards), failures: 1}
	service := NewService(
		NewVerifier(map[string]string{"acme": testSecret}),
		NewWindow(),
		ledger.NewEngine(cards, records),
		cards,
	)
	f := &fixture{service: service, cards: cards, records: records}

	ev := clearingEvent("evt-1", money.Dollars(40))
	if _, err := deliver(t, f, ev); err == nil {
		t.Fatal("expected error from failed dispatch")
	}
	if got := f.balance(t); got != money.Dollars(100) {
		t.Fatalf("failed dispatch mutated balance: %d", got)
	}

	// The provider retries the same delivery; it must be applied, not
	// answered as a duplicate of the delivery that never landed.
	res, err := deliver(t, f, ev)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Duplicate {
		t.Fatal("retry of a failed delivery was swallowed as a duplicate")
	}
	if got := f.balance(t); got != money.Dollars(60) {
		t.Errorf("expected balance 6000 after retry, got %d", got)
	}

	// With the event applied, a further redelivery is the duplicate.
	res2, err := deliver(t, f, ev)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if !res2.Duplicate {
		t.Error("expected duplicate result after successful apply")
	}
}

func TestIngest_UnknownKind(t *testing.T) {
	f := newFixture(t, fraud.Config{})

	ev := clearingEvent("evt-1", money.Dollars(40))
	ev.Kind = "mystery"
	res, err := deliver(t, f, ev)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Processed {
		t.Error("unknown kind must not be processed")
	}
	if got := f.balance(t); got != money.Dollars(5000) {
		t.Errorf("unknown kind mutated balance: %d", got)
	}
}

func TestIngest_ReversalWithoutOriginal(t *testing.T) {
	f := newFixture(t, fraud.Config{})

	ev := clearingEvent("evt-rev", money.Dollars(40))
	ev.Kind = event.KindReversal
	ev.RelatedEventID = "evt-never-seen"
	res, err := deliver(t, f, ev)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Processed {
		t.Error("orphan reversal must yield processed=false")
	}
	if got := f.balance(t); got != money.Dollars(5000) {
		t.Errorf("orphan reversal mutated balance: %d", got)
	}
}

func TestIngest_DeclinedByLimit(t *testing.T) {
	f := newFixture(t, fraud.Config{})
	acct, _ := f.cards.Get(context.Background(), "card_1")
	acct.Limits.PerTransaction = money.Dollars(100)
	if err := f.cards.Update(context.Background(), acct); err != nil {
		t.Fatalf("update card: %v", err)
	}

	res, err := deliver(t, f, clearingEvent("evt-1", money.Dollars(500)))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !res.Declined || res.LimitKind != ledger.LimitPerTransaction {
		t.Errorf("expected per_transaction decline, got %+v", res)
	}
	if got := f.balance(t); got != money.Dollars(5000) {
		t.Errorf("declined event mutated balance: %d", got)
	}
}

func TestIngest_CardStatusChange(t *testing.T) {
	f := newFixture(t, fraud.Config{})

	ev := &event.Event{
		ExternalEventID:   "evt-status-1",
		Kind:              event.KindCardStatus,
		CardExternalID:    "ext-card-1",
		NewCardStatus:     "frozen",
		ProviderTimestamp: time.Now(),
	}
	res, err := deliver(t, f, ev)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !res.Processed {
		t.Fatalf("status change not processed: %+v", res)
	}

	acct, _ := f.cards.Get(context.Background(), "card_1")
	if acct.Status != card.StatusFrozen {
		t.Errorf("expected frozen card, got %s", acct.Status)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected 1 notification, got %d", f.notifier.count())
	}
	if len(f.feed.statuses) != 1 {
		t.Errorf("expected 1 feed status broadcast, got %d", len(f.feed.statuses))
	}
}

func TestIngest_CriticalRiskFreezesCard(t *testing.T) {
	f := newFixture(t, fraud.Config{
		AmountCap:         money.Dollars(1000),
		MerchantBlocklist: []string{"shady"},
	})

	ev := clearingEvent("evt-1", money.Dollars(2000))
	ev.MerchantName = "Shady Imports"
	res, err := deliver(t, f, ev)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.RiskLevel != fraud.LevelCritical {
		t.Fatalf("expected critical risk, got %s (score %d)", res.RiskLevel, res.RiskScore)
	}
	if !res.BlockRecommended {
		t.Error("expected block recommendation")
	}

	acct, _ := f.cards.Get(context.Background(), "card_1")
	if acct.Status != card.StatusFrozen {
		t.Errorf("expected frozen card, got %s", acct.Status)
	}
	if !acct.Flags.Has(card.FlagFraudAlert) {
		t.Error("expected fraud_alert flag")
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected freeze notification, got %d", f.notifier.count())
	}

	// The debit itself stands: risk runs after the ledger commit.
	if got := f.balance(t); got != money.Dollars(3000) {
		t.Errorf("expected balance 300000, got %d", got)
	}
}
