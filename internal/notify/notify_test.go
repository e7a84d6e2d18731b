package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/cardrail/internal/card"
)

func TestSignificant(t *testing.T) {
	tests := []struct {
		old, new card.Status
		want     bool
	}{
		{card.StatusActive, card.StatusFrozen, true},
		{card.StatusFrozen, card.StatusActive, true},
		{card.StatusActive, card.StatusSuspended, true},
		{card.StatusSuspended, card.StatusActive, true},
		{card.StatusPending, card.StatusActive, false},
		{card.StatusActive, card.StatusClosed, false},
		{card.StatusFrozen, card.StatusClosed, false},
	}
	for _, tt := range tests {
		if got := Significant(tt.old, tt.new); got != tt.want {
			t.Errorf("Significant(%s, %s) = %v, want %v", tt.old, tt.new, got, tt.want)
		}
	}
}

func TestEmitter_DeliversSignedPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		gotSig  string
		gotBody []byte
		done    = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSig = r.Header.Get("X-Cardrail-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	secret := "test-secret"
	if err := store.Create(context.Background(), &Subscription{
		ID: "sub_1", URL: srv.URL, Secret: secret, Active: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	emitter := NewEmitter(store)
	emitter.StatusChanged(context.Background(), &StatusChange{
		CardID:    "card_1",
		OldStatus: card.StatusActive,
		NewStatus: card.StatusFrozen,
		Reason:    "fraud_critical",
		Timestamp: time.Now(),
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	if want := hex.EncodeToString(h.Sum(nil)); gotSig != want {
		t.Errorf("signature mismatch: got %s, want %s", gotSig, want)
	}
}

func TestEmitter_SkipsInactiveSubscriptions(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
	}))
	defer srv.Close()

	store := NewMemoryStore()
	if err := store.Create(context.Background(), &Subscription{
		ID: "sub_1", URL: srv.URL, Active: false, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	emitter := NewEmitter(store)
	emitter.StatusChanged(context.Background(), &StatusChange{
		CardID: "card_1", OldStatus: card.StatusActive, NewStatus: card.StatusFrozen,
	})

	select {
	case <-called:
		t.Fatal("inactive subscription received a delivery")
	case <-time.After(200 * time.Millisecond):
	}
}
