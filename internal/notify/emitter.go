package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/cardrail/internal/circuitbreaker"
	"github.com/mbd888/cardrail/internal/logging"
	"github.com/mbd888/cardrail/internal/retry"
)

const (
	sendAttempts  = 3
	sendBaseDelay = 500 * time.Millisecond
)

// Emitter fans a StatusChange out to all active subscriptions. Deliveries
// run on their own goroutines with retry and a per-endpoint circuit breaker,
// so a dead endpoint degrades to a counter, not a stall.
type Emitter struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewEmitter creates a status-change emitter.
func NewEmitter(store Store) *Emitter {
	return &Emitter{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// StatusChanged delivers the change to every active subscription.
// Fire-and-forget: errors are recorded on the subscription and in metrics.
func (e *Emitter) StatusChanged(ctx context.Context, change *StatusChange) {
	subs, err := e.store.List(ctx)
	if err != nil {
		logging.L(ctx).Error("list notification subscriptions", "error", err)
		return
	}

	// Detach from the request: delivery outlives the webhook call.
	ctx = context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go e.send(ctx, sub, change)
	}
}

func (e *Emitter) send(ctx context.Context, sub *Subscription, change *StatusChange) {
	if !e.breaker.Allow(sub.URL) {
		sentTotal.WithLabelValues("circuit_open").Inc()
		return
	}

	payload, err := json.Marshal(change)
	if err != nil {
		e.recordError(ctx, sub, "failed to marshal change")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err = retry.Do(ctx, sendAttempts, sendBaseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Cardrail-Event", "card.status_changed")
		req.Header.Set("X-Cardrail-Timestamp", fmt.Sprintf("%d", change.Timestamp.Unix()))
		if sub.Secret != "" {
			req.Header.Set("X-Cardrail-Signature", sign(payload, sub.Secret))
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	})
	if err != nil {
		e.breaker.RecordFailure(sub.URL)
		e.recordError(ctx, sub, err.Error())
		return
	}

	e.breaker.RecordSuccess(sub.URL)
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = e.store.Update(ctx, sub)
	sentTotal.WithLabelValues("ok").Inc()
}

func (e *Emitter) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	_ = e.store.Update(ctx, sub)
	sentTotal.WithLabelValues("error").Inc()
	logging.L(ctx).Warn("status notification failed", "url", sub.URL, "error", msg)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
