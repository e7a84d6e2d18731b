// Package notify delivers card status-change notifications to subscribed
// endpoints. Emission happens strictly after the state change is committed;
// a sink failure can never fail the operation that caused it.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/cardrail/internal/card"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// StatusChange is the payload delivered to subscribers.
type StatusChange struct {
	CardID    string      `json:"cardId"`
	OldStatus card.Status `json:"oldStatus"`
	NewStatus card.Status `json:"newStatus"`
	Reason    string      `json:"reason"`
	Timestamp time.Time   `json:"timestamp"`
}

// Significant reports whether a transition is worth notifying about. Only
// moves between active and frozen/suspended qualify; issuance and closure
// are visible through the card API itself.
func Significant(old, new card.Status) bool {
	switch {
	case old == card.StatusActive && (new == card.StatusFrozen || new == card.StatusSuspended):
		return true
	case new == card.StatusActive && (old == card.StatusFrozen || old == card.StatusSuspended):
		return true
	default:
		return false
	}
}

// Subscription is a registered notification endpoint.
type Subscription struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // HMAC signing key, never serialized
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}
