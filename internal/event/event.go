// Package event defines the canonical issuer transaction event.
//
// Provider-specific adapters normalize their webhook payloads into this
// shape before the intake pipeline sees them. Field names match the
// normalized JSON the adapters emit.
package event

import (
	"strings"
	"time"
)

// Kind classifies a normalized issuer event.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindClearing      Kind = "clearing"
	KindSettlement    Kind = "settlement"
	KindReversal      Kind = "reversal"
	KindChargeback    Kind = "chargeback"
	KindRefund        Kind = "refund"
	KindCardStatus    Kind = "card_status"
	KindUnknown       Kind = "unknown"
)

// ParseKind maps a normalized kind string to a Kind, tolerating case
// differences. Anything unrecognized becomes KindUnknown so intake can
// count and log it rather than fail.
func ParseKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAuthorization, KindClearing, KindSettlement,
		KindReversal, KindChargeback, KindRefund, KindCardStatus:
		return Kind(strings.ToLower(strings.TrimSpace(s)))
	default:
		return KindUnknown
	}
}

// IsSpend reports whether the kind represents a purchase-side event that
// is subject to spending-limit checks.
func (k Kind) IsSpend() bool {
	return k == KindAuthorization || k == KindClearing || k == KindSettlement
}

// IsCredit reports whether the kind credits funds back to the card.
func (k Kind) IsCredit() bool {
	return k == KindReversal || k == KindChargeback || k == KindRefund
}

// Event is a normalized issuer-reported card event. It is ephemeral: intake
// consumes it and the ledger persists a TransactionRecord derived from it.
type Event struct {
	Provider          string    `json:"provider"`
	ExternalEventID   string    `json:"externalEventId"`
	Kind              Kind      `json:"kind"`
	CardExternalID    string    `json:"cardExternalId"`
	Amount            int64     `json:"amountMinorUnits"`
	Currency          string    `json:"currency"`
	MerchantName      string    `json:"merchantName,omitempty"`
	MerchantCategory  string    `json:"merchantCategory,omitempty"`
	MerchantLocation  string    `json:"merchantLocation,omitempty"`
	AuthorizationCode string    `json:"authorizationCode,omitempty"`
	RelatedEventID    string    `json:"relatedEventId,omitempty"`
	NewCardStatus     string    `json:"newCardStatus,omitempty"`
	ProviderTimestamp time.Time `json:"providerTimestamp"`
}
