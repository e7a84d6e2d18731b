// Package issuer implements a client for delivering signed transaction
// events to a cardrail instance. Issuer-side integrations and test
// harnesses use it instead of hand-rolling the HMAC handshake.
package issuer

import (
	"fmt"
	"time"
)

// Event is the normalized transaction event an issuer delivers.
type Event struct {
	ExternalEventID   string    `json:"externalEventId"`
	Kind              string    `json:"kind"`
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

// Result is the reconciliation outcome for one delivered event.
type Result struct {
	Processed        bool   `json:"processed"`
	Duplicate        bool   `json:"duplicate,omitempty"`
	Declined         bool   `json:"declined,omitempty"`
	LimitKind        string `json:"limitKind,omitempty"`
	TransactionID    string `json:"transactionId,omitempty"`
	RiskScore        int    `json:"riskScore,omitempty"`
	RiskLevel        string `json:"riskLevel,omitempty"`
	BlockRecommended bool   `json:"blockRecommended,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Error is a non-2xx response from the intake endpoint.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("intake rejected delivery: status %d: %s", e.StatusCode, e.Message)
}
