package domain

import (
	"encoding/json"
	"time"

	"paygate/internal/common/money"
)

// OutcomeKind is the provider-agnostic result of a charge, capture or webhook.
type OutcomeKind string

const (
	OutcomeSucceeded      OutcomeKind = "succeeded"
	OutcomeDeclined       OutcomeKind = "declined"
	OutcomeRequiresAction OutcomeKind = "requires_action"
	OutcomeApproved       OutcomeKind = "approved"
	OutcomeProcessing     OutcomeKind = "processing"
	OutcomeRefunded       OutcomeKind = "refunded"
)

// Outcome is a normalized provider result.
type Outcome struct {
	Kind         OutcomeKind    `json:"kind"`
	ProviderRef  string         `json:"provider_ref,omitempty"`
	ReasonCode   string         `json:"reason_code,omitempty"`
	Message      string         `json:"message,omitempty"`
	ActionHandle string         `json:"action_handle,omitempty"`
	PayerID      string         `json:"payer_id,omitempty"`
	PayerEmail   string         `json:"payer_email,omitempty"`
	Amount       int64          `json:"amount,omitempty"`
	Currency     money.Currency `json:"currency,omitempty"`
	Refund       *RefundOutcome `json:"refund,omitempty"`
}

// Succeeded is a provider-confirmed capture.
func Succeeded(providerRef string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, ProviderRef: providerRef}
}

// Declined is a provider-confirmed failure.
func Declined(providerRef, reasonCode, message string) Outcome {
	return Outcome{Kind: OutcomeDeclined, ProviderRef: providerRef, ReasonCode: reasonCode, Message: message}
}

// RequiresAction means the buyer must act (3DS, approval) before the charge resolves.
func RequiresAction(providerRef, handle string) Outcome {
	return Outcome{Kind: OutcomeRequiresAction, ProviderRef: providerRef, ActionHandle: handle}
}

// RefundOutcomeKind is the normalized result of a refund call.
type RefundOutcomeKind string

const (
	RefundOutcomeSucceeded RefundOutcomeKind = "succeeded"
	RefundOutcomeFailed    RefundOutcomeKind = "failed"
)

// RefundOutcome is a normalized refund result.
type RefundOutcome struct {
	Kind        RefundOutcomeKind `json:"kind"`
	ProviderRef string            `json:"provider_ref,omitempty"`
	Amount      int64             `json:"amount,omitempty"`
	Currency    money.Currency    `json:"currency,omitempty"`
	Status      RefundStatus      `json:"status,omitempty"`
	ReasonCode  string            `json:"reason_code,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Correlation identifies the transaction a provider event belongs to.
// TransactionID comes from metadata we attached; it takes precedence over
// the provider refs, which are the weaker fallback.
type Correlation struct {
	TransactionID     string `json:"transaction_id,omitempty"`
	ProviderOrderRef  string `json:"provider_order_ref,omitempty"`
	ProviderIntentRef string `json:"provider_intent_ref,omitempty"`
}

// ProviderRef returns whichever provider-side reference is set.
func (c Correlation) ProviderRef() string {
	if c.ProviderOrderRef != "" {
		return c.ProviderOrderRef
	}
	return c.ProviderIntentRef
}

// IsZero reports whether no key is set.
func (c Correlation) IsZero() bool {
	return c.TransactionID == "" && c.ProviderOrderRef == "" && c.ProviderIntentRef == ""
}

// Event is a verified and normalized webhook delivery.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Provider    Provider        `json:"provider"`
	Livemode    bool            `json:"livemode"`
	Correlation Correlation     `json:"correlation"`
	Outcome     Outcome         `json:"outcome"`
	Raw         json.RawMessage `json:"-"`
}

// Source says which path delivered an outcome.
type Source string

const (
	SourceRPC     Source = "rpc"
	SourceWebhook Source = "webhook"
	SourceSweep   Source = "sweep"
)

// AuditKind classifies a TransactionError record.
type AuditKind string

const (
	AuditTransactionNotFound AuditKind = "transaction_not_found"
	AuditConflictingOutcome  AuditKind = "conflicting_outcome"
	AuditStaleTransition     AuditKind = "stale_transition"
	// AuditUnattributableRefund is a provider refund that cannot be recorded
	// as the full refund of its transaction, such as a partial refund.
	AuditUnattributableRefund AuditKind = "unattributable_refund"
)

// TransactionError is a write-only audit record for provider events that
// could not be attributed or applied.
type TransactionError struct {
	ID            string          `json:"id"`
	Kind          AuditKind       `json:"kind"`
	Provider      Provider        `json:"provider"`
	ProviderRef   string          `json:"provider_ref,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	Amount        int64           `json:"amount"`
	Currency      money.Currency  `json:"currency,omitempty"`
	Error         json.RawMessage `json:"error"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
