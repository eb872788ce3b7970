package domain

import (
	"fmt"
	"time"

	"paygate/internal/common/money"
)

// RefundReason explains why money was returned.
type RefundReason string

const (
	ReasonRequestedByCustomer RefundReason = "requested_by_customer"
	ReasonFraudulent          RefundReason = "fraudulent"
	ReasonAdmin               RefundReason = "admin"
)

// ParseRefundReason validates a reason, defaulting to requested_by_customer.
func ParseRefundReason(s string) (RefundReason, error) {
	switch r := RefundReason(s); r {
	case "":
		return ReasonRequestedByCustomer, nil
	case ReasonRequestedByCustomer, ReasonFraudulent, ReasonAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown refund reason %q", ErrInvalidArgument, s)
}

// RefundStatus is the provider-side state of a refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
	RefundDeclined  RefundStatus = "declined"
)

// Refund returns the full amount of a succeeded transaction.
type Refund struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction"`
	Amount        int64          `json:"amount"`
	Currency      money.Currency `json:"currency"`
	ProviderRef   string         `json:"provider_ref"`
	Reason        RefundReason   `json:"reason"`
	Status        RefundStatus   `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewRefund builds the refund record for a provider-confirmed refund of txn.
func NewRefund(id string, txn *Transaction, reason RefundReason, out RefundOutcome, now time.Time) (*Refund, error) {
	amount := out.Amount
	if amount == 0 {
		amount = txn.Total
	}
	currency := out.Currency
	if currency == "" {
		currency = txn.Currency
	}
	status := out.Status
	if status == "" {
		status = RefundSucceeded
	}
	r := &Refund{
		ID:            id,
		TransactionID: txn.ID,
		Amount:        amount,
		Currency:      currency,
		ProviderRef:   out.ProviderRef,
		Reason:        reason,
		Status:        status,
		CreatedAt:     now,
	}
	if err := r.Check(txn); err != nil {
		return nil, err
	}
	return r, nil
}

// Check validates the refund against its transaction.
func (r *Refund) Check(txn *Transaction) error {
	var vs violations
	if r.ID == "" {
		vs.add("refund.id", "is required")
	}
	if r.TransactionID != txn.ID {
		vs.add("refund.transaction", "must reference transaction %s", txn.ID)
	}
	if r.ProviderRef == "" {
		vs.add("refund.provider_ref", "is required")
	}
	if r.Amount != txn.Total {
		vs.add("refund.amount", "must equal transaction total %d, got %d", txn.Total, r.Amount)
	}
	if r.Currency != txn.Currency {
		vs.add("refund.currency", "must equal transaction currency %q, got %q", txn.Currency, r.Currency)
	}
	switch r.Reason {
	case ReasonRequestedByCustomer, ReasonFraudulent, ReasonAdmin:
	default:
		vs.add("refund.reason", "unknown reason %q", r.Reason)
	}
	switch r.Status {
	case RefundPending, RefundSucceeded, RefundFailed, RefundDeclined:
	default:
		vs.add("refund.status", "unknown status %q", r.Status)
	}
	if len(vs) > 0 {
		return &ValidationError{Violations: vs}
	}
	return nil
}
