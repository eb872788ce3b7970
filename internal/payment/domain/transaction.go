package domain

import (
	"fmt"
	"time"

	"paygate/internal/common/money"
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusTransitory Status = "transitory"
	StatusSucceeded  Status = "succeeded"
	StatusDeclined   Status = "declined"
	StatusRefunded   Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusTransitory, StatusSucceeded, StatusDeclined},
	StatusTransitory: {StatusSucceeded, StatusDeclined},
	StatusSucceeded:  {StatusRefunded},
}

// IsTerminal reports whether no automatic transition leaves the status.
// succeeded still allows an explicit refund.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusDeclined || s == StatusRefunded
}

// CanTransitionTo reports whether the transition table allows s -> target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusTransitory, StatusSucceeded, StatusDeclined, StatusRefunded:
		return true
	}
	return false
}

// ErrorDetail is the structured failure recorded on a declined transaction.
type ErrorDetail struct {
	Kind         string `json:"kind"`
	Message      string `json:"message,omitempty"`
	ProviderCode string `json:"provider_code,omitempty"`
}

// LineItem is one purchased item.
type LineItem struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Amount      int64             `json:"amount"`
	Quantity    int64             `json:"quantity"`
	Currency    money.Currency    `json:"currency"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Items is the priced breakdown of a transaction. All amounts are minor units.
type Items struct {
	Reference        string     `json:"id,omitempty"`
	Description      string     `json:"description,omitempty"`
	Subtotal         int64      `json:"subtotal"`
	Shipping         int64      `json:"shipping"`
	Tax              int64      `json:"tax"`
	ShippingDiscount int64      `json:"shipping_discount"`
	Discount         int64      `json:"discount"`
	Lines            []LineItem `json:"lines,omitempty"`
}

// Total is the amount the breakdown adds up to.
func (i Items) Total() int64 {
	return i.Subtotal + i.Shipping + i.Tax - i.ShippingDiscount - i.Discount
}

// LinesTotal sums amount*quantity over the line items.
func (i Items) LinesTotal() int64 {
	var sum int64
	for _, l := range i.Lines {
		sum += l.Amount * l.Quantity
	}
	return sum
}

// Transaction is one attempted charge or order.
type Transaction struct {
	ID                string         `json:"id"`
	PaymentID         string         `json:"payment"`
	User              string         `json:"user"`
	Email             string         `json:"email,omitempty"`
	Provider          Provider       `json:"provider"`
	ProviderRef       string         `json:"provider_ref,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	Currency          money.Currency `json:"currency"`
	Items             Items          `json:"items"`
	Total             int64          `json:"total"`
	Paid              bool           `json:"paid"`
	Status            Status         `json:"status"`
	RefundID          string         `json:"refund,omitempty"`
	Error             *ErrorDetail   `json:"transaction_error,omitempty"`
	TransitoryExpires *time.Time     `json:"transitory_expires,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Amount returns the total as Money.
func (t *Transaction) Amount() money.Money {
	return money.New(t.Total, t.Currency)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Items.Lines != nil {
		c.Items.Lines = make([]LineItem, len(t.Items.Lines))
		copy(c.Items.Lines, t.Items.Lines)
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.TransitoryExpires != nil {
		ts := *t.TransitoryExpires
		c.TransitoryExpires = &ts
	}
	return &c
}

// DraftParams describes a transaction about to be created.
type DraftParams struct {
	ID             string
	Payment        *Payment
	Provider       Provider
	Currency       money.Currency
	Items          Items
	Total          *int64 // derived from Items when nil
	IdempotencyKey string
	Email          string
}

// NewDraft builds a pending transaction and validates it. A nil Total is derived
// from the breakdown; a supplied one must agree with it.
func NewDraft(p DraftParams, now time.Time) (*Transaction, error) {
	if p.Payment == nil {
		return nil, fmt.Errorf("%w: payment is required", ErrInvalidArgument)
	}
	email := p.Email
	if email == "" {
		email = p.Payment.Email
	}

	items := p.Items
	if len(items.Lines) > 0 {
		items.Lines = make([]LineItem, len(p.Items.Lines))
		copy(items.Lines, p.Items.Lines)
		for i := range items.Lines {
			if items.Lines[i].Currency == "" {
				items.Lines[i].Currency = p.Currency
			}
		}
	}

	total := items.Total()
	if p.Total != nil {
		total = *p.Total
	}

	t := &Transaction{
		ID:             p.ID,
		PaymentID:      p.Payment.ID,
		User:           p.Payment.User,
		Email:          email,
		Provider:       p.Provider,
		IdempotencyKey: p.IdempotencyKey,
		Currency:       p.Currency,
		Items:          items,
		Total:          total,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	return t, nil
}

// Patch carries the field changes that accompany a status transition.
type Patch struct {
	ProviderRef       string
	Email             string
	Paid              *bool
	Error             *ErrorDetail
	ClearError        bool
	TransitoryExpires *time.Time
	ClearTransitory   bool
	RefundID          string
}

// Transition returns a copy of t moved to next with the patch applied. It enforces
// the transition table and provider ref immutability but does not validate the
// result; callers run Check before persisting.
func (t *Transaction) Transition(next Status, p Patch, now time.Time) (*Transaction, error) {
	if next == t.Status {
		if t.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, t.Status)
		}
	} else if !t.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, next)
	}

	c := t.Clone()
	c.Status = next
	if p.ProviderRef != "" {
		if c.ProviderRef != "" && c.ProviderRef != p.ProviderRef {
			return nil, fmt.Errorf("%w: provider reference already set to %s", ErrIllegalTransition, c.ProviderRef)
		}
		c.ProviderRef = p.ProviderRef
	}
	if p.Email != "" {
		c.Email = p.Email
	}
	if p.Paid != nil {
		c.Paid = *p.Paid
	}
	if p.ClearError {
		c.Error = nil
	}
	if p.Error != nil {
		e := *p.Error
		c.Error = &e
	}
	if p.ClearTransitory {
		c.TransitoryExpires = nil
	}
	if p.TransitoryExpires != nil {
		ts := *p.TransitoryExpires
		c.TransitoryExpires = &ts
	}
	if p.RefundID != "" {
		c.RefundID = p.RefundID
	}
	c.UpdatedAt = now
	return c, nil
}
