package domain

import (
	"fmt"
	"strings"
	"time"
)

// Payment is the billing identity of one user.
type Payment struct {
	ID                   string              `json:"id"`
	User                 string              `json:"user"`
	Email                string              `json:"email"`
	Customers            map[Provider]string `json:"customers,omitempty"`
	DefaultPaymentMethod string              `json:"default_payment_method,omitempty"`
	PayPalPayer          string              `json:"paypal_payer,omitempty"`
	Transactions         []string            `json:"transactions"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// NewPayment creates a payment for a user.
func NewPayment(id, user, email string, now time.Time) (*Payment, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidArgument)
	}
	return &Payment{
		ID:           id,
		User:         user,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Customers:    make(map[Provider]string),
		Transactions: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// CustomerRef returns the provider-side customer id, if any.
func (p *Payment) CustomerRef(provider Provider) string {
	return p.Customers[provider]
}

// SetCustomerRef records the provider-side customer id.
func (p *Payment) SetCustomerRef(provider Provider, ref string) {
	if p.Customers == nil {
		p.Customers = make(map[Provider]string)
	}
	p.Customers[provider] = ref
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	c := *p
	c.Customers = make(map[Provider]string, len(p.Customers))
	for k, v := range p.Customers {
		c.Customers[k] = v
	}
	c.Transactions = append([]string{}, p.Transactions...)
	return &c
}
