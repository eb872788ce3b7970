// Package providers defines the adapter contract for external payment processors.
//
// Every adapter implements Adapter. Optional capabilities are separate
// interfaces discovered with a type assertion on the registered adapter.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"paygate/internal/payment/domain"
)

// ChargeRequest is the input to CaptureOrCharge.
type ChargeRequest struct {
	// Ref is the payment method for card providers and the order id for approval providers.
	Ref         string
	Customer    string
	Intent      OrderIntent
	Transaction *domain.Transaction
}

// Adapter is implemented by every provider.
type Adapter interface {
	Provider() domain.Provider
	// CaptureOrCharge charges a saved method or captures an approved order.
	// Declines are returned as a Declined outcome, not an error.
	CaptureOrCharge(ctx context.Context, req ChargeRequest) (domain.Outcome, error)
	Refund(ctx context.Context, txn *domain.Transaction, reason domain.RefundReason) (domain.RefundOutcome, error)
	// VerifyWebhook authenticates a raw delivery. It returns ErrInvalidSignature on mismatch.
	VerifyWebhook(ctx context.Context, body []byte, header http.Header) error
	// NormalizeEvent maps a verified delivery onto a domain event.
	// Event types the service does not act on return ErrUnhandledEvent.
	NormalizeEvent(body []byte) (*domain.Event, error)
}

// CustomerCreator is implemented by providers with a customer object.
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, user, email string) (string, error)
}

// OrderIntent says whether an approved order is captured or only authorized.
type OrderIntent string

const (
	IntentCapture   OrderIntent = "CAPTURE"
	IntentAuthorize OrderIntent = "AUTHORIZE"
)

// ParseOrderIntent defaults to capture.
func ParseOrderIntent(s string) (OrderIntent, error) {
	switch i := OrderIntent(s); i {
	case "", IntentCapture:
		return IntentCapture, nil
	case IntentAuthorize:
		return i, nil
	}
	return "", fmt.Errorf("%w: unknown order intent %q", domain.ErrInvalidArgument, s)
}

// OrderOptions controls the buyer approval page.
type OrderOptions struct {
	Intent      OrderIntent
	LandingPage string
	ReturnURL   string
	CancelURL   string
	BrandName   string
}

// OrderResult is a created order awaiting buyer approval.
type OrderResult struct {
	OrderRef   string
	ApproveURL string
}

// Order statuses as reported by approval providers.
const (
	OrderCreated   = "CREATED"
	OrderSaved     = "SAVED"
	OrderApproved  = "APPROVED"
	OrderVoided    = "VOIDED"
	OrderCompleted = "COMPLETED"
)

// Order is a provider-side order.
type Order struct {
	ID            string
	Status        string
	Intent        OrderIntent
	TransactionID string // custom_id we attached on create
	PayerID       string
	PayerEmail    string
	CaptureID     string
}

// OrderFlow is implemented by providers that need buyer approval.
type OrderFlow interface {
	CreateOrder(ctx context.Context, txn *domain.Transaction, opts OrderOptions) (*OrderResult, error)
	RetrieveOrder(ctx context.Context, orderRef string) (*Order, error)
}

// PaymentMethod is a saved card.
type PaymentMethod struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Brand       string `json:"brand,omitempty"`
	Last4       string `json:"last4,omitempty"`
	ExpMonth    int    `json:"exp_month,omitempty"`
	ExpYear     int    `json:"exp_year,omitempty"`
}

// MethodSet lists a customer's saved methods and the account default, if any.
type MethodSet struct {
	Default string
	Methods []PaymentMethod
}

// SetupIntent lets a client collect card details without charging.
type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// SetupIntentParams configures a setup intent.
type SetupIntentParams struct {
	Customer  string
	User      string
	OnSession bool
}

// MethodManager is implemented by providers with saved payment methods.
type MethodManager interface {
	CreateSetupIntent(ctx context.Context, p SetupIntentParams) (*SetupIntent, error)
	ListPaymentMethods(ctx context.Context, customer string) (*MethodSet, error)
	RetrievePaymentMethod(ctx context.Context, id string) (*PaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, customer, methodID string) (*PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, customer, methodID string) error
}

// Registry holds one adapter per provider.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry creates a registry from adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its provider.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for p, or ErrUnknownProvider.
func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", domain.ErrUnknownProvider, p)
	}
	return a, nil
}

// Providers lists the configured providers in name order.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OrderFlowFor returns the order capability of p.
func (r *Registry) OrderFlowFor(p domain.Provider) (OrderFlow, error) {
	a, err := r.Get(p)
	if err != nil {
		return nil, err
	}
	of, ok := a.(OrderFlow)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no order flow", domain.ErrUnsupportedOperation, p)
	}
	return of, nil
}

// MethodManagerFor returns the saved method capability of p.
func (r *Registry) MethodManagerFor(p domain.Provider) (MethodManager, error) {
	a, err := r.Get(p)
	if err != nil {
		return nil, err
	}
	mm, ok := a.(MethodManager)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no saved payment methods", domain.ErrUnsupportedOperation, p)
	}
	return mm, nil
}

// Result labels a provider call outcome for metrics.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}
