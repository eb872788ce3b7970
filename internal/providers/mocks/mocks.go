// Package mocks holds testify mocks of the provider adapter capabilities.
package mocks

import (
	"context"
	"net/http"

	"github.com/stretchr/testify/mock"

	"paygate/internal/payment/domain"
	"paygate/internal/providers"
)

// base implements providers.Adapter.
type base struct {
	mock.Mock
	provider domain.Provider
}

func (m *base) Provider() domain.Provider { return m.provider }

func (m *base) CaptureOrCharge(ctx context.Context, req providers.ChargeRequest) (domain.Outcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Outcome), args.Error(1)
}

func (m *base) Refund(ctx context.Context, txn *domain.Transaction, reason domain.RefundReason) (domain.RefundOutcome, error) {
	args := m.Called(ctx, txn, reason)
	return args.Get(0).(domain.RefundOutcome), args.Error(1)
}

func (m *base) VerifyWebhook(ctx context.Context, body []byte, header http.Header) error {
	args := m.Called(ctx, body, header)
	return args.Error(0)
}

func (m *base) NormalizeEvent(body []byte) (*domain.Event, error) {
	args := m.Called(body)
	ev, _ := args.Get(0).(*domain.Event)
	return ev, args.Error(1)
}

// CardAdapter is a card-processor mock: Adapter, CustomerCreator and MethodManager.
type CardAdapter struct {
	base
}

// NewCardAdapter returns a mock registered under domain.ProviderStripe.
func NewCardAdapter() *CardAdapter {
	return &CardAdapter{base: base{provider: domain.ProviderStripe}}
}

func (m *CardAdapter) CreateCustomer(ctx context.Context, user, email string) (string, error) {
	args := m.Called(ctx, user, email)
	return args.String(0), args.Error(1)
}

func (m *CardAdapter) CreateSetupIntent(ctx context.Context, p providers.SetupIntentParams) (*providers.SetupIntent, error) {
	args := m.Called(ctx, p)
	si, _ := args.Get(0).(*providers.SetupIntent)
	return si, args.Error(1)
}

func (m *CardAdapter) ListPaymentMethods(ctx context.Context, customer string) (*providers.MethodSet, error) {
	args := m.Called(ctx, customer)
	set, _ := args.Get(0).(*providers.MethodSet)
	return set, args.Error(1)
}

func (m *CardAdapter) RetrievePaymentMethod(ctx context.Context, id string) (*providers.PaymentMethod, error) {
	args := m.Called(ctx, id)
	pm, _ := args.Get(0).(*providers.PaymentMethod)
	return pm, args.Error(1)
}

func (m *CardAdapter) AttachPaymentMethod(ctx context.Context, customer, methodID string) (*providers.PaymentMethod, error) {
	args := m.Called(ctx, customer, methodID)
	pm, _ := args.Get(0).(*providers.PaymentMethod)
	return pm, args.Error(1)
}

func (m *CardAdapter) SetDefaultPaymentMethod(ctx context.Context, customer, methodID string) error {
	args := m.Called(ctx, customer, methodID)
	return args.Error(0)
}

// OrderAdapter is an approval-flow mock: Adapter and OrderFlow.
type OrderAdapter struct {
	base
}

// NewOrderAdapter returns a mock registered under domain.ProviderPayPal.
func NewOrderAdapter() *OrderAdapter {
	return &OrderAdapter{base: base{provider: domain.ProviderPayPal}}
}

func (m *OrderAdapter) CreateOrder(ctx context.Context, txn *domain.Transaction, opts providers.OrderOptions) (*providers.OrderResult, error) {
	args := m.Called(ctx, txn, opts)
	res, _ := args.Get(0).(*providers.OrderResult)
	return res, args.Error(1)
}

func (m *OrderAdapter) RetrieveOrder(ctx context.Context, orderRef string) (*providers.Order, error) {
	args := m.Called(ctx, orderRef)
	o, _ := args.Get(0).(*providers.Order)
	return o, args.Error(1)
}

var (
	_ providers.Adapter         = (*CardAdapter)(nil)
	_ providers.CustomerCreator = (*CardAdapter)(nil)
	_ providers.MethodManager   = (*CardAdapter)(nil)
	_ providers.OrderFlow       = (*OrderAdapter)(nil)
)
