package charge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paygate/internal/common/money"
	"paygate/internal/payment/domain"
	"paygate/internal/payment/reconcile"
	"paygate/internal/payment/store"
	"paygate/internal/providers"
	"paygate/internal/providers/mocks"
)

// cancelAwareStore fails calls on a cancelled context, as pgx does.
type cancelAwareStore struct {
	*store.MemoryStore
}

func (s cancelAwareStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.GetPayment(ctx, id)
}

func (s cancelAwareStore) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.UpdatePayment(ctx, p)
}

func (s cancelAwareStore) FindByCorrelation(ctx context.Context, provider domain.Provider, c domain.Correlation) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.FindByCorrelation(ctx, provider, c)
}

func (s cancelAwareStore) ApplyTransition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.ApplyTransition(ctx, id, expected, next, patch)
}

type fixture struct {
	store *store.MemoryStore
	card  *mocks.CardAdapter
	order *mocks.OrderAdapter
	orch  *Orchestrator
}

func newFixture(t *testing.T, customer string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store: store.NewMemoryStore(),
		card:  mocks.NewCardAdapter(),
		order: mocks.NewOrderAdapter(),
	}
	registry := providers.NewRegistry(f.card, f.order)
	st := cancelAwareStore{MemoryStore: f.store}
	engine := reconcile.NewEngine(st, registry, nil, reconcile.Config{ApprovalTTL: 30 * time.Minute}, logger)
	f.orch = NewOrchestrator(st, registry, engine, time.Second, logger)

	p, err := domain.NewPayment("pay_1", "U1", "e@x.com", time.Now())
	require.NoError(t, err)
	if customer != "" {
		p.SetCustomerRef(domain.ProviderStripe, customer)
	}
	require.NoError(t, f.store.CreatePayment(context.Background(), p))
	return f
}

func chargeRequest() Request {
	return Request{
		User:     "U1",
		Provider: domain.ProviderStripe,
		Currency: money.USD,
		Items:    domain.Items{Subtotal: 1000},
	}
}

func TestCharge_SingleSavedMethod(t *testing.T) {
	f := newFixture(t, "cus_1")
	ctx := context.Background()

	f.card.On("ListPaymentMethods", mock.Anything, "cus_1").
		Return(&providers.MethodSet{Methods: []providers.PaymentMethod{{ID: "pm_1"}}}, nil).Once()
	f.card.On("CaptureOrCharge", mock.Anything, mock.MatchedBy(func(r providers.ChargeRequest) bool {
		return r.Ref == "pm_1" && r.Customer == "cus_1" && r.Transaction.Total == 1000
	})).Return(domain.Succeeded("pi_1"), nil).Once()

	res, err := f.orch.Charge(ctx, chargeRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	txn := res.Transaction
	assert.Equal(t, "U1", txn.User)
	assert.Equal(t, "e@x.com", txn.Email)
	assert.Equal(t, int64(1000), txn.Total)
	assert.Equal(t, money.USD, txn.Currency)
	assert.True(t, txn.Paid)
	assert.Equal(t, "pi_1", txn.ProviderRef)

	p, err := f.store.GetPaymentByUser(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "pm_1", p.DefaultPaymentMethod)
	assert.Equal(t, []string{txn.ID}, p.Transactions)
	f.card.AssertExpectations(t)
}

func TestCharge_UsesCachedDefault(t *testing.T) {
	f := newFixture(t, "cus_1")
	ctx := context.Background()
	p, err := f.store.GetPaymentByUser(ctx, "U1")
	require.NoError(t, err)
	p.DefaultPaymentMethod = "pm_default"
	require.NoError(t, f.store.UpdatePayment(ctx, p))

	f.card.On("CaptureOrCharge", mock.Anything, mock.MatchedBy(func(r providers.ChargeRequest) bool {
		return r.Ref == "pm_default"
	})).Return(domain.Succeeded("pi_1"), nil).Once()

	_, err = f.orch.Charge(ctx, chargeRequest())
	require.NoError(t, err)
	f.card.AssertNotCalled(t, "ListPaymentMethods", mock.Anything, mock.Anything)
}

func TestCharge_AccountDefault(t *testing.T) {
	f := newFixture(t, "cus_1")
	f.card.On("ListPaymentMethods", mock.Anything, "cus_1").Return(&providers.MethodSet{
		Default: "pm_2",
		Methods: []providers.PaymentMethod{{ID: "pm_1"}, {ID: "pm_2"}},
	}, nil).Once()
	f.card.On("CaptureOrCharge", mock.Anything, mock.MatchedBy(func(r providers.ChargeRequest) bool {
		return r.Ref == "pm_2"
	})).Return(domain.Succeeded("pi_1"), nil).Once()

	res, err := f.orch.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
}

func TestCharge_AmbiguousMethodNeverCharges(t *testing.T) {
	f := newFixture(t, "cus_1")
	f.card.On("ListPaymentMethods", mock.Anything, "cus_1").Return(&providers.MethodSet{
		Methods: []providers.PaymentMethod{{ID: "pm_1"}, {ID: "pm_2"}},
	}, nil).Once()

	_, err := f.orch.Charge(context.Background(), chargeRequest())
	require.ErrorIs(t, err, domain.ErrAmbiguousPaymentMethod)

	f.card.AssertNotCalled(t, "CaptureOrCharge", mock.Anything, mock.Anything)
	txns, err := f.store.ListTransactionsByPayment(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestCharge_MissingMethod(t *testing.T) {
	t.Run("no customer", func(t *testing.T) {
		f := newFixture(t, "")
		_, err := f.orch.Charge(context.Background(), chargeRequest())
		require.ErrorIs(t, err, domain.ErrMissingPaymentMethod)
		f.card.AssertNotCalled(t, "CaptureOrCharge", mock.Anything, mock.Anything)
	})

	t.Run("no saved methods", func(t *testing.T) {
		f := newFixture(t, "cus_1")
		f.card.On("ListPaymentMethods", mock.Anything, "cus_1").Return(&providers.MethodSet{}, nil).Once()
		_, err := f.orch.Charge(context.Background(), chargeRequest())
		require.ErrorIs(t, err, domain.ErrMissingPaymentMethod)
		f.card.AssertNotCalled(t, "CaptureOrCharge", mock.Anything, mock.Anything)
	})
}

func TestCharge_InvalidDraftNeverCharges(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.PaymentMethod = "pm_1"
	total := int64(999)
	req.Total = &total

	_, err := f.orch.Charge(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidTransaction)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields(), "total")
	f.card.AssertNotCalled(t, "CaptureOrCharge", mock.Anything, mock.Anything)
}

func TestCharge_Declined(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.PaymentMethod = "pm_1"
	f.card.On("CaptureOrCharge", mock.Anything, mock.Anything).
		Return(domain.Declined("pi_1", "insufficient_funds", "Your card has insufficient funds."), nil).Once()

	res, err := f.orch.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, res.Status)
	require.NotNil(t, res.Transaction.Error)
	assert.Equal(t, "insufficient_funds", res.Transaction.Error.ProviderCode)

	p, err := f.store.GetPaymentByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, p.DefaultPaymentMethod)
}

func TestCharge_ProviderUnavailableStaysPending(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.PaymentMethod = "pm_1"
	f.card.On("CaptureOrCharge", mock.Anything, mock.Anything).
		Return(domain.Outcome{}, domain.Unavailable(domain.ProviderStripe, domain.ReasonConnection, context.DeadlineExceeded)).Once()

	res, err := f.orch.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	stored, err := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestCharge_ProviderRejectedDeclines(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.PaymentMethod = "pm_missing"
	f.card.On("CaptureOrCharge", mock.Anything, mock.Anything).
		Return(domain.Outcome{}, domain.Rejected(domain.ProviderStripe, domain.ReasonInvalidRequest, "No such PaymentMethod", 400)).Once()

	res, err := f.orch.Charge(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrProviderRejected)
	require.NotNil(t, res)
	assert.Equal(t, StatusDeclined, res.Status)
	assert.Equal(t, domain.ReasonInvalidRequest, res.Transaction.Error.ProviderCode)
}

func TestCharge_IdempotentReplay(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.PaymentMethod = "pm_1"
	req.IdempotencyKey = "order-42"
	f.card.On("CaptureOrCharge", mock.Anything, mock.Anything).Return(domain.Succeeded("pi_1"), nil).Once()

	first, err := f.orch.Charge(context.Background(), req)
	require.NoError(t, err)
	second, err := f.orch.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, StatusSucceeded, second.Status)
	f.card.AssertNumberOfCalls(t, "CaptureOrCharge", 1)
}

func TestCharge_ProviderCallSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.PaymentMethod = "pm_1"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.card.On("CaptureOrCharge", mock.MatchedBy(func(pctx context.Context) bool {
		cancel()
		return pctx.Err() == nil
	}), mock.Anything).Return(domain.Succeeded("pi_1"), nil).Once()

	res, err := f.orch.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)

	stored, err := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, stored.Status)
	assert.True(t, stored.Paid)
	assert.Equal(t, "pi_1", stored.ProviderRef)

	p, err := f.store.GetPaymentByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "pm_1", p.DefaultPaymentMethod)
}

func TestCharge_DeclineRecordedAfterCallerCancels(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.PaymentMethod = "pm_1"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.card.On("CaptureOrCharge", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(domain.Outcome{}, domain.Rejected(domain.ProviderStripe, domain.ReasonInvalidRequest, "No such PaymentMethod", 400)).Once()

	res, err := f.orch.Charge(ctx, req)
	require.ErrorIs(t, err, domain.ErrProviderRejected)
	stored, gerr := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusDeclined, stored.Status)
}

func TestCharge_UnknownUser(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.User = "nobody"
	_, err := f.orch.Charge(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestCharge_OrderProviderUnsupported(t *testing.T) {
	f := newFixture(t, "cus_1")
	req := chargeRequest()
	req.Provider = domain.ProviderPayPal
	_, err := f.orch.Charge(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)
}

func orderRequest() OrderRequest {
	return OrderRequest{
		User:     "U1",
		Provider: domain.ProviderPayPal,
		Currency: money.USD,
		Items:    domain.Items{Subtotal: 1000},
		Options:  providers.OrderOptions{Intent: providers.IntentCapture},
	}
}

func TestCreateOrder(t *testing.T) {
	t.Run("awaits approval", func(t *testing.T) {
		f := newFixture(t, "")
		f.order.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything).
			Return(&providers.OrderResult{OrderRef: "O-1", ApproveURL: "https://paypal.example/approve?token=O-1"}, nil).Once()

		res, err := f.orch.CreateOrder(context.Background(), orderRequest())
		require.NoError(t, err)
		assert.Equal(t, StatusRequiresAction, res.Status)
		assert.Equal(t, "https://paypal.example/approve?token=O-1", res.ActionHandle)
		assert.Equal(t, domain.StatusTransitory, res.Transaction.Status)
		assert.Equal(t, "O-1", res.Transaction.ProviderRef)
		require.NotNil(t, res.Transaction.TransitoryExpires)
	})

	t.Run("provider error declines", func(t *testing.T) {
		f := newFixture(t, "")
		f.order.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, domain.Rejected(domain.ProviderPayPal, "invalid_currency_code", "bad currency", 422)).Once()

		res, err := f.orch.CreateOrder(context.Background(), orderRequest())
		require.ErrorIs(t, err, domain.ErrProviderRejected)
		assert.Equal(t, StatusDeclined, res.Status)
		assert.Equal(t, "invalid_currency_code", res.Transaction.Error.ProviderCode)
	})
}

func TestCaptureOrder(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *domain.Transaction) {
		f := newFixture(t, "")
		f.order.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything).
			Return(&providers.OrderResult{OrderRef: "O-1", ApproveURL: "https://approve"}, nil).Once()
		res, err := f.orch.CreateOrder(context.Background(), orderRequest())
		require.NoError(t, err)
		return f, res.Transaction
	}

	t.Run("approved order is captured", func(t *testing.T) {
		f, txn := setup(t)
		f.order.On("RetrieveOrder", mock.Anything, "O-1").Return(&providers.Order{
			ID: "O-1", Status: providers.OrderApproved, Intent: providers.IntentCapture, TransactionID: txn.ID, PayerID: "P1",
		}, nil).Once()
		f.order.On("CaptureOrCharge", mock.Anything, mock.MatchedBy(func(r providers.ChargeRequest) bool {
			return r.Ref == "O-1" && r.Intent == providers.IntentCapture
		})).Return(domain.Succeeded("O-1"), nil).Once()

		res, err := f.orch.CaptureOrder(context.Background(), "U1", domain.ProviderPayPal, "O-1", "")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.True(t, res.Transaction.Paid)

		p, err := f.store.GetPaymentByUser(context.Background(), "U1")
		require.NoError(t, err)
		assert.Equal(t, "P1", p.PayPalPayer)
	})

	t.Run("already completed", func(t *testing.T) {
		f, txn := setup(t)
		f.order.On("RetrieveOrder", mock.Anything, "O-1").Return(&providers.Order{
			ID: "O-1", Status: providers.OrderCompleted, TransactionID: txn.ID,
		}, nil).Once()

		_, err := f.orch.CaptureOrder(context.Background(), "U1", domain.ProviderPayPal, "O-1", "")
		require.ErrorIs(t, err, domain.ErrOrderAlreadyProcessed)
		f.order.AssertNotCalled(t, "CaptureOrCharge", mock.Anything, mock.Anything)
	})

	t.Run("not yet approved", func(t *testing.T) {
		f, txn := setup(t)
		f.order.On("RetrieveOrder", mock.Anything, "O-1").Return(&providers.Order{
			ID: "O-1", Status: providers.OrderCreated, TransactionID: txn.ID,
		}, nil).Once()

		_, err := f.orch.CaptureOrder(context.Background(), "U1", domain.ProviderPayPal, "O-1", "")
		require.ErrorIs(t, err, domain.ErrOrderNotApproved)
	})

	t.Run("unknown order", func(t *testing.T) {
		f, _ := setup(t)
		f.order.On("RetrieveOrder", mock.Anything, "O-404").Return(nil, domain.ErrProviderOrderNotFound).Once()

		_, err := f.orch.CaptureOrder(context.Background(), "U1", domain.ProviderPayPal, "O-404", "")
		require.ErrorIs(t, err, domain.ErrProviderOrderNotFound)
	})

	t.Run("provider down leaves transaction waiting", func(t *testing.T) {
		f, txn := setup(t)
		f.order.On("RetrieveOrder", mock.Anything, "O-1").Return(&providers.Order{
			ID: "O-1", Status: providers.OrderApproved, TransactionID: txn.ID,
		}, nil).Once()
		f.order.On("CaptureOrCharge", mock.Anything, mock.Anything).
			Return(domain.Outcome{}, domain.Unavailable(domain.ProviderPayPal, domain.ReasonProviderError, nil)).Once()

		res, err := f.orch.CaptureOrder(context.Background(), "U1", domain.ProviderPayPal, "O-1", "")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, res.Status)
		assert.Equal(t, domain.StatusTransitory, res.Transaction.Status)
	})
}
