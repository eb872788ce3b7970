// Package charge drives synchronous charges and approval-flow orders:
// create a pending transaction, call the provider, hand the outcome to the
// reconciliation engine.
package charge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paygate/internal/common/money"
	"paygate/internal/payment/domain"
	"paygate/internal/payment/reconcile"
	"paygate/internal/payment/store"
	"paygate/internal/providers"
)

// Status is the caller-facing state of a charge.
type Status string

const (
	StatusSucceeded      Status = "succeeded"
	StatusDeclined       Status = "declined"
	StatusRequiresAction Status = "requires_action"
	// StatusPending means the provider outcome is not known yet; a webhook or
	// a retry with the same idempotency key resolves it.
	StatusPending  Status = "pending"
	StatusRefunded Status = "refunded"
)

// Result is returned by Charge, CreateOrder and CaptureOrder.
type Result struct {
	Transaction  *domain.Transaction `json:"transaction"`
	Status       Status              `json:"status"`
	ActionHandle string              `json:"action_handle,omitempty"`
	Replayed     bool                `json:"replayed,omitempty"`
}

// Request is a charge against a saved payment method.
type Request struct {
	User           string
	Provider       domain.Provider
	Currency       money.Currency
	Items          domain.Items
	Total          *int64
	PaymentMethod  string
	IdempotencyKey string
	CorrelationID  string
}

// OrderRequest creates an order the buyer approves at the provider.
type OrderRequest struct {
	User           string
	Provider       domain.Provider
	Currency       money.Currency
	Items          domain.Items
	Total          *int64
	Options        providers.OrderOptions
	IdempotencyKey string
	CorrelationID  string
}

// Orchestrator runs charges and order flows.
type Orchestrator struct {
	store           store.Store
	registry        *providers.Registry
	engine          *reconcile.Engine
	logger          *slog.Logger
	providerTimeout time.Duration
	now             func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(st store.Store, registry *providers.Registry, engine *reconcile.Engine, providerTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if providerTimeout <= 0 {
		providerTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:           st,
		registry:        registry,
		engine:          engine,
		logger:          logger,
		providerTimeout: providerTimeout,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Charge charges a saved payment method of the user.
func (o *Orchestrator) Charge(ctx context.Context, req Request) (*Result, error) {
	payment, err := o.store.GetPaymentByUser(ctx, req.User)
	if err != nil {
		return nil, err
	}
	adapter, err := o.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	methods, err := o.registry.MethodManagerFor(req.Provider)
	if err != nil {
		return nil, err
	}

	customer := payment.CustomerRef(req.Provider)
	method, err := o.resolveMethod(ctx, methods, payment, customer, req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	txn, replayed, err := o.createPending(ctx, domain.DraftParams{
		ID:             ulid.Make().String(),
		Payment:        payment,
		Provider:       req.Provider,
		Currency:       req.Currency,
		Items:          req.Items,
		Total:          req.Total,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return &Result{Transaction: txn, Status: statusOf(txn, ""), Replayed: true}, nil
	}

	log := o.logger.With("transaction_id", txn.ID, "provider", txn.Provider, "correlation_id", req.CorrelationID)
	log.Info("charging payment method", "user", req.User, "amount", txn.Total, "currency", txn.Currency)

	// Once the provider is called its outcome is recorded even if the caller
	// goes away.
	dctx := context.WithoutCancel(ctx)
	pctx, cancel := o.providerContext(dctx)
	defer cancel()
	out, err := adapter.CaptureOrCharge(pctx, providers.ChargeRequest{
		Ref:         method,
		Customer:    customer,
		Transaction: txn,
	})
	if err != nil {
		return o.providerFailed(dctx, txn, req.CorrelationID, err, log)
	}

	res, err := o.engine.Apply(dctx, reconcile.Observation{
		Source:        domain.SourceRPC,
		Provider:      txn.Provider,
		Correlation:   domain.Correlation{TransactionID: txn.ID},
		Outcome:       out,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	if res.Transaction.Status == domain.StatusSucceeded && payment.DefaultPaymentMethod != method {
		o.cacheDefault(dctx, payment.ID, method, log)
	}
	return &Result{Transaction: res.Transaction, Status: statusOf(res.Transaction, res.ActionHandle), ActionHandle: res.ActionHandle}, nil
}

// resolveMethod picks the method to charge: the explicit one, the cached
// default, the provider's account default, or the only saved method.
func (o *Orchestrator) resolveMethod(ctx context.Context, mm providers.MethodManager, p *domain.Payment, customer, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p.DefaultPaymentMethod != "" {
		return p.DefaultPaymentMethod, nil
	}
	if customer == "" {
		return "", domain.ErrMissingPaymentMethod
	}

	set, err := mm.ListPaymentMethods(ctx, customer)
	if err != nil {
		return "", fmt.Errorf("list payment methods: %w", err)
	}
	if set.Default != "" {
		return set.Default, nil
	}
	switch len(set.Methods) {
	case 0:
		return "", domain.ErrMissingPaymentMethod
	case 1:
		return set.Methods[0].ID, nil
	}
	return "", fmt.Errorf("%w: %d saved methods", domain.ErrAmbiguousPaymentMethod, len(set.Methods))
}

func (o *Orchestrator) cacheDefault(ctx context.Context, paymentID, method string, log *slog.Logger) {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		log.Warn("default payment method not cached", "error", err)
		return
	}
	p.DefaultPaymentMethod = method
	p.UpdatedAt = o.now()
	if err := o.store.UpdatePayment(ctx, p); err != nil {
		log.Warn("default payment method not cached", "error", err)
	}
}

// createPending validates and inserts the draft. A duplicate idempotency key
// returns the stored transaction with replayed set.
func (o *Orchestrator) createPending(ctx context.Context, params domain.DraftParams) (*domain.Transaction, bool, error) {
	txn, err := domain.NewDraft(params, o.now())
	if err != nil {
		return nil, false, err
	}
	err = o.store.CreatePending(ctx, txn)
	if err == nil {
		return txn, false, nil
	}
	if errors.Is(err, domain.ErrDuplicateTransaction) && params.IdempotencyKey != "" {
		existing, gerr := o.store.GetTransactionByIdempotencyKey(ctx, params.Payment.ID, params.IdempotencyKey)
		if gerr == nil {
			o.logger.Info("returning existing transaction for idempotency key",
				"transaction_id", existing.ID,
				"idempotency_key", params.IdempotencyKey,
			)
			return existing, true, nil
		}
	}
	return nil, false, fmt.Errorf("create transaction: %w", err)
}

// providerFailed handles an error from the provider call. An unavailable
// provider leaves the transaction pending; a rejection declines it.
func (o *Orchestrator) providerFailed(ctx context.Context, txn *domain.Transaction, correlationID string, cause error, log *slog.Logger) (*Result, error) {
	if errors.Is(cause, domain.ErrProviderUnavailable) {
		log.Warn("provider unavailable, transaction left pending", "error", cause)
		return &Result{Transaction: txn, Status: StatusPending}, nil
	}

	log.Warn("provider rejected request", "error", cause)
	res, err := o.engine.Apply(ctx, reconcile.Observation{
		Source:      domain.SourceRPC,
		Provider:    txn.Provider,
		Correlation: domain.Correlation{TransactionID: txn.ID},
		Outcome: domain.Declined("",
			domain.ReasonCode(cause, domain.ReasonInvalidRequest),
			cause.Error(),
		),
		CorrelationID: correlationID,
	})
	if err != nil {
		log.Error("decline not recorded", "error", err)
	}
	if res != nil && res.Transaction != nil {
		txn = res.Transaction
	}
	return &Result{Transaction: txn, Status: statusOf(txn, "")}, cause
}

// CreateOrder creates a provider order for buyer approval. The transaction
// waits in transitory until the approval window closes.
func (o *Orchestrator) CreateOrder(ctx context.Context, req OrderRequest) (*Result, error) {
	payment, err := o.store.GetPaymentByUser(ctx, req.User)
	if err != nil {
		return nil, err
	}
	flow, err := o.registry.OrderFlowFor(req.Provider)
	if err != nil {
		return nil, err
	}

	txn, replayed, err := o.createPending(ctx, domain.DraftParams{
		ID:             ulid.Make().String(),
		Payment:        payment,
		Provider:       req.Provider,
		Currency:       req.Currency,
		Items:          req.Items,
		Total:          req.Total,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return &Result{Transaction: txn, Status: statusOf(txn, ""), Replayed: true}, nil
	}

	log := o.logger.With("transaction_id", txn.ID, "provider", txn.Provider, "correlation_id", req.CorrelationID)

	dctx := context.WithoutCancel(ctx)
	pctx, cancel := o.providerContext(dctx)
	defer cancel()
	order, err := flow.CreateOrder(pctx, txn, req.Options)
	if err != nil {
		log.Warn("order creation failed", "error", err)
		res, aerr := o.engine.Apply(dctx, reconcile.Observation{
			Source:        domain.SourceRPC,
			Provider:      txn.Provider,
			Correlation:   domain.Correlation{TransactionID: txn.ID},
			Outcome:       domain.Declined("", domain.ReasonCode(err, domain.ReasonProviderError), err.Error()),
			CorrelationID: req.CorrelationID,
		})
		if aerr != nil {
			log.Error("decline not recorded", "error", aerr)
		}
		if res != nil && res.Transaction != nil {
			txn = res.Transaction
		}
		return &Result{Transaction: txn, Status: statusOf(txn, "")}, err
	}

	res, err := o.engine.Apply(dctx, reconcile.Observation{
		Source:        domain.SourceRPC,
		Provider:      txn.Provider,
		Correlation:   domain.Correlation{TransactionID: txn.ID},
		Outcome:       domain.RequiresAction(order.OrderRef, order.ApproveURL),
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	log.Info("order awaiting approval", "order_id", order.OrderRef)
	return &Result{Transaction: res.Transaction, Status: StatusRequiresAction, ActionHandle: order.ApproveURL}, nil
}

// CaptureOrder captures an order the buyer approved.
func (o *Orchestrator) CaptureOrder(ctx context.Context, user string, provider domain.Provider, orderRef, correlationID string) (*Result, error) {
	payment, err := o.store.GetPaymentByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	adapter, err := o.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	flow, err := o.registry.OrderFlowFor(provider)
	if err != nil {
		return nil, err
	}

	order, err := flow.RetrieveOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case providers.OrderApproved:
	case providers.OrderCompleted:
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderAlreadyProcessed, orderRef)
	default:
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotApproved, orderRef, order.Status)
	}

	txn, err := o.store.FindByCorrelation(ctx, provider, domain.Correlation{
		TransactionID:    order.TransactionID,
		ProviderOrderRef: orderRef,
	})
	if err != nil {
		return nil, err
	}
	if txn.PaymentID != payment.ID {
		return nil, fmt.Errorf("%w: order %s", domain.ErrTransactionNotFound, orderRef)
	}

	log := o.logger.With("transaction_id", txn.ID, "provider", provider, "correlation_id", correlationID)
	log.Info("capturing order", "order_id", orderRef, "intent", order.Intent)

	dctx := context.WithoutCancel(ctx)
	pctx, cancel := o.providerContext(dctx)
	defer cancel()
	out, err := adapter.CaptureOrCharge(pctx, providers.ChargeRequest{
		Ref:         orderRef,
		Intent:      order.Intent,
		Transaction: txn,
	})
	if err != nil {
		if errors.Is(err, domain.ErrProviderRejected) || errors.Is(err, domain.ErrProviderUnavailable) {
			return o.providerFailed(dctx, txn, correlationID, err, log)
		}
		return nil, err
	}
	if out.PayerID == "" {
		out.PayerID = order.PayerID
	}

	res, err := o.engine.Apply(dctx, reconcile.Observation{
		Source:        domain.SourceRPC,
		Provider:      provider,
		Correlation:   domain.Correlation{TransactionID: txn.ID, ProviderOrderRef: orderRef},
		Outcome:       out,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: res.Transaction, Status: statusOf(res.Transaction, res.ActionHandle)}, nil
}

// providerContext bounds a provider call. ctx is expected to be detached
// already.
func (o *Orchestrator) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.providerTimeout)
}

func statusOf(txn *domain.Transaction, handle string) Status {
	switch txn.Status {
	case domain.StatusSucceeded:
		return StatusSucceeded
	case domain.StatusDeclined:
		return StatusDeclined
	case domain.StatusRefunded:
		return StatusRefunded
	case domain.StatusTransitory:
		return StatusRequiresAction
	}
	if handle != "" {
		return StatusRequiresAction
	}
	return StatusPending
}
