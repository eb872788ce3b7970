// Package payment is the application layer of the payment service. It owns
// payment identities and saved methods, and routes charges, orders, refunds
// and webhook deliveries to the orchestrator and the reconciliation engine.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"paygate/internal/common/events"
	"paygate/internal/common/metrics"
	"paygate/internal/payment/charge"
	"paygate/internal/payment/domain"
	"paygate/internal/payment/reconcile"
	"paygate/internal/payment/store"
	"paygate/internal/providers"
)

// WebhookDeduper remembers provider event ids that were fully processed.
type WebhookDeduper interface {
	IsProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string, ttl time.Duration) error
}

// Config holds service configuration.
type Config struct {
	ProviderTimeout time.Duration
	WebhookTTL      time.Duration
}

// Service provides payment operations
type Service struct {
	store        store.Store
	registry     *providers.Registry
	engine       *reconcile.Engine
	orchestrator *charge.Orchestrator
	publisher    events.EventPublisher
	dedupe       WebhookDeduper
	config       Config
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a new payment service
func NewService(
	st store.Store,
	registry *providers.Registry,
	engine *reconcile.Engine,
	orchestrator *charge.Orchestrator,
	publisher events.EventPublisher,
	dedupe WebhookDeduper,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.WebhookTTL <= 0 {
		cfg.WebhookTTL = 72 * time.Hour
	}
	return &Service{
		store:        st,
		registry:     registry,
		engine:       engine,
		orchestrator: orchestrator,
		publisher:    publisher,
		dedupe:       dedupe,
		config:       cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreatePaymentRequest is the request to create a payment
type CreatePaymentRequest struct {
	User          string
	Email         string
	CorrelationID string
}

// CreatePayment creates the billing identity of a user and a customer at
// every configured provider that has one.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*domain.Payment, error) {
	if _, err := s.store.GetPaymentByUser(ctx, req.User); err == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentExists, req.User)
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, err
	}

	p, err := domain.NewPayment(ulid.Make().String(), req.User, req.Email, s.now())
	if err != nil {
		return nil, err
	}

	for _, provider := range s.registry.Providers() {
		if _, err := s.ensureCustomer(ctx, p, provider); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"user", p.User,
		"correlation_id", req.CorrelationID,
	)
	s.publish(ctx, events.EventPaymentCreated, p.ID, req.CorrelationID, events.PaymentCreatedData{
		PaymentID: p.ID,
		User:      p.User,
		Email:     p.Email,
	})
	return p, nil
}

// PaymentDetails is a payment with its transactions expanded.
type PaymentDetails struct {
	*domain.Payment
	TransactionList []*domain.Transaction `json:"transaction_list"`
}

// RetrievePayment returns the user's payment and transactions.
func (s *Service) RetrievePayment(ctx context.Context, user string) (*PaymentDetails, error) {
	p, err := s.store.GetPaymentByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListTransactionsByPayment(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return &PaymentDetails{Payment: p, TransactionList: txns}, nil
}

// SetupIntent starts client-side collection of a card for the user.
func (s *Service) SetupIntent(ctx context.Context, user string, provider domain.Provider, onSession bool) (*providers.SetupIntent, error) {
	p, err := s.store.GetPaymentByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	methods, err := s.registry.MethodManagerFor(provider)
	if err != nil {
		return nil, err
	}
	customer, err := s.customerFor(ctx, p, provider)
	if err != nil {
		return nil, err
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	return methods.CreateSetupIntent(pctx, providers.SetupIntentParams{
		Customer:  customer,
		User:      p.User,
		OnSession: onSession,
	})
}

// AddPaymentMethodRequest attaches a card collected by the client.
type AddPaymentMethodRequest struct {
	User          string
	Provider      domain.Provider
	MethodID      string
	CorrelationID string
}

// AddPaymentMethod attaches a card to the user's customer and makes it the
// default. A second card with the same fingerprint fails ErrCardExists.
func (s *Service) AddPaymentMethod(ctx context.Context, req AddPaymentMethodRequest) (*providers.PaymentMethod, error) {
	p, err := s.store.GetPaymentByUser(ctx, req.User)
	if err != nil {
		return nil, err
	}
	methods, err := s.registry.MethodManagerFor(req.Provider)
	if err != nil {
		return nil, err
	}
	customer, err := s.customerFor(ctx, p, req.Provider)
	if err != nil {
		return nil, err
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()

	method, err := methods.RetrievePaymentMethod(pctx, req.MethodID)
	if err != nil {
		return nil, err
	}
	saved, err := methods.ListPaymentMethods(pctx, customer)
	if err != nil {
		return nil, err
	}
	attached := false
	for _, m := range saved.Methods {
		if m.ID == method.ID {
			attached = true
			continue
		}
		if method.Fingerprint != "" && m.Fingerprint == method.Fingerprint {
			return nil, fmt.Errorf("%w: matches %s", domain.ErrCardExists, m.ID)
		}
	}
	if !attached {
		if method, err = methods.AttachPaymentMethod(pctx, customer, method.ID); err != nil {
			return nil, err
		}
	}
	if err := methods.SetDefaultPaymentMethod(pctx, customer, method.ID); err != nil {
		return nil, err
	}

	p.DefaultPaymentMethod = method.ID
	p.UpdatedAt = s.now()
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("saving default payment method: %w", err)
	}

	s.logger.Info("payment method added",
		"payment_id", p.ID,
		"provider", req.Provider,
		"method_id", method.ID,
		"correlation_id", req.CorrelationID,
	)
	s.publish(ctx, events.EventPaymentMethodAdded, p.ID, req.CorrelationID, events.PaymentMethodAddedData{
		PaymentID: p.ID,
		Provider:  string(req.Provider),
		MethodID:  method.ID,
		Brand:     method.Brand,
		Last4:     method.Last4,
	})
	return method, nil
}

// Charge charges a saved payment method.
func (s *Service) Charge(ctx context.Context, req charge.Request) (*charge.Result, error) {
	return s.orchestrator.Charge(ctx, req)
}

// CreateOrder creates an order for buyer approval.
func (s *Service) CreateOrder(ctx context.Context, req charge.OrderRequest) (*charge.Result, error) {
	return s.orchestrator.CreateOrder(ctx, req)
}

// CaptureOrder captures an approved order.
func (s *Service) CaptureOrder(ctx context.Context, user string, provider domain.Provider, orderRef, correlationID string) (*charge.Result, error) {
	return s.orchestrator.CaptureOrder(ctx, user, provider, orderRef, correlationID)
}

// Refund refunds a succeeded transaction in full.
func (s *Service) Refund(ctx context.Context, txnID string, reason domain.RefundReason, correlationID string) (*domain.Refund, *domain.Transaction, error) {
	return s.engine.Refund(ctx, txnID, reason, correlationID)
}

// GetTransaction retrieves a transaction by ID
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetRefund retrieves a refund by ID
func (s *Service) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	return s.store.GetRefund(ctx, id)
}

// Webhook dispositions
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookReplayed  = "replayed"
	WebhookIgnored   = "ignored"
	WebhookNotFound  = "not_found"
	WebhookConflict  = "conflict"
	WebhookEscalated = "escalated"
)

// WebhookAck is the acknowledgement of one delivery.
type WebhookAck struct {
	EventID     string `json:"event_id,omitempty"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

// HandleWebhook verifies and applies a raw provider delivery. Deliveries the
// provider should not resend are acknowledged even when they could not be
// applied; those are audited by the engine. Only an unavailable provider or
// store returns an error, so the provider retries.
func (s *Service) HandleWebhook(ctx context.Context, provider domain.Provider, body []byte, header http.Header, correlationID string) (ack *WebhookAck, err error) {
	disposition := "error"
	defer func() {
		if ack != nil {
			disposition = ack.Disposition
		}
		metrics.WebhooksTotal.WithLabelValues(string(provider), disposition).Inc()
	}()

	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	if err := adapter.VerifyWebhook(ctx, body, header); err != nil {
		disposition = "invalid_signature"
		s.logger.Warn("webhook rejected", "provider", provider, "error", err, "correlation_id", correlationID)
		return nil, err
	}

	ev, err := adapter.NormalizeEvent(body)
	if errors.Is(err, domain.ErrUnhandledEvent) {
		a := &WebhookAck{Disposition: WebhookIgnored}
		if ev != nil {
			a.EventID, a.Type = ev.ID, ev.Type
		}
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
	}

	log := s.logger.With("provider", provider, "event_id", ev.ID, "event_type", ev.Type, "correlation_id", correlationID)
	ack = &WebhookAck{EventID: ev.ID, Type: ev.Type}

	if ev.ID != "" && s.dedupe != nil {
		done, err := s.dedupe.IsProcessed(ctx, string(provider), ev.ID)
		if err != nil {
			log.Warn("webhook dedupe lookup failed", "error", err)
		}
		if done {
			ack.Disposition = WebhookReplayed
			return ack, nil
		}
	}

	res, err := s.engine.Apply(ctx, reconcile.Observation{
		Source:        domain.SourceWebhook,
		Provider:      provider,
		Correlation:   ev.Correlation,
		Outcome:       ev.Outcome,
		EventType:     ev.Type,
		CorrelationID: correlationID,
		Payload:       body,
	})
	switch {
	case err == nil:
		ack.Disposition = string(res.Disposition)
	case errors.Is(err, domain.ErrTransactionNotFound):
		log.Error("webhook for unknown transaction", "correlation", ev.Correlation)
		ack.Disposition = WebhookNotFound
	case domain.Classify(err) == domain.ClassConflict:
		log.Error("webhook outcome not applied", "error", err)
		ack.Disposition = WebhookConflict
	default:
		log.Error("webhook processing failed", "error", err)
		return nil, err
	}

	if ev.ID != "" && s.dedupe != nil {
		if err := s.dedupe.MarkProcessed(context.WithoutCancel(ctx), string(provider), ev.ID, s.config.WebhookTTL); err != nil {
			log.Warn("webhook not marked processed", "error", err)
		}
	}
	log.Info("webhook processed", "disposition", ack.Disposition)
	return ack, nil
}

// ExpireTransitory resolves approval-flow transactions whose window closed.
func (s *Service) ExpireTransitory(ctx context.Context) (int, error) {
	return s.engine.ExpireTransitory(ctx, s.now())
}

// customerFor returns the provider customer of p, creating and saving one
// when the payment predates the provider's configuration.
func (s *Service) customerFor(ctx context.Context, p *domain.Payment, provider domain.Provider) (string, error) {
	if ref := p.CustomerRef(provider); ref != "" {
		return ref, nil
	}
	created, err := s.ensureCustomer(ctx, p, provider)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("%w: %s has no customer object", domain.ErrUnsupportedOperation, provider)
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return "", fmt.Errorf("saving customer reference: %w", err)
	}
	return p.CustomerRef(provider), nil
}

// ensureCustomer creates a provider customer for p if the provider has
// customers and p has none yet. It reports whether p now has one.
func (s *Service) ensureCustomer(ctx context.Context, p *domain.Payment, provider domain.Provider) (bool, error) {
	if p.CustomerRef(provider) != "" {
		return true, nil
	}
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return false, err
	}
	creator, ok := adapter.(providers.CustomerCreator)
	if !ok {
		return false, nil
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	ref, err := creator.CreateCustomer(pctx, p.User, p.Email)
	if err != nil {
		return false, fmt.Errorf("creating %s customer: %w", provider, err)
	}
	p.SetCustomerRef(provider, ref)
	return true, nil
}

func (s *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.config.ProviderTimeout)
}

func (s *Service) publish(ctx context.Context, eventType, paymentID, correlationID string, data any) {
	if s.publisher == nil {
		return
	}
	ev, err := events.NewEvent(eventType, events.AggregatePayment, paymentID, data)
	if err != nil {
		s.logger.Warn("event not built", "type", eventType, "error", err)
		return
	}
	ev.WithCorrelation(correlationID, "")
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("event not published", "type", eventType, "payment_id", paymentID, "error", err)
	}
}
