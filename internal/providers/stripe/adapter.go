// Package stripe implements the card provider adapter on top of the Stripe REST API.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"paygate/internal/payment/domain"
	"paygate/internal/providers"
)

// paymentIntent is the subset of the PaymentIntent object the service reads.
type paymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Customer         string            `json:"customer"`
	ReceiptEmail     string            `json:"receipt_email"`
	ClientSecret     string            `json:"client_secret"`
	Livemode         bool              `json:"livemode"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *apiError         `json:"last_payment_error"`
	NextAction       *struct {
		Type          string `json:"type"`
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
}

type refund struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	PaymentIntent string `json:"payment_intent"`
}

type customer struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	InvoiceSettings struct {
		DefaultPaymentMethod string `json:"default_payment_method"`
	} `json:"invoice_settings"`
}

type paymentMethod struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Card     *struct {
		Brand       string `json:"brand"`
		Last4       string `json:"last4"`
		Fingerprint string `json:"fingerprint"`
		ExpMonth    int    `json:"exp_month"`
		ExpYear     int    `json:"exp_year"`
	} `json:"card"`
}

func (pm paymentMethod) toProvider() providers.PaymentMethod {
	out := providers.PaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		out.Brand = pm.Card.Brand
		out.Last4 = pm.Card.Last4
		out.Fingerprint = pm.Card.Fingerprint
		out.ExpMonth = pm.Card.ExpMonth
		out.ExpYear = pm.Card.ExpYear
	}
	return out
}

// Adapter implements providers.Adapter, CustomerCreator and MethodManager for Stripe.
type Adapter struct {
	config Config
	client *client
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ providers.Adapter         = (*Adapter)(nil)
	_ providers.CustomerCreator = (*Adapter)(nil)
	_ providers.MethodManager   = (*Adapter)(nil)
)

// NewAdapter creates a new Stripe adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		client: newClient(cfg),
		logger: logger.With("provider", domain.ProviderStripe),
		now:    time.Now,
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderStripe }

// CreateCustomer creates a Stripe customer tagged with the user.
func (a *Adapter) CreateCustomer(ctx context.Context, user, email string) (string, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("metadata[user]", user)

	var c customer
	if err := a.client.do(ctx, "create_customer", http.MethodPost, "/v1/customers", form, "customer-"+user, &c); err != nil {
		return "", err
	}
	a.logger.Info("stripe customer created", "user", user, "customer", c.ID)
	return c.ID, nil
}

// CaptureOrCharge creates and confirms an off-session PaymentIntent. The
// transaction id is both the idempotency key and the metadata correlation key.
func (a *Adapter) CaptureOrCharge(ctx context.Context, req providers.ChargeRequest) (domain.Outcome, error) {
	txn := req.Transaction
	if req.Ref == "" {
		return domain.Outcome{}, fmt.Errorf("%w: payment method is required", domain.ErrMissingPaymentMethod)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(txn.Total, 10))
	form.Set("currency", string(txn.Currency))
	form.Set("payment_method", req.Ref)
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	form.Set("metadata[transaction]", txn.ID)
	form.Set("metadata[user]", txn.User)
	if req.Customer != "" {
		form.Set("customer", req.Customer)
	}
	if txn.Email != "" {
		form.Set("receipt_email", txn.Email)
	}
	if txn.Items.Description != "" {
		form.Set("description", txn.Items.Description)
	}

	var pi paymentIntent
	err := a.client.do(ctx, "charge", http.MethodPost, "/v1/payment_intents", form, txn.ID, &pi)
	if err != nil {
		var se *Error
		if errors.As(err, &se) && se.IsCardError() {
			ref := ""
			if se.API.PaymentIntent != nil {
				ref = se.API.PaymentIntent.ID
			}
			a.logger.Info("stripe charge declined",
				"transaction_id", txn.ID,
				"payment_intent", ref,
				"reason", se.Reason(),
			)
			return domain.Declined(ref, se.Reason(), se.API.Message), nil
		}
		return domain.Outcome{}, err
	}

	out := intentOutcome(&pi)
	a.logger.Info("stripe payment intent confirmed",
		"transaction_id", txn.ID,
		"payment_intent", pi.ID,
		"status", pi.Status,
	)
	return out, nil
}

// intentOutcome maps a PaymentIntent status onto an outcome.
func intentOutcome(pi *paymentIntent) domain.Outcome {
	var out domain.Outcome
	switch pi.Status {
	case "succeeded":
		out = domain.Succeeded(pi.ID)
	case "requires_action", "requires_source_action":
		handle := pi.ClientSecret
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil && pi.NextAction.RedirectToURL.URL != "" {
			handle = pi.NextAction.RedirectToURL.URL
		}
		out = domain.RequiresAction(pi.ID, handle)
	case "requires_payment_method":
		reason, msg := domain.ReasonCardDeclined, ""
		if e := pi.LastPaymentError; e != nil {
			if e.DeclineCode != "" {
				reason = e.DeclineCode
			} else if e.Code != "" {
				reason = e.Code
			}
			msg = e.Message
		}
		out = domain.Declined(pi.ID, reason, msg)
	case "canceled":
		out = domain.Declined(pi.ID, "canceled", "payment intent canceled")
	default:
		out = domain.Outcome{Kind: domain.OutcomeProcessing, ProviderRef: pi.ID}
	}
	out.PayerEmail = pi.ReceiptEmail
	out.Amount = pi.Amount
	out.Currency = currencyOf(pi.Currency)
	return out
}

// Refund refunds the full PaymentIntent. Permanent API failures come back as a
// Failed outcome; transient ones as an error.
func (a *Adapter) Refund(ctx context.Context, txn *domain.Transaction, reason domain.RefundReason) (domain.RefundOutcome, error) {
	if txn.ProviderRef == "" {
		return domain.RefundOutcome{}, domain.Rejected(domain.ProviderStripe, domain.ReasonInvalidRequest, "transaction has no payment intent", 0)
	}

	form := url.Values{}
	form.Set("payment_intent", txn.ProviderRef)
	form.Set("metadata[transaction]", txn.ID)
	form.Set("metadata[reason]", string(reason))
	switch reason {
	case domain.ReasonRequestedByCustomer, domain.ReasonFraudulent:
		form.Set("reason", string(reason))
	}

	var r refund
	err := a.client.do(ctx, "refund", http.MethodPost, "/v1/refunds", form, "refund-"+txn.ID, &r)
	if err != nil {
		var se *Error
		if errors.As(err, &se) && !errors.Is(err, domain.ErrProviderUnavailable) && se.Status != http.StatusUnauthorized {
			return domain.RefundOutcome{
				Kind:       domain.RefundOutcomeFailed,
				ReasonCode: se.Reason(),
				Message:    se.API.Message,
			}, nil
		}
		return domain.RefundOutcome{}, err
	}

	a.logger.Info("stripe refund created", "transaction_id", txn.ID, "refund", r.ID, "status", r.Status)
	return refundOutcome(&r), nil
}

func refundOutcome(r *refund) domain.RefundOutcome {
	switch r.Status {
	case "failed", "canceled":
		return domain.RefundOutcome{
			Kind:        domain.RefundOutcomeFailed,
			ProviderRef: r.ID,
			ReasonCode:  r.FailureReason,
			Status:      domain.RefundFailed,
		}
	}
	status := domain.RefundSucceeded
	if r.Status == "pending" || r.Status == "requires_action" {
		status = domain.RefundPending
	}
	return domain.RefundOutcome{
		Kind:        domain.RefundOutcomeSucceeded,
		ProviderRef: r.ID,
		Amount:      r.Amount,
		Currency:    currencyOf(r.Currency),
		Status:      status,
	}
}

// CreateSetupIntent lets the client collect a card for later charges.
func (a *Adapter) CreateSetupIntent(ctx context.Context, p providers.SetupIntentParams) (*providers.SetupIntent, error) {
	usage := "off_session"
	if p.OnSession {
		usage = "on_session"
	}
	form := url.Values{}
	form.Set("customer", p.Customer)
	form.Set("usage", usage)
	form.Set("payment_method_types[]", "card")
	form.Set("metadata[user]", p.User)

	var si providers.SetupIntent
	if err := a.client.do(ctx, "setup_intent", http.MethodPost, "/v1/setup_intents", form, "", &si); err != nil {
		return nil, err
	}
	return &si, nil
}

// ListPaymentMethods returns the saved cards and the invoice default.
func (a *Adapter) ListPaymentMethods(ctx context.Context, customerRef string) (*providers.MethodSet, error) {
	var c customer
	if err := a.client.do(ctx, "get_customer", http.MethodGet, "/v1/customers/"+url.PathEscape(customerRef), nil, "", &c); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("customer", customerRef)
	form.Set("type", "card")
	form.Set("limit", "100")
	var list struct {
		Data []paymentMethod `json:"data"`
	}
	if err := a.client.do(ctx, "list_payment_methods", http.MethodGet, "/v1/payment_methods", form, "", &list); err != nil {
		return nil, err
	}

	set := &providers.MethodSet{Default: c.InvoiceSettings.DefaultPaymentMethod}
	for _, pm := range list.Data {
		set.Methods = append(set.Methods, pm.toProvider())
	}
	return set, nil
}

func (a *Adapter) RetrievePaymentMethod(ctx context.Context, id string) (*providers.PaymentMethod, error) {
	var pm paymentMethod
	if err := a.client.do(ctx, "get_payment_method", http.MethodGet, "/v1/payment_methods/"+url.PathEscape(id), nil, "", &pm); err != nil {
		return nil, err
	}
	out := pm.toProvider()
	return &out, nil
}

func (a *Adapter) AttachPaymentMethod(ctx context.Context, customerRef, methodID string) (*providers.PaymentMethod, error) {
	form := url.Values{}
	form.Set("customer", customerRef)

	var pm paymentMethod
	path := "/v1/payment_methods/" + url.PathEscape(methodID) + "/attach"
	if err := a.client.do(ctx, "attach_payment_method", http.MethodPost, path, form, "", &pm); err != nil {
		return nil, err
	}
	out := pm.toProvider()
	return &out, nil
}

func (a *Adapter) SetDefaultPaymentMethod(ctx context.Context, customerRef, methodID string) error {
	form := url.Values{}
	form.Set("invoice_settings[default_payment_method]", methodID)
	return a.client.do(ctx, "set_default_payment_method", http.MethodPost, "/v1/customers/"+url.PathEscape(customerRef), form, "", nil)
}
