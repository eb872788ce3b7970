// Package paypal implements the approval-flow provider adapter on top of the
// PayPal Orders v2 REST API.
package paypal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"paygate/internal/common/money"
	"paygate/internal/payment/domain"
	"paygate/internal/providers"
)

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func amountOf(minor int64, c money.Currency) *amount {
	return &amount{CurrencyCode: c.Upper(), Value: money.New(minor, c).FormatMajor()}
}

// optionalAmount omits zero breakdown components.
func optionalAmount(minor int64, c money.Currency) *amount {
	if minor == 0 {
		return nil
	}
	return amountOf(minor, c)
}

func (a *amount) minor() (int64, money.Currency, error) {
	if a == nil {
		return 0, "", nil
	}
	c, err := money.ParseCurrency(a.CurrencyCode)
	if err != nil {
		return 0, "", err
	}
	m, err := money.ParseMajor(a.Value, c)
	if err != nil {
		return 0, "", err
	}
	return m.AmountMinor, c, nil
}

type breakdown struct {
	ItemTotal        *amount `json:"item_total,omitempty"`
	Shipping         *amount `json:"shipping,omitempty"`
	TaxTotal         *amount `json:"tax_total,omitempty"`
	ShippingDiscount *amount `json:"shipping_discount,omitempty"`
	Discount         *amount `json:"discount,omitempty"`
}

type orderAmount struct {
	CurrencyCode string     `json:"currency_code"`
	Value        string     `json:"value"`
	Breakdown    *breakdown `json:"breakdown,omitempty"`
}

type item struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	SKU         string  `json:"sku,omitempty"`
	UnitAmount  *amount `json:"unit_amount"`
	Quantity    string  `json:"quantity"`
}

type payment struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount *amount `json:"amount,omitempty"`
}

type purchaseUnit struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	Description string       `json:"description,omitempty"`
	CustomID    string       `json:"custom_id,omitempty"`
	Amount      *orderAmount `json:"amount,omitempty"`
	Items       []item       `json:"items,omitempty"`
	Payments    *struct {
		Captures       []payment `json:"captures"`
		Authorizations []payment `json:"authorizations"`
	} `json:"payments,omitempty"`
}

type applicationContext struct {
	BrandName   string `json:"brand_name,omitempty"`
	LandingPage string `json:"landing_page"`
	UserAction  string `json:"user_action,omitempty"`
	ReturnURL   string `json:"return_url"`
	CancelURL   string `json:"cancel_url"`
}

type orderRequest struct {
	Intent             string             `json:"intent"`
	ApplicationContext applicationContext `json:"application_context"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type payer struct {
	PayerID      string `json:"payer_id"`
	EmailAddress string `json:"email_address"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Intent        string         `json:"intent"`
	Payer         *payer         `json:"payer,omitempty"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

func (o *order) customID() string {
	if len(o.PurchaseUnits) > 0 {
		return o.PurchaseUnits[0].CustomID
	}
	return ""
}

func (o *order) firstCapture() *payment {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments == nil {
			continue
		}
		if len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
		if len(pu.Payments.Authorizations) > 0 {
			return &pu.Payments.Authorizations[0]
		}
	}
	return nil
}

func (o *order) toProvider() *providers.Order {
	out := &providers.Order{
		ID:            o.ID,
		Status:        o.Status,
		Intent:        providers.OrderIntent(o.Intent),
		TransactionID: o.customID(),
	}
	if o.Payer != nil {
		out.PayerID = o.Payer.PayerID
		out.PayerEmail = o.Payer.EmailAddress
	}
	if p := o.firstCapture(); p != nil {
		out.CaptureID = p.ID
	}
	return out
}

// Issue codes PayPal returns on capture.
const (
	issueInstrumentDeclined   = "INSTRUMENT_DECLINED"
	issueOrderAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
	issueOrderNotApproved     = "ORDER_NOT_APPROVED"
	issueResourceNotFound     = "RESOURCE_NOT_FOUND"
)

var landingPages = map[string]bool{"LOGIN": true, "BILLING": true, "NO_PREFERENCE": true}

// Adapter implements providers.Adapter and OrderFlow for PayPal.
type Adapter struct {
	config Config
	client *client
	logger *slog.Logger
}

var (
	_ providers.Adapter   = (*Adapter)(nil)
	_ providers.OrderFlow = (*Adapter)(nil)
)

// NewAdapter creates a new PayPal adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		client: newClient(cfg),
		logger: logger.With("provider", domain.ProviderPayPal),
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderPayPal }

// CreateOrder creates an order for txn. The transaction id travels as custom_id.
func (a *Adapter) CreateOrder(ctx context.Context, txn *domain.Transaction, opts providers.OrderOptions) (*providers.OrderResult, error) {
	c := txn.Currency
	items := txn.Items

	landing := opts.LandingPage
	if !landingPages[landing] {
		landing = "NO_PREFERENCE"
	}
	intent := opts.Intent
	if intent == "" {
		intent = providers.IntentCapture
	}
	brand := opts.BrandName
	if brand == "" {
		brand = a.config.BrandName
	}

	pu := purchaseUnit{
		ReferenceID: items.Reference,
		Description: items.Description,
		CustomID:    txn.ID,
		Amount: &orderAmount{
			CurrencyCode: c.Upper(),
			Value:        money.New(txn.Total, c).FormatMajor(),
			Breakdown: &breakdown{
				ItemTotal:        amountOf(items.Subtotal, c),
				Shipping:         optionalAmount(items.Shipping, c),
				TaxTotal:         optionalAmount(items.Tax, c),
				ShippingDiscount: optionalAmount(items.ShippingDiscount, c),
				Discount:         optionalAmount(items.Discount, c),
			},
		},
	}
	for _, l := range items.Lines {
		name := l.Name
		if name == "" {
			name = l.ID
		}
		pu.Items = append(pu.Items, item{
			Name:        name,
			Description: l.Description,
			SKU:         l.ID,
			UnitAmount:  amountOf(l.Amount, l.Currency),
			Quantity:    strconv.FormatInt(l.Quantity, 10),
		})
	}

	req := orderRequest{
		Intent: string(intent),
		ApplicationContext: applicationContext{
			BrandName:   brand,
			LandingPage: landing,
			ReturnURL:   validURL(opts.ReturnURL, a.config.ReturnURL),
			CancelURL:   validURL(opts.CancelURL, a.config.CancelURL),
		},
		PurchaseUnits: []purchaseUnit{pu},
	}

	var o order
	if err := a.client.do(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", req, &o); err != nil {
		return nil, err
	}

	res := &providers.OrderResult{OrderRef: o.ID}
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			res.ApproveURL = l.Href
			break
		}
	}
	a.logger.Info("paypal order created", "transaction_id", txn.ID, "order_id", o.ID, "status", o.Status)
	return res, nil
}

func validURL(candidate, fallback string) string {
	if u, err := url.ParseRequestURI(candidate); err == nil && u.Scheme != "" && u.Host != "" {
		return candidate
	}
	return fallback
}

// RetrieveOrder fetches an order. A missing order returns ErrProviderOrderNotFound.
func (a *Adapter) RetrieveOrder(ctx context.Context, orderRef string) (*providers.Order, error) {
	o, err := a.getOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	return o.toProvider(), nil
}

func (a *Adapter) getOrder(ctx context.Context, orderRef string) (*order, error) {
	var o order
	err := a.client.do(ctx, "get_order", http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderRef), nil, &o)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderOrderNotFound, orderRef)
		}
		return nil, err
	}
	return &o, nil
}

// CaptureOrCharge captures or authorizes an approved order.
func (a *Adapter) CaptureOrCharge(ctx context.Context, req providers.ChargeRequest) (domain.Outcome, error) {
	orderRef := req.Ref
	if orderRef == "" && req.Transaction != nil {
		orderRef = req.Transaction.ProviderRef
	}
	if orderRef == "" {
		return domain.Outcome{}, fmt.Errorf("%w: order id is required", domain.ErrInvalidArgument)
	}

	action := "capture"
	if req.Intent == providers.IntentAuthorize {
		action = "authorize"
	}

	var o order
	path := "/v2/checkout/orders/" + url.PathEscape(orderRef) + "/" + action
	err := a.client.do(ctx, action+"_order", http.MethodPost, path, nil, &o)
	if err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			return domain.Outcome{}, err
		}
		switch {
		case pe.HasIssue(issueInstrumentDeclined):
			a.logger.Info("paypal capture declined", "order_id", orderRef, "issue", issueInstrumentDeclined)
			return domain.Declined(orderRef, domain.ReasonInstrumentDeclined, pe.Message), nil
		case pe.HasIssue(issueOrderAlreadyCaptured):
			return domain.Succeeded(orderRef), nil
		case pe.HasIssue(issueOrderNotApproved):
			return domain.Outcome{}, fmt.Errorf("%w: %s", domain.ErrOrderNotApproved, orderRef)
		case pe.Status == http.StatusNotFound || pe.HasIssue(issueResourceNotFound):
			return domain.Outcome{}, fmt.Errorf("%w: %s", domain.ErrProviderOrderNotFound, orderRef)
		}
		return domain.Outcome{}, err
	}

	out := captureOutcome(orderRef, &o)
	a.logger.Info("paypal order executed",
		"order_id", orderRef,
		"action", action,
		"status", o.Status,
		"outcome", out.Kind,
	)
	return out, nil
}

func captureOutcome(orderRef string, o *order) domain.Outcome {
	var out domain.Outcome
	p := o.firstCapture()
	status := o.Status
	if p != nil {
		status = p.Status
	}
	switch status {
	case "COMPLETED", "CREATED", "CAPTURED":
		out = domain.Succeeded(orderRef)
	case "PENDING":
		out = domain.Outcome{Kind: domain.OutcomeProcessing, ProviderRef: orderRef}
	default:
		out = domain.Declined(orderRef, "capture_"+strings.ToLower(status), "capture status "+status)
	}
	if o.Payer != nil {
		out.PayerID = o.Payer.PayerID
		out.PayerEmail = o.Payer.EmailAddress
	}
	if p != nil {
		out.Amount, out.Currency, _ = p.Amount.minor()
	}
	return out
}

type refundResponse struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Amount        *amount `json:"amount"`
	CustomID      string  `json:"custom_id"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

// Refund looks up the order's capture and refunds it in full.
func (a *Adapter) Refund(ctx context.Context, txn *domain.Transaction, reason domain.RefundReason) (domain.RefundOutcome, error) {
	o, err := a.getOrder(ctx, txn.ProviderRef)
	if err != nil {
		if errors.Is(err, domain.ErrProviderOrderNotFound) {
			return domain.RefundOutcome{Kind: domain.RefundOutcomeFailed, ReasonCode: "order_not_found", Message: err.Error()}, nil
		}
		return domain.RefundOutcome{}, err
	}
	capture := o.firstCapture()
	if capture == nil || capture.ID == "" {
		return domain.RefundOutcome{Kind: domain.RefundOutcomeFailed, ReasonCode: "capture_not_found", Message: "order has no capture"}, nil
	}

	body := map[string]any{
		"amount":        amountOf(txn.Total, txn.Currency),
		"invoice_id":    txn.ID,
		"note_to_payer": string(reason),
	}
	var r refundResponse
	path := "/v2/payments/captures/" + url.PathEscape(capture.ID) + "/refund"
	if err := a.client.do(ctx, "refund", http.MethodPost, path, body, &r); err != nil {
		var pe *Error
		if errors.As(err, &pe) && !errors.Is(err, domain.ErrProviderUnavailable) {
			code := domain.ReasonInvalidRequest
			if issue := pe.Issue(); issue != "" {
				code = strings.ToLower(issue)
			}
			return domain.RefundOutcome{Kind: domain.RefundOutcomeFailed, ReasonCode: code, Message: pe.Message}, nil
		}
		return domain.RefundOutcome{}, err
	}

	a.logger.Info("paypal refund created", "transaction_id", txn.ID, "refund", r.ID, "status", r.Status)
	return refundOutcome(&r), nil
}

func refundOutcome(r *refundResponse) domain.RefundOutcome {
	switch r.Status {
	case "CANCELLED", "FAILED":
		out := domain.RefundOutcome{Kind: domain.RefundOutcomeFailed, ProviderRef: r.ID, Status: domain.RefundFailed}
		if r.StatusDetails != nil {
			out.ReasonCode = strings.ToLower(r.StatusDetails.Reason)
		}
		return out
	}
	out := domain.RefundOutcome{Kind: domain.RefundOutcomeSucceeded, ProviderRef: r.ID, Status: domain.RefundSucceeded}
	if r.Status == "PENDING" {
		out.Status = domain.RefundPending
	}
	out.Amount, out.Currency, _ = r.Amount.minor()
	return out
}
