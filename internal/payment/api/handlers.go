package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paygate/internal/common/api"
	"paygate/internal/common/middleware"
	"paygate/internal/common/money"
	"paygate/internal/payment"
	"paygate/internal/payment/charge"
	"paygate/internal/payment/domain"
	"paygate/internal/payment/reconcile"
	"paygate/internal/providers"
)

const maxWebhookBody = 1 << 20

// Handler handles payment HTTP requests
type Handler struct {
	service *payment.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes. Webhook deliveries are authenticated by
// the provider signature and bypass protect.
func (h *Handler) Routes(protect ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/webhooks/{provider}", h.ProviderWebhook)

	r.Group(func(r chi.Router) {
		r.Use(protect...)

		// Payment routes
		r.Post("/payments", h.CreatePayment)
		r.Get("/payments/{user}", h.RetrievePayment)
		r.Post("/payments/{user}/setup-intents", h.SetupIntent)
		r.Post("/payments/{user}/payment-methods", h.AddPaymentMethod)

		// Charge and order routes
		r.Post("/payments/{user}/charges", h.Charge)
		r.Post("/payments/{user}/orders", h.CreateOrder)
		r.Post("/payments/{user}/orders/{orderID}/capture", h.CaptureOrder)

		// Transaction routes
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Post("/transactions/{id}/refund", h.Refund)
		r.Get("/refunds/{id}", h.GetRefund)
	})

	return r
}

// CreatePaymentRequest is the API request for creating a payment
type CreatePaymentRequest struct {
	User  string `json:"user" validate:"required,max=255"`
	Email string `json:"email" validate:"required,email,max=255"`
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := h.service.CreatePayment(r.Context(), payment.CreatePaymentRequest{
		User:          req.User,
		Email:         req.Email,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, p)
}

// RetrievePayment handles GET /payments/{user}
func (h *Handler) RetrievePayment(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.RetrievePayment(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, details)
}

// SetupIntentRequest is the API request for a setup intent. The body is optional.
type SetupIntentRequest struct {
	Provider  string `json:"provider" validate:"omitempty,oneof=stripe paypal"`
	OnSession bool   `json:"on_session"`
}

// SetupIntent handles POST /payments/{user}/setup-intents
func (h *Handler) SetupIntent(w http.ResponseWriter, r *http.Request) {
	var req SetupIntentRequest
	if err := decodeOptional(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	provider, err := providerOr(req.Provider, domain.ProviderStripe)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	si, err := h.service.SetupIntent(r.Context(), chi.URLParam(r, "user"), provider, req.OnSession)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, si)
}

// AddPaymentMethodRequest is the API request for attaching a card
type AddPaymentMethodRequest struct {
	Provider      string `json:"provider" validate:"omitempty,oneof=stripe paypal"`
	PaymentMethod string `json:"payment_method" validate:"required,max=255"`
}

// AddPaymentMethod handles POST /payments/{user}/payment-methods
func (h *Handler) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req AddPaymentMethodRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	provider, err := providerOr(req.Provider, domain.ProviderStripe)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	pm, err := h.service.AddPaymentMethod(r.Context(), payment.AddPaymentMethodRequest{
		User:          chi.URLParam(r, "user"),
		Provider:      provider,
		MethodID:      req.PaymentMethod,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, pm)
}

// LineItemRequest is one purchased item. Amounts are minor units.
type LineItemRequest struct {
	ID          string            `json:"id" validate:"max=127"`
	Name        string            `json:"name" validate:"max=127"`
	Description string            `json:"description" validate:"max=255"`
	Amount      int64             `json:"amount" validate:"gte=0"`
	Quantity    int64             `json:"quantity" validate:"gte=1"`
	Currency    string            `json:"currency" validate:"omitempty,len=3"`
	Metadata    map[string]string `json:"metadata"`
}

// ItemsRequest is the priced breakdown of a charge or order.
type ItemsRequest struct {
	ID               string            `json:"id" validate:"max=127"`
	Description      string            `json:"description" validate:"max=255"`
	Subtotal         int64             `json:"subtotal" validate:"gte=0"`
	Shipping         int64             `json:"shipping" validate:"gte=0"`
	Tax              int64             `json:"tax" validate:"gte=0"`
	ShippingDiscount int64             `json:"shipping_discount" validate:"gte=0"`
	Discount         int64             `json:"discount" validate:"gte=0"`
	Lines            []LineItemRequest `json:"lines" validate:"dive"`
}

// ChargeRequest is the API request for charging a saved method
type ChargeRequest struct {
	Provider      string       `json:"provider" validate:"omitempty,oneof=stripe paypal"`
	Currency      string       `json:"currency" validate:"required,len=3"`
	Items         ItemsRequest `json:"items"`
	Total         *int64       `json:"total" validate:"omitempty,gte=0"`
	PaymentMethod string       `json:"payment_method" validate:"max=255"`
}

// Charge handles POST /payments/{user}/charges
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	provider, err := providerOr(req.Provider, domain.ProviderStripe)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	currency, items, ok := parseItems(w, req.Currency, req.Items)
	if !ok {
		return
	}

	res, err := h.service.Charge(r.Context(), charge.Request{
		User:           chi.URLParam(r, "user"),
		Provider:       provider,
		Currency:       currency,
		Items:          items,
		Total:          req.Total,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  middleware.GetCorrelationID(r.Context()),
	})
	h.writeResult(w, r, res, err, http.StatusCreated)
}

// CreateOrderRequest is the API request for an approval-flow order
type CreateOrderRequest struct {
	Provider    string       `json:"provider" validate:"omitempty,oneof=stripe paypal"`
	Currency    string       `json:"currency" validate:"required,len=3"`
	Items       ItemsRequest `json:"items"`
	Total       *int64       `json:"total" validate:"omitempty,gte=0"`
	Intent      string       `json:"intent" validate:"omitempty,oneof=CAPTURE AUTHORIZE"`
	LandingPage string       `json:"landing_page" validate:"omitempty,oneof=LOGIN BILLING NO_PREFERENCE GUEST_CHECKOUT"`
	ReturnURL   string       `json:"return_url" validate:"omitempty,url"`
	CancelURL   string       `json:"cancel_url" validate:"omitempty,url"`
	BrandName   string       `json:"brand_name" validate:"max=127"`
}

// CreateOrder handles POST /payments/{user}/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	provider, err := providerOr(req.Provider, domain.ProviderPayPal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	intent, err := providers.ParseOrderIntent(req.Intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	currency, items, ok := parseItems(w, req.Currency, req.Items)
	if !ok {
		return
	}

	res, err := h.service.CreateOrder(r.Context(), charge.OrderRequest{
		User:     chi.URLParam(r, "user"),
		Provider: provider,
		Currency: currency,
		Items:    items,
		Total:    req.Total,
		Options: providers.OrderOptions{
			Intent:      intent,
			LandingPage: req.LandingPage,
			ReturnURL:   req.ReturnURL,
			CancelURL:   req.CancelURL,
			BrandName:   req.BrandName,
		},
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  middleware.GetCorrelationID(r.Context()),
	})
	h.writeResult(w, r, res, err, http.StatusCreated)
}

// CaptureOrderRequest is the optional body of an order capture.
type CaptureOrderRequest struct {
	Provider string `json:"provider" validate:"omitempty,oneof=stripe paypal"`
}

// CaptureOrder handles POST /payments/{user}/orders/{orderID}/capture
func (h *Handler) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	var req CaptureOrderRequest
	if err := decodeOptional(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	provider, err := providerOr(req.Provider, domain.ProviderPayPal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.CaptureOrder(r.Context(),
		chi.URLParam(r, "user"),
		provider,
		chi.URLParam(r, "orderID"),
		middleware.GetCorrelationID(r.Context()),
	)
	h.writeResult(w, r, res, err, http.StatusOK)
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, txn)
}

// GetRefund handles GET /refunds/{id}
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.service.GetRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, refund)
}

// RefundRequest is the API request for a refund. The body is optional.
type RefundRequest struct {
	Reason string `json:"reason" validate:"omitempty,oneof=requested_by_customer fraudulent admin"`
}

// RefundResponse is a refund and the transaction it refunded.
type RefundResponse struct {
	Refund      *domain.Refund      `json:"refund"`
	Transaction *domain.Transaction `json:"transaction"`
}

// Refund handles POST /transactions/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := decodeOptional(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	reason, err := domain.ParseRefundReason(req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	refund, txn, err := h.service.Refund(r.Context(), chi.URLParam(r, "id"), reason, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, RefundResponse{Refund: refund, Transaction: txn})
}

// ProviderWebhook handles POST /webhooks/{provider}
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	provider, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		api.NotFound(w, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}

	ack, err := h.service.HandleWebhook(r.Context(), provider, body, r.Header, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			api.BadRequest(w, "invalid signature")
			return
		}
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, ack)
}

// writeResult renders a charge, order or capture result. A declined
// transaction is a 402 and an unresolved one a 202.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res *charge.Result, err error, okStatus int) {
	if res != nil && res.Status == charge.StatusDeclined {
		details := map[string]string{"transaction_id": res.Transaction.ID}
		if e := res.Transaction.Error; e != nil && e.ProviderCode != "" {
			details["reason_code"] = e.ProviderCode
		}
		api.WriteErrorWithDetails(w, http.StatusPaymentRequired, api.ErrCodePaymentDeclined, "payment declined", details)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	switch {
	case res.Status == charge.StatusPending:
		api.WriteData(w, http.StatusAccepted, res)
	case res.Replayed:
		api.WriteData(w, http.StatusOK, res)
	default:
		api.WriteData(w, okStatus, res)
	}
}

// writeError maps an error onto a status by its class. Internal detail is
// logged, never returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "Validation failed", verr.Fields())
		return
	}
	var rerr *reconcile.RefundFailedError
	if errors.As(err, &rerr) {
		api.WriteErrorWithDetails(w, http.StatusPaymentRequired, api.ErrCodeRefundFailed, "refund failed at provider",
			map[string]string{"reason_code": rerr.ReasonCode})
		return
	}

	switch domain.Classify(err) {
	case domain.ClassClient:
		switch {
		case errors.Is(err, domain.ErrPaymentExists),
			errors.Is(err, domain.ErrCardExists),
			errors.Is(err, domain.ErrOrderAlreadyProcessed):
			api.Conflict(w, err.Error())
		default:
			api.BadRequest(w, err.Error())
		}
	case domain.ClassNotFound:
		api.NotFound(w, err.Error())
	case domain.ClassConflict:
		h.logger.Warn("request conflicted", "error", err, "correlation_id", middleware.GetCorrelationID(r.Context()))
		api.Conflict(w, err.Error())
	case domain.ClassUnavailable:
		h.logger.Warn("provider unavailable", "error", err, "correlation_id", middleware.GetCorrelationID(r.Context()))
		api.ServiceUnavailable(w, "payment provider unavailable, retry later")
	case domain.ClassPermanent:
		api.WriteErrorWithDetails(w, http.StatusBadRequest, api.ErrCodeProviderRejected, "provider rejected the request",
			map[string]string{"reason_code": domain.ReasonCode(err, domain.ReasonInvalidRequest)})
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "internal error")
	}
}

// decodeOptional decodes and validates a body that may be empty.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return api.Validate.Struct(v)
	}
	err := api.DecodeAndValidate(r, v)
	if errors.Is(err, io.EOF) {
		return api.Validate.Struct(v)
	}
	return err
}

func providerOr(name string, fallback domain.Provider) (domain.Provider, error) {
	if name == "" {
		return fallback, nil
	}
	return domain.ParseProvider(name)
}

// parseItems converts the request breakdown. It writes a 422 and reports
// false when a currency is unsupported.
func parseItems(w http.ResponseWriter, code string, req ItemsRequest) (money.Currency, domain.Items, bool) {
	currency, err := money.ParseCurrency(code)
	if err != nil {
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "Validation failed",
			map[string]string{"currency": err.Error()})
		return "", domain.Items{}, false
	}

	items := domain.Items{
		Reference:        req.ID,
		Description:      req.Description,
		Subtotal:         req.Subtotal,
		Shipping:         req.Shipping,
		Tax:              req.Tax,
		ShippingDiscount: req.ShippingDiscount,
		Discount:         req.Discount,
	}
	for _, l := range req.Lines {
		line := domain.LineItem{
			ID:          l.ID,
			Name:        l.Name,
			Description: l.Description,
			Amount:      l.Amount,
			Quantity:    l.Quantity,
			Metadata:    l.Metadata,
		}
		if l.Currency != "" {
			c, err := money.ParseCurrency(l.Currency)
			if err != nil {
				api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "Validation failed",
					map[string]string{"items.lines.currency": err.Error()})
				return "", domain.Items{}, false
			}
			line.Currency = c
		}
		items.Lines = append(items.Lines, line)
	}
	return currency, items, true
}
