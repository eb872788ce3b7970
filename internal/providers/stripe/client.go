package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paygate/internal/common/metrics"
	"paygate/internal/payment/domain"
	"paygate/internal/providers"
)

// Config holds Stripe adapter configuration.
type Config struct {
	SecretKey        string        `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret    string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	BaseURL          string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	Timeout          time.Duration `envconfig:"STRIPE_TIMEOUT" default:"30s"`
	WebhookTolerance time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// Enabled reports whether credentials are configured.
func (c Config) Enabled() bool {
	return c.SecretKey != ""
}

// apiError is the error object Stripe returns on non-2xx responses.
type apiError struct {
	Type          string         `json:"type"`
	Code          string         `json:"code"`
	DeclineCode   string         `json:"decline_code"`
	Message       string         `json:"message"`
	Param         string         `json:"param"`
	PaymentIntent *paymentIntent `json:"payment_intent"`
}

// Error is a non-2xx Stripe response. It unwraps to the matching domain provider error.
type Error struct {
	Status int
	API    apiError
	mapped *domain.ProviderError
}

func (e *Error) Error() string {
	return fmt.Sprintf("stripe: status=%d type=%s code=%s: %s", e.Status, e.API.Type, e.API.Code, e.API.Message)
}

func (e *Error) Unwrap() error { return e.mapped }

// IsCardError reports whether the card was declined.
func (e *Error) IsCardError() bool {
	return e.API.Type == "card_error"
}

// Reason returns the most specific decline or error code.
func (e *Error) Reason() string {
	switch {
	case e.API.DeclineCode != "":
		return e.API.DeclineCode
	case e.API.Code != "":
		return e.API.Code
	case e.IsCardError():
		return domain.ReasonCardDeclined
	}
	return domain.ReasonInvalidRequest
}

func newError(status int, body []byte) *Error {
	var envelope struct {
		Error apiError `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	e := &Error{Status: status, API: envelope.Error}

	p := domain.ProviderStripe
	switch {
	case status == http.StatusTooManyRequests:
		e.mapped = domain.Unavailable(p, domain.ReasonRateLimited, nil)
	case status >= 500:
		e.mapped = domain.Unavailable(p, domain.ReasonProviderError, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.mapped = domain.Rejected(p, domain.ReasonAuthentication, e.API.Message, status)
	case e.IsCardError():
		e.mapped = domain.Rejected(p, e.Reason(), e.API.Message, status)
	default:
		e.mapped = domain.Rejected(p, domain.ReasonInvalidRequest, e.API.Message, status)
	}
	return e
}

// client is a minimal form-encoded Stripe API client.
type client struct {
	config     Config
	httpClient *http.Client
}

func newClient(cfg Config) *client {
	return &client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// do sends one request. form is sent as the body for POST and as the query otherwise.
func (c *client) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveProvider(string(domain.ProviderStripe), op, start, providers.Result(err))
	}()

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	} else if len(form) > 0 {
		endpoint += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Unavailable(domain.ProviderStripe, domain.ReasonConnection, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Unavailable(domain.ProviderStripe, domain.ReasonConnection, err)
	}

	if resp.StatusCode >= 400 {
		return newError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("stripe: decode %s response: %w", op, err)
	}
	return nil
}
