package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"paygate/internal/common/metrics"
	"paygate/internal/payment/domain"
	"paygate/internal/providers"
)

// Config holds PayPal adapter configuration.
type Config struct {
	ClientID    string        `envconfig:"PAYPAL_CLIENT_ID"`
	Secret      string        `envconfig:"PAYPAL_SECRET"`
	BaseURL     string        `envconfig:"PAYPAL_BASE_URL" default:"https://api-m.sandbox.paypal.com"`
	WebhookID   string        `envconfig:"PAYPAL_WEBHOOK_ID"`
	ReturnURL   string        `envconfig:"PAYPAL_RETURN_URL" default:"https://paypal.com"`
	CancelURL   string        `envconfig:"PAYPAL_CANCEL_URL" default:"https://paypal.com"`
	BrandName   string        `envconfig:"PAYPAL_BRAND_NAME"`
	Timeout     time.Duration `envconfig:"PAYPAL_TIMEOUT" default:"10s"`
	TokenSkew   time.Duration `envconfig:"PAYPAL_TOKEN_SKEW" default:"60s"`
	ApprovalTTL time.Duration `envconfig:"PAYPAL_APPROVAL_TTL" default:"30m"`
}

// Enabled reports whether credentials are configured.
func (c Config) Enabled() bool {
	return c.ClientID != "" && c.Secret != ""
}

type errorDetail struct {
	Field       string `json:"field"`
	Issue       string `json:"issue"`
	Description string `json:"description"`
}

// Error is a non-2xx PayPal response. It unwraps to the matching domain provider error.
type Error struct {
	Status  int
	Name    string        `json:"name"`
	Message string        `json:"message"`
	DebugID string        `json:"debug_id"`
	Details []errorDetail `json:"details"`
	mapped  *domain.ProviderError
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("paypal: status=%d name=%s", e.Status, e.Name)
	if issue := e.Issue(); issue != "" {
		msg += " issue=" + issue
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error { return e.mapped }

// Issue returns the first detail issue code, if any.
func (e *Error) Issue() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return ""
}

// HasIssue reports whether any detail carries the given issue code.
func (e *Error) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func newError(status int, body []byte) *Error {
	e := &Error{}
	_ = json.Unmarshal(body, e)
	e.Status = status

	p := domain.ProviderPayPal
	switch {
	case status == http.StatusTooManyRequests:
		e.mapped = domain.Unavailable(p, domain.ReasonRateLimited, nil)
	case status >= 500:
		e.mapped = domain.Unavailable(p, domain.ReasonProviderError, nil)
	case status == http.StatusUnauthorized:
		// the cached token was rejected; it is dropped and the next call fetches a new one
		e.mapped = domain.Unavailable(p, domain.ReasonAuthentication, nil)
	case status == http.StatusForbidden:
		e.mapped = domain.Rejected(p, domain.ReasonAuthentication, e.Message, status)
	default:
		code := domain.ReasonInvalidRequest
		if issue := e.Issue(); issue != "" {
			code = strings.ToLower(issue)
		}
		e.mapped = domain.Rejected(p, code, e.Message, status)
	}
	return e
}

type client struct {
	config     Config
	httpClient *http.Client
	tokens     *tokenSource
}

func newClient(cfg Config) *client {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &client{
		config:     cfg,
		httpClient: httpClient,
		tokens:     newTokenSource(cfg, httpClient),
	}
}

// do sends one JSON request with the cached bearer token.
func (c *client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveProvider(string(domain.ProviderPayPal), op, start, providers.Result(err))
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("paypal: encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Unavailable(domain.ProviderPayPal, domain.ReasonConnection, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Unavailable(domain.ProviderPayPal, domain.ReasonConnection, err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(token)
		}
		return newError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("paypal: decode %s response: %w", op, err)
	}
	return nil
}
