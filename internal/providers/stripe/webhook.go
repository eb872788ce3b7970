package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paygate/internal/common/money"
	"paygate/internal/payment/domain"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// VerifyWebhook checks the v1 HMAC-SHA256 signature over "timestamp.body" and
// rejects deliveries outside the configured tolerance.
func (a *Adapter) VerifyWebhook(_ context.Context, body []byte, header http.Header) error {
	if a.config.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook secret not configured", domain.ErrInvalidSignature)
	}
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrInvalidSignature, SignatureHeader)
	}

	var ts int64
	var candidates []string
	for _, part := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", domain.ErrInvalidSignature)
			}
			ts = n
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return fmt.Errorf("%w: malformed signature header", domain.ErrInvalidSignature)
	}

	if tol := a.config.WebhookTolerance; tol > 0 {
		age := a.now().Sub(time.Unix(ts, 0))
		if age > tol || age < -tol {
			return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignature)
		}
	}

	expected := computeSignature(a.config.WebhookSecret, ts, body)
	for _, c := range candidates {
		got, err := hex.DecodeString(c)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", domain.ErrInvalidSignature)
}

func computeSignature(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignPayload builds a Stripe-Signature header value. Used by tests and local tooling.
func SignPayload(secret string, ts time.Time, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(computeSignature(secret, ts.Unix(), body)))
}

type event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	Refunds        struct {
		Data []refund `json:"data"`
	} `json:"refunds"`
}

// Webhook event types the service acts on.
const (
	EventIntentSucceeded      = "payment_intent.succeeded"
	EventIntentFailed         = "payment_intent.payment_failed"
	EventIntentRequiresAction = "payment_intent.requires_action"
	EventIntentProcessing     = "payment_intent.processing"
	EventChargeRefunded       = "charge.refunded"
)

// NormalizeEvent maps a verified Stripe event onto a domain event.
func (a *Adapter) NormalizeEvent(body []byte) (*domain.Event, error) {
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed event: %v", domain.ErrInvalidArgument, err)
	}

	out := &domain.Event{
		ID:       ev.ID,
		Type:     ev.Type,
		Provider: domain.ProviderStripe,
		Livemode: ev.Livemode,
		Raw:      body,
	}

	switch ev.Type {
	case EventIntentSucceeded, EventIntentFailed, EventIntentRequiresAction, EventIntentProcessing:
		var pi paymentIntent
		if err := json.Unmarshal(ev.Data.Object, &pi); err != nil {
			return nil, fmt.Errorf("%w: malformed payment intent: %v", domain.ErrInvalidArgument, err)
		}
		out.Correlation = domain.Correlation{
			TransactionID:     pi.Metadata["transaction"],
			ProviderIntentRef: pi.ID,
		}
		if ev.Type == EventIntentFailed {
			// a failed confirmation reports requires_payment_method
			pi.Status = "requires_payment_method"
		}
		out.Outcome = intentOutcome(&pi)

	case EventChargeRefunded:
		var ch charge
		if err := json.Unmarshal(ev.Data.Object, &ch); err != nil {
			return nil, fmt.Errorf("%w: malformed charge: %v", domain.ErrInvalidArgument, err)
		}
		out.Correlation = domain.Correlation{
			TransactionID:     ch.Metadata["transaction"],
			ProviderIntentRef: ch.PaymentIntent,
		}
		// the refund list is not expanded by default; the charge id stands in
		// for the refund id
		ro := domain.RefundOutcome{
			Kind:        domain.RefundOutcomeSucceeded,
			ProviderRef: ch.ID,
			Amount:      ch.AmountRefunded,
			Currency:    currencyOf(ch.Currency),
			Status:      domain.RefundSucceeded,
		}
		if len(ch.Refunds.Data) > 0 {
			ro = refundOutcome(&ch.Refunds.Data[0])
		}
		out.Outcome = domain.Outcome{
			Kind:        domain.OutcomeRefunded,
			ProviderRef: ch.PaymentIntent,
			Amount:      ch.AmountRefunded,
			Currency:    currencyOf(ch.Currency),
			Refund:      &ro,
		}

	default:
		return out, fmt.Errorf("%w: %s", domain.ErrUnhandledEvent, ev.Type)
	}
	return out, nil
}

func currencyOf(code string) money.Currency {
	return money.Currency(strings.ToLower(code))
}
