package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"paygate/internal/payment/domain"
)

// Transmission headers PayPal attaches to every webhook delivery.
const (
	HeaderAuthAlgo         = "PAYPAL-AUTH-ALGO"
	HeaderCertURL          = "PAYPAL-CERT-URL"
	HeaderTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	HeaderTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
	HeaderTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
)

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhook asks PayPal to verify the transmission signature against the
// configured webhook id.
func (a *Adapter) VerifyWebhook(ctx context.Context, body []byte, header http.Header) error {
	if a.config.WebhookID == "" {
		return fmt.Errorf("%w: webhook id not configured", domain.ErrInvalidSignature)
	}
	req := verifyRequest{
		AuthAlgo:         header.Get(HeaderAuthAlgo),
		CertURL:          header.Get(HeaderCertURL),
		TransmissionID:   header.Get(HeaderTransmissionID),
		TransmissionSig:  header.Get(HeaderTransmissionSig),
		TransmissionTime: header.Get(HeaderTransmissionTime),
		WebhookID:        a.config.WebhookID,
		WebhookEvent:     body,
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" || req.TransmissionSig == "" || req.TransmissionTime == "" {
		return fmt.Errorf("%w: missing transmission headers", domain.ErrInvalidSignature)
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not json", domain.ErrInvalidSignature)
	}

	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := a.client.do(ctx, "verify_webhook", http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &resp); err != nil {
		return err
	}
	if resp.VerificationStatus != "SUCCESS" {
		a.logger.Warn("paypal webhook verification failed",
			"transmission_id", req.TransmissionID,
			"status", resp.VerificationStatus,
		)
		return fmt.Errorf("%w: verification status %s", domain.ErrInvalidSignature, resp.VerificationStatus)
	}
	return nil
}

type event struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	CustomID          string  `json:"custom_id"`
	InvoiceID         string  `json:"invoice_id"`
	Amount            *amount `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID   string `json:"order_id"`
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

// Webhook event types the service acts on.
const (
	EventOrderApproved   = "CHECKOUT.ORDER.APPROVED"
	EventOrderCompleted  = "CHECKOUT.ORDER.COMPLETED"
	EventCaptureComplete = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied   = "PAYMENT.CAPTURE.DENIED"
	EventCaptureDeclined = "PAYMENT.CAPTURE.DECLINED"
	EventCaptureRefunded = "PAYMENT.CAPTURE.REFUNDED"
)

// NormalizeEvent maps a verified PayPal event onto a domain event.
func (a *Adapter) NormalizeEvent(body []byte) (*domain.Event, error) {
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed event: %v", domain.ErrInvalidArgument, err)
	}

	out := &domain.Event{
		ID:       ev.ID,
		Type:     ev.EventType,
		Provider: domain.ProviderPayPal,
		Raw:      body,
	}

	switch ev.EventType {
	case EventOrderApproved, EventOrderCompleted:
		var o order
		if err := json.Unmarshal(ev.Resource, &o); err != nil {
			return nil, fmt.Errorf("%w: malformed order: %v", domain.ErrInvalidArgument, err)
		}
		out.Correlation = domain.Correlation{TransactionID: o.customID(), ProviderOrderRef: o.ID}
		if ev.EventType == EventOrderApproved {
			out.Outcome = domain.Outcome{Kind: domain.OutcomeApproved, ProviderRef: o.ID}
		} else {
			out.Outcome = domain.Succeeded(o.ID)
		}
		if o.Payer != nil {
			out.Outcome.PayerID = o.Payer.PayerID
			out.Outcome.PayerEmail = o.Payer.EmailAddress
		}

	case EventCaptureComplete, EventCaptureDenied, EventCaptureDeclined:
		var c captureResource
		if err := json.Unmarshal(ev.Resource, &c); err != nil {
			return nil, fmt.Errorf("%w: malformed capture: %v", domain.ErrInvalidArgument, err)
		}
		orderRef := c.SupplementaryData.RelatedIDs.OrderID
		out.Correlation = domain.Correlation{TransactionID: c.CustomID, ProviderOrderRef: orderRef}
		if ev.EventType == EventCaptureComplete {
			out.Outcome = domain.Succeeded(orderRef)
		} else {
			code := "capture_denied"
			if c.StatusDetails != nil && c.StatusDetails.Reason != "" {
				code = c.StatusDetails.Reason
			}
			out.Outcome = domain.Declined(orderRef, code, "capture "+c.Status)
		}
		out.Outcome.Amount, out.Outcome.Currency, _ = c.Amount.minor()

	case EventCaptureRefunded:
		// the resource is the refund; its custom_id and invoice_id carry the transaction id
		var r captureResource
		if err := json.Unmarshal(ev.Resource, &r); err != nil {
			return nil, fmt.Errorf("%w: malformed refund: %v", domain.ErrInvalidArgument, err)
		}
		txnID := r.CustomID
		if txnID == "" {
			txnID = r.InvoiceID
		}
		orderRef := r.SupplementaryData.RelatedIDs.OrderID
		out.Correlation = domain.Correlation{TransactionID: txnID, ProviderOrderRef: orderRef}
		ro := refundOutcome(&refundResponse{ID: r.ID, Status: r.Status, Amount: r.Amount})
		out.Outcome = domain.Outcome{
			Kind:        domain.OutcomeRefunded,
			ProviderRef: orderRef,
			Amount:      ro.Amount,
			Currency:    ro.Currency,
			Refund:      &ro,
		}

	default:
		return out, fmt.Errorf("%w: %s", domain.ErrUnhandledEvent, ev.EventType)
	}
	return out, nil
}
