package paypal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/common/money"
	"paygate/internal/payment/domain"
)

func webhookHeaders() http.Header {
	h := http.Header{}
	h.Set(HeaderAuthAlgo, "SHA256withRSA")
	h.Set(HeaderCertURL, "https://api.paypal.com/cert.pem")
	h.Set(HeaderTransmissionID, "tx-1")
	h.Set(HeaderTransmissionSig, "sig")
	h.Set(HeaderTransmissionTime, "2026-01-01T00:00:00Z")
	return h
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"id":"WH-EVT-1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"O-1"}}`)

	t.Run("success", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
			var req verifyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "WH-1", req.WebhookID)
			assert.Equal(t, "tx-1", req.TransmissionID)
			assert.JSONEq(t, string(body), string(req.WebhookEvent))
			_, _ = io.WriteString(w, `{"verification_status":"SUCCESS"}`)
		})
		assert.NoError(t, a.VerifyWebhook(context.Background(), body, webhookHeaders()))
	})

	t.Run("failure", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"verification_status":"FAILURE"}`)
		})
		assert.ErrorIs(t, a.VerifyWebhook(context.Background(), body, webhookHeaders()), domain.ErrInvalidSignature)
	})

	t.Run("missing headers", func(t *testing.T) {
		a, _ := newTestAdapter(t)
		h := webhookHeaders()
		h.Del(HeaderTransmissionSig)
		assert.ErrorIs(t, a.VerifyWebhook(context.Background(), body, h), domain.ErrInvalidSignature)
	})
}

func TestNormalizeEvent(t *testing.T) {
	a, _ := newTestAdapter(t)

	t.Run("order approved", func(t *testing.T) {
		ev, err := a.NormalizeEvent([]byte(`{"id":"E1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{
			"id":"O-1","status":"APPROVED","payer":{"payer_id":"P1","email_address":"b@x.com"},
			"purchase_units":[{"custom_id":"txn_1"}]}}`))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeApproved, ev.Outcome.Kind)
		assert.Equal(t, "txn_1", ev.Correlation.TransactionID)
		assert.Equal(t, "O-1", ev.Correlation.ProviderOrderRef)
		assert.Equal(t, "P1", ev.Outcome.PayerID)
	})

	t.Run("capture completed", func(t *testing.T) {
		ev, err := a.NormalizeEvent([]byte(`{"id":"E2","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{
			"id":"C1","status":"COMPLETED","custom_id":"txn_1","amount":{"currency_code":"USD","value":"12.50"},
			"supplementary_data":{"related_ids":{"order_id":"O-1"}}}}`))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeSucceeded, ev.Outcome.Kind)
		assert.Equal(t, "O-1", ev.Outcome.ProviderRef)
		assert.Equal(t, int64(1250), ev.Outcome.Amount)
		assert.Equal(t, money.USD, ev.Outcome.Currency)
	})

	t.Run("capture denied", func(t *testing.T) {
		ev, err := a.NormalizeEvent([]byte(`{"id":"E3","event_type":"PAYMENT.CAPTURE.DENIED","resource":{
			"id":"C1","status":"DECLINED","supplementary_data":{"related_ids":{"order_id":"O-1"}}}}`))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeDeclined, ev.Outcome.Kind)
		assert.Empty(t, ev.Correlation.TransactionID)
		assert.Equal(t, "O-1", ev.Correlation.ProviderRef())
	})

	t.Run("capture refunded", func(t *testing.T) {
		ev, err := a.NormalizeEvent([]byte(`{"id":"E4","event_type":"PAYMENT.CAPTURE.REFUNDED","resource":{
			"id":"R1","status":"COMPLETED","invoice_id":"txn_1","amount":{"currency_code":"USD","value":"12.50"}}}`))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeRefunded, ev.Outcome.Kind)
		assert.Equal(t, "txn_1", ev.Correlation.TransactionID)
		require.NotNil(t, ev.Outcome.Refund)
		assert.Equal(t, "R1", ev.Outcome.Refund.ProviderRef)
	})

	t.Run("unhandled", func(t *testing.T) {
		ev, err := a.NormalizeEvent([]byte(`{"id":"E5","event_type":"BILLING.PLAN.CREATED","resource":{}}`))
		assert.ErrorIs(t, err, domain.ErrUnhandledEvent)
		require.NotNil(t, ev)
		assert.Equal(t, "E5", ev.ID)
	})
}
