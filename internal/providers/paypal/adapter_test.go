package paypal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/common/money"
	"paygate/internal/payment/domain"
	"paygate/internal/providers"
)

type fakePayPal struct {
	mux         *http.ServeMux
	tokenCalls  atomic.Int32
	tokenDelay  time.Duration
	accessToken string
}

func newTestAdapter(t *testing.T) (*Adapter, *fakePayPal) {
	t.Helper()
	f := &fakePayPal{mux: http.NewServeMux(), accessToken: "A21"}
	f.mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_client","error_description":"Client Authentication failed"}`)
			return
		}
		if f.tokenDelay > 0 {
			time.Sleep(f.tokenDelay)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": f.accessToken, "expires_in": 3600})
	})
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	a := NewAdapter(Config{
		ClientID:  "client",
		Secret:    "secret",
		BaseURL:   srv.URL,
		WebhookID: "WH-1",
		ReturnURL: "https://shop.example/return",
		CancelURL: "https://shop.example/cancel",
		Timeout:   5 * time.Second,
		TokenSkew: time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return a, f
}

func testTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:        "txn_1",
		PaymentID: "pay_1",
		User:      "U1",
		Provider:  domain.ProviderPayPal,
		Currency:  money.USD,
		Items: domain.Items{
			Reference: "cart_9",
			Subtotal:  1000,
			Shipping:  250,
			Lines: []domain.LineItem{
				{ID: "sku_1", Name: "Mug", Amount: 500, Quantity: 2, Currency: money.USD},
			},
		},
		Total:  1250,
		Status: domain.StatusPending,
	}
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	a, f := newTestAdapter(t)
	f.mux.HandleFunc("/v2/checkout/orders/O-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer A21", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"id":"O-1","status":"APPROVED"}`)
	})

	for i := 0; i < 3; i++ {
		_, err := a.RetrieveOrder(context.Background(), "O-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestTokenRefreshIsShared(t *testing.T) {
	a, f := newTestAdapter(t)
	f.tokenDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := a.client.tokens.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "A21", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestTokenRefreshOutlivesCanceledCaller(t *testing.T) {
	a, f := newTestAdapter(t)
	f.tokenDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := a.client.tokens.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A21", tok)
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	a, f := newTestAdapter(t)
	var calls atomic.Int32
	f.mux.HandleFunc("/v2/checkout/orders/O-1", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"name":"AUTHENTICATION_FAILURE","message":"token expired"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"O-1","status":"APPROVED"}`)
	})

	_, err := a.RetrieveOrder(context.Background(), "O-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, domain.ReasonAuthentication, domain.ReasonCode(err, ""))

	_, err = a.RetrieveOrder(context.Background(), "O-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestBadCredentialsAreRejected(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.client.tokens.config.Secret = "wrong"

	_, err := a.RetrieveOrder(context.Background(), "O-1")
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestCreateOrder(t *testing.T) {
	a, f := newTestAdapter(t)
	var got orderRequest
	f.mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"O-9","status":"CREATED","links":[
			{"href":"https://api/self","rel":"self"},
			{"href":"https://www.paypal.com/checkoutnow?token=O-9","rel":"approve"}]}`)
	})

	res, err := a.CreateOrder(context.Background(), testTransaction(), providers.OrderOptions{
		LandingPage: "LOGIN",
		ReturnURL:   "not a url",
	})
	require.NoError(t, err)
	assert.Equal(t, "O-9", res.OrderRef)
	assert.Equal(t, "https://www.paypal.com/checkoutnow?token=O-9", res.ApproveURL)

	assert.Equal(t, "CAPTURE", got.Intent)
	assert.Equal(t, "LOGIN", got.ApplicationContext.LandingPage)
	assert.Equal(t, "https://shop.example/return", got.ApplicationContext.ReturnURL)
	require.Len(t, got.PurchaseUnits, 1)
	pu := got.PurchaseUnits[0]
	assert.Equal(t, "txn_1", pu.CustomID)
	assert.Equal(t, "cart_9", pu.ReferenceID)
	assert.Equal(t, "USD", pu.Amount.CurrencyCode)
	assert.Equal(t, "12.50", pu.Amount.Value)
	assert.Equal(t, "10.00", pu.Amount.Breakdown.ItemTotal.Value)
	assert.Equal(t, "2.50", pu.Amount.Breakdown.Shipping.Value)
	assert.Nil(t, pu.Amount.Breakdown.TaxTotal)
	require.Len(t, pu.Items, 1)
	assert.Equal(t, "2", pu.Items[0].Quantity)
	assert.Equal(t, "5.00", pu.Items[0].UnitAmount.Value)
}

func TestCaptureOrCharge(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    domain.OutcomeKind
		code    string
		wantErr error
	}{
		{
			name:   "completed",
			status: http.StatusCreated,
			body: `{"id":"O-1","status":"COMPLETED","payer":{"payer_id":"P1","email_address":"buyer@x.com"},
				"purchase_units":[{"custom_id":"txn_1","payments":{"captures":[{"id":"C1","status":"COMPLETED","amount":{"currency_code":"USD","value":"12.50"}}]}}]}`,
			kind: domain.OutcomeSucceeded,
		},
		{
			name:   "pending capture",
			status: http.StatusCreated,
			body:   `{"id":"O-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"C1","status":"PENDING"}]}}]}`,
			kind:   domain.OutcomeProcessing,
		},
		{
			name:   "instrument declined",
			status: http.StatusUnprocessableEntity,
			body:   `{"name":"UNPROCESSABLE_ENTITY","message":"declined","details":[{"issue":"INSTRUMENT_DECLINED"}]}`,
			kind:   domain.OutcomeDeclined,
			code:   domain.ReasonInstrumentDeclined,
		},
		{
			name:   "already captured",
			status: http.StatusUnprocessableEntity,
			body:   `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`,
			kind:   domain.OutcomeSucceeded,
		},
		{
			name:    "not approved",
			status:  http.StatusUnprocessableEntity,
			body:    `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_NOT_APPROVED"}]}`,
			wantErr: domain.ErrOrderNotApproved,
		},
		{
			name:    "unknown order",
			status:  http.StatusNotFound,
			body:    `{"name":"RESOURCE_NOT_FOUND","details":[{"issue":"INVALID_RESOURCE_ID"}]}`,
			wantErr: domain.ErrProviderOrderNotFound,
		},
		{
			name:    "provider down",
			status:  http.StatusServiceUnavailable,
			body:    `{}`,
			wantErr: domain.ErrProviderUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, f := newTestAdapter(t)
			f.mux.HandleFunc("/v2/checkout/orders/O-1/capture", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			out, err := a.CaptureOrCharge(context.Background(), providers.ChargeRequest{Ref: "O-1"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, "O-1", out.ProviderRef)
			if tt.code != "" {
				assert.Equal(t, tt.code, out.ReasonCode)
			}
		})
	}
}

func TestCaptureOrCharge_PayerAndAmount(t *testing.T) {
	a, f := newTestAdapter(t)
	f.mux.HandleFunc("/v2/checkout/orders/O-1/authorize", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"O-1","status":"COMPLETED","payer":{"payer_id":"P1","email_address":"buyer@x.com"},
			"purchase_units":[{"payments":{"authorizations":[{"id":"A1","status":"CREATED","amount":{"currency_code":"USD","value":"12.50"}}]}}]}`)
	})

	out, err := a.CaptureOrCharge(context.Background(), providers.ChargeRequest{Ref: "O-1", Intent: providers.IntentAuthorize})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, out.Kind)
	assert.Equal(t, "P1", out.PayerID)
	assert.Equal(t, "buyer@x.com", out.PayerEmail)
	assert.Equal(t, int64(1250), out.Amount)
	assert.Equal(t, money.USD, out.Currency)
}

func TestRefund(t *testing.T) {
	txn := testTransaction()
	txn.ProviderRef = "O-1"
	txn.Status = domain.StatusSucceeded

	t.Run("completed", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.mux.HandleFunc("/v2/checkout/orders/O-1", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"id":"O-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"C1","status":"COMPLETED"}]}}]}`)
		})
		f.mux.HandleFunc("/v2/payments/captures/C1/refund", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "txn_1", body["invoice_id"])
			_, _ = io.WriteString(w, `{"id":"R1","status":"COMPLETED","amount":{"currency_code":"USD","value":"12.50"}}`)
		})

		out, err := a.Refund(context.Background(), txn, domain.ReasonRequestedByCustomer)
		require.NoError(t, err)
		assert.Equal(t, domain.RefundOutcomeSucceeded, out.Kind)
		assert.Equal(t, "R1", out.ProviderRef)
		assert.Equal(t, int64(1250), out.Amount)
		assert.Equal(t, domain.RefundSucceeded, out.Status)
	})

	t.Run("no capture", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.mux.HandleFunc("/v2/checkout/orders/O-1", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"id":"O-1","status":"APPROVED","purchase_units":[{}]}`)
		})

		out, err := a.Refund(context.Background(), txn, domain.ReasonAdmin)
		require.NoError(t, err)
		assert.Equal(t, domain.RefundOutcomeFailed, out.Kind)
		assert.Equal(t, "capture_not_found", out.ReasonCode)
	})

	t.Run("rejected", func(t *testing.T) {
		a, f := newTestAdapter(t)
		f.mux.HandleFunc("/v2/checkout/orders/O-1", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"id":"O-1","purchase_units":[{"payments":{"captures":[{"id":"C1","status":"COMPLETED"}]}}]}`)
		})
		f.mux.HandleFunc("/v2/payments/captures/C1/refund", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"CAPTURE_FULLY_REFUNDED"}]}`)
		})

		out, err := a.Refund(context.Background(), txn, domain.ReasonAdmin)
		require.NoError(t, err)
		assert.Equal(t, domain.RefundOutcomeFailed, out.Kind)
		assert.Equal(t, "capture_fully_refunded", out.ReasonCode)
	})
}
