package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paygate/internal/common/events"
	"paygate/internal/common/money"
	"paygate/internal/payment/domain"
	"paygate/internal/payment/store"
	"paygate/internal/providers"
	"paygate/internal/providers/mocks"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store  *store.MemoryStore
	card   *mocks.CardAdapter
	order  *mocks.OrderAdapter
	pub    *recordingPublisher
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		card:  mocks.NewCardAdapter(),
		order: mocks.NewOrderAdapter(),
		pub:   &recordingPublisher{},
	}
	f.engine = NewEngine(f.store, providers.NewRegistry(f.card, f.order), f.pub, Config{
		ApprovalTTL:     30 * time.Minute,
		ProviderTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.engine.now = func() time.Time { return now }

	p, err := domain.NewPayment("pay_1", "U1", "e@x.com", now)
	require.NoError(t, err)
	require.NoError(t, f.store.CreatePayment(context.Background(), p))
	return f
}

func (f *fixture) pending(t *testing.T, id string, provider domain.Provider) *domain.Transaction {
	t.Helper()
	p, err := f.store.GetPayment(context.Background(), "pay_1")
	require.NoError(t, err)
	txn, err := domain.NewDraft(domain.DraftParams{
		ID:       id,
		Payment:  p,
		Provider: provider,
		Currency: money.USD,
		Items:    domain.Items{Subtotal: 1000},
	}, now)
	require.NoError(t, err)
	require.NoError(t, f.store.CreatePending(context.Background(), txn))
	return txn
}

func (f *fixture) status(t *testing.T, id string) domain.Status {
	t.Helper()
	txn, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn.Status
}

func webhook(provider domain.Provider, c domain.Correlation, out domain.Outcome) Observation {
	return Observation{Source: domain.SourceWebhook, Provider: provider, Correlation: c, Outcome: out, EventType: "test.event"}
}

func TestApply_SucceededThenDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "txn_1", domain.ProviderStripe)

	obs := webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1"))
	res, err := f.engine.Apply(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Disposition)
	assert.Equal(t, domain.StatusSucceeded, res.Transaction.Status)
	assert.True(t, res.Transaction.Paid)
	assert.Equal(t, "pi_1", res.Transaction.ProviderRef)

	first, err := f.store.GetTransaction(ctx, "txn_1")
	require.NoError(t, err)

	res, err = f.engine.Apply(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Disposition)

	again, err := f.store.GetTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, []string{events.EventTransactionSucceeded}, f.pub.types())
}

func TestApply_TerminalNeverFlips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "txn_1", domain.ProviderStripe)

	_, err := f.engine.Apply(ctx, webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1")))
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, webhook(domain.ProviderStripe, domain.Correlation{ProviderIntentRef: "pi_1"},
		domain.Declined("pi_1", "card_declined", "declined")))
	require.ErrorIs(t, err, domain.ErrConflictingOutcome)
	assert.Equal(t, domain.StatusSucceeded, f.status(t, "txn_1"))

	audit := f.store.TransactionErrors()
	require.Len(t, audit, 1)
	assert.Equal(t, domain.AuditConflictingOutcome, audit[0].Kind)
	assert.Equal(t, "txn_1", audit[0].TransactionID)
}

func TestApply_DeclinedRecordsError(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "txn_1", domain.ProviderStripe)

	res, err := f.engine.Apply(context.Background(), webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"},
		domain.Declined("pi_1", "insufficient_funds", "no money")))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, res.Transaction.Status)
	require.NotNil(t, res.Transaction.Error)
	assert.Equal(t, "insufficient_funds", res.Transaction.Error.ProviderCode)
	assert.False(t, res.Transaction.Paid)
}

func TestApply_UnknownIntentIsAudited(t *testing.T) {
	f := newFixture(t)

	obs := webhook(domain.ProviderStripe, domain.Correlation{ProviderIntentRef: "pi_unknown"}, domain.Succeeded("pi_unknown"))
	obs.Outcome.Amount = 1000
	obs.Outcome.Currency = money.USD
	_, err := f.engine.Apply(context.Background(), obs)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	audit := f.store.TransactionErrors()
	require.Len(t, audit, 1)
	assert.Equal(t, domain.AuditTransactionNotFound, audit[0].Kind)
	assert.Equal(t, "pi_unknown", audit[0].ProviderRef)
	assert.Equal(t, int64(1000), audit[0].Amount)
	assert.Equal(t, domain.ProviderStripe, audit[0].Provider)
}

func TestApply_RequiresAction(t *testing.T) {
	t.Run("approval provider becomes transitory", func(t *testing.T) {
		f := newFixture(t)
		f.pending(t, "txn_1", domain.ProviderPayPal)

		res, err := f.engine.Apply(context.Background(), Observation{
			Source:      domain.SourceRPC,
			Provider:    domain.ProviderPayPal,
			Correlation: domain.Correlation{TransactionID: "txn_1"},
			Outcome:     domain.RequiresAction("O-1", "https://paypal.example/approve"),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusTransitory, res.Transaction.Status)
		assert.Equal(t, "https://paypal.example/approve", res.ActionHandle)
		require.NotNil(t, res.Transaction.TransitoryExpires)
		assert.Equal(t, now.Add(30*time.Minute), *res.Transaction.TransitoryExpires)
	})

	t.Run("card provider stays pending", func(t *testing.T) {
		f := newFixture(t)
		f.pending(t, "txn_1", domain.ProviderStripe)

		res, err := f.engine.Apply(context.Background(), Observation{
			Source:      domain.SourceRPC,
			Provider:    domain.ProviderStripe,
			Correlation: domain.Correlation{TransactionID: "txn_1"},
			Outcome:     domain.RequiresAction("pi_1", "pi_1_secret"),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, res.Transaction.Status)
		assert.Equal(t, "pi_1", res.Transaction.ProviderRef)
		assert.Equal(t, "pi_1_secret", res.ActionHandle)
	})
}

func TestApply_ApprovedCapturesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "txn_1", domain.ProviderPayPal)
	_, err := f.engine.Apply(ctx, Observation{
		Source:      domain.SourceRPC,
		Provider:    domain.ProviderPayPal,
		Correlation: domain.Correlation{TransactionID: "txn_1"},
		Outcome:     domain.RequiresAction("O-1", "https://approve"),
	})
	require.NoError(t, err)

	captured := domain.Succeeded("O-1")
	captured.PayerID = "P1"
	captured.PayerEmail = "buyer@x.com"
	f.order.On("CaptureOrCharge", mock.Anything, mock.MatchedBy(func(r providers.ChargeRequest) bool {
		return r.Ref == "O-1" && r.Transaction.ID == "txn_1"
	})).Return(captured, nil).Once()

	res, err := f.engine.Apply(ctx, webhook(domain.ProviderPayPal, domain.Correlation{TransactionID: "txn_1", ProviderOrderRef: "O-1"},
		domain.Outcome{Kind: domain.OutcomeApproved, ProviderRef: "O-1"}))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Transaction.Status)
	assert.Nil(t, res.Transaction.TransitoryExpires)
	assert.Equal(t, "buyer@x.com", res.Transaction.Email)

	p, err := f.store.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "P1", p.PayPalPayer)
	f.order.AssertExpectations(t)
}

func TestApply_RefundedWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "txn_1", domain.ProviderStripe)
	_, err := f.engine.Apply(ctx, webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1")))
	require.NoError(t, err)

	obs := webhook(domain.ProviderStripe, domain.Correlation{ProviderIntentRef: "pi_1"}, domain.Outcome{
		Kind:        domain.OutcomeRefunded,
		ProviderRef: "pi_1",
		Refund:      &domain.RefundOutcome{Kind: domain.RefundOutcomeSucceeded, ProviderRef: "re_1", Amount: 1000, Currency: money.USD},
	})
	res, err := f.engine.Apply(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Disposition)
	assert.Equal(t, domain.StatusRefunded, res.Transaction.Status)
	require.NotNil(t, res.Refund)
	assert.Equal(t, "re_1", res.Refund.ProviderRef)

	res, err = f.engine.Apply(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Disposition)
}

func TestRefund(t *testing.T) {
	t.Run("pending is not refundable", func(t *testing.T) {
		f := newFixture(t)
		f.pending(t, "txn_1", domain.ProviderStripe)

		_, _, err := f.engine.Refund(context.Background(), "txn_1", domain.ReasonRequestedByCustomer, "")
		require.ErrorIs(t, err, domain.ErrRefundNotAllowed)
		f.card.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, domain.StatusPending, f.status(t, "txn_1"))
	})

	t.Run("succeeded", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.pending(t, "txn_1", domain.ProviderStripe)
		_, err := f.engine.Apply(ctx, webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1")))
		require.NoError(t, err)

		f.card.On("Refund", mock.Anything, mock.MatchedBy(func(txn *domain.Transaction) bool { return txn.ID == "txn_1" }), domain.ReasonFraudulent).
			Return(domain.RefundOutcome{Kind: domain.RefundOutcomeSucceeded, ProviderRef: "re_1", Amount: 1000, Currency: money.USD}, nil).Once()

		r, txn, err := f.engine.Refund(ctx, "txn_1", domain.ReasonFraudulent, "corr-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRefunded, txn.Status)
		assert.Equal(t, r.ID, txn.RefundID)
		assert.Equal(t, int64(1000), r.Amount)
		assert.Equal(t, domain.ReasonFraudulent, r.Reason)
		assert.Contains(t, f.pub.types(), events.EventTransactionRefunded)
		f.card.AssertExpectations(t)
	})

	t.Run("provider refuses", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.pending(t, "txn_1", domain.ProviderStripe)
		_, err := f.engine.Apply(ctx, webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1")))
		require.NoError(t, err)

		f.card.On("Refund", mock.Anything, mock.Anything, domain.ReasonAdmin).
			Return(domain.RefundOutcome{Kind: domain.RefundOutcomeFailed, ReasonCode: "charge_disputed"}, nil).Once()

		_, _, err = f.engine.Refund(ctx, "txn_1", domain.ReasonAdmin, "")
		require.ErrorIs(t, err, domain.ErrRefundFailed)
		var rf *RefundFailedError
		require.ErrorAs(t, err, &rf)
		assert.Equal(t, "charge_disputed", rf.ReasonCode)
		assert.Equal(t, domain.StatusSucceeded, f.status(t, "txn_1"))
	})
}

func TestExpireTransitory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, tc := range []struct{ id, ref string }{{"txn_a", "O-A"}, {"txn_b", "O-B"}, {"txn_c", "O-C"}} {
		f.pending(t, tc.id, domain.ProviderPayPal)
		_, err := f.engine.Apply(ctx, Observation{
			Source:      domain.SourceRPC,
			Provider:    domain.ProviderPayPal,
			Correlation: domain.Correlation{TransactionID: tc.id},
			Outcome:     domain.RequiresAction(tc.ref, "https://approve/"+tc.ref),
		})
		require.NoError(t, err)
	}

	f.order.On("RetrieveOrder", mock.Anything, "O-A").Return(&providers.Order{ID: "O-A", Status: providers.OrderApproved}, nil)
	f.order.On("RetrieveOrder", mock.Anything, "O-B").Return(&providers.Order{ID: "O-B", Status: providers.OrderCreated}, nil)
	f.order.On("RetrieveOrder", mock.Anything, "O-C").Return(nil, domain.ErrProviderOrderNotFound)
	f.order.On("CaptureOrCharge", mock.Anything, mock.MatchedBy(func(r providers.ChargeRequest) bool { return r.Ref == "O-A" })).
		Return(domain.Succeeded("O-A"), nil).Once()

	moved, err := f.engine.ExpireTransitory(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	assert.Equal(t, domain.StatusSucceeded, f.status(t, "txn_a"))
	assert.Equal(t, domain.StatusDeclined, f.status(t, "txn_b"))
	c, err := f.store.GetTransaction(ctx, "txn_c")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, c.Status)
	assert.Equal(t, domain.ReasonApprovalExpired, c.Error.ProviderCode)
}

func TestExpireTransitory_NothingDue(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "txn_a", domain.ProviderPayPal)
	_, err := f.engine.Apply(context.Background(), Observation{
		Source:      domain.SourceRPC,
		Provider:    domain.ProviderPayPal,
		Correlation: domain.Correlation{TransactionID: "txn_a"},
		Outcome:     domain.RequiresAction("O-A", "https://approve"),
	})
	require.NoError(t, err)

	moved, err := f.engine.ExpireTransitory(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, moved)
	f.order.AssertNotCalled(t, "RetrieveOrder", mock.Anything, mock.Anything)
}

// useStore rebuilds the engine over st, keeping adapters and publisher.
func (f *fixture) useStore(st store.Store) {
	f.engine = NewEngine(st, providers.NewRegistry(f.card, f.order), f.pub, f.engine.config, f.engine.logger)
	f.engine.now = func() time.Time { return now }
}

func (f *fixture) succeeded(t *testing.T, id, ref string) {
	t.Helper()
	f.pending(t, id, domain.ProviderStripe)
	_, err := f.engine.Apply(context.Background(), webhook(domain.ProviderStripe, domain.Correlation{TransactionID: id}, domain.Succeeded(ref)))
	require.NoError(t, err)
}

// cancelAwareStore fails reads and writes on a cancelled context, as pgx does.
type cancelAwareStore struct {
	*store.MemoryStore
}

func (s cancelAwareStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.GetTransaction(ctx, id)
}

func (s cancelAwareStore) AttachRefund(ctx context.Context, txnID string, r *domain.Refund) (*domain.Refund, *domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return s.MemoryStore.AttachRefund(ctx, txnID, r)
}

// contendedStore interferes with ApplyTransition: it either always reports a
// stale write, or lets a competing write land first.
type contendedStore struct {
	*store.MemoryStore
	writes      int
	alwaysStale bool
	competitor  func(ctx context.Context)
}

func (s *contendedStore) ApplyTransition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Transaction, error) {
	s.writes++
	if s.alwaysStale {
		return nil, domain.ErrStaleTransition
	}
	if s.competitor != nil {
		s.competitor(ctx)
		s.competitor = nil
	}
	return s.MemoryStore.ApplyTransition(ctx, id, expected, next, patch)
}

func auditKinds(s *store.MemoryStore) []domain.AuditKind {
	var kinds []domain.AuditKind
	for _, e := range s.TransactionErrors() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestApply_StaleRetriesOnceThenEscalates(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "txn_1", domain.ProviderStripe)
	cs := &contendedStore{MemoryStore: f.store, alwaysStale: true}
	f.useStore(cs)

	_, err := f.engine.Apply(context.Background(), webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1")))
	require.ErrorIs(t, err, domain.ErrStaleTransition)

	assert.Equal(t, 2, cs.writes)
	assert.Equal(t, []domain.AuditKind{domain.AuditStaleTransition}, auditKinds(f.store))
	assert.Equal(t, domain.StatusPending, f.status(t, "txn_1"))
	assert.Contains(t, f.pub.types(), events.EventTransactionEscalated)
}

func TestApply_ConcurrentWriteWins(t *testing.T) {
	paid := true

	t.Run("retry sees the same outcome", func(t *testing.T) {
		f := newFixture(t)
		f.pending(t, "txn_1", domain.ProviderStripe)
		cs := &contendedStore{MemoryStore: f.store, competitor: func(ctx context.Context) {
			_, err := f.store.ApplyTransition(ctx, "txn_1", domain.StatusPending, domain.StatusSucceeded,
				domain.Patch{ProviderRef: "pi_1", Paid: &paid})
			require.NoError(t, err)
		}}
		f.useStore(cs)

		res, err := f.engine.Apply(context.Background(), webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1")))
		require.NoError(t, err)
		assert.Equal(t, Duplicate, res.Disposition)
		assert.Equal(t, 1, cs.writes)
		assert.Empty(t, auditKinds(f.store))
		assert.Equal(t, domain.StatusSucceeded, f.status(t, "txn_1"))
	})

	t.Run("retry sees a contradicting outcome", func(t *testing.T) {
		f := newFixture(t)
		f.pending(t, "txn_1", domain.ProviderStripe)
		cs := &contendedStore{MemoryStore: f.store, competitor: func(ctx context.Context) {
			_, err := f.store.ApplyTransition(ctx, "txn_1", domain.StatusPending, domain.StatusDeclined,
				domain.Patch{Error: &domain.ErrorDetail{Kind: "declined", ProviderCode: "card_declined"}})
			require.NoError(t, err)
		}}
		f.useStore(cs)

		_, err := f.engine.Apply(context.Background(), webhook(domain.ProviderStripe, domain.Correlation{TransactionID: "txn_1"}, domain.Succeeded("pi_1")))
		require.ErrorIs(t, err, domain.ErrConflictingOutcome)
		assert.Equal(t, []domain.AuditKind{domain.AuditConflictingOutcome}, auditKinds(f.store))
		assert.Equal(t, domain.StatusDeclined, f.status(t, "txn_1"))
	})
}

func TestApply_UnattributableRefundWebhook(t *testing.T) {
	tests := []struct {
		name   string
		refund domain.RefundOutcome
	}{
		{
			name:   "partial refund",
			refund: domain.RefundOutcome{Kind: domain.RefundOutcomeSucceeded, ProviderRef: "re_1", Amount: 400, Currency: money.USD},
		},
		{
			name:   "no provider refund id",
			refund: domain.RefundOutcome{Kind: domain.RefundOutcomeSucceeded, Amount: 1000, Currency: money.USD},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.succeeded(t, "txn_1", "pi_1")

			ro := tt.refund
			res, err := f.engine.Apply(context.Background(), webhook(domain.ProviderStripe, domain.Correlation{ProviderIntentRef: "pi_1"}, domain.Outcome{
				Kind:        domain.OutcomeRefunded,
				ProviderRef: "pi_1",
				Amount:      ro.Amount,
				Currency:    ro.Currency,
				Refund:      &ro,
			}))
			require.NoError(t, err)
			assert.Equal(t, Escalated, res.Disposition)
			assert.Nil(t, res.Refund)
			assert.Equal(t, domain.StatusSucceeded, f.status(t, "txn_1"))

			audits := f.store.TransactionErrors()
			require.Len(t, audits, 1)
			assert.Equal(t, domain.AuditUnattributableRefund, audits[0].Kind)
			assert.Equal(t, "txn_1", audits[0].TransactionID)
		})
	}
}

func TestRefund_RecordedAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.succeeded(t, "txn_1", "pi_1")
	f.useStore(cancelAwareStore{MemoryStore: f.store})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.card.On("Refund", mock.Anything, mock.Anything, domain.ReasonRequestedByCustomer).
		Run(func(mock.Arguments) { cancel() }).
		Return(domain.RefundOutcome{Kind: domain.RefundOutcomeSucceeded, ProviderRef: "re_1", Amount: 1000, Currency: money.USD}, nil).Once()

	r, txn, err := f.engine.Refund(ctx, "txn_1", domain.ReasonRequestedByCustomer, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, txn.Status)
	assert.Equal(t, "re_1", r.ProviderRef)
	assert.Equal(t, domain.StatusRefunded, f.status(t, "txn_1"))
}
