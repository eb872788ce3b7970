package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paygate/internal/payment/domain"
)

// MemoryStore is an in-process Store with the same semantics as PostgresStore.
type MemoryStore struct {
	mu           sync.Mutex
	payments     map[string]*domain.Payment
	transactions map[string]*domain.Transaction
	refunds      map[string]*domain.Refund
	auditLog     []*domain.TransactionError
	now          func() time.Time

	// beforeRefundCommit runs after all refund checks pass and before anything
	// is written. A non-nil error aborts the attach.
	beforeRefundCommit func() error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:     make(map[string]*domain.Payment),
		transactions: make(map[string]*domain.Transaction),
		refunds:      make(map[string]*domain.Refund),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreatePayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; ok {
		return domain.ErrPaymentExists
	}
	for _, existing := range s.payments {
		if existing.User == p.User {
			return domain.ErrPaymentExists
		}
	}
	c := p.Clone()
	c.Transactions = []string{}
	s.payments[p.ID] = c
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return s.paymentView(p), nil
}

func (s *MemoryStore) GetPaymentByUser(_ context.Context, user string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.User == user {
			return s.paymentView(p), nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (s *MemoryStore) UpdatePayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	c := p.Clone()
	c.UpdatedAt = s.now()
	s.payments[p.ID] = c
	return nil
}

// paymentView derives the transaction list the same way the SQL store does.
func (s *MemoryStore) paymentView(p *domain.Payment) *domain.Payment {
	c := p.Clone()
	c.Transactions = c.Transactions[:0]
	for _, t := range s.sortedTransactions(p.ID) {
		c.Transactions = append(c.Transactions, t.ID)
	}
	return c
}

func (s *MemoryStore) sortedTransactions(paymentID string) []*domain.Transaction {
	var out []*domain.Transaction
	for _, t := range s.transactions {
		if t.PaymentID == paymentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) CreatePending(_ context.Context, t *domain.Transaction) error {
	if t.Status != domain.StatusPending {
		return fmt.Errorf("%w: new transactions must be pending, got %s", domain.ErrIllegalTransition, t.Status)
	}
	if err := t.Check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[t.PaymentID]; !ok {
		return domain.ErrPaymentNotFound
	}
	if _, ok := s.transactions[t.ID]; ok {
		return fmt.Errorf("%w: id %s", domain.ErrDuplicateTransaction, t.ID)
	}
	if err := s.checkUnique(t); err != nil {
		return err
	}
	s.transactions[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) checkUnique(t *domain.Transaction) error {
	for _, other := range s.transactions {
		if other.ID == t.ID {
			continue
		}
		if t.IdempotencyKey != "" && other.PaymentID == t.PaymentID && other.IdempotencyKey == t.IdempotencyKey {
			return fmt.Errorf("%w: idempotency key %s", domain.ErrDuplicateTransaction, t.IdempotencyKey)
		}
		if t.ProviderRef != "" && other.Provider == t.Provider && other.ProviderRef == t.ProviderRef {
			return fmt.Errorf("%w: provider ref %s", domain.ErrDuplicateTransaction, t.ProviderRef)
		}
	}
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetTransactionByIdempotencyKey(_ context.Context, paymentID, key string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.transactions {
		if key != "" && t.PaymentID == paymentID && t.IdempotencyKey == key {
			return t.Clone(), nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (s *MemoryStore) FindByCorrelation(_ context.Context, provider domain.Provider, c domain.Correlation) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.TransactionID != "" {
		if t, ok := s.transactions[c.TransactionID]; ok {
			return t.Clone(), nil
		}
	}
	for _, ref := range []string{c.ProviderOrderRef, c.ProviderIntentRef} {
		if ref == "" {
			continue
		}
		for _, t := range s.transactions {
			if t.Provider == provider && t.ProviderRef == ref {
				return t.Clone(), nil
			}
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (s *MemoryStore) ApplyTransition(_ context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStaleTransition, id, cur.Status, expected)
	}
	updated, err := cur.Transition(next, patch, s.now())
	if err != nil {
		return nil, err
	}
	if err := updated.Check(); err != nil {
		return nil, err
	}
	if err := s.checkUnique(updated); err != nil {
		return nil, err
	}
	s.transactions[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) ListTransactionsByPayment(_ context.Context, paymentID string) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Transaction
	for _, t := range s.sortedTransactions(paymentID) {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListExpiredTransitory(_ context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Transaction
	for _, t := range s.transactions {
		if t.Status == domain.StatusTransitory && t.TransitoryExpires != nil && t.TransitoryExpires.Before(before) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransitoryExpires.Before(*out[j].TransitoryExpires) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AttachRefund(_ context.Context, txnID string, r *domain.Refund) (*domain.Refund, *domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.transactions[txnID]
	if !ok {
		return nil, nil, domain.ErrTransactionNotFound
	}

	var existing *domain.Refund
	for _, other := range s.refunds {
		if other.TransactionID == txnID {
			existing = other
			break
		}
	}
	done, err := checkRefundable(cur, existing, r)
	if err != nil {
		return nil, nil, err
	}
	if done {
		rc := *existing
		return &rc, cur.Clone(), nil
	}
	for _, other := range s.refunds {
		if other.ProviderRef == r.ProviderRef {
			return nil, nil, fmt.Errorf("%w: provider refund %s belongs to %s", domain.ErrRefundNotAllowed, r.ProviderRef, other.TransactionID)
		}
	}

	if err := r.Check(cur); err != nil {
		return nil, nil, err
	}
	updated, err := cur.Transition(domain.StatusRefunded, domain.Patch{RefundID: r.ID}, s.now())
	if err != nil {
		return nil, nil, err
	}
	if err := updated.Check(); err != nil {
		return nil, nil, err
	}

	if s.beforeRefundCommit != nil {
		if err := s.beforeRefundCommit(); err != nil {
			return nil, nil, err
		}
	}

	rc := *r
	s.refunds[r.ID] = &rc
	s.transactions[txnID] = updated
	out := rc
	return &out, updated.Clone(), nil
}

func (s *MemoryStore) GetRefund(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[id]
	if !ok {
		return nil, domain.ErrRefundNotFound
	}
	rc := *r
	return &rc, nil
}

func (s *MemoryStore) RecordTransactionError(_ context.Context, e *domain.TransactionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *e
	s.auditLog = append(s.auditLog, &c)
	return nil
}

// TransactionErrors returns a copy of the recorded audit entries.
func (s *MemoryStore) TransactionErrors() []domain.TransactionError {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.TransactionError, 0, len(s.auditLog))
	for _, e := range s.auditLog {
		out = append(out, *e)
	}
	return out
}
