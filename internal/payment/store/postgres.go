package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paygate/internal/common/database"
	"paygate/internal/payment/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db  *database.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ Store = (*PostgresStore)(nil)

// Unique indexes of the transactions table.
const (
	constraintIdempotency = "uq_transactions_idempotency"
	constraintProviderRef = "uq_transactions_provider_ref"
)

const paymentColumns = `
	p.id, p.user_ref, p.email, p.provider_customers, p.default_payment_method, p.paypal_payer,
	ARRAY(SELECT t.id FROM transactions t WHERE t.payment_id = p.id ORDER BY t.created_at, t.id),
	p.created_at, p.updated_at`

// CreatePayment inserts a payment. A second payment for the same user fails ErrPaymentExists.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	customers, err := json.Marshal(p.Customers)
	if err != nil {
		return fmt.Errorf("encoding customers: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO payments (id, user_ref, email, provider_customers, default_payment_method, paypal_payer, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.User, p.Email, customers, nullStr(p.DefaultPaymentMethod), nullStr(p.PayPalPayer), p.CreatedAt, p.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrPaymentExists
	}
	return err
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = $1`, id)
	return scanPayment(row)
}

func (s *PostgresStore) GetPaymentByUser(ctx context.Context, user string) (*domain.Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.user_ref = $1`, user)
	return scanPayment(row)
}

func (s *PostgresStore) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	customers, err := json.Marshal(p.Customers)
	if err != nil {
		return fmt.Errorf("encoding customers: %w", err)
	}
	p.UpdatedAt = s.now()
	tag, err := s.db.Exec(ctx, `
		UPDATE payments SET
			email = $2, provider_customers = $3, default_payment_method = $4, paypal_payer = $5, updated_at = $6
		WHERE id = $1`,
		p.ID, p.Email, customers, nullStr(p.DefaultPaymentMethod), nullStr(p.PayPalPayer), p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var customers []byte
	var defaultMethod, payer *string

	err := row.Scan(&p.ID, &p.User, &p.Email, &customers, &defaultMethod, &payer, &p.Transactions, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(customers, &p.Customers); err != nil {
		return nil, fmt.Errorf("decoding customers: %w", err)
	}
	if defaultMethod != nil {
		p.DefaultPaymentMethod = *defaultMethod
	}
	if payer != nil {
		p.PayPalPayer = *payer
	}
	if p.Transactions == nil {
		p.Transactions = []string{}
	}
	return &p, nil
}

const transactionColumns = `
	id, payment_id, user_ref, email, provider, provider_ref, idempotency_key,
	currency, items, total, paid, status, refund_id, transaction_error,
	transitory_expires, created_at, updated_at`

// CreatePending re-validates and inserts a pending transaction.
func (s *PostgresStore) CreatePending(ctx context.Context, t *domain.Transaction) error {
	if t.Status != domain.StatusPending {
		return fmt.Errorf("%w: new transactions must be pending, got %s", domain.ErrIllegalTransition, t.Status)
	}
	if err := t.Check(); err != nil {
		return err
	}
	items, txnErr, err := encodeTransaction(t)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.PaymentID, t.User, nullStr(t.Email), t.Provider, nullStr(t.ProviderRef), nullStr(t.IdempotencyKey),
		t.Currency, items, t.Total, t.Paid, t.Status, nullStr(t.RefundID), txnErr,
		t.TransitoryExpires, t.CreatedAt, t.UpdatedAt,
	)
	switch {
	case database.ViolatedConstraint(err) == constraintIdempotency:
		return fmt.Errorf("%w: idempotency key %s", domain.ErrDuplicateTransaction, t.IdempotencyKey)
	case database.ViolatedConstraint(err) == constraintProviderRef:
		return fmt.Errorf("%w: provider ref %s", domain.ErrDuplicateTransaction, t.ProviderRef)
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTransaction, t.ID)
	case database.IsForeignKeyViolation(err):
		return domain.ErrPaymentNotFound
	}
	return err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, id, false)
}

func getTransaction(ctx context.Context, q database.Querier, id string, forUpdate bool) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanTransaction(q.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetTransactionByIdempotencyKey(ctx context.Context, paymentID, key string) (*domain.Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payment_id = $1 AND idempotency_key = $2`, paymentID, key)
	return scanTransaction(row)
}

func (s *PostgresStore) FindByCorrelation(ctx context.Context, provider domain.Provider, c domain.Correlation) (*domain.Transaction, error) {
	if c.TransactionID != "" {
		t, err := s.GetTransaction(ctx, c.TransactionID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			return nil, err
		}
	}
	for _, ref := range []string{c.ProviderOrderRef, c.ProviderIntentRef} {
		if ref == "" {
			continue
		}
		row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND provider_ref = $2`, provider, ref)
		t, err := scanTransaction(row)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			return nil, err
		}
	}
	return nil, domain.ErrTransactionNotFound
}

// ApplyTransition is a compare-and-swap on the row. The row is read, the
// transition is computed and validated in Go, and the write only lands if the
// row still carries the status and updated_at that were read. A same-status
// annotation committed in between makes the write stale.
func (s *PostgresStore) ApplyTransition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Transaction, error) {
	cur, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStaleTransition, id, cur.Status, expected)
	}
	updated, err := cur.Transition(next, patch, s.stamp(cur))
	if err != nil {
		return nil, err
	}
	if err := updated.Check(); err != nil {
		return nil, err
	}

	tag, err := updateTransaction(ctx, s.db, updated, cur)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: provider ref %s", domain.ErrDuplicateTransaction, updated.ProviderRef)
		}
		return nil, err
	}
	if tag == 0 {
		return nil, fmt.Errorf("%w: %s changed concurrently", domain.ErrStaleTransition, id)
	}
	return updated, nil
}

// stamp returns the updated_at for a write over read. It is strictly after
// read at the column's microsecond precision, so every write moves the row's
// version.
func (s *PostgresStore) stamp(read *domain.Transaction) time.Time {
	now := s.now().Truncate(time.Microsecond)
	if !now.After(read.UpdatedAt) {
		now = read.UpdatedAt.Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

// updateTransaction writes t over the row read as read. It reports zero rows
// when the row changed since then.
func updateTransaction(ctx context.Context, q database.Querier, t, read *domain.Transaction) (int64, error) {
	_, txnErr, err := encodeTransaction(t)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, `
		UPDATE transactions SET
			status = $3, provider_ref = $4, email = $5, paid = $6, refund_id = $7,
			transaction_error = $8, transitory_expires = $9, updated_at = $10
		WHERE id = $1 AND status = $2 AND updated_at = $11`,
		t.ID, read.Status, t.Status, nullStr(t.ProviderRef), nullStr(t.Email), t.Paid, nullStr(t.RefundID),
		txnErr, t.TransitoryExpires, t.UpdatedAt, read.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListTransactionsByPayment(ctx context.Context, paymentID string) ([]*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListExpiredTransitory lists transitory transactions whose approval window closed before the given time.
func (s *PostgresStore) ListExpiredTransitory(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'transitory' AND transitory_expires < $1
		ORDER BY transitory_expires ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AttachRefund locks the transaction row, inserts the refund and flips the
// transaction to refunded inside one database transaction.
func (s *PostgresStore) AttachRefund(ctx context.Context, txnID string, r *domain.Refund) (*domain.Refund, *domain.Transaction, error) {
	var outRefund *domain.Refund
	var outTxn *domain.Transaction

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		cur, err := getTransaction(ctx, tx, txnID, true)
		if err != nil {
			return err
		}

		existing, err := scanRefund(tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE transaction_id = $1`, txnID))
		if err != nil && !errors.Is(err, domain.ErrRefundNotFound) {
			return err
		}
		done, err := checkRefundable(cur, existing, r)
		if err != nil {
			return err
		}
		if done {
			outRefund, outTxn = existing, cur
			return nil
		}

		if err := r.Check(cur); err != nil {
			return err
		}
		updated, err := cur.Transition(domain.StatusRefunded, domain.Patch{RefundID: r.ID}, s.stamp(cur))
		if err != nil {
			return err
		}
		if err := updated.Check(); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO refunds (`+refundColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.TransactionID, r.Amount, r.Currency, r.ProviderRef, r.Reason, r.Status, r.CreatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%w: provider refund %s already recorded", domain.ErrRefundNotAllowed, r.ProviderRef)
			}
			return fmt.Errorf("inserting refund: %w", err)
		}

		n, err := updateTransaction(ctx, tx, updated, cur)
		if err != nil {
			return fmt.Errorf("updating transaction: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s changed concurrently", domain.ErrStaleTransition, txnID)
		}

		rc := *r
		outRefund, outTxn = &rc, updated
		return nil
	})
	if database.IsTimeout(err) {
		return nil, nil, fmt.Errorf("%w: %s locked by a concurrent refund: %w", domain.ErrStaleTransition, txnID, err)
	}
	if err != nil {
		return nil, nil, err
	}
	return outRefund, outTxn, nil
}

const refundColumns = `id, transaction_id, amount, currency, provider_ref, reason, status, created_at`

func (s *PostgresStore) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	return scanRefund(s.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
}

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var r domain.Refund
	err := row.Scan(&r.ID, &r.TransactionID, &r.Amount, &r.Currency, &r.ProviderRef, &r.Reason, &r.Status, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRefundNotFound
		}
		return nil, err
	}
	return &r, nil
}

// RecordTransactionError appends an audit record.
func (s *PostgresStore) RecordTransactionError(ctx context.Context, e *domain.TransactionError) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO transaction_errors (
			id, kind, provider, provider_ref, transaction_id, event_type,
			amount, currency, error, correlation_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Kind, e.Provider, nullStr(e.ProviderRef), nullStr(e.TransactionID), nullStr(e.EventType),
		e.Amount, nullStr(string(e.Currency)), nullJSON(e.Error), nullStr(e.CorrelationID), e.CreatedAt,
	)
	return err
}

func encodeTransaction(t *domain.Transaction) (items, txnErr []byte, err error) {
	items, err = json.Marshal(t.Items)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding items: %w", err)
	}
	if t.Error != nil {
		txnErr, err = json.Marshal(t.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding transaction error: %w", err)
		}
	}
	return items, txnErr, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var email, providerRef, idemKey, refundID *string
	var items, txnErr []byte

	err := row.Scan(
		&t.ID, &t.PaymentID, &t.User, &email, &t.Provider, &providerRef, &idemKey,
		&t.Currency, &items, &t.Total, &t.Paid, &t.Status, &refundID, &txnErr,
		&t.TransitoryExpires, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}

	if email != nil {
		t.Email = *email
	}
	if providerRef != nil {
		t.ProviderRef = *providerRef
	}
	if idemKey != nil {
		t.IdempotencyKey = *idemKey
	}
	if refundID != nil {
		t.RefundID = *refundID
	}
	if err := json.Unmarshal(items, &t.Items); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	if len(txnErr) > 0 {
		t.Error = &domain.ErrorDetail{}
		if err := json.Unmarshal(txnErr, t.Error); err != nil {
			return nil, fmt.Errorf("decoding transaction error: %w", err)
		}
	}
	return &t, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
