// Package store persists payments, transactions, refunds and audit records.
package store

import (
	"context"
	"embed"
	"time"

	"paygate/internal/payment/domain"
)

// Migrations holds the schema, applied by database.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

// Store is the persistence boundary for the payment service. Every write
// re-validates the affected aggregate and either fully applies or fails.
type Store interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByUser(ctx context.Context, user string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error

	// CreatePending inserts a new pending transaction. It fails with
	// ErrDuplicateTransaction when the idempotency key or provider ref is taken.
	CreatePending(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, paymentID, key string) (*domain.Transaction, error)
	// FindByCorrelation looks up by transaction id first and falls back to the
	// provider ref when the id is absent or unknown. The ref match is the weaker
	// one; a ref belongs to at most one transaction.
	FindByCorrelation(ctx context.Context, provider domain.Provider, c domain.Correlation) (*domain.Transaction, error)
	// ApplyTransition moves a transaction from expected to next only if its
	// stored status is still expected, otherwise ErrStaleTransition.
	ApplyTransition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Transaction, error)
	ListTransactionsByPayment(ctx context.Context, paymentID string) ([]*domain.Transaction, error)
	ListExpiredTransitory(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error)

	// AttachRefund inserts the refund and marks the transaction refunded in a
	// single unit. Replaying the same provider refund returns the stored pair.
	AttachRefund(ctx context.Context, txnID string, r *domain.Refund) (*domain.Refund, *domain.Transaction, error)
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)

	RecordTransactionError(ctx context.Context, e *domain.TransactionError) error
}

// checkRefundable validates the transaction side of a refund attach.
// It returns done=true when the refund is already recorded.
func checkRefundable(txn *domain.Transaction, existing *domain.Refund, r *domain.Refund) (done bool, err error) {
	if existing != nil {
		if existing.ProviderRef == r.ProviderRef {
			return true, nil
		}
		return false, domain.ErrRefundNotAllowed
	}
	if txn.Status != domain.StatusSucceeded {
		return false, domain.ErrRefundNotAllowed
	}
	return false, nil
}
