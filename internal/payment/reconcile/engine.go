// Package reconcile applies normalized provider outcomes to transactions.
//
// Outcomes arrive from two independent, at-least-once sources: the synchronous
// provider response and the provider's webhooks. Both go through Apply, and the
// store's compare-and-swap decides which write wins.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paygate/internal/common/events"
	"paygate/internal/common/metrics"
	"paygate/internal/payment/domain"
	"paygate/internal/payment/store"
	"paygate/internal/providers"
)

// Config holds engine configuration.
type Config struct {
	ApprovalTTL     time.Duration
	ProviderTimeout time.Duration
	SweepBatch      int
}

// Observation is one outcome reported for a transaction.
type Observation struct {
	Source        domain.Source
	Provider      domain.Provider
	Correlation   domain.Correlation
	Outcome       domain.Outcome
	EventType     string
	CorrelationID string
	// Payload is kept verbatim on audit records.
	Payload json.RawMessage
}

// Disposition says what Apply did.
type Disposition string

const (
	Applied   Disposition = "applied"
	Duplicate Disposition = "duplicate"
	// Escalated means the outcome was audited instead of applied and the
	// transaction is unchanged.
	Escalated Disposition = "escalated"
)

// Result is the effect of one Apply.
type Result struct {
	Transaction  *domain.Transaction
	Disposition  Disposition
	ActionHandle string
	Refund       *domain.Refund
}

// Engine is the transaction state machine.
type Engine struct {
	store     store.Store
	registry  *providers.Registry
	publisher events.EventPublisher
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(st store.Store, registry *providers.Registry, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 30 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Engine{
		store:     st,
		registry:  registry,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply resolves the observation's transaction and moves it to the status the
// outcome implies. A stale write is retried once from a fresh read; a second
// stale write is escalated.
func (e *Engine) Apply(ctx context.Context, obs Observation) (*Result, error) {
	res, err := e.apply(ctx, obs)
	if errors.Is(err, domain.ErrStaleTransition) {
		e.logger.Warn("stale transition, retrying",
			"provider", obs.Provider,
			"transaction_id", obs.Correlation.TransactionID,
			"correlation_id", obs.CorrelationID,
		)
		res, err = e.apply(ctx, obs)
		if errors.Is(err, domain.ErrStaleTransition) {
			e.escalate(ctx, domain.AuditStaleTransition, obs, txnIDOf(res, obs), err)
		}
	}
	e.count(obs, res, err)
	return res, err
}

func (e *Engine) apply(ctx context.Context, obs Observation) (*Result, error) {
	txn, err := e.store.FindByCorrelation(ctx, obs.Provider, obs.Correlation)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			e.escalate(ctx, domain.AuditTransactionNotFound, obs, "", err)
			return nil, fmt.Errorf("%w: provider=%s ref=%s", domain.ErrTransactionNotFound, obs.Provider, obs.Correlation.ProviderRef())
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}

	out := obs.Outcome
	switch out.Kind {
	case domain.OutcomeApproved:
		return e.capture(ctx, txn, obs)
	case domain.OutcomeRefunded:
		return e.attachRefund(ctx, txn, obs)
	}

	target, patch, handle, ok := e.plan(txn, out)
	if !ok {
		return e.conflict(ctx, txn, obs)
	}
	res := &Result{Transaction: txn, ActionHandle: handle}
	if isDuplicate(txn, target, out) {
		res.Disposition = Duplicate
		e.logger.Info("duplicate outcome ignored",
			"transaction_id", txn.ID,
			"provider", txn.Provider,
			"status", txn.Status,
			"outcome", out.Kind,
			"source", obs.Source,
		)
		return res, nil
	}

	updated, err := e.store.ApplyTransition(ctx, txn.ID, txn.Status, target, patch)
	if err != nil {
		return res, err
	}
	res.Transaction = updated
	res.Disposition = Applied

	e.logger.Info("transaction updated",
		"transaction_id", updated.ID,
		"provider", updated.Provider,
		"from", txn.Status,
		"to", updated.Status,
		"outcome", out.Kind,
		"source", obs.Source,
		"correlation_id", obs.CorrelationID,
	)
	if updated.Status != txn.Status {
		e.publish(ctx, updated, txn.Status, obs, "")
	}
	if out.Kind == domain.OutcomeSucceeded && out.PayerID != "" && updated.Provider == domain.ProviderPayPal {
		e.rememberPayer(ctx, updated.PaymentID, out.PayerID)
	}
	return res, nil
}

// plan maps an outcome onto a target status and patch. ok is false when the
// outcome contradicts a terminal status.
func (e *Engine) plan(txn *domain.Transaction, out domain.Outcome) (target domain.Status, patch domain.Patch, handle string, ok bool) {
	patch.ProviderRef = out.ProviderRef
	switch out.Kind {
	case domain.OutcomeSucceeded:
		if txn.Status == domain.StatusDeclined {
			return "", patch, "", false
		}
		paid := true
		patch.Paid = &paid
		patch.ClearError = true
		patch.ClearTransitory = true
		patch.Email = out.PayerEmail
		return domain.StatusSucceeded, patch, "", true

	case domain.OutcomeDeclined:
		if txn.Status == domain.StatusSucceeded || txn.Status == domain.StatusRefunded {
			return "", patch, "", false
		}
		patch.Error = &domain.ErrorDetail{
			Kind:         "declined",
			Message:      out.Message,
			ProviderCode: out.ReasonCode,
		}
		patch.ClearTransitory = true
		return domain.StatusDeclined, patch, "", true

	case domain.OutcomeRequiresAction:
		if txn.Provider.RequiresApproval() {
			if txn.Status == domain.StatusTransitory {
				// keep the original approval window
				return domain.StatusTransitory, patch, out.ActionHandle, true
			}
			expires := e.now().Add(e.config.ApprovalTTL)
			patch.TransitoryExpires = &expires
			return domain.StatusTransitory, patch, out.ActionHandle, true
		}
		return txn.Status, patch, out.ActionHandle, true

	default:
		// processing and anything unknown only annotate
		return txn.Status, patch, "", true
	}
}

// isDuplicate reports whether applying target would change nothing: the
// transaction sits in a terminal status the outcome does not contradict, or
// the annotation carries nothing new.
func isDuplicate(txn *domain.Transaction, target domain.Status, out domain.Outcome) bool {
	if txn.Status.IsTerminal() {
		return true
	}
	if target != txn.Status {
		return false
	}
	return out.ProviderRef == "" || out.ProviderRef == txn.ProviderRef
}

func (e *Engine) conflict(ctx context.Context, txn *domain.Transaction, obs Observation) (*Result, error) {
	err := fmt.Errorf("%w: transaction %s is %s, provider reported %s",
		domain.ErrConflictingOutcome, txn.ID, txn.Status, obs.Outcome.Kind)
	e.escalate(ctx, domain.AuditConflictingOutcome, obs, txn.ID, err)
	return &Result{Transaction: txn}, err
}

// capture executes an approved order and applies the capture outcome.
func (e *Engine) capture(ctx context.Context, txn *domain.Transaction, obs Observation) (*Result, error) {
	switch txn.Status {
	case domain.StatusSucceeded, domain.StatusRefunded:
		return &Result{Transaction: txn, Disposition: Duplicate}, nil
	case domain.StatusDeclined:
		return e.conflict(ctx, txn, obs)
	}

	adapter, err := e.registry.Get(txn.Provider)
	if err != nil {
		return nil, err
	}
	ref := txn.ProviderRef
	if ref == "" {
		ref = obs.Outcome.ProviderRef
	}

	dctx := context.WithoutCancel(ctx)
	pctx, cancel := e.providerContext(dctx)
	defer cancel()
	out, err := adapter.CaptureOrCharge(pctx, providers.ChargeRequest{Ref: ref, Transaction: txn})
	if err != nil {
		e.logger.Warn("capture of approved order failed",
			"transaction_id", txn.ID,
			"provider", txn.Provider,
			"provider_ref", ref,
			"error", err,
		)
		return &Result{Transaction: txn}, err
	}
	if out.ProviderRef == "" {
		out.ProviderRef = ref
	}

	next := obs
	next.Outcome = out
	next.Correlation = domain.Correlation{TransactionID: txn.ID, ProviderOrderRef: ref}
	return e.apply(dctx, next)
}

// providerContext bounds a provider call. ctx is expected to be detached
// already.
func (e *Engine) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.ProviderTimeout)
}

// attachRefund records a provider-reported refund.
func (e *Engine) attachRefund(ctx context.Context, txn *domain.Transaction, obs Observation) (*Result, error) {
	out := obs.Outcome
	ro := domain.RefundOutcome{
		Kind:     domain.RefundOutcomeSucceeded,
		Amount:   out.Amount,
		Currency: out.Currency,
	}
	if out.Refund != nil {
		ro = *out.Refund
	}
	if ro.Kind == domain.RefundOutcomeFailed {
		e.logger.Info("failed provider refund ignored", "transaction_id", txn.ID, "reason_code", ro.ReasonCode)
		return &Result{Transaction: txn, Disposition: Duplicate}, nil
	}

	switch txn.Status {
	case domain.StatusRefunded:
		return &Result{Transaction: txn, Disposition: Duplicate}, nil
	case domain.StatusSucceeded:
	default:
		return e.conflict(ctx, txn, obs)
	}

	r, err := domain.NewRefund(ulid.Make().String(), txn, domain.ReasonRequestedByCustomer, ro, e.now())
	if err != nil {
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			return &Result{Transaction: txn}, fmt.Errorf("build refund: %w", err)
		}
		e.escalate(ctx, domain.AuditUnattributableRefund, obs, txn.ID, err)
		return &Result{Transaction: txn, Disposition: Escalated}, nil
	}
	stored, updated, err := e.store.AttachRefund(ctx, txn.ID, r)
	if errors.Is(err, domain.ErrRefundNotAllowed) {
		// another refund of the same transaction landed after our read
		if cur, gerr := e.store.GetTransaction(ctx, txn.ID); gerr == nil && cur.Status == domain.StatusRefunded {
			return &Result{Transaction: cur, Disposition: Duplicate}, nil
		}
	}
	if err != nil {
		return &Result{Transaction: txn}, err
	}
	metrics.RefundsTotal.WithLabelValues(string(txn.Provider), "ok").Inc()
	e.logger.Info("refund attached",
		"transaction_id", txn.ID,
		"provider", txn.Provider,
		"refund_id", stored.ID,
		"source", obs.Source,
	)
	e.publish(ctx, updated, txn.Status, obs, stored.ID)
	return &Result{Transaction: updated, Disposition: Applied, Refund: stored}, nil
}

// Refund returns the full amount of a succeeded transaction through its provider.
func (e *Engine) Refund(ctx context.Context, txnID string, reason domain.RefundReason, correlationID string) (*domain.Refund, *domain.Transaction, error) {
	txn, err := e.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, nil, err
	}
	if txn.Status != domain.StatusSucceeded {
		return nil, txn, fmt.Errorf("%w: transaction %s is %s", domain.ErrRefundNotAllowed, txn.ID, txn.Status)
	}

	adapter, err := e.registry.Get(txn.Provider)
	if err != nil {
		return nil, txn, err
	}
	// The refund is recorded even if the caller goes away after the provider
	// returned money.
	dctx := context.WithoutCancel(ctx)
	pctx, cancel := e.providerContext(dctx)
	defer cancel()
	out, err := adapter.Refund(pctx, txn, reason)
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(string(txn.Provider), providers.Result(err)).Inc()
		return nil, txn, err
	}
	if out.Kind == domain.RefundOutcomeFailed {
		metrics.RefundsTotal.WithLabelValues(string(txn.Provider), "failed").Inc()
		e.logger.Warn("provider refused refund",
			"transaction_id", txn.ID,
			"provider", txn.Provider,
			"reason_code", out.ReasonCode,
			"correlation_id", correlationID,
		)
		return nil, txn, &RefundFailedError{ReasonCode: out.ReasonCode, Message: out.Message}
	}

	r, err := domain.NewRefund(ulid.Make().String(), txn, reason, out, e.now())
	if err != nil {
		// the provider moved money we cannot record against txn
		e.escalate(dctx, domain.AuditUnattributableRefund, Observation{
			Source:        domain.SourceRPC,
			Provider:      txn.Provider,
			Correlation:   domain.Correlation{TransactionID: txn.ID},
			Outcome:       domain.Outcome{Kind: domain.OutcomeRefunded, ProviderRef: out.ProviderRef, Amount: out.Amount, Currency: out.Currency},
			CorrelationID: correlationID,
		}, txn.ID, err)
		return nil, txn, fmt.Errorf("build refund: %w", err)
	}
	stored, updated, err := e.store.AttachRefund(dctx, txn.ID, r)
	if err != nil {
		return nil, txn, err
	}
	metrics.RefundsTotal.WithLabelValues(string(txn.Provider), "ok").Inc()

	e.logger.Info("transaction refunded",
		"transaction_id", txn.ID,
		"provider", txn.Provider,
		"refund_id", stored.ID,
		"reason", reason,
		"correlation_id", correlationID,
	)
	e.publish(dctx, updated, txn.Status, Observation{Source: domain.SourceRPC, Provider: txn.Provider, CorrelationID: correlationID}, stored.ID)
	return stored, updated, nil
}

// RefundFailedError is a refund the provider refused. The transaction stays succeeded.
type RefundFailedError struct {
	ReasonCode string
	Message    string
}

func (e *RefundFailedError) Error() string {
	msg := domain.ErrRefundFailed.Error() + ": " + e.ReasonCode
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *RefundFailedError) Unwrap() error { return domain.ErrRefundFailed }

// ExpireTransitory resolves approval-flow transactions whose approval window
// elapsed. It returns how many were moved.
func (e *Engine) ExpireTransitory(ctx context.Context, now time.Time) (int, error) {
	txns, err := e.store.ListExpiredTransitory(ctx, now, e.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired transitory: %w", err)
	}

	moved := 0
	for _, txn := range txns {
		out, err := e.expiredOutcome(ctx, txn)
		if err != nil {
			e.logger.Warn("could not resolve expired order",
				"transaction_id", txn.ID,
				"provider", txn.Provider,
				"provider_ref", txn.ProviderRef,
				"error", err,
			)
			continue
		}
		res, err := e.Apply(ctx, Observation{
			Source:      domain.SourceSweep,
			Provider:    txn.Provider,
			Correlation: domain.Correlation{TransactionID: txn.ID, ProviderOrderRef: txn.ProviderRef},
			Outcome:     out,
		})
		if err != nil {
			e.logger.Warn("expiry sweep could not apply outcome", "transaction_id", txn.ID, "error", err)
			continue
		}
		if res.Disposition == Applied {
			moved++
		}
	}
	return moved, nil
}

func (e *Engine) expiredOutcome(ctx context.Context, txn *domain.Transaction) (domain.Outcome, error) {
	expired := domain.Declined(txn.ProviderRef, domain.ReasonApprovalExpired, "approval window elapsed")
	if txn.ProviderRef == "" {
		return expired, nil
	}
	flow, err := e.registry.OrderFlowFor(txn.Provider)
	if err != nil {
		return domain.Outcome{}, err
	}
	order, err := flow.RetrieveOrder(ctx, txn.ProviderRef)
	if err != nil {
		if errors.Is(err, domain.ErrProviderOrderNotFound) {
			return expired, nil
		}
		return domain.Outcome{}, err
	}
	switch order.Status {
	case providers.OrderCompleted:
		out := domain.Succeeded(order.ID)
		out.PayerID = order.PayerID
		out.PayerEmail = order.PayerEmail
		return out, nil
	case providers.OrderApproved:
		return domain.Outcome{Kind: domain.OutcomeApproved, ProviderRef: order.ID}, nil
	}
	return expired, nil
}

func (e *Engine) rememberPayer(ctx context.Context, paymentID, payerID string) {
	p, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		e.logger.Warn("payer id not saved", "payment_id", paymentID, "error", err)
		return
	}
	if p.PayPalPayer == payerID {
		return
	}
	p.PayPalPayer = payerID
	p.UpdatedAt = e.now()
	if err := e.store.UpdatePayment(ctx, p); err != nil {
		e.logger.Warn("payer id not saved", "payment_id", paymentID, "error", err)
	}
}

// escalate writes the audit record for an outcome that could not be applied.
func (e *Engine) escalate(ctx context.Context, kind domain.AuditKind, obs Observation, txnID string, cause error) {
	detail := obs.Payload
	if len(detail) == 0 {
		detail, _ = json.Marshal(map[string]any{
			"error":   cause.Error(),
			"outcome": obs.Outcome,
			"source":  obs.Source,
		})
	}
	ref := obs.Correlation.ProviderRef()
	if ref == "" {
		ref = obs.Outcome.ProviderRef
	}
	rec := &domain.TransactionError{
		ID:            ulid.Make().String(),
		Kind:          kind,
		Provider:      obs.Provider,
		ProviderRef:   ref,
		TransactionID: txnID,
		EventType:     obs.EventType,
		Amount:        obs.Outcome.Amount,
		Currency:      obs.Outcome.Currency,
		Error:         detail,
		CorrelationID: obs.CorrelationID,
		CreatedAt:     e.now(),
	}
	if err := e.store.RecordTransactionError(ctx, rec); err != nil {
		e.logger.Error("audit record not written", "kind", kind, "provider", obs.Provider, "error", err)
	}
	metrics.EscalationsTotal.WithLabelValues(string(kind)).Inc()
	e.logger.Error("provider outcome escalated",
		"kind", kind,
		"provider", obs.Provider,
		"provider_ref", ref,
		"transaction_id", txnID,
		"event_type", obs.EventType,
		"correlation_id", obs.CorrelationID,
		"error", cause,
	)

	if e.publisher == nil {
		return
	}
	ev, err := events.NewEvent(events.EventTransactionEscalated, events.AggregateTransaction, txnID, events.TransactionEscalatedData{
		Kind:          string(kind),
		Provider:      string(obs.Provider),
		ProviderRef:   ref,
		TransactionID: txnID,
		EventType:     obs.EventType,
	})
	if err == nil {
		ev.WithCorrelation(obs.CorrelationID, "")
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("escalation event not published", "error", err)
		}
	}
}

// publish emits the lifecycle event for a status change. Failures are logged;
// the store remains the source of truth.
func (e *Engine) publish(ctx context.Context, txn *domain.Transaction, prev domain.Status, obs Observation, refundID string) {
	if e.publisher == nil {
		return
	}
	data := events.TransactionStatusData{
		TransactionID: txn.ID,
		PaymentID:     txn.PaymentID,
		User:          txn.User,
		Provider:      string(txn.Provider),
		ProviderRef:   txn.ProviderRef,
		Status:        string(txn.Status),
		PreviousState: string(prev),
		Amount:        txn.Total,
		Currency:      string(txn.Currency),
		Source:        string(obs.Source),
		RefundID:      refundID,
		OccurredAt:    txn.UpdatedAt,
	}
	if txn.Error != nil {
		data.ReasonCode = txn.Error.ProviderCode
	}
	ev, err := events.NewEvent(events.TransactionEventType(string(txn.Status)), events.AggregateTransaction, txn.ID, data)
	if err != nil {
		e.logger.Warn("event not built", "transaction_id", txn.ID, "error", err)
		return
	}
	ev.WithCorrelation(obs.CorrelationID, "")
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("event not published", "transaction_id", txn.ID, "type", ev.Type, "error", err)
	}
}

func (e *Engine) count(obs Observation, res *Result, err error) {
	result := "error"
	switch {
	case err == nil && res != nil:
		result = string(res.Disposition)
	case errors.Is(err, domain.ErrConflictingOutcome):
		result = "conflict"
	case errors.Is(err, domain.ErrTransactionNotFound):
		result = "not_found"
	}
	metrics.OutcomesTotal.WithLabelValues(string(obs.Provider), string(obs.Source), string(obs.Outcome.Kind), result).Inc()
}

func txnIDOf(res *Result, obs Observation) string {
	if res != nil && res.Transaction != nil {
		return res.Transaction.ID
	}
	return obs.Correlation.TransactionID
}
