package domain

import (
	"errors"
	"fmt"
)

// Client errors
var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrAmbiguousPaymentMethod = errors.New("more than one saved payment method and no default")
	ErrMissingPaymentMethod   = errors.New("no payment method to charge")
	ErrPaymentExists          = errors.New("payment already exists for user")
	ErrCardExists             = errors.New("card already added")
	ErrRefundNotAllowed       = errors.New("refund not allowed")
	ErrUnknownProvider        = errors.New("unknown provider")
	ErrUnsupportedOperation   = errors.New("operation not supported by provider")
	ErrOrderNotApproved       = errors.New("order has to be approved by payer")
	ErrOrderAlreadyProcessed  = errors.New("order has already been processed")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
)

// Not-found errors
var (
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrRefundNotFound        = errors.New("refund not found")
	ErrProviderOrderNotFound = errors.New("provider order not found")
)

// Provider errors
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrRefundFailed        = errors.New("refund failed at provider")
)

// Conflict and integrity errors
var (
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrStaleTransition      = errors.New("stale transition")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrConflictingOutcome   = errors.New("conflicting outcome for terminal transaction")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrUnhandledEvent       = errors.New("unhandled webhook event")
)

// Class groups errors by how callers should react to them.
type Class int

const (
	ClassInternal Class = iota
	ClassClient
	ClassNotFound
	ClassUnavailable
	ClassPermanent
	ClassConflict
	ClassInvariant
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassNotFound:
		return "not_found"
	case ClassUnavailable:
		return "unavailable"
	case ClassPermanent:
		return "permanent"
	case ClassConflict:
		return "conflict"
	case ClassInvariant:
		return "invariant"
	default:
		return "internal"
	}
}

// Order matters: ErrInvalidTransaction wraps a ValidationError, and the
// invariant class must win over the generic client class for it.
var classes = []struct {
	err   error
	class Class
}{
	{ErrInvariantViolation, ClassInvariant},
	{ErrProviderUnavailable, ClassUnavailable},
	{ErrProviderRejected, ClassPermanent},
	{ErrRefundFailed, ClassPermanent},
	{ErrPaymentNotFound, ClassNotFound},
	{ErrTransactionNotFound, ClassNotFound},
	{ErrRefundNotFound, ClassNotFound},
	{ErrProviderOrderNotFound, ClassNotFound},
	{ErrConflictingOutcome, ClassConflict},
	{ErrStaleTransition, ClassConflict},
	{ErrDuplicateTransaction, ClassConflict},
	{ErrIllegalTransition, ClassConflict},
	{ErrInvalidArgument, ClassClient},
	{ErrInvalidTransaction, ClassClient},
	{ErrAmbiguousPaymentMethod, ClassClient},
	{ErrMissingPaymentMethod, ClassClient},
	{ErrPaymentExists, ClassClient},
	{ErrCardExists, ClassClient},
	{ErrRefundNotAllowed, ClassClient},
	{ErrUnknownProvider, ClassClient},
	{ErrUnsupportedOperation, ClassClient},
	{ErrOrderNotApproved, ClassClient},
	{ErrOrderAlreadyProcessed, ClassClient},
	{ErrInvalidSignature, ClassClient},
}

// Classify maps an error onto the taxonomy. Anything unrecognized is internal.
func Classify(err error) Class {
	if err == nil {
		return ClassInternal
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassInternal
}

// Normalized provider reason codes.
const (
	ReasonCardDeclined       = "card_declined"
	ReasonRateLimited        = "rate_limited"
	ReasonConnection         = "connection_error"
	ReasonAuthentication     = "authentication_failed"
	ReasonInvalidRequest     = "invalid_request"
	ReasonProviderError      = "api_error"
	ReasonApprovalExpired    = "approval_expired"
	ReasonInstrumentDeclined = "instrument_declined"
)

// ProviderError is a failure reported by, or while reaching, a provider.
type ProviderError struct {
	Provider  Provider
	Code      string // normalized reason code
	Message   string
	Status    int // HTTP status returned by the provider, 0 on transport failure
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets callers match provider failures against the taxonomy sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderUnavailable:
		return e.Retryable
	case ErrProviderRejected:
		return !e.Retryable
	}
	return false
}

// Unavailable builds a retryable provider error.
func Unavailable(p Provider, code string, err error) *ProviderError {
	return &ProviderError{Provider: p, Code: code, Retryable: true, Err: err}
}

// Rejected builds a permanent provider error.
func Rejected(p Provider, code, message string, status int) *ProviderError {
	return &ProviderError{Provider: p, Code: code, Message: message, Status: status}
}

// ReasonCode extracts the normalized provider code from err, or fallback.
func ReasonCode(err error, fallback string) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return fallback
}
