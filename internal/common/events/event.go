package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Aggregate types
const (
	AggregatePayment     = "payment"
	AggregateTransaction = "transaction"
)

// Payment events
const (
	EventPaymentCreated        = "payment.created"
	EventPaymentMethodAdded    = "payment.method.added"
	EventTransactionPending    = "payment.transaction.pending"
	EventTransactionTransitory = "payment.transaction.transitory"
	EventTransactionSucceeded  = "payment.transaction.succeeded"
	EventTransactionDeclined   = "payment.transaction.declined"
	EventTransactionRefunded   = "payment.transaction.refunded"
	EventTransactionEscalated  = "payment.transaction.escalated"
)

// TransactionEventType returns the lifecycle event type for a status.
func TransactionEventType(status string) string {
	return "payment.transaction." + status
}

// Event data structures

// PaymentCreatedData is the data for payment.created events
type PaymentCreatedData struct {
	PaymentID string `json:"payment_id"`
	User      string `json:"user"`
	Email     string `json:"email"`
}

// PaymentMethodAddedData is the data for payment.method.added events
type PaymentMethodAddedData struct {
	PaymentID string `json:"payment_id"`
	Provider  string `json:"provider"`
	MethodID  string `json:"method_id"`
	Brand     string `json:"brand,omitempty"`
	Last4     string `json:"last4,omitempty"`
}

// TransactionStatusData is the data for payment.transaction.* events
type TransactionStatusData struct {
	TransactionID string    `json:"transaction_id"`
	PaymentID     string    `json:"payment_id"`
	User          string    `json:"user"`
	Provider      string    `json:"provider"`
	ProviderRef   string    `json:"provider_ref,omitempty"`
	Status        string    `json:"status"`
	PreviousState string    `json:"previous_status,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Source        string    `json:"source"`
	RefundID      string    `json:"refund_id,omitempty"`
	ReasonCode    string    `json:"reason_code,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// TransactionEscalatedData is the data for payment.transaction.escalated events
type TransactionEscalatedData struct {
	Kind          string `json:"kind"`
	Provider      string `json:"provider"`
	ProviderRef   string `json:"provider_ref,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	EventType     string `json:"event_type,omitempty"`
}
