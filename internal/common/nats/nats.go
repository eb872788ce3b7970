package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"paygate/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"paygate"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`

	Stream          string        `envconfig:"NATS_STREAM" default:"PAYMENTS"`
	StreamMaxAge    time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	DuplicateWindow time.Duration `envconfig:"NATS_DUPLICATE_WINDOW" default:"10m"`
}

// Headers set on every published event.
const (
	HeaderEventType     = "Paygate-Event-Type"
	HeaderAggregateID   = "Paygate-Aggregate-Id"
	HeaderCorrelationID = "Paygate-Correlation-Id"
)

// subjectRoot prefixes every subject; events are namespaced by their type.
const subjectRoot = "events."

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected, lifecycle events will fail until reconnect", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl(), "client", cfg.Name)
	return &Client{conn: conn, js: js, logger: logger}, nil
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
		c.conn.Close()
	}
}

// StreamConfig defines a JetStream stream
type StreamConfig struct {
	Name        string
	Description string
	Subjects    []string
	MaxAge      time.Duration
	Duplicates  time.Duration
	Replicas    int
}

// PaymentStream is the stream carrying payment and transaction lifecycle
// events. Duplicates is the window inside which a re-published event id is
// dropped by the server.
func PaymentStream(cfg Config) StreamConfig {
	return StreamConfig{
		Name:        cfg.Stream,
		Description: "payment and transaction lifecycle events",
		Subjects: []string{
			subjectRoot + events.AggregatePayment + ".>",
		},
		MaxAge:     cfg.StreamMaxAge,
		Duplicates: cfg.DuplicateWindow,
		Replicas:   1,
	}
}

// EnsureStream creates or updates a stream
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Description: cfg.Description,
		Subjects:    cfg.Subjects,
		MaxAge:      cfg.MaxAge,
		Duplicates:  cfg.Duplicates,
		Replicas:    cfg.Replicas,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", cfg.Name, err)
	}

	c.logger.Info("stream ensured",
		"name", cfg.Name,
		"subjects", cfg.Subjects,
		"duplicate_window", cfg.Duplicates,
	)
	return stream, nil
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", c.conn.Status())
	}
	return nil
}

// Subject maps an event type onto its subject. Only payment events are
// routed; anything else would fall outside the payment stream and be lost.
func Subject(eventType string) (string, error) {
	if !strings.HasPrefix(eventType, events.AggregatePayment+".") || strings.ContainsAny(eventType, " *>") {
		return "", fmt.Errorf("event type %q is not a payment event", eventType)
	}
	return subjectRoot + eventType, nil
}

// Message builds the JetStream message for event.
func Message(event *events.Event) (*nats.Msg, error) {
	subject, err := Subject(event.Type)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderEventType, event.Type)
	msg.Header.Set(HeaderAggregateID, event.AggregateID)
	if event.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, event.CorrelationID)
	}
	return msg, nil
}

// Publisher publishes events to NATS
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish publishes event on its payment subject. The message id is the event
// id, so a retried publish inside the duplicate window is stored once.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	msg, err := Message(event)
	if err != nil {
		return err
	}

	ack, err := p.client.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", msg.Subject,
		"stream_seq", ack.Sequence,
		"duplicate", ack.Duplicate,
		"correlation_id", event.CorrelationID,
	)
	return nil
}
