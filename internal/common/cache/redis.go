// Package cache holds the short-lived keys the HTTP layer needs: replayable
// responses for Idempotency-Key requests and processed webhook event ids.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration.
type Config struct {
	URL            string        `envconfig:"REDIS_URL"`
	KeyPrefix      string        `envconfig:"REDIS_KEY_PREFIX" default:"paygate"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	WebhookTTL     time.Duration `envconfig:"WEBHOOK_DEDUPE_TTL" default:"72h"`
}

// Redis is a Redis-backed cache.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, cfg Config, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("redis connection established", "addr", opts.Addr)
	return &Redis{client: client, prefix: cfg.KeyPrefix, logger: logger}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// HealthCheck pings Redis.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) responseKey(key string) string {
	return fmt.Sprintf("%s:idem:%s", r.prefix, key)
}

func (r *Redis) eventKey(provider, eventID string) string {
	return fmt.Sprintf("%s:webhook:%s:%s", r.prefix, provider, eventID)
}

// Get returns a cached response.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.responseKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached response: %w", err)
	}
	return b, true, nil
}

// Set caches a response for ttl.
func (r *Redis) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.responseKey(key), response, ttl).Err(); err != nil {
		return fmt.Errorf("cache response: %w", err)
	}
	return nil
}

// IsProcessed reports whether a webhook event was already handled.
func (r *Redis) IsProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records a handled webhook event for ttl.
func (r *Redis) MarkProcessed(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.client.SetNX(ctx, r.eventKey(provider, eventID), now, ttl).Err(); err != nil {
		r.logger.Error("failed to mark webhook event processed",
			"provider", provider,
			"event_id", eventID,
			"error", err,
		)
		return fmt.Errorf("mark processed event: %w", err)
	}
	return nil
}
