package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"paygate/internal/common/cache"
	"paygate/internal/common/database"
	"paygate/internal/common/metrics"
	"paygate/internal/common/middleware"
	"paygate/internal/common/nats"
	"paygate/internal/payment"
	"paygate/internal/payment/api"
	"paygate/internal/payment/charge"
	"paygate/internal/payment/reconcile"
	"paygate/internal/payment/store"
	"paygate/internal/providers"
	"paygate/internal/providers/paypal"
	"paygate/internal/providers/stripe"
)

// Config holds service configuration
type Config struct {
	Port            int           `envconfig:"PAYMENTS_PORT" default:"8090"`
	Environment     string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	APIKeys         []string      `envconfig:"API_KEYS" required:"true"`
	MigrateOnStart  bool          `envconfig:"MIGRATE_ON_START" default:"true"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	SweepInterval   time.Duration `envconfig:"EXPIRY_SWEEP_INTERVAL" default:"1m"`
	SweepBatch      int           `envconfig:"EXPIRY_SWEEP_BATCH" default:"100"`

	Database database.Config
	NATS     nats.Config
	Cache    cache.Config
	Stripe   stripe.Config
	PayPal   paypal.Config
}

type idempotencyCache interface {
	middleware.IdempotencyStore
	payment.WebhookDeduper
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, store.Migrations, store.MigrationsDir, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.PaymentStream(cfg.NATS)); err != nil {
		logger.Error("failed to ensure payment stream", "error", err)
		os.Exit(1)
	}
	publisher := nats.NewPublisher(natsClient, logger)

	// Response and webhook dedupe cache
	var kv idempotencyCache
	var redisHealth func(context.Context) error
	if cfg.Cache.URL != "" {
		rc, err := cache.NewRedis(ctx, cfg.Cache, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rc.Close()
		kv, redisHealth = rc, rc.HealthCheck
	} else {
		logger.Warn("REDIS_URL not set, using in-process cache")
		kv = cache.NewMemory()
	}

	// Providers
	registry := providers.NewRegistry()
	if cfg.Stripe.Enabled() {
		registry.Register(stripe.NewAdapter(cfg.Stripe, logger))
	}
	if cfg.PayPal.Enabled() {
		registry.Register(paypal.NewAdapter(cfg.PayPal, logger))
	}
	if len(registry.Providers()) == 0 {
		logger.Warn("no payment provider configured")
	}

	metrics.Init()

	// Create services
	st := store.NewPostgresStore(db)
	engine := reconcile.NewEngine(st, registry, publisher, reconcile.Config{
		ApprovalTTL:     cfg.PayPal.ApprovalTTL,
		ProviderTimeout: cfg.ProviderTimeout,
		SweepBatch:      cfg.SweepBatch,
	}, logger)
	orchestrator := charge.NewOrchestrator(st, registry, engine, cfg.ProviderTimeout, logger)
	paymentService := payment.NewService(st, registry, engine, orchestrator, publisher, kv, payment.Config{
		ProviderTimeout: cfg.ProviderTimeout,
		WebhookTTL:      cfg.Cache.WebhookTTL,
	}, logger)

	// Create handlers
	paymentHandler := api.NewHandler(paymentService, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.HTTPMetrics)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		if redisHealth != nil {
			if err := redisHealth(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Mount("/", paymentHandler.Routes(
			middleware.APIKeyAuth(cfg.APIKeys),
			middleware.Idempotency(kv, cfg.Cache.IdempotencyTTL, logger),
		))
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go sweepExpired(ctx, paymentService, cfg.SweepInterval, logger)

	// Start server in goroutine
	go func() {
		logger.Info("starting payment service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"providers", registry.Providers(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// sweepExpired resolves approval-flow transactions whose window closed.
func sweepExpired(ctx context.Context, svc *payment.Service, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireTransitory(ctx)
			if err != nil {
				logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired transitory transactions resolved", "count", n)
			}
		}
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
