// The billing server exposes the subscription lifecycle JSON API, the
// provider webhook ingress, and a metrics side port.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/adapters/postgres"
	"github.com/brightnest/billing-service/internal/adapters/provider"
	"github.com/brightnest/billing-service/internal/adapters/secrets"
	"github.com/brightnest/billing-service/internal/config"
	"github.com/brightnest/billing-service/internal/domain/ports"
	billinghandler "github.com/brightnest/billing-service/internal/handlers/billing"
	"github.com/brightnest/billing-service/internal/services/lifecycle"
	"github.com/brightnest/billing-service/internal/services/locking"
	"github.com/brightnest/billing-service/internal/services/pricing"
	"github.com/brightnest/billing-service/internal/services/reconcile"
	"github.com/brightnest/billing-service/pkg/middleware"
	"github.com/brightnest/billing-service/pkg/observability"
)

func main() {
	// Missing .env is fine outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	var logger *zap.Logger
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secretStore, err := newSecretStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	apiKey, err := secretStore.GetSecret(ctx, cfg.ProviderAPIKeySecret)
	if err != nil {
		return err
	}
	webhookSecret, err := secretStore.GetSecret(ctx, cfg.WebhookSecretName)
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	ledger := postgres.NewLedger(pool)

	gateway := provider.NewClient(provider.Config{
		BaseURL:     cfg.ProviderBaseURL,
		APIKey:      apiKey,
		Timeout:     cfg.ProviderTimeout,
		MaxAttempts: cfg.ProviderMaxAttempts,
	}, nil, logger)

	// One lock set shared between the customer-facing manager and the webhook
	// reconciler so per-subscription writes serialize across both paths.
	locks := locking.NewKeyedLock()
	pauseCfg := pricing.DefaultPauseConfig()

	manager := lifecycle.NewManager(
		ledger,
		gateway,
		pricing.NewDiscountResolver(pricing.DefaultDiscountConfig()),
		pricing.NewPauseTierClassifier(pauseCfg),
		pricing.NewBillingAnchorCalculator(pricing.DefaultBookingConfig()),
		pricing.NewCancellationPenaltyCalculator(pricing.DefaultPenaltyConfig()),
		pauseCfg,
		locks,
		logger,
		nil,
	)
	reconciler := reconcile.NewReconciler(ledger, locks, logger, nil)
	handler := billinghandler.NewHandler(manager, reconciler, webhookSecret, cfg.WebhookTolerance, logger, nil)

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	router.Mount("/", handler.Routes())

	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("database", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	metricsServer := observability.StartMetricsServer(cfg.MetricsPort, healthChecker, logger)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billing server listening",
			zap.String("port", cfg.HTTPPort),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go sweepPauses(ctx, manager, cfg.PauseSweepInterval, logger)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := observability.ShutdownMetricsServer(metricsServer); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
	return nil
}

func newSecretStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.SecretStore, error) {
	if cfg.SecretsBackend == "aws" {
		return secrets.NewAWSStore(ctx, secrets.AWSConfig{
			Region:   cfg.AWSRegion,
			Profile:  cfg.AWSProfile,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
	}
	return secrets.NewEnvStore(), nil
}

// sweepPauses periodically resumes subscriptions whose pause window elapsed
func sweepPauses(ctx context.Context, manager *lifecycle.Manager, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := manager.ResumeDuePauses(ctx); err != nil {
				logger.Error("pause sweep failed", zap.Error(err))
			}
		}
	}
}
