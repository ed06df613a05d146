// Package main is the entry point for the reviewflow scheduler API.
//
// It loads configuration, connects the Postgres pool and AWS clients, wires
// the schedule orchestration stack (registry, capacity manager, reconciler,
// lifecycle controller) behind the HTTP chassis, and serves until a shutdown
// signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reviewflow/internal/alerts"
	"reviewflow/internal/api/handlers"
	"reviewflow/internal/billing"
	"reviewflow/internal/config"
	"reviewflow/internal/core"
	"reviewflow/internal/db"
	"reviewflow/internal/external"
	"reviewflow/internal/lifecycle"
	"reviewflow/internal/metrics"
	"reviewflow/internal/queue"
	"reviewflow/internal/schedule"
)

// alertSuppressionTTL deduplicates operator pages for the same failure
// shape. A flapping actor produces one alert per window, not one per run.
const alertSuppressionTTL = 15 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit
// on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("reviewflow scheduler starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Postgres pool.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	// AWS clients. EndpointURL is set for LocalStack in local environments.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Repositories.
	entryRepo := db.NewScheduleEntryRepo(pool)
	mappingRepo := db.NewSubscriberMappingRepo(pool, pool)
	overrideRepo := db.NewIntervalOverrideRepo(pool)
	runRepo := db.NewJobRunRepo(pool)
	targetRepo := db.NewTargetRepo(pool)
	subRepo := db.NewTenantSubscriptionRepo(pool)

	// Job platform client.
	platform := external.NewApifyClient(
		cfg.Apify.BaseURL,
		cfg.Apify.APIToken,
		cfg.Apify.CallTimeout,
		cfg.Apify.MaxRetries,
	)
	webhook := schedule.WebhookConfig{
		BaseURL: cfg.Server.APIExternalURL,
		Token:   cfg.Apify.WebhookSecret,
	}

	// Dispatch and alerting come first; the reconciler raises operator
	// alerts for unclaimed runs.
	dispatcher := queue.NewBatchDispatcher(sqsClient, cfg.AWS, logger)
	notifier := alerts.NewNotifier(sqsClient, cfg.AWS, alerts.NewMemoryCache(alertSuppressionTTL), logger)
	collector := metrics.NewCloudWatchCollector(cwClient, cfg.AWS.MetricNamespace, logger)

	// Schedule orchestration stack.
	registry := schedule.NewRegistry(entryRepo, mappingRepo, platform, webhook, logger)
	capacity := schedule.NewCapacity(entryRepo, mappingRepo, registry, logger)
	orchestrator := schedule.NewOrchestrator(registry, capacity, mappingRepo, logger)
	reconciler := schedule.NewReconciler(entryRepo, mappingRepo, registry,
		runRepo, platform, notifier,
		schedule.ReconcilerConfig{
			BatchLimit:     cfg.Scheduler.ReconcileBatchLimit,
			RebuildTimeout: cfg.Scheduler.RebuildTimeout,
		}, logger)

	// Billing-driven lifecycle.
	plans := billing.NewStaticPlanRegistry()
	resolver := billing.NewIntervalResolver(plans, overrideRepo, logger)
	controller := lifecycle.NewController(
		orchestrator, targetRepo, mappingRepo, subRepo,
		resolver, plans, platform, runRepo, webhook, logger,
	)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
		core.ProbeFunc{ProbeName: "sqs", Fn: func(ctx context.Context) error {
			_, err := sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl: aws.String(cfg.AWS.ReviewQueueURL),
			})
			return err
		}},
	}

	// Public webhook routes; each verifies its own credential.
	apifyHandler := handlers.NewApifyWebhookHandler(
		cfg.Apify.WebhookSecret,
		runRepo, platform, targetRepo, mappingRepo, entryRepo,
		dispatcher, notifier, collector, logger,
	)
	billingHandler := handlers.NewBillingWebhookHandler(
		&external.StripeVerifier{}, controller, cfg.Billing.StripeWebhookSecret, logger,
	)
	srv.Register(apifyHandler.RegisterRoutes)
	srv.Register(billingHandler.RegisterRoutes)

	// Internal routes behind the admin key.
	targetsHandler := handlers.NewTargetsHandler(controller, logger)
	adminHandler := handlers.NewAdminHandler(
		entryRepo, mappingRepo, capacity, platform, overrideRepo,
		reconciler, runRepo, cfg.Scheduler.ConsolidateThreshold, logger,
	)
	srv.Register(func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(core.RequireAdminKey(cfg.Security.AdminAPIKey))
			targetsHandler.RegisterRoutes(r)
			adminHandler.RegisterRoutes(r)
		})
	})

	srv.MountRoutes()
	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer serves until a shutdown signal or listener error, then
// drains in-flight requests.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
