// Package main implements the reconcile CLI tool for running a single
// schedule reconciliation pass directly, outside the API's /admin/reconcile
// endpoint.
//
// This tool is intended for local development, cron-driven off-peak runs,
// and post-incident repair. It compares cached subscriber counts against the
// mapping table, repairs drift, re-pushes external inputs for drifted
// entries, and emits the drift and batch-health metrics.
//
// Usage:
//
//	go run ./cmd/tools/reconcile
//	go run ./cmd/tools/reconcile --dry-run
//	go run ./cmd/tools/reconcile --skip-metrics
//
// Configuration is read from environment variables (or a .env file via
// godotenv). In --dry-run mode the platform client is replaced with an
// in-memory stub, so drift is reported but nothing is pushed upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"reviewflow/internal/config"
	"reviewflow/internal/db"
	"reviewflow/internal/external"
	"reviewflow/internal/metrics"
	"reviewflow/internal/schedule"
)

const runTimeout = 5 * time.Minute

func main() {
	dryRun := flag.Bool("dry-run", false, "report drift without pushing repairs to the job platform")
	skipMetrics := flag.Bool("skip-metrics", false, "do not emit CloudWatch metrics")
	flag.Parse()

	if err := run(*dryRun, *skipMetrics); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(dryRun, skipMetrics bool) error {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	var platform external.JobPlatform
	if dryRun {
		platform = external.NewStubPlatform()
	} else {
		platform = external.NewApifyClient(
			cfg.Apify.BaseURL,
			cfg.Apify.APIToken,
			cfg.Apify.CallTimeout,
			cfg.Apify.MaxRetries,
		)
	}

	entryRepo := db.NewScheduleEntryRepo(pool)
	mappingRepo := db.NewSubscriberMappingRepo(pool, pool)
	runRepo := db.NewJobRunRepo(pool)
	webhook := schedule.WebhookConfig{
		BaseURL: cfg.Server.APIExternalURL,
		Token:   cfg.Apify.WebhookSecret,
	}
	registry := schedule.NewRegistry(entryRepo, mappingRepo, platform, webhook, logger)
	// No alerter here: the tool reports unclaimed runs through its logs,
	// the API's reconcile endpoint owns the operator alert path.
	reconciler := schedule.NewReconciler(entryRepo, mappingRepo, registry,
		runRepo, platform, nil,
		schedule.ReconcilerConfig{
			BatchLimit:     cfg.Scheduler.ReconcileBatchLimit,
			RebuildTimeout: cfg.Scheduler.RebuildTimeout,
		}, logger)
	capacity := schedule.NewCapacity(entryRepo, mappingRepo, registry, logger)

	report, err := reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation pass: %w", err)
	}
	logger.Info("reconciliation pass complete",
		"checked", report.Checked,
		"drifted", report.Drifted,
		"repaired", report.Repaired,
		"deferred", report.Deferred,
		"failed", report.Failed,
		"dry_run", dryRun,
	)

	if skipMetrics || dryRun {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	collector := metrics.NewCloudWatchCollector(cwClient, cfg.AWS.MetricNamespace, logger)

	collector.RecordReconcileDrift(ctx, report.Drifted)

	_, summary, err := capacity.HealthStatus(ctx)
	if err != nil {
		return fmt.Errorf("collecting batch health: %w", err)
	}
	collector.RecordBatchHealth(ctx, summary)
	return nil
}
