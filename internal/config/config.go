// Package config defines the global configuration for the reviewflow scraper
// service. Configuration is loaded once at process start and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, optionally seeded from a .env file in development.
//
// Any missing required value or invalid format fails startup immediately.
// In particular, a missing webhook secret must abort the process rather than
// silently disable the check.
package config

import (
	"time"

	"reviewflow/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the scraper service.
// Sub-components receive only the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"reviewflow-scraper"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Apify     ApifyConfig
	Billing   BillingConfig
	AWS       AWSConfig
	Scheduler SchedulerConfig
	Security  SecurityConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// APIExternalURL is the public base URL of this service, used to build
	// the webhook callback URLs registered with the job platform.
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// ApifyConfig holds the external job platform credentials and tuning.
// The API token and the inbound webhook secret are both required: starting
// without either would silently disable schedule sync or webhook auth.
type ApifyConfig struct {
	APIToken      SecretString  `envconfig:"APIFY_API_TOKEN" validate:"required"`
	WebhookSecret SecretString  `envconfig:"APIFY_WEBHOOK_SECRET" validate:"required,min=16"`
	BaseURL       string        `envconfig:"APIFY_BASE_URL" default:"https://api.apify.com"`
	CallTimeout   time.Duration `envconfig:"APIFY_CALL_TIMEOUT" default:"30s"`
	MaxRetries    int           `envconfig:"APIFY_MAX_RETRIES" default:"2"`
}

// BillingConfig holds the payment provider webhook signing secret. Lifecycle
// events (subscription created/updated/cancelled) arrive as signed provider
// webhooks.
type BillingConfig struct {
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// AWSConfig holds queue and metrics infrastructure identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ReviewQueueURL receives per-target review batches after successful runs.
	ReviewQueueURL string `envconfig:"SQS_REVIEW_BATCHES" validate:"required,url"`
	// AlertQueueURL receives operator alerts for failed/aborted runs.
	AlertQueueURL string `envconfig:"SQS_OPERATOR_ALERTS" validate:"required,url"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"ReviewFlow"`

	// LocalStack support; empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SchedulerConfig tunes the batch capacity manager and reconciler.
type SchedulerConfig struct {
	// ConsolidateThreshold is the fill fraction below which a batch becomes
	// a consolidation candidate.
	ConsolidateThreshold float64       `envconfig:"CONSOLIDATE_THRESHOLD" default:"0.25"`
	ReconcileBatchLimit  int           `envconfig:"RECONCILE_BATCH_LIMIT" default:"100"`
	RebuildTimeout       time.Duration `envconfig:"REBUILD_TIMEOUT" default:"30s"`
}

// SecurityConfig holds admin access configuration.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
}
