// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs in cron derivation.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"reviewflow/internal/types"
)

// ConfigErrorType classifies configuration failures for diagnostics.
type ConfigErrorType string

const (
	ConfigErrorParse      ConfigErrorType = "parse"
	ConfigErrorValidation ConfigErrorType = "validation"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the service configuration from the
// environment. A .env file in the working directory is applied first without
// overriding already-set variables. Missing required values - notably the
// Apify webhook secret and admin key - fail loading rather than degrading
// into silently disabled checks.
func LoadConfig() (*Config, error) {
	// Cron derivation and all bookkeeping timestamps assume UTC.
	time.Local = time.UTC

	// Non-fatal if absent; does not override existing env vars.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ConfigErrorParse,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate runs struct-tag validation over the populated config. Secrets
// are checked explicitly first so a missing one surfaces as a distinct
// config_missing_secret error instead of a generic validation failure.
func validate(cfg *Config) error {
	secrets := []struct {
		envVar string
		value  SecretString
	}{
		{"APIFY_API_TOKEN", cfg.Apify.APIToken},
		{"APIFY_WEBHOOK_SECRET", cfg.Apify.WebhookSecret},
		{"STRIPE_WEBHOOK_SECRET", cfg.Billing.StripeWebhookSecret},
		{"ADMIN_API_KEY", cfg.Security.AdminAPIKey},
	}
	for _, s := range secrets {
		if s.value.Unmask() == "" {
			return &ConfigError{
				Type:    ConfigErrorValidation,
				Message: s.envVar + " is required",
				Err:     types.NewAppError(types.ErrCodeConfigMissingSecret, s.envVar+" is not set", nil),
			}
		}
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ConfigErrorValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if cfg.Scheduler.ConsolidateThreshold <= 0 || cfg.Scheduler.ConsolidateThreshold >= 1 {
		return &ConfigError{
			Type:    ConfigErrorValidation,
			Message: fmt.Sprintf("CONSOLIDATE_THRESHOLD must be in (0,1), got %v", cfg.Scheduler.ConsolidateThreshold),
		}
	}

	return nil
}
