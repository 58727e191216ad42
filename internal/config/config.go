// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration, populated from environment
// variables. Secrets referenced by name (ProviderAPIKeySecret,
// WebhookSecretName) are resolved through the configured secret store at
// startup, never stored here in plaintext.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	ProviderBaseURL      string        `env:"PROVIDER_BASE_URL,required"`
	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	ProviderMaxAttempts  int           `env:"PROVIDER_MAX_ATTEMPTS" envDefault:"3"`
	ProviderAPIKeySecret string        `env:"PROVIDER_API_KEY_SECRET" envDefault:"billing/provider-api-key"`
	WebhookSecretName    string        `env:"WEBHOOK_SECRET_NAME" envDefault:"billing/webhook-secret"`
	WebhookTolerance     time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`

	// SecretsBackend selects where named secrets are resolved: "aws" for
	// Secrets Manager, "env" for environment variables (local development).
	SecretsBackend string `env:"SECRETS_BACKEND" envDefault:"env"`
	AWSRegion      string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSProfile     string `env:"AWS_PROFILE"`
	AWSEndpoint    string `env:"AWS_ENDPOINT"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	PauseSweepInterval time.Duration `env:"PAUSE_SWEEP_INTERVAL" envDefault:"1h"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses the configuration from the environment and validates it
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express
func (c *Config) Validate() error {
	switch c.SecretsBackend {
	case "aws", "env":
	default:
		return fmt.Errorf("unknown secrets backend %q", c.SecretsBackend)
	}
	if c.ProviderMaxAttempts < 1 {
		return errors.New("PROVIDER_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return errors.New("rate limit settings must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs in a production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
