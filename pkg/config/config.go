// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcclellann/loanservicing/pkg/logging"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"loanservicing.db"`
	Port           string `env:"SERVER_PORT" envDefault:"8080"`
	Environment    string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string `env:"LOG_LEVEL"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SweepConcurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`

	DefaultGraceDays   int             `env:"DEFAULT_GRACE_DAYS" envDefault:"5"`
	DefaultLateFeeType string          `env:"DEFAULT_LATE_FEE_TYPE" envDefault:"FIXED"`
	DefaultLateFeeRate decimal.Decimal `env:"DEFAULT_LATE_FEE_RATE" envDefault:"25"`

	ProcessorTimeout time.Duration `env:"PROCESSOR_TIMEOUT" envDefault:"10s"`
	Breaker          Breaker       `envPrefix:"BREAKER_"`
}

// Breaker configures the circuit breaker around the payment processor.
type Breaker struct {
	MaxRequests         uint32        `env:"MAX_REQUESTS" envDefault:"1"`
	Interval            time.Duration `env:"INTERVAL" envDefault:"60s"`
	Timeout             time.Duration `env:"TIMEOUT" envDefault:"30s"`
	ConsecutiveFailures uint32        `env:"CONSECUTIVE_FAILURES" envDefault:"5"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1, got %d", c.SweepConcurrency)
	}
	if err := c.ChargePolicy().Validate(); err != nil {
		return fmt.Errorf("default charge policy: %w", err)
	}
	return nil
}

// LogEnvironment maps ENVIRONMENT onto a logger profile.
func (c *Config) LogEnvironment() logging.Environment {
	return logging.Environment(c.Environment)
}

// ChargePolicy is the late-fee policy stamped on newly generated schedules.
func (c *Config) ChargePolicy() models.ChargePolicy {
	return models.ChargePolicy{
		GracePeriodDays: c.DefaultGraceDays,
		LateFeeType:     models.LateFeeType(c.DefaultLateFeeType),
		LateFeeRate:     c.DefaultLateFeeRate,
	}
}
