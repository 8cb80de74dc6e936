package config

import (
	"strings"
	"testing"
	"time"

	"github.com/mcclellann/loanservicing/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Fatalf("expected default driver sqlite, got %q", cfg.DatabaseDriver)
	}
	if cfg.SweepInterval != time.Hour {
		t.Fatalf("expected default sweep interval 1h, got %s", cfg.SweepInterval)
	}
	if cfg.Breaker.ConsecutiveFailures != 5 {
		t.Fatalf("expected 5 consecutive failures, got %d", cfg.Breaker.ConsecutiveFailures)
	}
	policy := cfg.ChargePolicy()
	if policy.LateFeeType != models.LateFeeFixed || policy.LateFeeRate.String() != "25" {
		t.Fatalf("unexpected default charge policy %+v", policy)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/loans")
	t.Setenv("DEFAULT_LATE_FEE_TYPE", "DAILY")
	t.Setenv("DEFAULT_LATE_FEE_RATE", "10.5")
	t.Setenv("BREAKER_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Fatalf("expected postgres, got %q", cfg.DatabaseDriver)
	}
	if cfg.Breaker.Timeout != 5*time.Second {
		t.Fatalf("expected breaker timeout 5s, got %s", cfg.Breaker.Timeout)
	}
	if cfg.DefaultLateFeeRate.String() != "10.5" {
		t.Fatalf("expected late fee rate 10.5, got %s", cfg.DefaultLateFeeRate)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"DATABASE_DRIVER":       "mysql",
		"SWEEP_CONCURRENCY":     "0",
		"DEFAULT_LATE_FEE_TYPE": "WEEKLY",
		"SWEEP_INTERVAL":        "often",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestLoadParseErrorPrefix(t *testing.T) {
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("SWEEP_CONCURRENCY", "many")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
