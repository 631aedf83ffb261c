package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/joho/godotenv"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Database Configuration
	DatabaseDriver string        // "postgres" or "sqlite"
	DatabaseUrl    string        // Postgres DSN or SQLite file path
	DBMaxOpenConns int
	DBLockTimeout  time.Duration // Wait bound for per-user row locks
	PricingFile    string        // Optional YAML unit cost overrides

	// Credit policy
	FreeMonthlyCredits    int64
	AutoProvisionAccounts bool
	PurchaseExpiryMonths  int
	RefundLotExpiry       time.Duration
	LowBalancePercent     int64

	// Scheduler Configuration
	SchedulerEnabled   bool
	FreeResetInterval  time.Duration
	ExpireLotsInterval time.Duration
	LowBalanceInterval time.Duration
	SweepConcurrency   int
	SweepBatchSize     int
	JobTimeout         time.Duration

	// Internal API authentication
	// Callers send it in the X-Internal-Token header. Empty disables the check.
	InternalAPIToken string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	policy := domain.DefaultCreditPolicy()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", DriverPostgres),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBLockTimeout:  getEnvDuration("DB_LOCK_TIMEOUT", 5*time.Second),
		PricingFile:    getEnv("PRICING_FILE", ""),

		// Credit policy defaults
		FreeMonthlyCredits:    int64(getEnvInt("FREE_MONTHLY_CREDITS", int(policy.FreeMonthly))),
		AutoProvisionAccounts: getEnvBool("AUTO_PROVISION_ACCOUNTS", policy.AutoProvision),
		PurchaseExpiryMonths:  getEnvInt("PURCHASE_EXPIRY_MONTHS", policy.PurchaseExpiry),
		RefundLotExpiry:       getEnvDuration("REFUND_LOT_EXPIRY", policy.RefundLotExpiry),
		LowBalancePercent:     int64(getEnvInt("LOW_BALANCE_PERCENT", int(policy.LowBalancePct))),

		// Scheduler defaults
		SchedulerEnabled:   getEnvBool("SCHEDULER_ENABLED", true),
		FreeResetInterval:  getEnvDuration("FREE_RESET_INTERVAL", time.Hour),
		ExpireLotsInterval: getEnvDuration("EXPIRE_LOTS_INTERVAL", 15*time.Minute),
		LowBalanceInterval: getEnvDuration("LOW_BALANCE_INTERVAL", 6*time.Hour),
		SweepConcurrency:   getEnvInt("SWEEP_CONCURRENCY", 4),
		SweepBatchSize:     getEnvInt("SWEEP_BATCH_SIZE", 500),
		JobTimeout:         getEnvDuration("JOB_TIMEOUT", 10*time.Minute),

		InternalAPIToken: getEnv("INTERNAL_API_TOKEN", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Required
	cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
	if cfg.DatabaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	if c.DatabaseDriver != DriverPostgres && c.DatabaseDriver != DriverSQLite {
		return fmt.Errorf("DATABASE_DRIVER must be either 'postgres' or 'sqlite', got: %s", c.DatabaseDriver)
	}
	if c.FreeMonthlyCredits < 0 {
		return fmt.Errorf("FREE_MONTHLY_CREDITS must not be negative, got: %d", c.FreeMonthlyCredits)
	}
	if c.PurchaseExpiryMonths < 1 {
		return fmt.Errorf("PURCHASE_EXPIRY_MONTHS must be at least 1, got: %d", c.PurchaseExpiryMonths)
	}
	if c.RefundLotExpiry <= 0 {
		return fmt.Errorf("REFUND_LOT_EXPIRY must be positive, got: %s", c.RefundLotExpiry)
	}
	if c.LowBalancePercent < 0 || c.LowBalancePercent > 100 {
		return fmt.Errorf("LOW_BALANCE_PERCENT must be between 0 and 100, got: %d", c.LowBalancePercent)
	}
	if c.Env == "production" && c.InternalAPIToken == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN is required in production")
	}
	return nil
}

// CreditPolicy returns the ledger rules configured by the environment.
func (c *Config) CreditPolicy() domain.CreditPolicy {
	return domain.CreditPolicy{
		FreeMonthly:     c.FreeMonthlyCredits,
		AutoProvision:   c.AutoProvisionAccounts,
		PurchaseExpiry:  c.PurchaseExpiryMonths,
		RefundLotExpiry: c.RefundLotExpiry,
		LowBalancePct:   c.LowBalancePercent,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
