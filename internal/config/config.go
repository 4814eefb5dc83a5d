// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Operational settings that
// operators change at runtime (rates, withdrawal mode, the encrypted
// seed) live in the settings table, not here.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL  string
	ChainID int64

	// SeedPassphrase unlocks the encrypted seed stored in settings. An
	// empty passphrase leaves the reconciler and disburser idle.
	SeedPassphrase string

	// Chat gateway (outbound notifications)
	GatewayURL    string
	GatewaySecret string

	// Security
	AdminToken   string // operator API token
	RateLimitRPS int

	// Background jobs
	ReconcileInterval time.Duration
	DisburseInterval  time.Duration
	Confirmations     int64
	MaxBlocksPerRun   int64
	DustThreshold     string // minimum inbound transfer, decimal string
	SafetyBuffer      string // wallet liquidity floor, decimal string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultRateLimit         = 100
	DefaultReconcileInterval = 15 * time.Second
	DefaultDisburseInterval  = time.Minute
	DefaultConfirmations     = 3
	DefaultMaxBlocksPerRun   = 200
	DefaultDustThreshold     = "0.001"
	DefaultSafetyBuffer      = "1"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		SeedPassphrase:    os.Getenv("SEED_PASSPHRASE"),
		GatewayURL:        os.Getenv("GATEWAY_URL"),
		GatewaySecret:     os.Getenv("GATEWAY_SECRET"),
		AdminToken:        os.Getenv("ADMIN_TOKEN"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		DisburseInterval:  getEnvDuration("DISBURSE_INTERVAL", DefaultDisburseInterval),
		Confirmations:     getEnvInt64("CONFIRMATIONS", DefaultConfirmations),
		MaxBlocksPerRun:   getEnvInt64("MAX_BLOCKS_PER_RUN", DefaultMaxBlocksPerRun),
		DustThreshold:     getEnv("DUST_THRESHOLD", DefaultDustThreshold),
		SafetyBuffer:      getEnv("SAFETY_BUFFER", DefaultSafetyBuffer),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.Confirmations < 0 {
		return fmt.Errorf("CONFIRMATIONS must not be negative")
	}
	if c.ReconcileInterval <= 0 || c.DisburseInterval <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}
	if c.IsProduction() && c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required in production")
	}
	if c.IsProduction() && c.GatewaySecret == "" && c.GatewayURL != "" {
		return fmt.Errorf("GATEWAY_SECRET is required when GATEWAY_URL is set in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
