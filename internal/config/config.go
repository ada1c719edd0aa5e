// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Event store. DATABASE_URL selects Postgres, CLICKHOUSE_ADDR selects
	// ClickHouse; with neither set the server runs on an empty in-memory store.
	DatabaseURL        string
	ClickHouseAddr     string
	ClickHouseDB       string
	ClickHouseUser     string
	ClickHousePassword string
	StoreRetryAttempts int
	StoreRetryDelay    time.Duration

	// Device metadata cache (optional)
	RedisURL       string
	DeviceCacheTTL time.Duration

	// Versioned corpus store (pgx); defaults to DATABASE_URL.
	CorpusDatabaseURL string

	// Build notifications (optional)
	RabbitMQURL      string
	RabbitMQExchange string

	// Model source: a local artifact or a remote model server.
	ModelPath string
	ModelURL  string

	// Snapshot windows
	Lookback         time.Duration
	Horizon          time.Duration
	Cadence          time.Duration
	BuildParallelism int

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultClickHouseDB       = "default"
	DefaultRabbitMQExchange   = "atmrisk.corpus"
	DefaultLookback           = 7 * 24 * time.Hour
	DefaultHorizon            = 24 * time.Hour
	DefaultCadence            = 12 * time.Hour
	DefaultBuildParallelism   = 4
	DefaultStoreRetryAttempts = 3
	DefaultStoreRetryDelay    = 200 * time.Millisecond
	DefaultDeviceCacheTTL     = 10 * time.Minute
	DefaultRateLimitRPM       = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ClickHouseAddr:     os.Getenv("CLICKHOUSE_ADDR"),
		ClickHouseDB:       getEnv("CLICKHOUSE_DB", DefaultClickHouseDB),
		ClickHouseUser:     os.Getenv("CLICKHOUSE_USER"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		StoreRetryAttempts: getEnvInt(&errs, "STORE_RETRY_ATTEMPTS", DefaultStoreRetryAttempts),
		StoreRetryDelay:    getEnvDuration(&errs, "STORE_RETRY_DELAY", DefaultStoreRetryDelay),
		RedisURL:           os.Getenv("REDIS_URL"),
		DeviceCacheTTL:     getEnvDuration(&errs, "DEVICE_CACHE_TTL", DefaultDeviceCacheTTL),
		CorpusDatabaseURL:  os.Getenv("CORPUS_DATABASE_URL"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", DefaultRabbitMQExchange),
		ModelPath:          os.Getenv("MODEL_PATH"),
		ModelURL:           os.Getenv("MODEL_URL"),
		Lookback:           getEnvDuration(&errs, "LOOKBACK", DefaultLookback),
		Horizon:            getEnvDuration(&errs, "HORIZON", DefaultHorizon),
		Cadence:            getEnvDuration(&errs, "CADENCE", DefaultCadence),
		BuildParallelism:   getEnvInt(&errs, "BUILD_PARALLELISM", DefaultBuildParallelism),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:       getEnvInt(&errs, "RATE_LIMIT_RPM", DefaultRateLimitRPM),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.CorpusDatabaseURL == "" {
		cfg.CorpusDatabaseURL = cfg.DatabaseURL
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Lookback <= 0 || c.Horizon <= 0 || c.Cadence <= 0 {
		return fmt.Errorf("LOOKBACK, HORIZON and CADENCE must be positive")
	}
	if c.BuildParallelism < 1 {
		return fmt.Errorf("BUILD_PARALLELISM must be at least 1")
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.DatabaseURL != "" && c.ClickHouseAddr != "" {
		return fmt.Errorf("set only one of DATABASE_URL and CLICKHOUSE_ADDR")
	}
	if c.ModelPath != "" && c.ModelURL != "" {
		return fmt.Errorf("set only one of MODEL_PATH and MODEL_URL")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt(errs *[]error, key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return i
}

func getEnvDuration(errs *[]error, key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return d
}
