package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration, read from environment variables.
type Config struct {
	Port     int
	Env      string
	LogLevel string

	// Database
	DBType     string // sqlite (default), postgres, mysql
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// WhatsApp protocol store (whatsmeow sqlstore)
	WAStoreDriver string // sqlite (default) or pgx
	WAStoreDSN    string

	// Redis (delivery claim rate limiter)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Auth
	JWTSecret string

	// Shopify webhook verification
	ShopifyWebhookSecret string

	// Billing: 0 means unlimited
	MonthlyMessageQuota int

	// Delivery worker
	WorkerConcurrency int           // max jobs in flight per process
	ClaimsPerSecond   int           // rolling cap on queue claims
	ConnectTimeout    time.Duration // waiting for a session to come up before a send
	ReconnectDelay    time.Duration // delay before reconnecting after a transient close
	ReconcileDelay    time.Duration // inter-tenant delay during startup reconciliation
	PollInterval      time.Duration // queue poll interval when idle
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		Port:     9090,
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBType:     getEnv("DB_TYPE", "sqlite"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "shopwa"),

		WAStoreDriver: getEnv("WA_STORE_DRIVER", "sqlite"),
		WAStoreDSN:    getEnv("WA_STORE_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:            getEnv("JWT_SECRET", "dev-secret-change-me"),
		ShopifyWebhookSecret: getEnv("SHOPIFY_WEBHOOK_SECRET", ""),
		MonthlyMessageQuota:  getEnvInt("MONTHLY_MESSAGE_QUOTA", 0),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 5),
		ClaimsPerSecond:   getEnvInt("CLAIMS_PER_SECOND", 10),
		ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 60*time.Second),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		ReconcileDelay:    getEnvDuration("RECONCILE_DELAY", 3*time.Second),
		PollInterval:      getEnvDuration("POLL_INTERVAL", time.Second),
	}

	if p, err := strconv.Atoi(getEnv("PORT", "")); err == nil {
		cfg.Port = p
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
