package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the panel.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Lifecycle     LifecycleConfig
	Notifications NotificationConfig
	Monitoring    MonitoringConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	AdminAPIToken string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BillingConfig holds sweep and lease configuration.
type BillingConfig struct {
	// SweepInterval is how often an executor ticks.
	SweepInterval time.Duration
	// LeaseWindow is how long a heartbeat keeps an executor live. Must be
	// comfortably larger than SweepInterval jitter tolerance requires.
	LeaseWindow time.Duration
	// SweepDeadline bounds one pass so it cannot overlap the next tick.
	SweepDeadline time.Duration
	// MinBillableHours suppresses near-zero noise cycles from rapid
	// successive sweeps.
	MinBillableHours float64
	// MaxInstancesPerSweep caps one pass; the remainder is picked up
	// oldest-first on the next tick.
	MaxInstancesPerSweep int
}

// LifecycleConfig holds provider polling configuration.
type LifecycleConfig struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
	// ProviderURL is the base URL of the provider state collaborator.
	ProviderURL   string
	ProviderToken string
}

// NotificationConfig holds the suspension-warning webhook configuration.
type NotificationConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// MonitoringConfig holds monitoring configuration.
type MonitoringConfig struct {
	Enabled        bool
	PrometheusPort int
	MetricsPath    string
	LogLevel       string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			Port:          getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:   getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:  getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:   getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "panel"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "panel"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			SweepInterval:        getEnvAsDuration("BILLING_SWEEP_INTERVAL", "5m"),
			LeaseWindow:          getEnvAsDuration("BILLING_LEASE_WINDOW", "90s"),
			SweepDeadline:        getEnvAsDuration("BILLING_SWEEP_DEADLINE", "4m"),
			MinBillableHours:     getEnvAsFloat("BILLING_MIN_BILLABLE_HOURS", 0.01),
			MaxInstancesPerSweep: getEnvAsInt("BILLING_MAX_INSTANCES_PER_SWEEP", 500),
		},
		Lifecycle: LifecycleConfig{
			PollInterval:  getEnvAsDuration("LIFECYCLE_POLL_INTERVAL", "1m"),
			CacheTTL:      getEnvAsDuration("LIFECYCLE_CACHE_TTL", "10m"),
			ProviderURL:   getEnv("PROVIDER_API_URL", ""),
			ProviderToken: getEnv("PROVIDER_API_TOKEN", ""),
		},
		Notifications: NotificationConfig{
			WebhookURL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("NOTIFY_WEBHOOK_SECRET", ""),
		},
		Monitoring: MonitoringConfig{
			Enabled:        getEnvAsBool("MONITORING_ENABLED", true),
			PrometheusPort: getEnvAsInt("PROMETHEUS_PORT", 9090),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Server.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	if cfg.Billing.LeaseWindow <= 0 {
		return nil, fmt.Errorf("BILLING_LEASE_WINDOW must be positive")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
