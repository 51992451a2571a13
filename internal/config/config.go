package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the diagnosis orchestrator.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Registry RegistryConfig
	Triage   TriageConfig
	Saga     SagaConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL       string
	StatusTTL time.Duration
}

type AuthConfig struct {
	// APIKeyHash is the bcrypt hash of the operator API key.
	APIKeyHash string
	// RateLimitPerMinute caps requests per caller per minute. 0 disables.
	RateLimitPerMinute int
}

type RegistryConfig struct {
	// Path to the YAML file mapping categories to analyzers.
	Path string
}

type TriageConfig struct {
	Endpoint string
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration
}

type SagaConfig struct {
	RoutingThreshold   float64
	SecondaryFloor     float64
	LowConfidenceFloor float64
	PerBranchTimeout   time.Duration
	BarrierGrace       time.Duration
	DedupWindow        time.Duration
	LeaseTTL           time.Duration
	SweepInterval      time.Duration
	MaxConcurrentSagas int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DIAG_PORT", 8080),
			Env:  envString("DIAG_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			StatusTTL: envDuration("DIAG_STATUS_TTL", 30*time.Minute),
		},
		Auth: AuthConfig{
			APIKeyHash:         os.Getenv("DIAG_API_KEY_HASH"),
			RateLimitPerMinute: envInt("DIAG_RATE_LIMIT_PER_MINUTE", 120),
		},
		Registry: RegistryConfig{
			Path: envString("DIAG_REGISTRY_PATH", "config/registry.yaml"),
		},
		Triage: TriageConfig{
			Endpoint: os.Getenv("TRIAGE_ENDPOINT"),
			Timeout:  envDuration("TRIAGE_TIMEOUT", 10*time.Second),
			Retries:  envInt("TRIAGE_RETRIES", 2),
			Backoff:  envDuration("TRIAGE_BACKOFF", 500*time.Millisecond),
		},
		Saga: SagaConfig{
			RoutingThreshold:   envFloat("SAGA_ROUTING_THRESHOLD", 0.7),
			SecondaryFloor:     envFloat("SAGA_SECONDARY_FLOOR", 0.5),
			LowConfidenceFloor: envFloat("SAGA_LOW_CONFIDENCE_FLOOR", 0.3),
			PerBranchTimeout:   envDuration("SAGA_BRANCH_TIMEOUT", 30*time.Second),
			BarrierGrace:       envDuration("SAGA_BARRIER_GRACE", 5*time.Second),
			DedupWindow:        envDuration("SAGA_DEDUP_WINDOW", time.Hour),
			LeaseTTL:           envDuration("SAGA_LEASE_TTL", 2*time.Minute),
			SweepInterval:      envDuration("SAGA_SWEEP_INTERVAL", 30*time.Second),
			MaxConcurrentSagas: envInt("SAGA_MAX_CONCURRENT", 32),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Triage.Endpoint == "" {
		return fmt.Errorf("TRIAGE_ENDPOINT is required")
	}
	if !strings.HasPrefix(c.Triage.Endpoint, "http://") && !strings.HasPrefix(c.Triage.Endpoint, "https://") {
		return fmt.Errorf("TRIAGE_ENDPOINT must start with http:// or https://, got %q", c.Triage.Endpoint)
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("DIAG_REGISTRY_PATH is required")
	}

	if c.Server.Env == "production" && c.Auth.APIKeyHash == "" {
		return fmt.Errorf("DIAG_API_KEY_HASH is required in production")
	}

	for _, p := range []struct {
		name  string
		value float64
	}{
		{"SAGA_ROUTING_THRESHOLD", c.Saga.RoutingThreshold},
		{"SAGA_SECONDARY_FLOOR", c.Saga.SecondaryFloor},
		{"SAGA_LOW_CONFIDENCE_FLOOR", c.Saga.LowConfidenceFloor},
	} {
		if p.value < 0 || p.value > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %g", p.name, p.value)
		}
	}

	if c.Saga.PerBranchTimeout <= 0 {
		return fmt.Errorf("SAGA_BRANCH_TIMEOUT must be positive, got %s", c.Saga.PerBranchTimeout)
	}
	if c.Saga.MaxConcurrentSagas <= 0 {
		return fmt.Errorf("SAGA_MAX_CONCURRENT must be positive, got %d", c.Saga.MaxConcurrentSagas)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
