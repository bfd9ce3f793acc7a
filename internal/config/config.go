package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Supabase
	SupabaseURL            string
	SupabasePublishableKey string
	SupabaseJWTSecret      string
	SupabaseStorageBucket  string

	// Push gateway
	PushGatewayURL    string
	PushGatewayAPIKey string

	// Database
	DatabaseURL string

	// Moment protocol
	MaxActiveMomentsPerCouple int
	DefaultMomentTTL          time.Duration
	MaxMomentTTL              time.Duration
	ExpirySweepInterval       time.Duration

	// Fusion pipeline
	FusionWorkers   int
	FusionQueueSize int

	// Server
	Port        string
	Environment string
	BaseURL     string
}

func Load() (*Config, error) {
	cfg := &Config{
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabasePublishableKey: getEnv("SUPABASE_PUBLISHABLE_KEY", ""),
		SupabaseJWTSecret:      getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "moment-images"),

		PushGatewayURL:    getEnv("PUSH_GATEWAY_URL", ""),
		PushGatewayAPIKey: getEnv("PUSH_GATEWAY_API_KEY", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		MaxActiveMomentsPerCouple: getEnvInt("MAX_ACTIVE_MOMENTS_PER_COUPLE", 1),
		DefaultMomentTTL:          getEnvDuration("DEFAULT_MOMENT_TTL", 24*time.Hour),
		MaxMomentTTL:              getEnvDuration("MAX_MOMENT_TTL", 72*time.Hour),
		ExpirySweepInterval:       getEnvDuration("EXPIRY_SWEEP_INTERVAL", 30*time.Second),

		FusionWorkers:   getEnvInt("FUSION_WORKERS", 2),
		FusionQueueSize: getEnvInt("FUSION_QUEUE_SIZE", 64),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabasePublishableKey == "" {
		return fmt.Errorf("SUPABASE_PUBLISHABLE_KEY is required")
	}
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	if c.MaxActiveMomentsPerCouple < 1 {
		return fmt.Errorf("MAX_ACTIVE_MOMENTS_PER_COUPLE must be at least 1")
	}
	if c.MaxMomentTTL < c.DefaultMomentTTL {
		return fmt.Errorf("MAX_MOMENT_TTL must not be below DEFAULT_MOMENT_TTL")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
