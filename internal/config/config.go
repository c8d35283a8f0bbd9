package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// StoreType selects the ledger backend: memory, mongo, or redis.
	StoreType string
	MongoURI  string
	MongoDB   string
	RedisAddr string

	ReputationThreshold float64
	NeutralScore        float64
	AutoApprove         float64
	AutoReject          float64
	DisputeThreshold    float64

	DefaultValidator string
	DefaultExpiry    time.Duration
	WebhookURL       string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		StoreType:   getEnv("STORE_TYPE", "mongo"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     getEnv("MONGO_DB", "aimarket"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),

		DefaultValidator: getEnv("DEFAULT_VALIDATOR", "validator_001"),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),
	}

	var err error
	if cfg.ReputationThreshold, err = getEnvFloat("REPUTATION_THRESHOLD", 0.7); err != nil {
		return nil, err
	}
	if cfg.NeutralScore, err = getEnvFloat("NEUTRAL_SCORE", 0.5); err != nil {
		return nil, err
	}
	if cfg.AutoApprove, err = getEnvFloat("AUTO_APPROVE_THRESHOLD", 0.6); err != nil {
		return nil, err
	}
	if cfg.AutoReject, err = getEnvFloat("AUTO_REJECT_THRESHOLD", 0.2); err != nil {
		return nil, err
	}
	if cfg.DisputeThreshold, err = getEnvFloat("DISPUTE_THRESHOLD", 0.4); err != nil {
		return nil, err
	}
	if cfg.DefaultExpiry, err = getEnvDuration("REQUEST_EXPIRY", time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
