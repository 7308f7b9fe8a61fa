package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Upstream provider
	UpstreamEndpoint   string
	UpstreamAPIKey     string
	UpstreamAPIVersion string
	UpstreamTimeout    time.Duration

	// Model name -> deployment target. Models outside this map are rejected
	// before any network call.
	ModelDeployments map[string]string
	DefaultModel     string

	// Rate limiting
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Caching
	CacheTTL  time.Duration
	WalletTTL time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		UpstreamEndpoint:   getEnv("UPSTREAM_ENDPOINT", ""),
		UpstreamAPIKey:     getEnv("UPSTREAM_API_KEY", ""),
		UpstreamAPIVersion: getEnv("UPSTREAM_API_VERSION", "2024-02-01"),
		UpstreamTimeout:    getEnvSeconds("UPSTREAM_TIMEOUT_SECONDS", 120),
		ModelDeployments:   parseDeployments(getEnv("MODEL_DEPLOYMENTS", "gpt-4o=gpt-4o,gpt-4o-mini=gpt-4o-mini")),
		DefaultModel:       getEnv("DEFAULT_MODEL", "gpt-4o"),
		RateLimitWindow:    getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMax:       getEnvInt("RATE_LIMIT_MAX_REQUESTS", 60),
		CacheTTL:           getEnvSeconds("CACHE_TTL_SECONDS", 3600),
		WalletTTL:          getEnvSeconds("WALLET_CACHE_TTL_SECONDS", 300),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.UpstreamEndpoint == "" {
		return nil, fmt.Errorf("UPSTREAM_ENDPOINT is required")
	}
	if cfg.UpstreamAPIKey == "" {
		return nil, fmt.Errorf("UPSTREAM_API_KEY is required")
	}
	if len(cfg.ModelDeployments) == 0 {
		return nil, fmt.Errorf("MODEL_DEPLOYMENTS must map at least one model")
	}

	return cfg, nil
}

// parseDeployments parses a "model=target,model=target" list.
func parseDeployments(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		model, target, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || model == "" || target == "" {
			continue
		}
		out[model] = target
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}
