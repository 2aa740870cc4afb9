// Package config provides configuration for the SCIM server.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the SCIM server configuration.
type Config struct {
	// Server settings
	ListenAddr string

	// Database settings
	DatabaseURL string

	// Pagination settings
	DefaultPageSize int
	MaxPageSize     int
	MaxCountLimit   int

	// Rate limiting, applied per tenant
	RateLimit       int
	RateLimitWindow time.Duration

	// Bootstrap API key. When set, a matching api_keys row is created at
	// startup if one does not already exist.
	BootstrapAPIKey     string
	BootstrapAPIKeyName string

	// Logging
	LogLevel  string
	LogFormat string
}

// Parse reads configuration from command line flags with environment
// variable overrides.
func Parse() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen", ":8080", "Listen address")
	flag.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	flag.IntVar(&cfg.DefaultPageSize, "default-page-size", 100, "Default list page size")
	flag.IntVar(&cfg.MaxPageSize, "max-page-size", 100, "Maximum list page size")
	flag.IntVar(&cfg.MaxCountLimit, "max-count-limit", 1000, "Maximum advertised filter result count")
	flag.IntVar(&cfg.RateLimit, "rate-limit", 100, "Requests allowed per tenant per window")
	flag.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", time.Minute, "Rate limit window")
	flag.StringVar(&cfg.BootstrapAPIKey, "api-key", "", "API key to bootstrap at startup")
	flag.StringVar(&cfg.BootstrapAPIKeyName, "api-key-name", "default", "Name of the bootstrapped API key")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "Log format (text, json)")

	flag.Parse()

	// Environment variable overrides
	if v := os.Getenv("SCIM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SCIM_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getEnvInt("SCIM_DEFAULT_PAGE_SIZE"); v > 0 {
		cfg.DefaultPageSize = v
	}
	if v := getEnvInt("SCIM_MAX_PAGE_SIZE"); v > 0 {
		cfg.MaxPageSize = v
	}
	if v := getEnvInt("SCIM_MAX_COUNT_LIMIT"); v > 0 {
		cfg.MaxCountLimit = v
	}
	if v := getEnvInt("SCIM_RATE_LIMIT"); v > 0 {
		cfg.RateLimit = v
	}
	if v := os.Getenv("SCIM_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimitWindow = d
		}
	}
	if v := os.Getenv("SCIM_API_KEY"); v != "" {
		cfg.BootstrapAPIKey = v
	}
	if v := os.Getenv("SCIM_API_KEY_NAME"); v != "" {
		cfg.BootstrapAPIKeyName = v
	}
	if v := os.Getenv("SCIM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCIM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

func getEnvInt(key string) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return 0
}
