// Package config validates environment configuration at startup so the
// process fails fast on a broken deployment instead of at first use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	Port           string
	AllowedOrigins string

	// Auth0. Required unless SkipAuth is set.
	Auth0Domain   string
	Auth0Audience string
	SkipAuth      bool

	// Optional meeting store. Empty RedisAddr disables it and the hub
	// runs fully in-memory.
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string

	// Rate limits in ulule/limiter format, e.g. "30-M".
	RateLimitAPIGlobal string
	RateLimitWSIP      string
	RateLimitWSUser    string
}

// ValidateEnv validates all environment variables and returns a Config.
// All problems are collected and reported together.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// PORT (defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"

	// ALLOWED_ORIGINS is required outside development; dev falls back to
	// localhost defaults.
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	if cfg.AllowedOrigins == "" && cfg.GoEnv == "production" {
		errs = append(errs, "ALLOWED_ORIGINS is required in production")
	}

	// Auth0 credentials are required whenever token validation is active.
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	if !cfg.SkipAuth {
		if cfg.Auth0Domain == "" {
			errs = append(errs, "AUTH0_DOMAIN is required unless SKIP_AUTH=true")
		}
		if cfg.Auth0Audience == "" {
			errs = append(errs, "AUTH0_AUDIENCE is required unless SKIP_AUTH=true")
		}
	}

	// REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	if cfg.TracingEnabled {
		cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if cfg.OTLPEndpoint == "" {
			errs = append(errs, "OTEL_EXPORTER_OTLP_ENDPOINT is required when TRACING_ENABLED=true")
		}
	}

	// Rate limits (M = minute, H = hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitWSIP = getEnvOrDefault("RATE_LIMIT_WS", "30-M")
	cfg.RateLimitWSUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// getEnvOrDefault returns the environment variable or a default when unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// RedactSecret redacts a secret, keeping only a short prefix for log
// correlation.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
