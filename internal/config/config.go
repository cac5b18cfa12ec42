// Package config provides configuration management for the webhook rules engine.
// It loads configuration from environment variables with sensible defaults and
// validates the result so the application starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - ENV: Deployment environment, "dev" enables developer toggles (default: prod)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Optional log file, stdout when empty
//   - ADMIN_TOKEN: Bearer token required by the rule admin API (empty disables the check)
//
// Rule Storage:
//   - DATABASE_TYPE: "memory", "sqlite" or "postgres" (default: memory)
//   - DATABASE_PATH: SQLite database file path (default: ./rules.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE: PostgreSQL connection
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Webhook Pipeline:
//   - IDEMPOTENCY_BACKEND: "memory" or "redis" (default: memory)
//   - IDEMPOTENCY_TTL: Dedup window, clamped to [1m, 24h] (default: 10m)
//   - TOKEN_TTL: Installation token lifetime (default: 24h)
//   - TOKEN_ROTATION_GRACE: Previous token validity after rotation (default: 15m)
//   - TOKEN_PERSISTENCE: "memory" or "redis" (default: memory)
//   - RULE_CACHE_TTL: Rule cache freshness (default: 5m)
//   - RULE_CACHE_REFRESH_INTERVAL: Background refresh period (default: 1m)
//   - RULES_APPLY_CHANGES: Execute matched actions instead of only logging them (default: false)
//   - ADDON_SKIP_SIGNATURE_VERIFY: Skip signature checks, honoured only when ENV=dev
//
// Signed Token Verification:
//   - ADDON_ACCEPT_JWT_SIGNATURE: Accept signed bearer tokens as webhook signatures (default: false)
//   - JWT_PUBLIC_KEY: PEM encoded RSA public key
//   - JWT_HMAC_SECRET: Shared secret for HS256 tokens
//   - JWT_ISSUER, JWT_AUDIENCE: Expected claims, unchecked when empty
//   - JWT_MAX_CLOCK_SKEW_SECONDS: Leeway for exp/nbf/iat (default: 60)
//   - JWT_MAX_TTL: Longest accepted exp-iat span (default: 24h)
//
// Action Execution:
//   - ACTION_MAX_ATTEMPTS: Attempts per action including the first (default: 4)
//   - ACTION_RETRY_CAP: Upper bound on any single retry delay (default: 5s)
//   - API_BASE_URL: Fallback API base URL for installations without one
//   - API_TIMEOUT: Per request timeout (default: 10s)
//   - API_RATE_LIMIT: Outbound requests per second (default: 25)
//   - API_BREAKER_MAX_FAILURES: Consecutive transient failures that open a host's circuit breaker, 0 disables (default: 5)
//   - API_BREAKER_OPEN_TIMEOUT: How long an open breaker rejects calls (default: 30s)
//
// Rate Limiting:
//   - RATE_LIMIT_ENABLED: Enable inbound rate limiting (default: true)
//   - RATE_LIMIT_DEFAULT: Requests allowed per window and client (default: 100)
//   - RATE_LIMIT_WINDOW: Rate limit time window (default: 60s)
//
// Durations accept Go syntax ("90s"), bare milliseconds ("600000") and the
// day/week suffixes "d" and "w".
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"webhook-rules/internal/common/utils"
)

// Config holds all configuration values for the rules engine. Values are kept
// as the raw environment strings; typed accessors parse them after Validate
// has accepted the configuration.
type Config struct {
	// Application settings
	Port       string
	Env        string
	LogLevel   string
	LogFile    string
	AdminToken string

	// Rule storage
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string

	// Webhook pipeline
	IdempotencyBackend       string
	IdempotencyTTL           string
	TokenTTL                 string
	TokenRotationGrace       string
	TokenPersistence         string
	RuleCacheTTL             string
	RuleCacheRefreshInterval string
	RulesApplyChanges        bool
	SkipSignatureVerify      bool

	// Signed token verification
	AcceptJWTSignature bool
	JWTPublicKey       string
	JWTHMACSecret      string
	JWTIssuer          string
	JWTAudience        string
	JWTMaxClockSkew    string
	JWTMaxTTL          string

	// Action execution
	ActionMaxAttempts string
	ActionRetryCap    string
	APIBaseURL        string
	APITimeout        string
	APIRateLimit      string

	// Outbound circuit breaking
	APIBreakerMaxFailures string
	APIBreakerOpenTimeout string

	// Inbound rate limiting
	RateLimitEnabled bool
	RateLimitDefault string
	RateLimitWindow  string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset. It never fails; call Validate before using the result.
func Load() *Config {
	return &Config{
		Port:       getEnv("PORT", "8080"),
		Env:        getEnv("ENV", "prod"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFile:    getEnv("LOG_FILE", ""),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		DatabaseType:     strings.ToLower(getEnv("DATABASE_TYPE", "memory")),
		DatabasePath:     getEnv("DATABASE_PATH", "./rules.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "webhook_rules"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		IdempotencyBackend:       strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", "memory")),
		IdempotencyTTL:           getEnv("IDEMPOTENCY_TTL", "10m"),
		TokenTTL:                 getEnv("TOKEN_TTL", "24h"),
		TokenRotationGrace:       getEnv("TOKEN_ROTATION_GRACE", "15m"),
		TokenPersistence:         strings.ToLower(getEnv("TOKEN_PERSISTENCE", "memory")),
		RuleCacheTTL:             getEnv("RULE_CACHE_TTL", "5m"),
		RuleCacheRefreshInterval: getEnv("RULE_CACHE_REFRESH_INTERVAL", "1m"),
		RulesApplyChanges:        getBoolEnv("RULES_APPLY_CHANGES", false),
		SkipSignatureVerify:      getBoolEnv("ADDON_SKIP_SIGNATURE_VERIFY", false),

		AcceptJWTSignature: getBoolEnv("ADDON_ACCEPT_JWT_SIGNATURE", false),
		JWTPublicKey:       getEnv("JWT_PUBLIC_KEY", ""),
		JWTHMACSecret:      getEnv("JWT_HMAC_SECRET", ""),
		JWTIssuer:          getEnv("JWT_ISSUER", ""),
		JWTAudience:        getEnv("JWT_AUDIENCE", ""),
		JWTMaxClockSkew:    getEnv("JWT_MAX_CLOCK_SKEW_SECONDS", "60"),
		JWTMaxTTL:          getEnv("JWT_MAX_TTL", "24h"),

		ActionMaxAttempts: getEnv("ACTION_MAX_ATTEMPTS", "4"),
		ActionRetryCap:    getEnv("ACTION_RETRY_CAP", "5s"),
		APIBaseURL:        getEnv("API_BASE_URL", ""),
		APITimeout:        getEnv("API_TIMEOUT", "10s"),
		APIRateLimit:      getEnv("API_RATE_LIMIT", "25"),

		APIBreakerMaxFailures: getEnv("API_BREAKER_MAX_FAILURES", "5"),
		APIBreakerOpenTimeout: getEnv("API_BREAKER_OPEN_TIMEOUT", "30s"),

		RateLimitEnabled: getBoolEnv("RATE_LIMIT_ENABLED", true),
		RateLimitDefault: getEnv("RATE_LIMIT_DEFAULT", "100"),
		RateLimitWindow:  getEnv("RATE_LIMIT_WINDOW", "60s"),
	}
}

// getEnv retrieves an environment variable value or returns a default value
// if the variable is not set or is empty.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable. Values accepted by
// strconv.ParseBool are honoured; anything else yields the default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks the configuration for correctness and completeness.
//
// This method checks:
//   - Field formats (ports, durations, counts)
//   - Backend names for storage, idempotency and token persistence
//   - Cross-field dependencies (PostgreSQL settings, JWT key material)
//
// The application should call it after Load and before wiring components.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'memory', 'sqlite' or 'postgres'")
	}

	if c.IsPostgres() {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	for name, value := range map[string]string{"IDEMPOTENCY_BACKEND": c.IdempotencyBackend, "TOKEN_PERSISTENCE": c.TokenPersistence} {
		if value != "memory" && value != "redis" {
			return fmt.Errorf("%s must be 'memory' or 'redis'", name)
		}
	}

	if c.UsesRedis() {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when a redis backend is selected")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	durations := map[string]string{
		"IDEMPOTENCY_TTL":             c.IdempotencyTTL,
		"TOKEN_TTL":                   c.TokenTTL,
		"TOKEN_ROTATION_GRACE":        c.TokenRotationGrace,
		"RULE_CACHE_TTL":              c.RuleCacheTTL,
		"RULE_CACHE_REFRESH_INTERVAL": c.RuleCacheRefreshInterval,
		"JWT_MAX_TTL":                 c.JWTMaxTTL,
		"ACTION_RETRY_CAP":            c.ActionRetryCap,
		"API_TIMEOUT":                 c.APITimeout,
		"API_BREAKER_OPEN_TIMEOUT":    c.APIBreakerOpenTimeout,
	}
	for name, value := range durations {
		d, err := utils.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration (e.g., '90s', '10m', '1d')", name)
		}
	}

	if n, err := strconv.Atoi(c.ActionMaxAttempts); err != nil || n < 1 {
		return fmt.Errorf("ACTION_MAX_ATTEMPTS must be a positive number")
	}
	if n, err := strconv.Atoi(c.APIBreakerMaxFailures); err != nil || n < 0 {
		return fmt.Errorf("API_BREAKER_MAX_FAILURES must be a non-negative number")
	}
	if n, err := strconv.ParseFloat(c.APIRateLimit, 64); err != nil || n <= 0 {
		return fmt.Errorf("API_RATE_LIMIT must be a positive number")
	}
	if n, err := strconv.Atoi(c.JWTMaxClockSkew); err != nil || n < 0 {
		return fmt.Errorf("JWT_MAX_CLOCK_SKEW_SECONDS must be a non-negative number")
	}

	if c.AcceptJWTSignature && c.JWTPublicKey == "" && c.JWTHMACSecret == "" {
		return fmt.Errorf("JWT_PUBLIC_KEY or JWT_HMAC_SECRET is required when ADDON_ACCEPT_JWT_SIGNATURE is enabled")
	}

	if c.RateLimitEnabled {
		if limit, err := strconv.Atoi(c.RateLimitDefault); err != nil || limit < 1 {
			return fmt.Errorf("RATE_LIMIT_DEFAULT must be a positive number")
		}
		if _, err := time.ParseDuration(c.RateLimitWindow); err != nil {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be a valid duration (e.g., '60s', '1m')")
		}
	}

	return nil
}

// IsDev reports whether developer-only toggles may take effect
func (c *Config) IsDev() bool {
	env := strings.ToLower(c.Env)
	return env == "dev" || env == "development" || env == "local"
}

// IsPostgres reports whether the rule store is PostgreSQL
func (c *Config) IsPostgres() bool {
	return c.DatabaseType == "postgres" || c.DatabaseType == "postgresql"
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.IdempotencyBackend == "redis" || c.TokenPersistence == "redis"
}

// SignatureSkipAllowed reports whether the dev-only signature skip is active.
// The toggle is ignored outside development.
func (c *Config) SignatureSkipAllowed() bool {
	return c.SkipSignatureVerify && c.IsDev()
}

// Duration parses one of the duration-valued settings, returning fallback on
// error. Validate guarantees the configured values parse.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := utils.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Int parses one of the integer-valued settings, returning fallback on error
func Int(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// Float parses one of the float-valued settings, returning fallback on error
func Float(value string, fallback float64) float64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return n
}
