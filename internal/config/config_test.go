package config

import (
	"strings"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FILE", "ADMIN_TOKEN",
	"DATABASE_TYPE", "DATABASE_PATH", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB",
	"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_SSL_MODE",
	"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE",
	"IDEMPOTENCY_BACKEND", "IDEMPOTENCY_TTL", "TOKEN_TTL", "TOKEN_ROTATION_GRACE",
	"TOKEN_PERSISTENCE", "RULE_CACHE_TTL", "RULE_CACHE_REFRESH_INTERVAL",
	"RULES_APPLY_CHANGES", "ADDON_SKIP_SIGNATURE_VERIFY", "ADDON_ACCEPT_JWT_SIGNATURE",
	"JWT_PUBLIC_KEY", "JWT_HMAC_SECRET", "JWT_ISSUER", "JWT_AUDIENCE",
	"JWT_MAX_CLOCK_SKEW_SECONDS", "JWT_MAX_TTL", "ACTION_MAX_ATTEMPTS", "ACTION_RETRY_CAP",
	"API_BASE_URL", "API_TIMEOUT", "API_RATE_LIMIT", "API_BREAKER_MAX_FAILURES", "API_BREAKER_OPEN_TIMEOUT",
	"RATE_LIMIT_ENABLED", "RATE_LIMIT_DEFAULT", "RATE_LIMIT_WINDOW",
}

// clearEnv blanks every key Load reads; t.Setenv restores them afterwards
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	config := Load()

	if config.Port != "8080" {
		t.Errorf("Load() Port = %v, want %v", config.Port, "8080")
	}
	if config.DatabaseType != "memory" {
		t.Errorf("Load() DatabaseType = %v, want %v", config.DatabaseType, "memory")
	}
	if config.IdempotencyBackend != "memory" {
		t.Errorf("Load() IdempotencyBackend = %v, want %v", config.IdempotencyBackend, "memory")
	}
	if config.IdempotencyTTL != "10m" {
		t.Errorf("Load() IdempotencyTTL = %v, want %v", config.IdempotencyTTL, "10m")
	}
	if config.TokenTTL != "24h" || config.TokenRotationGrace != "15m" {
		t.Errorf("Load() token lifetimes = %v/%v, want 24h/15m", config.TokenTTL, config.TokenRotationGrace)
	}
	if config.RuleCacheTTL != "5m" || config.RuleCacheRefreshInterval != "1m" {
		t.Errorf("Load() rule cache = %v/%v, want 5m/1m", config.RuleCacheTTL, config.RuleCacheRefreshInterval)
	}
	if config.RulesApplyChanges {
		t.Errorf("Load() RulesApplyChanges = true, want false")
	}
	if config.ActionMaxAttempts != "4" {
		t.Errorf("Load() ActionMaxAttempts = %v, want 4", config.ActionMaxAttempts)
	}
	if !config.RateLimitEnabled {
		t.Errorf("Load() RateLimitEnabled = false, want true")
	}

	if err := config.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	clearEnv(t)
	envVars := map[string]string{
		"PORT":                       "9090",
		"DATABASE_TYPE":              "SQLite",
		"DATABASE_PATH":              "/tmp/rules.db",
		"IDEMPOTENCY_BACKEND":        "redis",
		"IDEMPOTENCY_TTL":            "600000",
		"TOKEN_PERSISTENCE":          "redis",
		"RULES_APPLY_CHANGES":        "true",
		"ACTION_MAX_ATTEMPTS":        "6",
		"REDIS_ADDRESS":              "redis:6379",
		"REDIS_DB":                   "2",
		"JWT_MAX_TTL":                "1d",
		"RATE_LIMIT_ENABLED":         "false",
		"JWT_HMAC_SECRET":            "secret",
		"ADDON_ACCEPT_JWT_SIGNATURE": "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	config := Load()

	if config.Port != "9090" {
		t.Errorf("Load() Port = %v, want 9090", config.Port)
	}
	if config.DatabaseType != "sqlite" {
		t.Errorf("Load() DatabaseType = %v, want sqlite", config.DatabaseType)
	}
	if !config.UsesRedis() {
		t.Errorf("UsesRedis() = false, want true")
	}
	if !config.RulesApplyChanges {
		t.Errorf("Load() RulesApplyChanges = false, want true")
	}
	if got := Duration(config.IdempotencyTTL, 0); got != 10*time.Minute {
		t.Errorf("Duration(IdempotencyTTL) = %v, want 10m", got)
	}
	if got := Duration(config.JWTMaxTTL, 0); got != 24*time.Hour {
		t.Errorf("Duration(JWTMaxTTL) = %v, want 24h", got)
	}
	if got := Int(config.ActionMaxAttempts, 0); got != 6 {
		t.Errorf("Int(ActionMaxAttempts) = %v, want 6", got)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		expected     bool
	}{
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"false", "false", true, false},
		{"invalid falls back", "maybe", true, true},
		{"empty falls back", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL_ENV", tt.value)
			if got := getBoolEnv("TEST_BOOL_ENV", tt.defaultValue); got != tt.expected {
				t.Errorf("getBoolEnv() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = "99999" },
			wantErr: "PORT",
		},
		{
			name:    "unknown database type",
			mutate:  func(c *Config) { c.DatabaseType = "mongo" },
			wantErr: "DATABASE_TYPE",
		},
		{
			name: "postgres without database name",
			mutate: func(c *Config) {
				c.DatabaseType = "postgres"
				c.PostgresDB = ""
			},
			wantErr: "POSTGRES_DB",
		},
		{
			name:    "unknown idempotency backend",
			mutate:  func(c *Config) { c.IdempotencyBackend = "etcd" },
			wantErr: "IDEMPOTENCY_BACKEND",
		},
		{
			name: "redis db out of range",
			mutate: func(c *Config) {
				c.TokenPersistence = "redis"
				c.RedisDB = "16"
			},
			wantErr: "REDIS_DB",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.RuleCacheTTL = "soon" },
			wantErr: "RULE_CACHE_TTL",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.ActionMaxAttempts = "0" },
			wantErr: "ACTION_MAX_ATTEMPTS",
		},
		{
			name:    "negative breaker threshold",
			mutate:  func(c *Config) { c.APIBreakerMaxFailures = "-1" },
			wantErr: "API_BREAKER_MAX_FAILURES",
		},
		{
			name:    "jwt without key material",
			mutate:  func(c *Config) { c.AcceptJWTSignature = true },
			wantErr: "JWT_PUBLIC_KEY",
		},
		{
			name:    "bad rate limit window",
			mutate:  func(c *Config) { c.RateLimitWindow = "1d" },
			wantErr: "RATE_LIMIT_WINDOW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			config := Load()
			tt.mutate(config)

			err := config.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSignatureSkipAllowed(t *testing.T) {
	config := &Config{SkipSignatureVerify: true, Env: "prod"}
	if config.SignatureSkipAllowed() {
		t.Errorf("signature skip must be ignored outside dev")
	}

	config.Env = "dev"
	if !config.SignatureSkipAllowed() {
		t.Errorf("signature skip should apply in dev")
	}
}

func BenchmarkLoad(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Load()
	}
}
