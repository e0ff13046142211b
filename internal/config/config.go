// Package config loads the server configuration from the environment.
//
// Everything is read once at startup into an explicit Config struct that is
// validated before any component is built. A missing production secret stops
// the process; nothing falls back to a hardcoded secret outside tests.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Certificate route auth modes.
const (
	AuthModeLocal  = "local"
	AuthModeGoogle = "google"
)

// testJWTSecret is used only when APP_ENV=test.
const testJWTSecret = "test-jwt-secret-do-not-use-in-production"

const minJWTSecretLength = 16

type Config struct {
	Environment string
	Port        int
	LogLevel    string

	// Storage
	DBPath string

	// Tokens
	JWTSecret string

	// Google sign-in
	GoogleClientID      string
	GoogleClientSecret  string
	GoogleCallbackURL   string
	AllowedEmailDomains string

	// Upstream certificate registry
	CertsAPIURL   string
	CertsAPIToken string
	CertsAuthMode string

	// HTTP
	CORSAllowedOrigins []string
	RateLimitRPS       int
	RateLimitBurst     int

	// Warnings collects non-fatal problems found while loading. The logger
	// does not exist yet at that point, so main logs them afterwards.
	Warnings []string
}

// Load reads configuration from environment variables, after loading a
// .env file if one exists (it is optional; production sets real env vars).
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config using getenv for lookups.
// Tests pass a map-backed function instead of touching the process env.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}

	environment := strings.ToLower(e.str("APP_ENV", e.str("NODE_ENV", EnvDevelopment)))
	port := e.int("PORT", 8080)

	cfg := &Config{
		Environment:         environment,
		Port:                port,
		LogLevel:            e.str("LOG_LEVEL", "info"),
		DBPath:              e.str("DB_PATH", "data/users.db"),
		JWTSecret:           e.str("JWT_SECRET", ""),
		GoogleClientID:      e.str("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:  e.str("GOOGLE_CLIENT_SECRET", ""),
		GoogleCallbackURL:   e.str("GOOGLE_CALLBACK_URL", fmt.Sprintf("http://localhost:%d/auth/google/callback", port)),
		AllowedEmailDomains: e.str("ALLOWED_EMAIL_DOMAINS", ""),
		CertsAPIURL:         strings.TrimRight(e.str("CERTS_API_URL", "https://api.medoc.ua"), "/"),
		CertsAPIToken:       e.str("CERTS_API_TOKEN", ""),
		CertsAuthMode:       strings.ToLower(e.str("CERTS_AUTH_MODE", AuthModeLocal)),
		CORSAllowedOrigins:  splitList(e.str("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitRPS:        e.int("RATE_LIMIT_RPS", 10),
		RateLimitBurst:      e.int("RATE_LIMIT_BURST", 20),
	}

	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}

	if err := cfg.resolveSecret(); err != nil {
		return nil, err
	}

	if cfg.CertsAPIToken == "" {
		cfg.Warnings = append(cfg.Warnings, "CERTS_API_TOKEN not set: certificate lookups will be rejected upstream")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveSecret applies the per-environment JWT_SECRET policy:
//   - production: required, Load fails without it
//   - test: a fixed well-known default
//   - development: a random secret for this process only; tokens stop
//     verifying after a restart
func (c *Config) resolveSecret() error {
	if c.JWTSecret != "" {
		return nil
	}

	switch c.Environment {
	case EnvProduction:
		return errors.New("config: JWT_SECRET is required in production")
	case EnvTest:
		c.JWTSecret = testJWTSecret
	default:
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("config: generating development JWT secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(buf)
		c.Warnings = append(c.Warnings, "JWT_SECRET not set: using an ephemeral secret, tokens will not survive a restart")
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("config: unknown APP_ENV %q", c.Environment)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("config: JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	switch c.CertsAuthMode {
	case AuthModeLocal:
	case AuthModeGoogle:
		if c.GoogleClientID == "" {
			return errors.New("config: CERTS_AUTH_MODE=google requires GOOGLE_CLIENT_ID")
		}
	default:
		return fmt.Errorf("config: CERTS_AUTH_MODE must be %q or %q, got %q", AuthModeLocal, AuthModeGoogle, c.CertsAuthMode)
	}

	if c.GoogleClientSecret != "" && c.GoogleClientID == "" {
		return errors.New("config: GOOGLE_CLIENT_SECRET is set but GOOGLE_CLIENT_ID is not")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("config: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	return nil
}

func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// GoogleEnabled reports whether Google ID tokens can be verified at all.
func (c *Config) GoogleEnabled() bool { return c.GoogleClientID != "" }

// GoogleRedirectEnabled reports whether the server-side code flow can run.
func (c *Config) GoogleRedirectEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// env wraps a lookup function and collects parse errors, so every bad
// variable is reported at once instead of one per restart.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, defaultValue string) string {
	value := strings.TrimSpace(e.getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func (e *env) int(key string, defaultValue int) int {
	valueStr := strings.TrimSpace(e.getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s must be an integer, got %q", key, valueStr))
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
