package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Persistence backend selectors for USER_MANAGER_PERSIST.
const (
	PersistMemory     = "memory"
	PersistPostgreSQL = "postgresql"
)

// Socket middleware selectors for SOCKET_MIDDLEWARE.
const (
	MiddlewarePassport = "passport"
	MiddlewareTest     = "test"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	Port      int
	ServerEnv string // "development", "production" or "test"
	ClientURL string

	// Authentication
	PassportPath     string
	SocketMiddleware string

	// Persistence
	PersistBackend  string
	DatabaseURL     string
	DatabaseMaxConn int
	DatabaseMinConn int

	// Redis
	RedisURL string

	// Registry
	MaxTotalConnections     int
	InactivityThreshold     time.Duration
	InactivityCheckInterval time.Duration

	// Timeout budgets
	DefaultRequestTimeout time.Duration
	MessageAckTimeout     time.Duration

	// Housekeeping
	PublicMessageExpireDays int
	PendingLookbackDays     int
	CleanupInterval         time.Duration
}

// Load reads configuration from environment variables. It returns an error if
// any variable is set but cannot be parsed, or if required values are missing
// for the selected backends.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:      p.int("PORT", 3001),
		ServerEnv: envStr("SERVER_ENV", "production"),
		ClientURL: envStr("CLIENT_URL", ""),

		PassportPath:     envStr("PASSPORT_PATH", "passport.json"),
		SocketMiddleware: envStr("SOCKET_MIDDLEWARE", MiddlewarePassport),

		PersistBackend: envStr("USER_MANAGER_PERSIST", PersistMemory),
		DatabaseURL:    envStr("DATABASE_URL", ""),

		RedisURL: envStr("REDIS_URL", "redis://localhost:6379/0"),

		MaxTotalConnections:     p.int("MAX_TOTAL_CONNECTIONS", 1000),
		InactivityThreshold:     p.millis("INACTIVITY_THRESHOLD", time.Hour),
		InactivityCheckInterval: p.millis("INACTIVITY_CHECK_INTERVAL", time.Minute),

		DefaultRequestTimeout: p.millis("DEFAULT_REQUEST_TIMEOUT", 5*time.Second),
		MessageAckTimeout:     p.millis("MESSAGE_ACKNOWLEDGEMENT_TIMEOUT", 3*time.Second),

		PublicMessageExpireDays: p.int("PUBLIC_MESSAGE_EXPIRE_DAYS", 30),
		PendingLookbackDays:     p.int("PENDING_LOOKBACK_DAYS", 7),
		CleanupInterval:         p.millis("CLEANUP_INTERVAL", time.Hour),
	}

	// Connection pool sizing follows the environment unless overridden.
	maxDefault, minDefault := poolDefaults(cfg.ServerEnv)
	cfg.DatabaseMaxConn = p.int("DATABASE_MAX_CONNS", maxDefault)
	cfg.DatabaseMinConn = p.int("DATABASE_MIN_CONNS", minDefault)

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// poolDefaults returns the default postgres pool limits for an environment:
// production 20, development 10, test 3.
func poolDefaults(env string) (maxConns, minConns int) {
	switch env {
	case "production":
		return 20, 2
	case "test":
		return 3, 1
	default:
		return 10, 1
	}
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.ServerEnv == "production"
}

// CORSAllowOrigins returns the comma-separated origin allow-list for the HTTP
// layer. CLIENT_URL is appended to the development defaults when set.
func (c *Config) CORSAllowOrigins() string {
	origins := []string{"http://localhost:3000", "http://localhost:5173"}
	if c.ClientURL != "" {
		origins = append(origins, c.ClientURL)
	}
	return strings.Join(origins, ",")
}

// PublicMessageMaxAge returns the retention window for public-room messages.
func (c *Config) PublicMessageMaxAge() time.Duration {
	return time.Duration(c.PublicMessageExpireDays) * 24 * time.Hour
}

// PendingLookback returns the window scanned for undelivered messages when a
// recipient reconnects.
func (c *Config) PendingLookback() time.Duration {
	return time.Duration(c.PendingLookbackDays) * 24 * time.Hour
}

func (c *Config) validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}

	switch c.PersistBackend {
	case PersistMemory:
	case PersistPostgreSQL:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when USER_MANAGER_PERSIST is %q", PersistPostgreSQL))
		}
	default:
		errs = append(errs, fmt.Errorf("USER_MANAGER_PERSIST must be %q or %q", PersistMemory, PersistPostgreSQL))
	}

	switch c.SocketMiddleware {
	case MiddlewarePassport:
	case MiddlewareTest:
		// The test gate accepts unverified identities and must never run in
		// production.
		if c.IsProduction() {
			errs = append(errs, fmt.Errorf("SOCKET_MIDDLEWARE=%q is not allowed when SERVER_ENV is production", MiddlewareTest))
		}
	default:
		errs = append(errs, fmt.Errorf("SOCKET_MIDDLEWARE must be %q or %q", MiddlewarePassport, MiddlewareTest))
	}

	if c.SocketMiddleware == MiddlewarePassport && c.PassportPath == "" {
		errs = append(errs, fmt.Errorf("PASSPORT_PATH is required when SOCKET_MIDDLEWARE is %q", MiddlewarePassport))
	}

	if c.MaxTotalConnections < 1 {
		errs = append(errs, fmt.Errorf("MAX_TOTAL_CONNECTIONS must be at least 1"))
	}

	if c.InactivityThreshold < time.Second {
		errs = append(errs, fmt.Errorf("INACTIVITY_THRESHOLD must be at least 1s"))
	}
	if c.InactivityCheckInterval < time.Second {
		errs = append(errs, fmt.Errorf("INACTIVITY_CHECK_INTERVAL must be at least 1s"))
	}

	if c.DefaultRequestTimeout < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("DEFAULT_REQUEST_TIMEOUT must be at least 100ms"))
	}
	if c.MessageAckTimeout < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("MESSAGE_ACKNOWLEDGEMENT_TIMEOUT must be at least 100ms"))
	}

	if c.DatabaseMaxConn < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.DatabaseMinConn < 0 {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS must not be negative"))
	}
	if c.DatabaseMinConn > c.DatabaseMaxConn {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS (%d) must not exceed DATABASE_MAX_CONNS (%d)", c.DatabaseMinConn, c.DatabaseMaxConn))
	}

	if c.PublicMessageExpireDays < 1 {
		errs = append(errs, fmt.Errorf("PUBLIC_MESSAGE_EXPIRE_DAYS must be at least 1"))
	}
	if c.PendingLookbackDays < 1 {
		errs = append(errs, fmt.Errorf("PENDING_LOOKBACK_DAYS must be at least 1"))
	}
	if c.CleanupInterval < time.Minute {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL must be at least 1m"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

// millis parses a duration that may be given either as a bare integer number
// of milliseconds (the historical wire format) or as a Go duration string.
func (p *parser) millis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected milliseconds or duration like \"30s\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
