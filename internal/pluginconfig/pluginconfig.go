// Package pluginconfig handles plugin configuration from environment
// variables, following the teacher's internal/config env-loading pattern.
package pluginconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/ilpvirtual/internal/decimal"
)

// Config holds the recognized plugin options from spec.md §6, plus the
// ambient server/storage/observability settings the teacher always
// carries alongside its domain config.
type Config struct {
	// auth.* — the bilateral trustline identity and transport.
	AuthAccount string          // auth.account: local account label
	AuthRoom    string          // auth.room: signalling rendezvous identifier
	AuthHost    string          // auth.host: signalling server endpoint (ws://... or wss://...)
	AuthLimit   decimal.Amount  // auth.limit: max credit we extend to the peer
	AuthMax     *decimal.Amount // auth.max: optional absolute upper bound, overrides AuthLimit when set

	// info.* — opaque display metadata returned by the admin server's /info endpoint.
	InfoPrecision      int
	InfoScale          int
	InfoCurrencyCode   string
	InfoCurrencySymbol string

	// Storage.
	DatabaseURL string // optional; uses in-memory store if empty

	// Admin HTTP surface.
	Port     string
	Env      string
	LogLevel string

	// Reconnect.
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration

	// Database pool settings.
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// HTTP server timeouts.
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultInfoPrecision      = 10
	DefaultInfoScale          = 2
	DefaultInfoCurrencyCode   = "USD"
	DefaultInfoCurrencySymbol = "$"

	DefaultReconnectMaxAttempts = 10
	DefaultReconnectBaseDelay   = 500 * time.Millisecond

	DefaultDBMaxOpenConns    = 25
	DefaultDBMaxIdleConns    = 5
	DefaultDBConnMaxLifetime = 5 * time.Minute
	DefaultDBConnMaxIdleTime = 3 * time.Minute

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
)

// Load reads configuration from environment variables, loading a .env
// file if present for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	limit, ok := decimal.Parse(getEnv("AUTH_LIMIT", "0"))
	if !ok {
		return nil, fmt.Errorf("AUTH_LIMIT must be a valid decimal")
	}

	cfg := &Config{
		AuthAccount: os.Getenv("AUTH_ACCOUNT"),
		AuthRoom:    os.Getenv("AUTH_ROOM"),
		AuthHost:    os.Getenv("AUTH_HOST"),
		AuthLimit:   limit,

		InfoPrecision:      int(getEnvInt64("INFO_PRECISION", DefaultInfoPrecision)),
		InfoScale:          int(getEnvInt64("INFO_SCALE", DefaultInfoScale)),
		InfoCurrencyCode:   getEnv("INFO_CURRENCY_CODE", DefaultInfoCurrencyCode),
		InfoCurrencySymbol: getEnv("INFO_CURRENCY_SYMBOL", DefaultInfoCurrencySymbol),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		ReconnectMaxAttempts: int(getEnvInt64("RECONNECT_MAX_ATTEMPTS", int64(DefaultReconnectMaxAttempts))),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", DefaultReconnectBaseDelay),

		DBMaxOpenConns:    int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:    int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime: getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime: getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
	}

	if v := os.Getenv("AUTH_MAX"); v != "" {
		max, ok := decimal.Parse(v)
		if !ok {
			return nil, fmt.Errorf("AUTH_MAX must be a valid decimal")
		}
		cfg.AuthMax = &max
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Max returns the effective upper bound on balance: AuthMax if set,
// otherwise AuthLimit.
func (c *Config) Max() decimal.Amount {
	if c.AuthMax != nil {
		return *c.AuthMax
	}
	return c.AuthLimit
}

// Validate checks that all required configuration is present and
// internally consistent.
func (c *Config) Validate() error {
	if c.AuthAccount == "" {
		return fmt.Errorf("AUTH_ACCOUNT is required")
	}
	if c.AuthRoom == "" {
		return fmt.Errorf("AUTH_ROOM is required")
	}
	if c.AuthHost == "" {
		return fmt.Errorf("AUTH_HOST is required")
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.AuthMax != nil && c.AuthMax.LessThan(c.AuthLimit) {
		return fmt.Errorf("AUTH_MAX (%s) must be >= AUTH_LIMIT (%s)",
			decimal.Format(*c.AuthMax), decimal.Format(c.AuthLimit))
	}

	if c.HTTPWriteTimeout > 0 && c.HTTPReadTimeout > 0 && c.HTTPWriteTimeout < c.HTTPReadTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= HTTP_READ_TIMEOUT (%v)", c.HTTPWriteTimeout, c.HTTPReadTimeout)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
