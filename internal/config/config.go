// Package config loads server configuration from the environment, with an
// optional .env file in the data directory for deployment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the resolved server configuration.
type Config struct {
	// Listen is the host:port the HTTP server binds.
	Listen string

	// DataDir holds licenses.db, the audit database, and key material.
	DataDir string

	// SigningSecret is the shared HMAC secret for license tokens. Required.
	SigningSecret string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Timezone governs when daily scheduler sweeps fire.
	Timezone string

	// WarnLevels are the days-before-expiry thresholds for warning sweeps.
	WarnLevels []int

	// WarnAt is the local wall-clock hour the daily warning sweeps fire.
	WarnAt int

	// GracePeriod is the offline validation grace horizon advertised to
	// clients.
	GracePeriod time.Duration

	// RateLimit allows this many requests per RateWindow per source IP.
	RateLimit  int
	RateWindow time.Duration

	// AdminUser and AdminPassHash (bcrypt) protect the admin endpoints.
	AdminUser     string
	AdminPassHash string

	AuditRetentionDays int

	LogLevel  string
	LogFormat string
}

// Load resolves configuration from defaults, the data directory's .env file,
// and process environment, in increasing precedence.
func Load() (*Config, error) {
	dataDir := "/var/lib/keyline"
	if dir := os.Getenv("KEYLINE_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// Deployment overrides live next to the databases.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	// Also try the working directory for development setups.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Listen:             ":8080",
		DataDir:            dataDir,
		AccessTTL:          24 * time.Hour,
		RefreshTTL:         365 * 24 * time.Hour,
		Timezone:           "UTC",
		WarnLevels:         []int{7, 3, 1},
		WarnAt:             9,
		GracePeriod:        24 * time.Hour,
		RateLimit:          100,
		RateWindow:         15 * time.Minute,
		AuditRetentionDays: 90,
		LogLevel:           "info",
		LogFormat:          "auto",
	}

	if v := os.Getenv("KEYLINE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	cfg.SigningSecret = os.Getenv("KEYLINE_SIGNING_SECRET")

	var err error
	if cfg.AccessTTL, err = durationEnv("KEYLINE_ACCESS_TTL", cfg.AccessTTL); err != nil {
		return nil, err
	}
	if cfg.RefreshTTL, err = durationEnv("KEYLINE_REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = durationEnv("KEYLINE_GRACE_PERIOD", cfg.GracePeriod); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = durationEnv("KEYLINE_RATE_WINDOW", cfg.RateWindow); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = intEnv("KEYLINE_RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.AuditRetentionDays, err = intEnv("KEYLINE_AUDIT_RETENTION_DAYS", cfg.AuditRetentionDays); err != nil {
		return nil, err
	}
	if cfg.WarnAt, err = intEnv("KEYLINE_WARN_AT", cfg.WarnAt); err != nil {
		return nil, err
	}

	if v := os.Getenv("KEYLINE_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("KEYLINE_WARN_LEVELS"); v != "" {
		levels, err := parseWarnLevels(v)
		if err != nil {
			return nil, err
		}
		cfg.WarnLevels = levels
	}

	cfg.AdminUser = os.Getenv("KEYLINE_ADMIN_USER")
	cfg.AdminPassHash = os.Getenv("KEYLINE_ADMIN_PASS_HASH")

	if v := os.Getenv("KEYLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KEYLINE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("KEYLINE_SIGNING_SECRET is required")
	}
	if len(c.SigningSecret) < 32 {
		return fmt.Errorf("KEYLINE_SIGNING_SECRET must be at least 32 characters")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.RefreshTTL <= c.AccessTTL {
		return fmt.Errorf("refresh TTL must exceed access TTL")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid KEYLINE_TIMEZONE %q: %w", c.Timezone, err)
	}
	if len(c.WarnLevels) == 0 {
		return fmt.Errorf("at least one warn level is required")
	}
	if c.WarnAt < 0 || c.WarnAt > 23 {
		return fmt.Errorf("KEYLINE_WARN_AT must be an hour between 0 and 23")
	}
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("rate limit and window must be positive")
	}
	return nil
}

// Location resolves the configured timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func parseWarnLevels(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	levels := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid KEYLINE_WARN_LEVELS entry %q", p)
		}
		levels = append(levels, n)
	}
	return levels, nil
}
