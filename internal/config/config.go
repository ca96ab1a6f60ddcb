// Package config loads the daemon's settings from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds everything the daemon needs to run. Token amounts are kept in
// micro-units (6 decimals) internally; the corresponding env vars take
// human-readable decimal strings like "1.00".
type Config struct {
	DBPath     string
	ListenAddr string
	LogLevel   string

	RoundDuration time.Duration
	EntryWindow   time.Duration

	EntryFee int64
	Rake     int64

	PayoutMode     string
	PaymentTimeout time.Duration

	ServerSeed string
	AdminToken string

	PayURL          string
	PayToken        string
	HoldingAddress  string
	PlatformAddress string
}

// Load reads configuration from the environment.
func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		DBPath:          getEnv("RPS_DB_PATH", "rps.db"),
		ListenAddr:      getEnv("RPS_LISTEN_ADDR", ":8080"),
		LogLevel:        getEnv("RPS_LOG_LEVEL", "info"),
		PayoutMode:      getEnv("RPS_PAYOUT_MODE", "pull"),
		ServerSeed:      getEnv("RPS_SERVER_SEED", ""),
		AdminToken:      getEnv("RPS_ADMIN_TOKEN", ""),
		PayURL:          getEnv("RPS_PAY_URL", ""),
		PayToken:        getEnv("RPS_PAY_TOKEN", ""),
		HoldingAddress:  getEnv("RPS_HOLDING_ADDRESS", ""),
		PlatformAddress: getEnv("RPS_PLATFORM_ADDRESS", ""),
	}

	var err error
	if cfg.RoundDuration, err = getDuration("RPS_ROUND_DURATION", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.EntryWindow, err = getDuration("RPS_ENTRY_WINDOW", 4*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PaymentTimeout, err = getDuration("RPS_PAYMENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.EntryFee, err = getAmount("RPS_ENTRY_FEE", "1.00"); err != nil {
		return nil, err
	}
	if cfg.Rake, err = getAmount("RPS_RAKE", "0.09"); err != nil {
		return nil, err
	}

	if cfg.ServerSeed == "" {
		return nil, fmt.Errorf("RPS_SERVER_SEED is required")
	}
	if cfg.PayURL != "" && cfg.PayToken == "" {
		return nil, fmt.Errorf("RPS_PAY_TOKEN is required when RPS_PAY_URL is set")
	}

	logger.Info().
		Str("db_path", cfg.DBPath).
		Str("listen_addr", cfg.ListenAddr).
		Str("log_level", cfg.LogLevel).
		Dur("round_duration", cfg.RoundDuration).
		Dur("entry_window", cfg.EntryWindow).
		Int64("entry_fee", cfg.EntryFee).
		Int64("rake", cfg.Rake).
		Str("payout_mode", cfg.PayoutMode).
		Bool("gateway_configured", cfg.PayURL != "").
		Msg("configuration loaded")

	return cfg, nil
}

// Level parses the configured zerolog level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	// Accept bare seconds as well as Go duration strings.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getAmount parses a decimal token string into micro-units.
func getAmount(key, fallback string) (int64, error) {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	micro := d.Shift(6)
	if !micro.IsInteger() {
		return 0, fmt.Errorf("%s: %s has more than 6 decimal places", key, v)
	}
	if !micro.BigInt().IsInt64() {
		return 0, fmt.Errorf("%s: %s out of range", key, v)
	}
	return micro.BigInt().Int64(), nil
}
