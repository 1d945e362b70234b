// Package config loads the instance configuration from the environment,
// with an optional .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"livermore/internal/model"
)

// Config holds everything a livermore instance needs to boot.
type Config struct {
	// Identity. One instance exists per (user, exchange).
	UserID       string
	ExchangeID   string
	ExchangeName string

	// Venue endpoints.
	WSURL   string
	RESTURL string
	APIKey  string

	// Infrastructure.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string

	// Pipeline.
	Symbols        []string
	BaseTimeframe  model.Timeframe
	Mode           model.RunMode
	FeedStaleAfter time.Duration

	// Tier1Symbols is the auto-adoption universe: symbols the daily
	// refresh adds to monitoring when the venue quotes them. Empty
	// disables the refresh.
	Tier1Symbols []string

	// Notifications. Empty webhook and telegram settings fall back to
	// the log notifier.
	WebhookURL        string
	WebhookUsername   string
	WebhookRatePerSec float64
	TelegramBotToken  string
	TelegramChatID    string
	ChartURL          string

	// Registry enrichment.
	GeoLookupURL     string
	AdminEmail       string
	AdminDisplayName string

	// Logging.
	LogLevel  string
	LogPretty bool
}

// Load reads the environment (plus .env when present, which never
// overrides already-set variables) and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs error
	cfg := &Config{
		UserID:           getEnv("LIVERMORE_USER_ID", "default"),
		ExchangeID:       strings.ToLower(strings.TrimSpace(os.Getenv("LIVERMORE_EXCHANGE_ID"))),
		ExchangeName:     strings.TrimSpace(os.Getenv("LIVERMORE_EXCHANGE_NAME")),
		WSURL:            strings.TrimSpace(os.Getenv("LIVERMORE_WS_URL")),
		RESTURL:          strings.TrimSpace(os.Getenv("LIVERMORE_REST_URL")),
		APIKey:           os.Getenv("LIVERMORE_API_KEY"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/livermore.db"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9105"),
		Symbols:          splitSymbols(getEnv("LIVERMORE_SYMBOLS", "BTC-USD,ETH-USD")),
		Tier1Symbols:     splitSymbols(os.Getenv("LIVERMORE_TIER1_SYMBOLS")),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		WebhookUsername:  getEnv("WEBHOOK_USERNAME", "livermore"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		ChartURL:         os.Getenv("CHART_URL"),
		GeoLookupURL:     os.Getenv("GEO_LOOKUP_URL"),
		AdminEmail:       os.Getenv("ADMIN_EMAIL"),
		AdminDisplayName: os.Getenv("ADMIN_NAME"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	cfg.RedisDB = intEnv("REDIS_DB", 0, &errs)
	cfg.WebhookRatePerSec = floatEnv("WEBHOOK_RATE_PER_SEC", 1, &errs)
	cfg.FeedStaleAfter = time.Duration(intEnv("FEED_STALE_AFTER_SEC", 90, &errs)) * time.Second
	cfg.LogPretty = boolEnv("LOG_PRETTY", false, &errs)

	base := getEnv("LIVERMORE_BASE_TIMEFRAME", string(model.OneMinute))
	tf, err := model.ParseTimeframe(base)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("LIVERMORE_BASE_TIMEFRAME: %w", err))
	} else if len(model.HigherTimeframes(tf)) == 0 {
		errs = errors.Join(errs, fmt.Errorf("LIVERMORE_BASE_TIMEFRAME: %s cannot derive higher timeframes", tf))
	}
	cfg.BaseTimeframe = tf

	cfg.Mode = model.RunMode(getEnv("LIVERMORE_MODE", string(model.ModeStandard)))
	if !model.ValidRunMode(cfg.Mode) {
		errs = errors.Join(errs, fmt.Errorf("LIVERMORE_MODE: unknown mode %q", cfg.Mode))
	}

	if cfg.ExchangeID == "" {
		errs = errors.Join(errs, errors.New("LIVERMORE_EXCHANGE_ID is required"))
	}
	if cfg.WSURL == "" {
		errs = errors.Join(errs, errors.New("LIVERMORE_WS_URL is required"))
	}
	if cfg.RESTURL == "" {
		errs = errors.Join(errs, errors.New("LIVERMORE_REST_URL is required"))
	}
	if cfg.WebhookRatePerSec <= 0 {
		errs = errors.Join(errs, errors.New("WEBHOOK_RATE_PER_SEC must be positive"))
	}
	if errs != nil {
		return nil, errs
	}

	if cfg.ExchangeName == "" {
		cfg.ExchangeName = strings.ToUpper(cfg.ExchangeID[:1]) + cfg.ExchangeID[1:]
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int, errs *error) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = errors.Join(*errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return fallback
	}
	return n
}

func floatEnv(key string, fallback float64, errs *error) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = errors.Join(*errs, fmt.Errorf("%s: %q is not a number", key, raw))
		return fallback
	}
	return f
}

func boolEnv(key string, fallback bool, errs *error) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = errors.Join(*errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return fallback
	}
	return b
}

// splitSymbols normalizes a comma-separated symbol list: trimmed,
// uppercased, empties dropped.
func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		symbols = append(symbols, p)
	}
	return symbols
}
