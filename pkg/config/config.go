package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port     string
	LogLevel string

	// Database
	DBPath        string
	DBPoolSize    int // 1-100
	DBMaxOverflow int // 0-50, extra idle connections

	// Execution
	MarketOrderTimeout  int // seconds, 1-60
	ExchangeTimeout     int // seconds, 5-120
	ExchangeMaxRetries  int // 1-10
	CancelQueueInterval int // seconds, 5-60
	MaxCancelRetries    int // 1-10

	// Webhook locking
	WebhookLockTimeout int // seconds
	MaxWebhookLocks    int

	// Queue
	QueueSweepInterval int // seconds between idle-bucket repair sweeps

	// Strategy / account bindings
	StrategiesFile string

	// Auth
	JWTSecret string

	// Event bridge (optional)
	NATSURL string

	// Operator notifications (optional)
	TelegramBotToken string
	TelegramChatID   string

	// FX
	FXRateURL string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DBPath:              getEnv("DB_PATH", "./data/trading.db"),
		DBPoolSize:          getEnvIntRange("DB_POOL_SIZE", 20, 1, 100),
		DBMaxOverflow:       getEnvIntRange("DB_MAX_OVERFLOW", 10, 0, 50),
		MarketOrderTimeout:  getEnvIntRange("MARKET_ORDER_TIMEOUT", 10, 1, 60),
		ExchangeTimeout:     getEnvIntRange("EXCHANGE_TIMEOUT", 30, 5, 120),
		ExchangeMaxRetries:  getEnvIntRange("EXCHANGE_MAX_RETRIES", 3, 1, 10),
		CancelQueueInterval: getEnvIntRange("CANCEL_QUEUE_INTERVAL", 10, 5, 60),
		MaxCancelRetries:    getEnvIntRange("MAX_CANCEL_RETRIES", 5, 1, 10),
		WebhookLockTimeout:  getEnvIntRange("WEBHOOK_LOCK_TIMEOUT", 30, 1, 300),
		MaxWebhookLocks:     getEnvIntRange("MAX_WEBHOOK_LOCKS", 1000, 1, 100000),
		QueueSweepInterval:  getEnvIntRange("QUEUE_SWEEP_INTERVAL", 60, 5, 3600),
		StrategiesFile:      getEnv("STRATEGIES_FILE", "./config/strategies.yaml"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		NATSURL:             os.Getenv("NATS_URL"),
		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:      os.Getenv("TELEGRAM_CHAT_ID"),
		FXRateURL:           getEnv("FX_RATE_URL", "https://api.frankfurter.app/latest?from=USD&to=KRW"),
	}
	return cfg, nil
}

// ExchangeRateLimit returns the configured req/s limit for an exchange,
// e.g. BINANCE_RATE_LIMIT=10.0. Values are clamped to 1.0-100.0.
func ExchangeRateLimit(exchange string, def float64) float64 {
	key := strings.ToUpper(exchange) + "_RATE_LIMIT"
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < 1.0 {
		f = 1.0
	}
	if f > 100.0 {
		f = 100.0
	}
	return f
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntRange(key string, def, min, max int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if i < min {
		i = min
	}
	if i > max {
		i = max
	}
	return i
}

// Validate performs sanity checks that cannot be expressed as clamps.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	return nil
}
