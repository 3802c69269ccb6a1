package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Bus drivers accepted in BUS_DRIVER.
const (
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusMemory = "memory"
)

// Calendar policies accepted in CALENDAR.
const (
	CalendarFixed = "fixed"
	CalendarNSE   = "nse"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Service
	HTTPAddr    string
	MetricsAddr string
	LogLevel    string

	// Infrastructure
	SQLitePath    string
	BusDriver     string
	RedisAddr     string
	RedisPassword string
	NATSURL       string

	// Trading calendar
	Calendar     string
	HolidaysFile string

	// Upstream collaborators
	QuoteBaseURL  string
	QuoteCacheTTL time.Duration
	FXSources     string // comma-separated name=urlFmt pairs
	FXStaticRates string // e.g. "USDINR=83.10,EURINR=90.5"

	// Sell consumer
	SettlementCurrency string

	// Shared secrets
	AdminToken   string
	WebhookToken string

	// Alerts
	AlertWebhookURL    string
	AlertWebhookSecret string
	AlertMinLevel      string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFrom         string
	TwilioTo           string

	// Scheduler
	SchedulerInterval    time.Duration
	RetryAttempts        int
	HealthInterval       time.Duration
	ReconcileGrace       time.Duration
	ReconcileMaxAttempts int
}

// Load reads an optional .env file, then configuration from environment
// variables with sensible defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}
	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/ledger.db"),
		BusDriver:     strings.ToLower(getEnv("BUS_DRIVER", BusRedis)),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		NATSURL:       getEnv("NATS_URL", "nats://localhost:4222"),

		Calendar:     strings.ToLower(getEnv("CALENDAR", CalendarFixed)),
		HolidaysFile: getEnv("HOLIDAYS_FILE", ""),

		QuoteBaseURL:  getEnv("QUOTE_BASE_URL", "https://query1.finance.yahoo.com"),
		QuoteCacheTTL: getDuration("QUOTE_CACHE_TTL", 15*time.Second),
		FXSources:     getEnv("FX_SOURCES", "erapi=https://open.er-api.com/v6/latest/%s"),
		FXStaticRates: getEnv("FX_STATIC_RATES", "USDINR=83.00"),

		SettlementCurrency: strings.ToUpper(getEnv("SETTLEMENT_CURRENCY", "INR")),

		AdminToken:   getEnv("ADMIN_TOKEN", ""),
		WebhookToken: getEnv("PAYMENT_WEBHOOK_TOKEN", ""),

		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		AlertWebhookSecret: getEnv("ALERT_WEBHOOK_SECRET", ""),
		AlertMinLevel:      strings.ToUpper(getEnv("ALERT_MIN_LEVEL", "WARNING")),
		TwilioAccountSID:   getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:         getEnv("TWILIO_FROM", ""),
		TwilioTo:           getEnv("TWILIO_TO", ""),

		SchedulerInterval:    getDuration("SCHEDULER_INTERVAL", time.Minute),
		RetryAttempts:        getInt("RETRY_ATTEMPTS", 3),
		HealthInterval:       getDuration("HEALTH_INTERVAL", 10*time.Second),
		ReconcileGrace:       getDuration("RECONCILE_GRACE", 2*time.Minute),
		ReconcileMaxAttempts: getInt("RECONCILE_MAX_ATTEMPTS", 5),
	}
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.BusDriver {
	case BusRedis, BusNATS, BusMemory:
	default:
		return fmt.Errorf("[config] BUS_DRIVER %q: want redis, nats or memory", c.BusDriver)
	}
	switch c.Calendar {
	case CalendarFixed, CalendarNSE:
	default:
		return fmt.Errorf("[config] CALENDAR %q: want fixed or nse", c.Calendar)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("[config] SCHEDULER_INTERVAL must be positive")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("[config] RETRY_ATTEMPTS must be at least 1")
	}
	if c.SettlementCurrency == "" {
		return fmt.Errorf("[config] SETTLEMENT_CURRENCY must not be empty")
	}
	return nil
}

// FXSourceList parses FXSources into ordered name/URL-pattern pairs.
func (c *Config) FXSourceList() [][2]string {
	var out [][2]string
	for _, part := range strings.Split(c.FXSources, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || !strings.Contains(kv[1], "%s") {
			log.Printf("[config] skipping invalid FX source: %q", part)
			continue
		}
		out = append(out, [2]string{strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])})
	}
	return out
}

// TwilioRecipients splits TwilioTo on commas.
func (c *Config) TwilioRecipients() []string {
	var out []string
	for _, p := range strings.Split(c.TwilioTo, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid integer %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
