package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/hray3182/concierge/internal/scheduler"
)

type Config struct {
	DatabaseURI string
	RedisURL    string

	TelegramToken string
	DiscordToken  string
	SESFromEmail  string
	AWSRegion     string

	AIAPIKey  string
	AIBaseURL string
	AIModel   string

	Interval        time.Duration
	BatchSize       int
	MaxAttempts     int
	DispatchTimeout time.Duration
	ShutdownGrace   time.Duration
	ClaimTTL        time.Duration
	DeliveryHour    int
	Timezone        string
	Concurrency     int
	OrgID           uuid.UUID

	OpsAddr  string
	LogLevel string
	LogDev   bool
}

// Load reads .env (optional), then the environment, then command-line flags.
// Flags win over the environment.
func Load(args []string) (*Config, error) {
	// .env file is optional in production
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		DatabaseURI:     os.Getenv("DATABASE_URI"),
		RedisURL:        os.Getenv("REDIS_URL"),
		TelegramToken:   os.Getenv("TELEGRAM_TOKEN"),
		DiscordToken:    os.Getenv("DISCORD_TOKEN"),
		SESFromEmail:    os.Getenv("SES_FROM_EMAIL"),
		AWSRegion:       os.Getenv("AWS_REGION"),
		AIAPIKey:        os.Getenv("AI_API_KEY"),
		AIBaseURL:       getEnvOrDefault("AI_BASE_URL", "https://openrouter.ai/api/v1"),
		AIModel:         getEnvOrDefault("AI_MODEL", "openai/gpt-4o-mini"),
		Interval:        durationEnv("REMINDER_INTERVAL", 5*time.Minute, &errs),
		BatchSize:       intEnv("REMINDER_BATCH_SIZE", 100, &errs),
		MaxAttempts:     intEnv("REMINDER_MAX_ATTEMPTS", 5, &errs),
		DispatchTimeout: durationEnv("REMINDER_DISPATCH_TIMEOUT", time.Minute, &errs),
		ShutdownGrace:   durationEnv("REMINDER_SHUTDOWN_GRACE", 0, &errs),
		ClaimTTL:        durationEnv("REMINDER_CLAIM_TTL", 10*time.Minute, &errs),
		DeliveryHour:    intEnv("REMINDER_DELIVERY_HOUR", 9, &errs),
		Timezone:        getEnvOrDefault("REMINDER_TIMEZONE", "UTC"),
		Concurrency:     intEnv("REMINDER_CONCURRENCY", 1, &errs),
		OpsAddr:         getEnvOrDefault("OPS_ADDR", ":8080"),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		LogDev:          boolEnv("LOG_DEV", false, &errs),
	}
	if v := os.Getenv("ORG_ID"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ORG_ID: %w", err))
		}
		cfg.OrgID = id
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("reminderd", pflag.ContinueOnError)
	fs.StringVar(&cfg.DatabaseURI, "database-uri", cfg.DatabaseURI, "postgres connection string")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for the cross-instance cycle lock (optional)")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "time between reminder cycles")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "maximum due rules per cycle")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "failed attempts before a rule is terminal")
	fs.DurationVar(&cfg.DispatchTimeout, "dispatch-timeout", cfg.DispatchTimeout, "deadline for one dispatch")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "how long to wait for the running cycle on shutdown (0 derives it from the dispatch timeout)")
	fs.DurationVar(&cfg.ClaimTTL, "claim-ttl", cfg.ClaimTTL, "age after which an abandoned claim can be taken over")
	fs.IntVar(&cfg.DeliveryHour, "delivery-hour", cfg.DeliveryHour, "local hour for lead-time reminders")
	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "default IANA zone for lead-time reminders")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "rules dispatched in parallel")
	fs.StringVar(&cfg.OpsAddr, "ops-addr", cfg.OpsAddr, "listen address for health, metrics and admin endpoints")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "human-readable logs")
	org := fs.String("org-id", "", "restrict the worker to one tenant")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *org != "" {
		id, err := uuid.Parse(*org)
		if err != nil {
			return nil, fmt.Errorf("--org-id: %w", err)
		}
		cfg.OrgID = id
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = cfg.InFlightLimit()
	}
	return cfg, nil
}

// InFlightLimit is the longest one dispatch can hold its claim before the
// outcome is recorded.
func (c *Config) InFlightLimit() time.Duration {
	return c.DispatchTimeout + scheduler.PersistTimeout
}

// Validate checks required settings and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURI == "" {
		errs = append(errs, errors.New("DATABASE_URI is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("dispatch timeout must be positive"))
	}
	if c.ClaimTTL <= c.InFlightLimit() {
		errs = append(errs, fmt.Errorf("claim TTL must exceed the dispatch timeout plus %s", scheduler.PersistTimeout))
	}
	if c.ShutdownGrace < c.InFlightLimit() {
		errs = append(errs, fmt.Errorf("shutdown grace must be at least the dispatch timeout plus %s", scheduler.PersistTimeout))
	}
	if c.DeliveryHour < 0 || c.DeliveryHour > 23 {
		errs = append(errs, fmt.Errorf("delivery hour %d out of range 0-23", c.DeliveryHour))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.TelegramToken == "" && c.DiscordToken == "" && c.SESFromEmail == "" {
		errs = append(errs, errors.New("at least one of TELEGRAM_TOKEN, DISCORD_TOKEN or SES_FROM_EMAIL is required"))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

// durationEnv accepts Go durations ("90s") or a bare number of seconds.
func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func boolEnv(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
