// Package config loads runtime configuration from the environment. A .env
// file in the working directory is read first when present; real environment
// variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/notifyhub/courier/internal/domain"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Redis analytics cache. Empty address disables caching.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Channels enabled for this deployment.
	EnabledChannels []domain.Channel

	// SMTP
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPStartTLS    bool
	SMTPFromAddress string
	SMTPFromName    string
	SMTPSendHTML    bool
	SMTPDialTimeout time.Duration

	// Webhook
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration

	// In-app
	InAppMaxPreviewLength int
	InAppRetention        time.Duration
	InAppMaxPerUser       int
	InAppAutoReadAfter    time.Duration
	InAppGrouping         bool

	// Daemon loops
	PollingInterval         time.Duration
	BatchSize               int
	CriticalBatchSize       int
	MaxConcurrentDeliveries int
	ProcessingTimeout       time.Duration
	HealthCheckInterval     time.Duration
	CleanupInterval         time.Duration
	AuditRetention          time.Duration

	// Dispatch
	DeliveryMode       string
	PerCallTimeout     time.Duration
	DeadLetterCapacity int

	// Circuit breaker
	BreakerFailureThreshold uint32
	BreakerSuccessThreshold uint32
	BreakerOpenTimeout      time.Duration
	BreakerWindow           time.Duration

	// Per-channel deliveries per minute; zero disables the limiter.
	ChannelRatesPerMinute map[domain.Channel]int
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	// Missing .env is not an error; containers set real env vars.
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	channels, err := parseChannels(getEnv("ENABLED_CHANNELS", "email,in_app,webhook,logging"))
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		EnabledChannels: channels,

		SMTPHost:        getEnv("SMTP_HOST", "localhost"),
		SMTPPort:        getInt("SMTP_PORT", 587),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SMTPStartTLS:    getBool("SMTP_STARTTLS", true),
		SMTPFromAddress: getEnv("SMTP_FROM_ADDRESS", "notifications@example.com"),
		SMTPFromName:    getEnv("SMTP_FROM_NAME", "Courier"),
		SMTPSendHTML:    getBool("SMTP_SEND_HTML", false),
		SMTPDialTimeout: getDuration("SMTP_DIAL_TIMEOUT", 10*time.Second),

		WebhookURL:     getEnv("WEBHOOK_URL", ""),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		WebhookTimeout: getDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		InAppMaxPreviewLength: getInt("INAPP_MAX_PREVIEW_LENGTH", 120),
		InAppRetention:        getDuration("INAPP_RETENTION", 30*24*time.Hour),
		InAppMaxPerUser:       getInt("INAPP_MAX_PER_USER", 1000),
		InAppAutoReadAfter:    getDuration("INAPP_AUTO_READ_AFTER", 7*24*time.Hour),
		InAppGrouping:         getBool("INAPP_GROUPING", true),

		PollingInterval:         getDuration("POLLING_INTERVAL", 5*time.Second),
		BatchSize:               getInt("BATCH_SIZE", 50),
		CriticalBatchSize:       getInt("CRITICAL_BATCH_SIZE", 10),
		MaxConcurrentDeliveries: getInt("MAX_CONCURRENT_DELIVERIES", 10),
		ProcessingTimeout:       getDuration("PROCESSING_TIMEOUT", 2*time.Minute),
		HealthCheckInterval:     getDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		CleanupInterval:         getDuration("CLEANUP_INTERVAL", time.Hour),
		AuditRetention:          getDuration("AUDIT_RETENTION", 90*24*time.Hour),

		DeliveryMode:       getEnv("DELIVERY_MODE", "fire_and_forget"),
		PerCallTimeout:     getDuration("PER_CALL_TIMEOUT", 30*time.Second),
		DeadLetterCapacity: getInt("DEAD_LETTER_CAPACITY", 1000),

		BreakerFailureThreshold: uint32(getInt("BREAKER_FAILURE_THRESHOLD", 5)),
		BreakerSuccessThreshold: uint32(getInt("BREAKER_SUCCESS_THRESHOLD", 2)),
		BreakerOpenTimeout:      getDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		BreakerWindow:           getDuration("BREAKER_WINDOW", 60*time.Second),

		ChannelRatesPerMinute: map[domain.Channel]int{
			domain.ChannelEmail:   getInt("EMAIL_RATE_PER_MINUTE", 60),
			domain.ChannelInApp:   getInt("INAPP_RATE_PER_MINUTE", 0),
			domain.ChannelWebhook: getInt("WEBHOOK_RATE_PER_MINUTE", 120),
			domain.ChannelLogging: getInt("LOGGING_RATE_PER_MINUTE", 0),
		},
	}, nil
}

// ChannelEnabled reports whether the deployment delivers on the channel.
func (c *Config) ChannelEnabled(ch domain.Channel) bool {
	for _, enabled := range c.EnabledChannels {
		if enabled == ch {
			return true
		}
	}
	return false
}

func parseChannels(raw string) ([]domain.Channel, error) {
	parts := strings.Split(raw, ",")
	out := make([]domain.Channel, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ch := domain.Channel(p)
		if !ch.IsValid() {
			return nil, fmt.Errorf("ENABLED_CHANNELS: %w: %q", domain.ErrInvalidChannel, p)
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ENABLED_CHANNELS: %w", domain.ErrNoChannels)
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
