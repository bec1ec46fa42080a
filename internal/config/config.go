package config

import (
	"fmt"
	"net/url"
	"time"
	_ "time/tzdata"

	"github.com/valenisgroo/reviews-service/internal/job"
	"github.com/valenisgroo/reviews-service/internal/rating"
	pkgconfig "github.com/valenisgroo/reviews-service/pkg/config"
)

// Config holds all configuration for the reviews service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"REVIEW_HTTP_PORT" envDefault:"8011"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"ecommerce"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"ecommerce_secret"`
	PostgresDB   string `env:"REVIEW_DB_NAME" envDefault:"review_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`

	// Redis backs the rating cache and the consumer idempotency store.
	RedisEnabled        bool   `env:"REDIS_ENABLED" envDefault:"true"`
	RedisHost           string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort           int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword       string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB             int    `env:"REDIS_DB" envDefault:"0"`
	RatingCacheTTLSecs  int    `env:"RATING_CACHE_TTL_SECONDS" envDefault:"300"`
	IdempotencyTTLHours int    `env:"IDEMPOTENCY_TTL_HOURS" envDefault:"24"`

	// Kafka
	KafkaBrokers             []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaOrderTopic          string   `env:"KAFKA_ORDER_TOPIC" envDefault:"ecommerce.order.created"`
	KafkaConsumerGroup       string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"reviews-service"`
	KafkaReconnectBackoffSec int      `env:"KAFKA_RECONNECT_BACKOFF_SECONDS" envDefault:"10"`
	KafkaMaxRetries          int      `env:"KAFKA_MAX_RETRIES" envDefault:"3"`
	KafkaEnableDLQ           bool     `env:"KAFKA_ENABLE_DLQ" envDefault:"true"`

	// Orders service used for synchronous purchase checks
	OrdersServiceURL       string `env:"ORDERS_SERVICE_URL" envDefault:"http://localhost:8003"`
	OrdersServiceToken     string `env:"ORDERS_SERVICE_TOKEN" envDefault:""`
	PurchaseCheckTimeoutMs int    `env:"PURCHASE_CHECK_TIMEOUT_MS" envDefault:"5000"`

	// Circuit breaker settings for the orders service
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Moderation
	ModerationSchedule          string   `env:"MODERATION_SCHEDULE" envDefault:"0 2 * * *"`
	ModerationTimezone          string   `env:"MODERATION_TIMEZONE" envDefault:"America/Argentina/Buenos_Aires"`
	ModerationRejectAllLinks    bool     `env:"MODERATION_REJECT_ALL_LINKS" envDefault:"false"`
	ModerationAllowedDomains    []string `env:"MODERATION_ALLOWED_DOMAINS" envDefault:"youtube.com,amazon.com" envSeparator:","`
	ModerationSuspiciousDomains []string `env:"MODERATION_SUSPICIOUS_DOMAINS" envDefault:"bit.ly,tinyurl.com,goo.gl,t.co,short.link" envSeparator:","`
	ModerationForbiddenWords    []string `env:"MODERATION_FORBIDDEN_WORDS" envDefault:"mierda,idiota,estafa,timo,spam,imbécil" envSeparator:","`
	// Reviews per second a sweep may moderate; 0 disables throttling.
	ModerationSweepRate         float64  `env:"MODERATION_SWEEP_RATE" envDefault:"50"`

	// Rating aggregation
	RatingStrategy          string `env:"RATING_STRATEGY" envDefault:"recompute"`
	RatingReconcileSchedule string `env:"RATING_RECONCILE_SCHEDULE" envDefault:"@every 1h"`

	// Rate limit for review submission, per caller
	SubmitRateLimit      int64 `env:"SUBMIT_RATE_LIMIT" envDefault:"10"`
	SubmitRatePeriodSecs int   `env:"SUBMIT_RATE_PERIOD_SECONDS" envDefault:"60"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Pprof debug endpoints (IP allowlist in CIDR notation)
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`
}

// Load reads configuration from environment variables, after applying any
// dotenv files given.
func Load(dotenvFiles ...string) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg, dotenvFiles...); err != nil {
		return nil, fmt.Errorf("load reviews config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.RedisEnabled && (c.RedisPort < 1 || c.RedisPort > 65535) {
		return fmt.Errorf("invalid Redis port: %d", c.RedisPort)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.KafkaOrderTopic == "" {
		return fmt.Errorf("KAFKA_ORDER_TOPIC is required")
	}
	if c.KafkaReconnectBackoffSec < 1 {
		return fmt.Errorf("KAFKA_RECONNECT_BACKOFF_SECONDS must be positive, got %d", c.KafkaReconnectBackoffSec)
	}
	if _, err := url.ParseRequestURI(c.OrdersServiceURL); err != nil {
		return fmt.Errorf("invalid ORDERS_SERVICE_URL %q: %w", c.OrdersServiceURL, err)
	}
	if c.PurchaseCheckTimeoutMs < 1 {
		return fmt.Errorf("PURCHASE_CHECK_TIMEOUT_MS must be positive, got %d", c.PurchaseCheckTimeoutMs)
	}
	if c.CBFailureRatio <= 0 || c.CBFailureRatio > 1.0 {
		return fmt.Errorf("CB_FAILURE_RATIO must be in (0, 1], got %f", c.CBFailureRatio)
	}
	if err := job.ValidateSpec(c.ModerationSchedule); err != nil {
		return fmt.Errorf("invalid MODERATION_SCHEDULE: %w", err)
	}
	if err := job.ValidateSpec(c.RatingReconcileSchedule); err != nil {
		return fmt.Errorf("invalid RATING_RECONCILE_SCHEDULE: %w", err)
	}
	if c.ModerationSweepRate < 0 {
		return fmt.Errorf("MODERATION_SWEEP_RATE must not be negative, got %f", c.ModerationSweepRate)
	}
	if _, err := time.LoadLocation(c.ModerationTimezone); err != nil {
		return fmt.Errorf("invalid MODERATION_TIMEZONE %q: %w", c.ModerationTimezone, err)
	}
	if _, err := rating.ParseStrategy(c.RatingStrategy); err != nil {
		return fmt.Errorf("invalid RATING_STRATEGY: %w", err)
	}
	if c.SubmitRateLimit < 1 || c.SubmitRatePeriodSecs < 1 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT and SUBMIT_RATE_PERIOD_SECONDS must be positive")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

// Location returns the time zone the moderation schedule runs in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ModerationTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Strategy returns the configured rating update strategy.
func (c *Config) Strategy() rating.Strategy {
	s, err := rating.ParseStrategy(c.RatingStrategy)
	if err != nil {
		return rating.StrategyRecompute
	}
	return s
}
