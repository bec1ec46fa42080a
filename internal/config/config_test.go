package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valenisgroo/reviews-service/internal/rating"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8011, cfg.HTTPPort)
	assert.Equal(t, "review_db", cfg.PostgresDB)
	assert.Equal(t, "0 2 * * *", cfg.ModerationSchedule)
	assert.Equal(t, "America/Argentina/Buenos_Aires", cfg.Location().String())
	assert.Equal(t, rating.StrategyRecompute, cfg.Strategy())
	assert.False(t, cfg.ModerationRejectAllLinks)
	assert.Contains(t, cfg.ModerationSuspiciousDomains, "bit.ly")
	assert.Equal(t, 50.0, cfg.ModerationSweepRate)
}

func TestLoad_MissingDotenvIsIgnored(t *testing.T) {
	_, err := Load("does-not-exist.env")

	assert.NoError(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RATING_STRATEGY", "incremental")
	t.Setenv("MODERATION_TIMEZONE", "UTC")
	t.Setenv("MODERATION_FORBIDDEN_WORDS", "spam,scam")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, rating.StrategyIncremental, cfg.Strategy())
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, []string{"spam", "scam"}, cfg.ModerationForbiddenWords)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"http port", "REVIEW_HTTP_PORT", "0", "invalid HTTP port"},
		{"redis port", "REDIS_PORT", "70000", "invalid Redis port"},
		{"orders url", "ORDERS_SERVICE_URL", "orders-service", "invalid ORDERS_SERVICE_URL"},
		{"purchase timeout", "PURCHASE_CHECK_TIMEOUT_MS", "-1", "PURCHASE_CHECK_TIMEOUT_MS"},
		{"breaker ratio", "CB_FAILURE_RATIO", "1.5", "CB_FAILURE_RATIO"},
		{"moderation schedule", "MODERATION_SCHEDULE", "daily at two", "invalid MODERATION_SCHEDULE"},
		{"reconcile schedule", "RATING_RECONCILE_SCHEDULE", "@sometimes", "invalid RATING_RECONCILE_SCHEDULE"},
		{"timezone", "MODERATION_TIMEZONE", "Mars/Olympus_Mons", "invalid MODERATION_TIMEZONE"},
		{"sweep rate", "MODERATION_SWEEP_RATE", "-1", "MODERATION_SWEEP_RATE"},
		{"strategy", "RATING_STRATEGY", "eventual", "invalid RATING_STRATEGY"},
		{"rate limit", "SUBMIT_RATE_LIMIT", "0", "SUBMIT_RATE_LIMIT"},
		{"sample rate", "OTEL_SAMPLE_RATE", "2", "OTEL_SAMPLE_RATE"},
		{"backoff", "KAFKA_RECONNECT_BACKOFF_SECONDS", "0", "KAFKA_RECONNECT_BACKOFF_SECONDS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			cfg, err := Load()

			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_RedisPortIgnoredWhenDisabled(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("REDIS_PORT", "70000")

	_, err := Load()

	assert.NoError(t, err)
}
