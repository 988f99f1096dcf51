package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "orders-topic", cfg.Kafka.TopicOrders)
	assert.Equal(t, "logs-topic", cfg.Kafka.TopicLogs)
	assert.Equal(t, "hourly-transaction-topic", cfg.Kafka.TopicHourly)
	assert.Equal(t, time.Hour, cfg.Window.Size)
	assert.Equal(t, "order-consumer", cfg.Ingestion.ServiceName)
	assert.False(t, cfg.Window.FlushOnShutdown)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("WINDOW_SIZE", "30m")
	t.Setenv("WINDOW_FLUSH_ON_SHUTDOWN", "true")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DEDUP_CACHE_TTL", "not-a-duration")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Minute, cfg.Window.Size)
	assert.True(t, cfg.Window.FlushOnShutdown)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 24*time.Hour, cfg.Ingestion.CacheTTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"zero window", func(c *Config) { c.Window.Size = 0 }},
		{"negative retention", func(c *Config) { c.Window.Retention = -time.Second }},
		{"zero retry interval", func(c *Config) { c.Window.RetryInterval = 0 }},
		{"unknown ledger", func(c *Config) { c.Window.LedgerBackend = "sqlite" }},
		{"empty memory ledger", func(c *Config) {
			c.Window.LedgerBackend = LedgerBackendMemory
			c.Window.LedgerSize = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
