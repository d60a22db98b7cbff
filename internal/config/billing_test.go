package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBillingConfigIsValid(t *testing.T) {
	cfg := DefaultBillingConfig()
	require.NoError(t, validateBillingConfig(cfg))

	exp, ok := cfg.Exponent("usd")
	assert.True(t, ok)
	assert.Equal(t, int32(2), exp)

	exp, ok = cfg.Exponent("JPY")
	assert.True(t, ok)
	assert.Equal(t, int32(0), exp)

	assert.False(t, cfg.SupportsCurrency("XXX"))
}

func TestValidateBillingConfigRejectsBadValues(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.PaymentTimeout = 0
	assert.Error(t, validateBillingConfig(cfg))

	cfg = DefaultBillingConfig()
	cfg.Currencies = []CurrencyConfig{{Code: "US", Exponent: 2}}
	assert.Error(t, validateBillingConfig(cfg))

	cfg = DefaultBillingConfig()
	cfg.DefaultCollectionMethod = "CARRIER_PIGEON"
	assert.Error(t, validateBillingConfig(cfg))
}

func TestStaticHolder(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.PaymentTimeout = 3 * time.Second
	holder := NewStaticBillingConfigHolder(cfg)
	assert.Equal(t, 3*time.Second, holder.Get().PaymentTimeout)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("REDIS_LOCK_TTL", "5s")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.Database().Type)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Redis.LockTTL)
}

func TestLoadReadsTelemetry(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("OTEL_ENABLED", "yes")
	t.Setenv("OTEL_SAMPLING_RATIO", "not-a-number")

	cfg := Load()
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
	assert.True(t, cfg.Telemetry.OtelEnabled)
	assert.Equal(t, 0.1, cfg.Telemetry.SamplingRatio)
}
