package mqstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, DefaultQoS0MemoryHardLimitDivisor, cfg.QoS0MemoryHardLimitDivisor)
		assert.Equal(t, DefaultBucketCount, cfg.BucketCount)
	})

	t.Run("reads the environment", func(t *testing.T) {
		t.Setenv("MQSTORE_QOS0_MEMORY_HARD_LIMIT_DIVISOR", "8")
		t.Setenv("MQSTORE_PERSISTENCE_BUCKET_COUNT", "16")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.QoS0MemoryHardLimitDivisor)
		assert.Equal(t, 16, cfg.BucketCount)
	})

	t.Run("rejects an invalid bucket count", func(t *testing.T) {
		t.Setenv("MQSTORE_PERSISTENCE_BUCKET_COUNT", "0")

		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestWithConfig(t *testing.T) {
	o := defaultOptions()
	WithConfig(Config{QoS0MemoryHardLimitDivisor: 8, BucketCount: 16})(o)

	assert.Equal(t, 16, o.BucketCount)
	assert.Equal(t, 8, o.QoS0MemoryLimitDivisor)
}

func TestQoS0LimitDerivation(t *testing.T) {
	t.Run("explicit limit wins", func(t *testing.T) {
		o := defaultOptions()
		WithQoS0MemoryLimit(1234)(o)
		assert.Equal(t, int64(1234), o.qos0Limit())
	})

	t.Run("divisor below one falls back to the default divisor", func(t *testing.T) {
		o := defaultOptions()
		WithQoS0MemoryLimitDivisor(0)(o)

		d := defaultOptions()
		assert.Equal(t, d.qos0Limit(), o.qos0Limit())
	})

	t.Run("larger divisor yields a smaller budget", func(t *testing.T) {
		small := defaultOptions()
		WithQoS0MemoryLimitDivisor(8)(small)

		large := defaultOptions()
		WithQoS0MemoryLimitDivisor(2)(large)

		assert.Equal(t, large.qos0Limit()/4, small.qos0Limit())
	})
}
