package mqstore

import (
	"math"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied by Open when no option or configuration overrides them.
const (
	// DefaultBucketCount is the number of shards the queue keys are
	// partitioned into. Fixed at startup; changing it re-hashes queues
	// to different store files.
	DefaultBucketCount = 4

	// DefaultQoS0MemoryHardLimitDivisor divides the process memory limit
	// to obtain the global QoS 0 memory budget.
	DefaultQoS0MemoryHardLimitDivisor = 4

	// fallbackMemoryBase is used to derive the QoS 0 budget when the Go
	// runtime has no memory limit configured.
	fallbackMemoryBase = 1 << 30
)

// storeOptions holds configuration for the persistence.
type storeOptions struct {
	// Logger for persistence events (optional, defaults to discarding logs)
	Logger zerolog.Logger

	// Sink for message-drop telemetry (optional, defaults to NopDropped)
	Dropped DroppedService

	// Number of shards (buckets)
	BucketCount int

	// Divisor applied to the process memory limit to obtain the QoS 0
	// memory budget. Values below 1 fall back to the default divisor.
	QoS0MemoryLimitDivisor int

	// Explicit QoS 0 memory budget in bytes. Overrides the divisor when
	// set.
	QoS0MemoryLimit int64

	// Clock used for expiry decisions (tests inject a fake)
	Now func() time.Time
}

func defaultOptions() *storeOptions {
	return &storeOptions{
		Logger:                 zerolog.Nop(),
		Dropped:                NopDropped{},
		BucketCount:            DefaultBucketCount,
		QoS0MemoryLimitDivisor: DefaultQoS0MemoryHardLimitDivisor,
		Now:                    time.Now,
	}
}

// qos0Limit resolves the effective QoS 0 memory budget. The budget defaults
// to the runtime's memory limit divided by the configured divisor; when the
// runtime has no limit set, a fixed base is divided instead.
func (o *storeOptions) qos0Limit() int64 {
	if o.QoS0MemoryLimit > 0 {
		return o.QoS0MemoryLimit
	}
	divisor := o.QoS0MemoryLimitDivisor
	if divisor < 1 {
		divisor = DefaultQoS0MemoryHardLimitDivisor
	}
	base := debug.SetMemoryLimit(-1)
	if base <= 0 || base == math.MaxInt64 {
		base = fallbackMemoryBase
	}
	return base / int64(divisor)
}

// Option is a functional option for configuring the persistence.
type Option func(*storeOptions)

// WithLogger sets a custom logger for persistence events.
//
// Example:
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	store, _ := mqstore.Open(dir, payloads, mqstore.WithLogger(logger))
func WithLogger(logger zerolog.Logger) Option {
	return func(o *storeOptions) {
		o.Logger = logger
	}
}

// WithDroppedService sets the sink for message-drop telemetry.
//
// Example:
//
//	dropped := mqstore.NewPrometheusDropped(prometheus.DefaultRegisterer)
//	store, _ := mqstore.Open(dir, payloads, mqstore.WithDroppedService(dropped))
func WithDroppedService(d DroppedService) Option {
	return func(o *storeOptions) {
		if d != nil {
			o.Dropped = d
		}
	}
}

// WithBucketCount sets the number of shards. The count is fixed at startup:
// an existing persistence directory must be re-opened with the count it was
// created with, or queues hash to the wrong store files.
func WithBucketCount(count int) Option {
	return func(o *storeOptions) {
		if count > 0 {
			o.BucketCount = count
		}
	}
}

// WithQoS0MemoryLimitDivisor sets the divisor applied to the process memory
// limit to obtain the global QoS 0 memory budget. Values below 1 select the
// default divisor.
func WithQoS0MemoryLimitDivisor(divisor int) Option {
	return func(o *storeOptions) {
		o.QoS0MemoryLimitDivisor = divisor
	}
}

// WithQoS0MemoryLimit sets the global QoS 0 memory budget to an explicit
// byte count, bypassing the divisor derivation.
func WithQoS0MemoryLimit(limit int64) Option {
	return func(o *storeOptions) {
		o.QoS0MemoryLimit = limit
	}
}

// WithClock sets the time source used for message expiry decisions.
// Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithConfig applies an environment-loaded Config. Options placed after
// WithConfig override individual values.
func WithConfig(cfg Config) Option {
	return func(o *storeOptions) {
		if cfg.BucketCount > 0 {
			o.BucketCount = cfg.BucketCount
		}
		o.QoS0MemoryLimitDivisor = cfg.QoS0MemoryHardLimitDivisor
	}
}
