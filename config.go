package mqstore

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the persistence settings read from the environment.
//
// Example:
//
//	cfg, err := mqstore.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := mqstore.Open(dir, payloads, mqstore.WithConfig(cfg))
type Config struct {
	// QoS0MemoryHardLimitDivisor divides the process memory limit to obtain
	// the global QoS 0 memory budget. Values below 1 select the default
	// divisor.
	QoS0MemoryHardLimitDivisor int `env:"MQSTORE_QOS0_MEMORY_HARD_LIMIT_DIVISOR" env-default:"4"`

	// BucketCount is the number of shards the queue keys are partitioned
	// into. Fixed at startup.
	BucketCount int `env:"MQSTORE_PERSISTENCE_BUCKET_COUNT" env-default:"4" validate:"min=1"`
}

// LoadConfig reads the persistence configuration from environment variables
// and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read env config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
