package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	pebblestore "github.com/rzbill/aggregator/internal/storage/pebble"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// Config is the top-level configuration loaded from defaults, file and env.
type Config struct {
	DataDir  string `koanf:"data_dir" validate:"required"`
	HTTPAddr string `koanf:"http_addr" validate:"required"`

	// Fsync is always, interval or never.
	Fsync           string `koanf:"fsync" validate:"oneof=always interval never"`
	FsyncIntervalMs int    `koanf:"fsync_interval_ms" validate:"gte=0"`

	QueueCapacity int `koanf:"queue_capacity" validate:"gt=0"`
	// MaxBatchSize caps a single publish request; 0 means QueueCapacity.
	MaxBatchSize int `koanf:"max_batch_size" validate:"gte=0"`
	// ConsumerDelayMs is a per-event pacing delay. 0 disables it.
	ConsumerDelayMs int `koanf:"consumer_delay_ms" validate:"gte=0"`
	ErrorPauseMs    int `koanf:"error_pause_ms" validate:"gte=0"`
	// RetainLimit bounds the in-memory retained event list; 0 is unbounded.
	RetainLimit       int    `koanf:"retain_limit" validate:"gte=0"`
	StatsKey          string `koanf:"stats_key" validate:"required"`
	ShutdownTimeoutMs int    `koanf:"shutdown_timeout_ms" validate:"gt=0"`

	Log       logpkg.Config   `koanf:"log"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	CORS      CORSConfig      `koanf:"cors"`
	Kafka     KafkaConfig     `koanf:"kafka"`
}

// RateLimitConfig limits POST /publish per client IP. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute" validate:"gte=0"`
}

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// KafkaConfig enables the optional Kafka source when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic" validate:"required_with=Brokers"`
	GroupID string   `koanf:"group_id" validate:"required_with=Brokers"`
	// StartOffset is earliest or latest; it applies only to new groups.
	StartOffset string `koanf:"start_offset" validate:"omitempty,oneof=earliest latest"`
}

// Enabled reports whether a Kafka source should run.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:           DefaultDataDir(),
		HTTPAddr:          ":8080",
		Fsync:             "always",
		FsyncIntervalMs:   5,
		QueueCapacity:     10000,
		ConsumerDelayMs:   0,
		ErrorPauseMs:      1000,
		StatsKey:          "system_metrics",
		ShutdownTimeoutMs: 10000,
		Log: logpkg.Config{
			Level:  "info",
			Format: "json",
			Output: "console",
		},
		CORS: CORSConfig{AllowedOrigins: []string{"*"}},
		Kafka: KafkaConfig{
			GroupID:     "aggregator",
			StartOffset: "earliest",
		},
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// FsyncMode converts Fsync to the store's mode.
func (c Config) FsyncMode() pebblestore.FsyncMode {
	m, err := pebblestore.ParseFsyncMode(c.Fsync)
	if err != nil {
		return pebblestore.FsyncModeAlways
	}
	return m
}

func (c Config) FsyncInterval() time.Duration {
	return time.Duration(c.FsyncIntervalMs) * time.Millisecond
}

func (c Config) ConsumerDelay() time.Duration {
	return time.Duration(c.ConsumerDelayMs) * time.Millisecond
}

func (c Config) ErrorPause() time.Duration {
	return time.Duration(c.ErrorPauseMs) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// EffectiveMaxBatch is MaxBatchSize, or QueueCapacity when unset.
func (c Config) EffectiveMaxBatch() int {
	if c.MaxBatchSize <= 0 || c.MaxBatchSize > c.QueueCapacity {
		return c.QueueCapacity
	}
	return c.MaxBatchSize
}
