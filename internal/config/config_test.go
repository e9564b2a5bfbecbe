package config

import (
	"os"
	"path/filepath"
	"testing"

	pebblestore "github.com/rzbill/aggregator/internal/storage/pebble"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.QueueCapacity != 10000 {
		t.Fatalf("queue capacity default: %d", cfg.QueueCapacity)
	}
	if cfg.StatsKey != "system_metrics" {
		t.Fatalf("stats key default: %q", cfg.StatsKey)
	}
	if cfg.ConsumerDelayMs != 0 || cfg.ErrorPauseMs != 1000 {
		t.Fatalf("delay defaults: %d/%d", cfg.ConsumerDelayMs, cfg.ErrorPauseMs)
	}
	if cfg.FsyncMode() != pebblestore.FsyncModeAlways {
		t.Fatalf("fsync default should be always")
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("kafka should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "aggregator.yaml")
	data := []byte(`
http_addr: ":9090"
queue_capacity: 64
consumer_delay_ms: 50
log:
  level: debug
  format: text
kafka:
  brokers: ["localhost:9092"]
  topic: events
`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.QueueCapacity != 64 || cfg.ConsumerDelayMs != 50 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("log section not applied: %+v", cfg.Log)
	}
	if !cfg.Kafka.Enabled() || cfg.Kafka.Topic != "events" || cfg.Kafka.GroupID != "aggregator" {
		t.Fatalf("kafka section: %+v", cfg.Kafka)
	}
	if cfg.StatsKey != "system_metrics" {
		t.Fatalf("defaults lost under file layer")
	}
}

func TestLoadJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "aggregator.json")
	if err := os.WriteFile(file, []byte(`{"retain_limit": 500, "fsync": "interval"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetainLimit != 500 || cfg.FsyncMode() != pebblestore.FsyncModeInterval {
		t.Fatalf("json values not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "aggregator.yaml")
	if err := os.WriteFile(file, []byte("queue_capacity: 64\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AGG_QUEUE_CAPACITY", "128")
	t.Setenv("AGG_LOG_LEVEL", "warn")
	t.Setenv("AGG_RATE_LIMIT_REQUESTS_PER_MINUTE", "600")
	t.Setenv("AGG_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("AGG_KAFKA_TOPIC", "in")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueCapacity != 128 {
		t.Fatalf("env should win over file, got %d", cfg.QueueCapacity)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("nested env override: %q", cfg.Log.Level)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 {
		t.Fatalf("rate limit override: %d", cfg.RateLimit.RequestsPerMinute)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "aggregator.yaml")
	if err := os.WriteFile(file, []byte("stats_key: custom\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvConfigPath, file)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StatsKey != "custom" {
		t.Fatalf("AGG_CONFIG not honoured: %q", cfg.StatsKey)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("AGG_DATA_DIR", "/tmp/agg")
	t.Setenv("AGG_ERROR_PAUSE_MS", "250")
	if err := FromEnv(&cfg); err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.DataDir != "/tmp/agg" || cfg.ErrorPauseMs != 250 {
		t.Fatalf("env overlay: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero capacity":  func(c *Config) { c.QueueCapacity = 0 },
		"negative delay": func(c *Config) { c.ConsumerDelayMs = -1 },
		"bad fsync":      func(c *Config) { c.Fsync = "sometimes" },
		"kafka no topic": func(c *Config) { c.Kafka.Brokers = []string{"x:9092"}; c.Kafka.Topic = "" },
		"bad offset":     func(c *Config) { c.Kafka.StartOffset = "middle" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestEffectiveMaxBatch(t *testing.T) {
	cfg := Default()
	if cfg.EffectiveMaxBatch() != cfg.QueueCapacity {
		t.Fatalf("unset max batch should follow capacity")
	}
	cfg.MaxBatchSize = 100
	if cfg.EffectiveMaxBatch() != 100 {
		t.Fatalf("explicit max batch ignored")
	}
}

func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"AGG_HTTP_ADDR":                      "http_addr",
		"AGG_LOG_FORMAT":                     "log.format",
		"AGG_KAFKA_GROUP_ID":                 "kafka.group_id",
		"AGG_CORS_ALLOWED_ORIGINS":           "cors.allowed_origins",
		"AGG_RATE_LIMIT_REQUESTS_PER_MINUTE": "rate_limit.requests_per_minute",
		"AGG_CONFIG":                         "",
	}
	for in, want := range cases {
		if got := envTransform(in); got != want {
			t.Fatalf("envTransform(%q) = %q want %q", in, got, want)
		}
	}
}
