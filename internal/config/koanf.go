package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable the aggregator reads.
const EnvPrefix = "AGG_"

// EnvConfigPath names the variable that points at a config file.
const EnvConfigPath = EnvPrefix + "CONFIG"

// Load builds the configuration in layers: defaults, then the file at path
// (or $AGG_CONFIG when path is empty), then AGG_* environment variables.
// YAML and JSON files are both accepted.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg, err := build(Default(), path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// FromEnv overlays AGG_* environment variables onto cfg.
func FromEnv(cfg *Config) error {
	out, err := build(*cfg, "")
	if err != nil {
		return err
	}
	*cfg = out
	return nil
}

func build(base Config, path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(base, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// sections are nested config blocks; their env names use "_" where the
// koanf path uses ".".
var sections = []string{"log", "rate_limit", "cors", "kafka"}

// envTransform maps AGG_KAFKA_GROUP_ID to kafka.group_id and AGG_QUEUE_CAPACITY
// to queue_capacity. AGG_CONFIG is skipped.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	for _, s := range sections {
		if strings.HasPrefix(key, s+"_") {
			return s + "." + strings.TrimPrefix(key, s+"_")
		}
	}
	return key
}

// sliceConfigPaths hold lists that env vars supply as comma separated strings.
var sliceConfigPaths = []string{"kafka.brokers", "cors.allowed_origins", "log.redact_keys"}

func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("config: set %s: %w", path, err)
		}
	}
	return nil
}
