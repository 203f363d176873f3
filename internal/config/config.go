// Package config loads the buffering engine's configuration by merging an
// optional YAML file with environment variables, following the same koanf
// pattern the Kafka source driver uses: file first, env overrides, then
// defaults for anything still unset.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SupportedSchema is the only schema_version this loader accepts.
const SupportedSchema = "v1"

// EnvPrefix is stripped from every environment variable before it is
// folded into the koanf tree; "__" separates nesting levels, e.g.
// SESSIONBLOB__KAFKA__BROKERS.
const EnvPrefix = "SESSIONBLOB__"

// BackPressureConfig bounds how many unflushed messages a partition claim
// may have in flight before the dispatcher blocks on new Kafka reads.
type BackPressureConfig struct {
	Capacity      int64         `koanf:"capacity"`
	CheckInterval time.Duration `koanf:"check_interval"`
}

// KafkaConfig configures the dispatcher's consumer group.
type KafkaConfig struct {
	Brokers        []string           `koanf:"brokers"`
	Topics         []string           `koanf:"topics"`
	GroupID        string             `koanf:"group_id"`
	StartFrom      string             `koanf:"start_from"` // oldest|newest
	Version        string             `koanf:"version"`
	TLSEnabled     bool               `koanf:"tls_enabled"`
	SASLUser       string             `koanf:"sasl_user"`
	SASLPass       string             `koanf:"sasl_pass"`
	BackPressure   BackPressureConfig `koanf:"backpressure"`
	CommitInterval time.Duration      `koanf:"commit_interval"`
	TickInterval   time.Duration      `koanf:"tick_interval"`
}

// BufferConfig holds the per-session buffer's size, age, and flush-timeout knobs.
type BufferConfig struct {
	MaxSizeKB             int64         `koanf:"max_buffer_size_kb"`
	MaxAgeSeconds         int64         `koanf:"max_buffer_age_seconds"`
	AgeJitter             float64       `koanf:"buffer_age_jitter"`
	AgeInMemoryMultiplier float64       `koanf:"buffer_age_in_memory_multiplier"`
	LocalDirectory        string        `koanf:"local_directory"` // buffer file root; buffer.New appends session-buffer-files/
	FlushTimeout          time.Duration `koanf:"flush_timeout"`
}

// ObjectStoreConfig addresses the destination bucket and key prefix.
type ObjectStoreConfig struct {
	Bucket       string `koanf:"bucket"`
	RemoteFolder string `koanf:"remote_folder"`
	Region       string `koanf:"region"`
	Endpoint     string `koanf:"endpoint"`   // non-empty for S3-compatible, non-AWS endpoints
	AccessKey    string `koanf:"access_key"` // static credentials; empty defers to the default AWS provider chain
	SecretKey    string `koanf:"secret_key"`
}

// RealtimeConfig addresses the Redis-backed realtime mirror.
type RealtimeConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Port int `koanf:"port"`
}

// Config is the full, merged configuration for the ingester process.
type Config struct {
	SchemaVersion string            `koanf:"schema_version"`
	Kafka         KafkaConfig       `koanf:"kafka"`
	Buffer        BufferConfig      `koanf:"buffer"`
	ObjectStore   ObjectStoreConfig `koanf:"object_store"`
	Realtime      RealtimeConfig    `koanf:"realtime"`
	Metrics       MetricsConfig     `koanf:"metrics"`
}

// Load merges an optional YAML file at path with SESSIONBLOB__-prefixed
// environment variables and fills in defaults for anything still unset.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("config: schema_version %q not supported (want %q)", sv, SupportedSchema)
	}

	_ = k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Kafka.StartFrom == "" {
		c.Kafka.StartFrom = "newest"
	}
	if c.Kafka.Version == "" {
		c.Kafka.Version = "3.6.0"
	}
	if c.Kafka.BackPressure.Capacity == 0 {
		c.Kafka.BackPressure.Capacity = 10_000
	}
	if c.Kafka.BackPressure.CheckInterval == 0 {
		c.Kafka.BackPressure.CheckInterval = 100 * time.Millisecond
	}
	if c.Kafka.CommitInterval == 0 {
		c.Kafka.CommitInterval = 5 * time.Second
	}
	if c.Kafka.TickInterval == 0 {
		c.Kafka.TickInterval = 2 * time.Second
	}

	if c.Buffer.MaxSizeKB == 0 {
		c.Buffer.MaxSizeKB = 5 * 1024
	}
	if c.Buffer.MaxAgeSeconds == 0 {
		c.Buffer.MaxAgeSeconds = 300
	}
	if c.Buffer.AgeInMemoryMultiplier == 0 {
		c.Buffer.AgeInMemoryMultiplier = 1.5
	}
	if c.Buffer.LocalDirectory == "" {
		c.Buffer.LocalDirectory = "/tmp"
	}
	if c.Buffer.FlushTimeout == 0 {
		c.Buffer.FlushTimeout = 60 * time.Second
	}

	if c.ObjectStore.RemoteFolder == "" {
		c.ObjectStore.RemoteFolder = "session_recordings"
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
}
