// Package config loads the dispatcher's YAML configuration file and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/quota-dispatcher/pkg/dispatch"
	"github.com/Sternrassler/quota-dispatcher/pkg/logging"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// ErrInvalidConfig is returned for unreadable or inconsistent configuration.
var ErrInvalidConfig = errors.New("invalid config")

// Sink backends.
const (
	SinkJSONL = "jsonl"
	SinkRedis = "redis"
	SinkMongo = "mongo"
)

// Estimators for item weight.
const (
	EstimatorTokens = "tokens"
	EstimatorFixed  = "fixed"
)

// File is the configuration file layout.
type File struct {
	Dispatch dispatch.Config `yaml:"dispatch"`
	API      APIConfig       `yaml:"api"`
	Input    InputConfig     `yaml:"input"`
	Output   OutputConfig    `yaml:"output"`
	Redis    RedisConfig     `yaml:"redis"`
	Mongo    MongoConfig     `yaml:"mongo"`
	Cache    CacheConfig     `yaml:"cache"`
	Logging  logging.Config  `yaml:"logging"`
	Server   ServerConfig    `yaml:"server"`
}

// APIConfig describes the remote endpoint.
type APIConfig struct {
	Endpoint      string            `yaml:"endpoint"`
	BatchEndpoint string            `yaml:"batch_endpoint,omitempty"`
	UserAgent     string            `yaml:"user_agent,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`

	// APIKeyEnv names the environment variable holding the bearer token.
	APIKeyEnv string        `yaml:"api_key_env,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// InputConfig describes the work source.
type InputConfig struct {
	// Path is the JSONL input file ("-" for stdin).
	Path        string `yaml:"path"`
	Estimator   string `yaml:"estimator"`
	FixedWeight int64  `yaml:"fixed_weight,omitempty"`
}

// OutputConfig describes the result sink.
type OutputConfig struct {
	Sink string `yaml:"sink"`

	// Path is the JSONL output file ("-" for stdout).
	Path string `yaml:"path,omitempty"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// PublishUsage writes limiter usage snapshots to Redis.
	PublishUsage bool `yaml:"publish_usage"`
}

// MongoConfig holds MongoDB sink settings.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// CacheConfig enables the Redis response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl,omitempty"`
}

// ServerConfig controls the metrics/health listener.
type ServerConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Dispatch: dispatch.DefaultConfig(),
		API: APIConfig{
			UserAgent: "quota-dispatcher/1.0",
			APIKeyEnv: "DISPATCH_API_KEY",
			Timeout:   120 * time.Second,
		},
		Input: InputConfig{
			Path:      "-",
			Estimator: EstimatorTokens,
		},
		Output: OutputConfig{
			Sink: SinkJSONL,
			Path: "-",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "dispatch",
			Collection: "results",
		},
		Cache:   CacheConfig{TTL: 24 * time.Hour},
		Logging: logging.Config{Level: logging.LevelInfo},
		Server:  ServerConfig{Addr: ":9090"},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path loads defaults and environment only.
func Load(path string) (*File, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides connection settings and dispatch limits from the
// environment.
func (f *File) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = n
		return nil
	}

	str("DISPATCH_ENDPOINT", &f.API.Endpoint)
	str("DISPATCH_BATCH_ENDPOINT", &f.API.BatchEndpoint)
	str("REDIS_URL", &f.Redis.Addr)
	str("MONGO_URI", &f.Mongo.URI)
	str("METRICS_ADDR", &f.Server.Addr)
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		f.Logging.Level = logging.LogLevel(v)
	}

	concurrency := int64(f.Dispatch.Concurrency)
	if err := integer("DISPATCH_CONCURRENCY", &concurrency); err != nil {
		return err
	}
	f.Dispatch.Concurrency = int(concurrency)
	if err := integer("DISPATCH_REQUESTS_PER_MINUTE", &f.Dispatch.RequestsPerMinute); err != nil {
		return err
	}
	if err := integer("DISPATCH_WEIGHT_UNITS_PER_MINUTE", &f.Dispatch.WeightUnitsPerMinute); err != nil {
		return err
	}

	if v, ok := lookup("DISPATCH_RETRYABLE_ERROR_KINDS"); ok && v != "" {
		kinds, err := ParseKinds(v)
		if err != nil {
			return err
		}
		f.Dispatch.RetryableErrorKinds = kinds
	}
	return nil
}

// ParseKinds parses a comma-separated list of error kinds.
func ParseKinds(s string) ([]work.ErrorKind, error) {
	var kinds []work.ErrorKind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := work.ParseErrorKind(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Validate checks the configuration.
func (f *File) Validate() error {
	if err := f.Dispatch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch f.Input.Estimator {
	case EstimatorTokens:
	case EstimatorFixed:
		if f.Input.FixedWeight < 0 {
			return fmt.Errorf("%w: fixed_weight must be >= 0", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown estimator %q", ErrInvalidConfig, f.Input.Estimator)
	}

	switch f.Output.Sink {
	case SinkJSONL:
		if f.Output.Path == "" {
			return fmt.Errorf("%w: output path is required for the jsonl sink", ErrInvalidConfig)
		}
	case SinkRedis:
		if f.Redis.Addr == "" {
			return fmt.Errorf("%w: redis addr is required for the redis sink", ErrInvalidConfig)
		}
	case SinkMongo:
		if f.Mongo.URI == "" || f.Mongo.Database == "" || f.Mongo.Collection == "" {
			return fmt.Errorf("%w: mongo uri, database and collection are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown sink %q", ErrInvalidConfig, f.Output.Sink)
	}

	if err := f.Logging.Level.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if f.Dispatch.BatchSize > 1 && f.API.BatchEndpoint == "" {
		return fmt.Errorf("%w: batch_size %d requires api.batch_endpoint", ErrInvalidConfig, f.Dispatch.BatchSize)
	}
	return nil
}

// DispatchConfig returns the dispatcher part of the configuration.
func (f *File) DispatchConfig() dispatch.Config {
	return f.Dispatch
}

// NeedsRedis reports whether any configured component uses Redis.
func (f *File) NeedsRedis() bool {
	return f.Output.Sink == SinkRedis || f.Cache.Enabled || f.Redis.PublishUsage
}

// APIKey returns the bearer token from the configured environment variable.
func (f *File) APIKey() string {
	if f.API.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(f.API.APIKeyEnv)
}
