package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/quota-dispatcher/pkg/logging"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Output.Sink != SinkJSONL {
		t.Errorf("Output.Sink = %s, want %s", cfg.Output.Sink, SinkJSONL)
	}
	if cfg.Input.Estimator != EstimatorTokens {
		t.Errorf("Input.Estimator = %s, want %s", cfg.Input.Estimator, EstimatorTokens)
	}
	if cfg.NeedsRedis() {
		t.Error("NeedsRedis() = true for defaults, want false")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
dispatch:
  concurrency: 8
  requests_per_minute: 500
  weight_units_per_minute: 200000
  max_retries: 3
  base_delay: 500ms
  max_delay: 30s
  retryable_error_kinds: [quota, transient, exhausted]
  call_timeout: 45s
api:
  endpoint: https://api.example.com/v1/chat/completions
  headers:
    OpenAI-Organization: org-1
input:
  path: prompts.jsonl
  estimator: fixed
  fixed_weight: 250
output:
  sink: redis
cache:
  enabled: true
  ttl: 1h
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	d := cfg.DispatchConfig()
	if d.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", d.Concurrency)
	}
	if d.RequestsPerMinute != 500 || d.WeightUnitsPerMinute != 200000 {
		t.Errorf("limits = %d/%d, want 500/200000", d.RequestsPerMinute, d.WeightUnitsPerMinute)
	}
	if d.BaseDelay != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", d.BaseDelay)
	}
	if d.CallTimeout != 45*time.Second {
		t.Errorf("CallTimeout = %v, want 45s", d.CallTimeout)
	}
	if len(d.RetryableErrorKinds) != 3 || d.RetryableErrorKinds[2] != work.KindExhausted {
		t.Errorf("RetryableErrorKinds = %v", d.RetryableErrorKinds)
	}
	// Unset fields keep their defaults.
	if d.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want default 2.0", d.BackoffMultiplier)
	}
	if cfg.API.Headers["OpenAI-Organization"] != "org-1" {
		t.Errorf("Headers = %v", cfg.API.Headers)
	}
	if cfg.Input.FixedWeight != 250 {
		t.Errorf("FixedWeight = %d, want 250", cfg.Input.FixedWeight)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.Logging.Level != logging.LevelDebug {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	if !cfg.NeedsRedis() {
		t.Error("NeedsRedis() = false, want true")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "dispatch: [unclosed"},
		{"zero concurrency", "dispatch:\n  concurrency: 0\n"},
		{"unknown sink", "output:\n  sink: kafka\n"},
		{"unknown estimator", "input:\n  estimator: words\n"},
		{"unknown error kind", "dispatch:\n  retryable_error_kinds: [flaky]\n"},
		{"batch without endpoint", "dispatch:\n  batch_size: 10\n"},
		{"bad duration", "dispatch:\n  base_delay: soon\n"},
		{"unknown log level", "logging:\n  level: verbose\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DISPATCH_ENDPOINT":                "http://localhost:8000/v1/complete",
		"REDIS_URL":                        "redis:6379",
		"DISPATCH_CONCURRENCY":             "12",
		"DISPATCH_REQUESTS_PER_MINUTE":     "3500",
		"DISPATCH_RETRYABLE_ERROR_KINDS":   "quota, transient",
		"DISPATCH_WEIGHT_UNITS_PER_MINUTE": "",
		"LOG_LEVEL":                        "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}

	if cfg.API.Endpoint != env["DISPATCH_ENDPOINT"] {
		t.Errorf("Endpoint = %s", cfg.API.Endpoint)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %s", cfg.Redis.Addr)
	}
	if cfg.Dispatch.Concurrency != 12 {
		t.Errorf("Concurrency = %d, want 12", cfg.Dispatch.Concurrency)
	}
	if cfg.Dispatch.RequestsPerMinute != 3500 {
		t.Errorf("RequestsPerMinute = %d, want 3500", cfg.Dispatch.RequestsPerMinute)
	}
	if cfg.Dispatch.WeightUnitsPerMinute != Default().Dispatch.WeightUnitsPerMinute {
		t.Errorf("empty env var changed WeightUnitsPerMinute to %d", cfg.Dispatch.WeightUnitsPerMinute)
	}
	if len(cfg.Dispatch.RetryableErrorKinds) != 2 {
		t.Errorf("RetryableErrorKinds = %v", cfg.Dispatch.RetryableErrorKinds)
	}
	if cfg.Logging.Level != logging.LevelWarn {
		t.Errorf("Logging.Level = %s, want warn", cfg.Logging.Level)
	}

	env["DISPATCH_CONCURRENCY"] = "many"
	if err := Default().applyEnv(lookup); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("applyEnv() with bad int error = %v, want ErrInvalidConfig", err)
	}
}
