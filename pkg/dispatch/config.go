package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/quota-dispatcher/pkg/backoff"
	"github.com/Sternrassler/quota-dispatcher/pkg/ratelimit"
	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// ErrInvalidConfig wraps every structural configuration problem detected by
// New before any item is processed.
var ErrInvalidConfig = errors.New("invalid dispatcher configuration")

// Config holds dispatcher configuration.
type Config struct {
	// Concurrency is the fixed worker pool size.
	Concurrency int `yaml:"concurrency"`

	// RequestsPerMinute is the request-count capacity per window (<= 0: unlimited).
	RequestsPerMinute int64 `yaml:"requests_per_minute"`

	// WeightUnitsPerMinute is the weight capacity per window (<= 0: unlimited).
	WeightUnitsPerMinute int64 `yaml:"weight_units_per_minute"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`

	// RetryableErrorKinds lists the kinds that are retried. Everything else
	// is fatal.
	RetryableErrorKinds []work.ErrorKind `yaml:"retryable_error_kinds"`

	// BatchSize > 1 enables batched calls (requires a BatchCaller).
	BatchSize int `yaml:"batch_size"`

	// CallTimeout bounds each attempt (0: no per-attempt timeout).
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Window is the rate limiter's rolling window (default one minute).
	Window time.Duration `yaml:"window"`

	// ProgressInterval throttles progress logging and usage publication.
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// DefaultConfig returns a configuration suitable for a typical LLM-style
// API tier.
func DefaultConfig() Config {
	b := backoff.DefaultConfig()
	return Config{
		Concurrency:          4,
		RequestsPerMinute:    60,
		WeightUnitsPerMinute: 90000,
		MaxRetries:           5,
		BaseDelay:            b.BaseDelay,
		MaxDelay:             b.MaxDelay,
		BackoffMultiplier:    b.Multiplier,
		RetryableErrorKinds:  append([]work.ErrorKind(nil), work.DefaultRetryable...),
		BatchSize:            1,
		CallTimeout:          60 * time.Second,
		Window:               ratelimit.DefaultWindow,
		ProgressInterval:     10 * time.Second,
	}
}

// Backoff returns the backoff part of the configuration.
func (c Config) Backoff() backoff.Config {
	return backoff.Config{
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Multiplier: c.BackoffMultiplier,
	}
}

// Limits returns the rate limiter part of the configuration.
func (c Config) Limits() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerWindow: c.RequestsPerMinute,
		WeightPerWindow:   c.WeightUnitsPerMinute,
		Window:            c.Window,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1 (got %d)", ErrInvalidConfig, c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0 (got %d)", ErrInvalidConfig, c.MaxRetries)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must be >= 0 (got %d)", ErrInvalidConfig, c.BatchSize)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: call_timeout must be >= 0 (got %s)", ErrInvalidConfig, c.CallTimeout)
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("%w: progress_interval must be >= 0 (got %s)", ErrInvalidConfig, c.ProgressInterval)
	}
	if err := c.Backoff().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for _, k := range c.RetryableErrorKinds {
		if _, err := work.ParseErrorKind(string(k)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}
