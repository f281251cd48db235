// Package backoff computes retry delays: exponential growth from a base
// delay, a multiplicative jitter factor drawn from [1, 2), and a hard cap.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config holds the backoff parameters.
type Config struct {
	// BaseDelay is the unjittered delay before the first retry (attempt 0).
	BaseDelay time.Duration

	// MaxDelay caps every returned delay, jitter included.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor per attempt.
	Multiplier float64
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be > 0 (got %s)", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay must be >= base_delay (got %s < %s)", c.MaxDelay, c.BaseDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1 (got %v)", c.Multiplier)
	}
	return nil
}

// Policy computes retry delays. It is safe for concurrent use; the random
// source is injected so that delays are reproducible under a fixed seed.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a Policy. A nil src seeds from the current time.
func New(cfg Config, src rand.Source) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Policy{cfg: cfg, rnd: rand.New(src)}, nil
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Base returns the unjittered delay for attempt, capped at MaxDelay. It is
// non-decreasing in attempt.
func (p *Policy) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

// NextDelay returns the jittered delay before retry number attempt
// (0 for the first retry): Base(attempt) scaled by a uniform factor in
// [1, 2), capped at MaxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	p.mu.Lock()
	jitter := 1 + p.rnd.Float64()
	p.mu.Unlock()

	d := float64(p.Base(attempt)) * jitter
	if d >= float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}
