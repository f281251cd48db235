// Package logging configures the process-wide zerolog logger and hands out
// component loggers tagged for a dispatch run.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Validate reports whether l names a known level. The empty level is
// accepted and means info.
func (l LogLevel) Validate() error {
	if l == "" {
		return nil
	}
	if _, ok := levels[strings.ToLower(string(l))]; !ok {
		return fmt.Errorf("unknown log level %q", string(l))
	}
	return nil
}

// Config holds logger configuration.
type Config struct {
	Level LogLevel `yaml:"level"`

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool `yaml:"pretty"`

	// Output defaults to os.Stderr so that stdout stays free for results.
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it. Durations are
// logged in milliseconds.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// parseLevel maps unknown levels to info.
func parseLevel(level LogLevel) zerolog.Level {
	if l, ok := levels[strings.ToLower(string(level))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForRun returns a component logger tagged with a dispatch run ID.
func ForRun(component, runID string) zerolog.Logger {
	return log.With().Str("component", component).Str("run_id", runID).Logger()
}

// ForItem narrows logger to one work item.
func ForItem(logger zerolog.Logger, sequenceID uint64) zerolog.Logger {
	return logger.With().Uint64("sequence_id", sequenceID).Logger()
}

// Log levels used across the dispatcher:
//
// Debug: admission waits, backoff decisions, cache hits, per-item failures,
// worker start and stop.
//
// Info: run start and summary, throttled progress, calls that succeeded
// after a retry, server lifecycle.
//
// Warn: retry exhaustion, malformed input lines, HTTP error responses,
// cache and usage publication errors.
//
// Error: sink write failures, source read failures.
//
// Common fields: run_id, sequence_id, worker_id, error_kind
// (quota, transient, request, exhausted, configuration, cancelled),
// attempt/attempts, dimension (requests, weight), status.
