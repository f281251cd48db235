package main

import (
	"github.com/spf13/pflag"

	"github.com/Sternrassler/quota-dispatcher/internal/config"
	"github.com/Sternrassler/quota-dispatcher/pkg/logging"
)

// Options contains the command-line configuration. Flags that were set
// explicitly override the config file.
type Options struct {
	ConfigPath string
	Input      string
	Output     string
	Sink       string
	Endpoint   string
	RunID      string

	Concurrency       int
	RequestsPerMinute int64
	WeightPerMinute   int64
	MaxRetries        int
	BatchSize         int

	MetricsAddr string
	LogLevel    string
	Pretty      bool

	fs *pflag.FlagSet
}

// AddFlags binds the Options fields to command-line flags on fs.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	opts.fs = fs

	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to the YAML configuration file.")
	fs.StringVarP(&opts.Input, "input", "i", "", `JSONL input file ("-" for stdin).`)
	fs.StringVarP(&opts.Output, "output", "o", "", `JSONL output file ("-" for stdout).`)
	fs.StringVar(&opts.Sink, "sink", "", "Result sink: jsonl, redis or mongo.")
	fs.StringVar(&opts.Endpoint, "endpoint", "", "API endpoint receiving one payload per POST.")
	fs.StringVar(&opts.RunID, "run-id", "", "Run identifier (default: random UUID).")
	fs.IntVar(&opts.Concurrency, "concurrency", 0, "Number of workers.")
	fs.Int64Var(&opts.RequestsPerMinute, "rpm", 0, "Requests per minute (<= 0: unlimited).")
	fs.Int64Var(&opts.WeightPerMinute, "tpm", 0, "Weight units (tokens) per minute (<= 0: unlimited).")
	fs.IntVar(&opts.MaxRetries, "max-retries", 0, "Retries after the first attempt.")
	fs.IntVar(&opts.BatchSize, "batch-size", 0, "Items per batched call (requires api.batch_endpoint).")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", "", `Listen address for /metrics and /health ("" disables).`)
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error.")
	fs.BoolVar(&opts.Pretty, "pretty", false, "Human-readable console logs.")
}

func (opts *Options) changed(name string) bool {
	f := opts.fs.Lookup(name)
	return f != nil && f.Changed
}

// Apply overrides cfg with explicitly set flags and re-validates it.
func (opts *Options) Apply(cfg *config.File) error {
	if opts.changed("input") {
		cfg.Input.Path = opts.Input
	}
	if opts.changed("output") {
		cfg.Output.Path = opts.Output
	}
	if opts.changed("sink") {
		cfg.Output.Sink = opts.Sink
	}
	if opts.changed("endpoint") {
		cfg.API.Endpoint = opts.Endpoint
	}
	if opts.changed("concurrency") {
		cfg.Dispatch.Concurrency = opts.Concurrency
	}
	if opts.changed("rpm") {
		cfg.Dispatch.RequestsPerMinute = opts.RequestsPerMinute
	}
	if opts.changed("tpm") {
		cfg.Dispatch.WeightUnitsPerMinute = opts.WeightPerMinute
	}
	if opts.changed("max-retries") {
		cfg.Dispatch.MaxRetries = opts.MaxRetries
	}
	if opts.changed("batch-size") {
		cfg.Dispatch.BatchSize = opts.BatchSize
	}
	if opts.changed("metrics-addr") {
		cfg.Server.Addr = opts.MetricsAddr
	}
	if opts.changed("log-level") {
		cfg.Logging.Level = logging.LogLevel(opts.LogLevel)
	}
	if opts.changed("pretty") {
		cfg.Logging.Pretty = opts.Pretty
	}
	return cfg.Validate()
}
