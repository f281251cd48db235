// Command dispatcher reads JSONL work items, sends them to an HTTP API under
// request and token rate limits with retry, and writes one result per item
// to the configured sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Sternrassler/quota-dispatcher/internal/config"
	"github.com/Sternrassler/quota-dispatcher/pkg/cache"
	"github.com/Sternrassler/quota-dispatcher/pkg/dispatch"
	"github.com/Sternrassler/quota-dispatcher/pkg/logging"
	"github.com/Sternrassler/quota-dispatcher/pkg/metrics"
	"github.com/Sternrassler/quota-dispatcher/pkg/ratelimit"
	"github.com/Sternrassler/quota-dispatcher/pkg/sink"
	"github.com/Sternrassler/quota-dispatcher/pkg/source"
	"github.com/Sternrassler/quota-dispatcher/pkg/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
		os.Exit(1)
	}
}

// run executes one dispatch run. It is separate from main for testing.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	opts := &Options{}
	fs := pflag.NewFlagSet("dispatcher", pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := opts.Apply(cfg); err != nil {
		return err
	}

	cfg.Logging.Output = stderr
	logging.Setup(cfg.Logging)

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := logging.ForRun("dispatcher", runID)

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	src, closeSrc, err := openSource(cfg.Input, stdin)
	if err != nil {
		return err
	}
	defer closeSrc()

	out, closeSink, err := openSink(ctx, cfg, runID, redisClient, stdout)
	if err != nil {
		return err
	}
	defer func() { err = joinClose(err, closeSink) }()

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithRunID(runID),
	}
	if redisClient != nil && cfg.Redis.PublishUsage {
		dispatchOpts = append(dispatchOpts, dispatch.WithUsageStore(ratelimit.NewUsageStore(redisClient, logger)))
	}

	caller, err := newCaller(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	if cfg.Dispatch.BatchSize > 1 {
		batch, err := caller.Batch()
		if err != nil {
			return err
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithBatchCaller(batch))
	}

	d, err := dispatch.New(cfg.DispatchConfig(), caller, out, dispatchOpts...)
	if err != nil {
		return err
	}

	if cfg.Server.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           newMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.Server.Addr).Msg("Serving /metrics and /health")
	}

	summary, err := d.Run(ctx, src)
	logger.Info().
		Int64("pulled", summary.Pulled).
		Int64("succeeded", summary.Succeeded).
		Int64("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Run summary")
	return err
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func newCaller(cfg *config.File, redisClient *redis.Client, logger zerolog.Logger) (*transport.HTTPCaller, error) {
	tc := transport.Config{
		Endpoint:      cfg.API.Endpoint,
		BatchEndpoint: cfg.API.BatchEndpoint,
		UserAgent:     cfg.API.UserAgent,
		Headers:       map[string]string{},
		Timeout:       cfg.API.Timeout,
	}
	for k, v := range cfg.API.Headers {
		tc.Headers[k] = v
	}
	if key := cfg.APIKey(); key != "" {
		tc.Headers["Authorization"] = "Bearer " + key
	}

	opts := []transport.Option{transport.WithLogger(logger)}
	if cfg.Cache.Enabled && redisClient != nil {
		opts = append(opts, transport.WithCache(cache.NewManager(redisClient, cfg.Cache.TTL)))
	}
	return transport.New(tc, opts...)
}

func openSource(in config.InputConfig, stdin io.Reader) (source.Source, func(), error) {
	estimate := source.EstimateTokens
	if in.Estimator == config.EstimatorFixed {
		estimate = source.FixedWeight(in.FixedWeight)
	}

	if in.Path == "-" || in.Path == "" {
		return source.NewJSONLSource(stdin, estimate), func() {}, nil
	}
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return source.NewJSONLSource(f, estimate), func() { f.Close() }, nil
}

// openSink returns the configured sink and a function that releases it. The
// release error of a file sink reports results that never reached disk.
func openSink(ctx context.Context, cfg *config.File, runID string, redisClient *redis.Client, stdout io.Writer) (sink.Sink, func() error, error) {
	switch cfg.Output.Sink {
	case config.SinkRedis:
		return sink.NewRedisSink(redisClient, runID), noClose, nil

	case config.SinkMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		disconnect := func() error {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(dctx)
		}
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		col := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		s, err := sink.NewMongoSink(ctx, col, runID)
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		return s, disconnect, nil

	default:
		if cfg.Output.Path == "-" {
			return sink.NewJSONLSink(stdout), noClose, nil
		}
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("create output: %w", err)
		}
		return sink.NewJSONLSink(f), f.Close, nil
	}
}

func noClose() error { return nil }

// joinClose runs closeFn and adds its failure to err.
func joinClose(err error, closeFn func() error) error {
	if cerr := closeFn(); cerr != nil {
		return errors.Join(err, fmt.Errorf("close output: %w", cerr))
	}
	return err
}
