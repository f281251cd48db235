package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultUsageTTL bounds how long a published snapshot outlives its run.
const DefaultUsageTTL = 24 * time.Hour

// UsageStore publishes limiter usage snapshots to Redis so that external
// dashboards and sibling processes can observe quota consumption of a run.
type UsageStore struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewUsageStore creates a usage store.
func NewUsageStore(redisClient *redis.Client, logger zerolog.Logger) *UsageStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &UsageStore{
		redis:  redisClient,
		ttl:    DefaultUsageTTL,
		logger: logger,
	}
}

func usageKey(runID string) string {
	return fmt.Sprintf(RedisKeyUsage, runID)
}

// Publish stores the snapshot for runID atomically.
func (s *UsageStore) Publish(ctx context.Context, runID string, u Usage) error {
	key := usageKey(runID)

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"requests_used":     u.Requests.Used,
		"requests_capacity": u.Requests.Capacity,
		"weight_used":       u.Weight.Used,
		"weight_capacity":   u.Weight.Capacity,
		"at":                u.At.UnixMilli(),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store usage in redis: %w", err)
	}

	s.logger.Debug().
		Str("run_id", runID).
		Int64("requests_used", u.Requests.Used).
		Int64("weight_used", u.Weight.Used).
		Msg("Published limiter usage")
	return nil
}

// Load returns the last snapshot published for runID. It returns
// redis.Nil if nothing was published.
func (s *UsageStore) Load(ctx context.Context, runID string) (*Usage, error) {
	fields, err := s.redis.HGetAll(ctx, usageKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}

	parse := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", name, err)
		}
		return v, nil
	}

	var u Usage
	if u.Requests.Used, err = parse("requests_used"); err != nil {
		return nil, err
	}
	if u.Requests.Capacity, err = parse("requests_capacity"); err != nil {
		return nil, err
	}
	if u.Weight.Used, err = parse("weight_used"); err != nil {
		return nil, err
	}
	if u.Weight.Capacity, err = parse("weight_capacity"); err != nil {
		return nil, err
	}
	at, err := parse("at")
	if err != nil {
		return nil, err
	}
	u.At = time.UnixMilli(at)
	return &u, nil
}
