package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// RedisKeyResults is the hash holding the results of one run. %s is the run ID.
const RedisKeyResults = "dispatch:results:%s"

// DefaultResultTTL is how long a run's results hash is kept.
const DefaultResultTTL = 7 * 24 * time.Hour

// RedisSink stores results in a Redis hash keyed by sequence ID. Writing the
// same sequence ID twice overwrites, so re-delivery is idempotent.
type RedisSink struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

// NewRedisSink creates a sink for runID.
func NewRedisSink(redisClient *redis.Client, runID string) *RedisSink {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisSink{
		redis: redisClient,
		key:   fmt.Sprintf(RedisKeyResults, runID),
		ttl:   DefaultResultTTL,
	}
}

// Key returns the Redis hash key.
func (s *RedisSink) Key() string {
	return s.key
}

// Accept implements Sink.
func (s *RedisSink) Accept(ctx context.Context, r work.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result %d: %w", r.SequenceID, err)
	}

	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, s.key, strconv.FormatUint(r.SequenceID, 10), data)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// Load reads back every stored result.
func (s *RedisSink) Load(ctx context.Context) (map[uint64]work.Result, error) {
	fields, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	out := make(map[uint64]work.Result, len(fields))
	for field, raw := range fields {
		id, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse sequence id %q: %w", field, err)
		}
		var r work.Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal result %d: %w", id, err)
		}
		out[id] = r
	}
	return out, nil
}

// Count returns the number of stored results.
func (s *RedisSink) Count(ctx context.Context) (int64, error) {
	return s.redis.HLen(ctx, s.key).Result()
}
