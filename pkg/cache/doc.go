// Package cache provides a Redis-backed response cache for remote calls.
//
// Identical requests (same endpoint, same JSON payload after compaction) are
// answered from Redis until the entry's TTL runs out, so re-running a
// partially failed input file does not pay twice for items that already
// succeeded.
//
// # Key Format
//
//	dispatch:cache:<sha256(endpoint "\n" compact(payload))>
//
// Hashing keeps keys bounded no matter how large the prompt is.
//
// # Usage
//
//	manager := cache.NewManager(redisClient, 24*time.Hour)
//	key := cache.Key{Endpoint: url, Payload: payload}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//	    // call the API, then
//	    _ = manager.Set(ctx, key, response)
//	}
//
// Only successful responses are cached. Rate limiter admission still happens
// before the lookup, so cached answers consume quota like real ones.
//
// # Metrics
//
//   - dispatch_cache_hits_total
//   - dispatch_cache_misses_total
//   - dispatch_cache_size_bytes
//   - dispatch_cache_errors_total{operation}
package cache
