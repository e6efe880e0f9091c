package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter keyed by an arbitrary string
// (typically client address), per spec §4.8. Interface shape follows the
// teacher's RateLimitStore (cache_interface.go).
type RateLimiter interface {
	// Allow increments key's counter in the current window and reports
	// whether the request is allowed, the window's reset time, and error.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time, err error)
}

// MemoryRateLimiter is an in-process fixed-window limiter, used when no
// Redis URL is configured.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count      int
	windowEnds time.Time
}

// NewMemoryRateLimiter builds an empty in-memory limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{buckets: make(map[string]*bucket)}
}

// Allow implements RateLimiter.
func (m *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok || now.After(b.windowEnds) {
		b = &bucket{count: 0, windowEnds: now.Add(window)}
		m.buckets[key] = b
	}

	b.count++
	if b.count > limit {
		return false, b.windowEnds, nil
	}
	return true, b.windowEnds, nil
}

// RedisRateLimiter mirrors rate-limit counters to Redis so multiple broker
// processes share one fixed window, grounded on the teacher's
// RedisRateLimitStore (cache_redis.go), adapted from its sliding-window
// sorted-set scheme to a simple fixed-window INCR+EXPIRE since spec §4.8
// calls for fixed windows specifically.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimiter builds a limiter backed by an existing redis client.
func NewRedisRateLimiter(client *redis.Client, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: prefix + "ratelimit:"}
}

// Allow implements RateLimiter using INCR with an expiry set only on the
// bucket's first increment, so the window boundary is fixed at creation time.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time, error) {
	fullKey := r.prefix + key

	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return true, time.Now().Add(window), err
	}
	if count == 1 {
		r.client.Expire(ctx, fullKey, window)
	}

	ttl, err := r.client.TTL(ctx, fullKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	resetAt := time.Now().Add(ttl)

	return count <= int64(limit), resetAt, nil
}
