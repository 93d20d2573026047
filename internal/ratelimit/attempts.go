package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// AttemptLimiter caps how many times a key may attempt something within a
// window. Delivery-code verification uses one keyed by hold and caller, so a
// 4-digit code cannot be brute forced.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryAttempts keeps attempt budgets in process. Budgets refill gradually:
// max attempts per window, at most max in a burst. A key idle for a whole
// window is back to a full budget, so it is dropped on the next sweep.
type MemoryAttempts struct {
	mu        sync.Mutex
	buckets   map[string]*client
	limit     rate.Limit
	max       int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryAttempts(max int, window time.Duration) *MemoryAttempts {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &MemoryAttempts{
		buckets: make(map[string]*client),
		limit:   rate.Every(window / time.Duration(max)),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (m *MemoryAttempts) WithClock(now func() time.Time) *MemoryAttempts {
	m.now = now
	return m
}

func (m *MemoryAttempts) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= m.window {
		m.sweep(now)
	}
	b, ok := m.buckets[key]
	if !ok {
		b = &client{limiter: rate.NewLimiter(m.limit, m.max)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// sweep drops keys idle for at least a window. Caller holds mu.
func (m *MemoryAttempts) sweep(now time.Time) {
	cutoff := now.Add(-m.window)
	for key, b := range m.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(m.buckets, key)
		}
	}
	m.lastSweep = now
}

// incrWithTTL increments the counter and starts its window on the first hit.
var incrWithTTL = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisAttempts shares attempt budgets across replicas with a fixed window
// counter per key.
type RedisAttempts struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
}

func NewRedisAttempts(client *redis.Client, max int, window time.Duration) *RedisAttempts {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &RedisAttempts{client: client, prefix: "rewardescrow:attempts:", max: int64(max), window: window}
}

func (r *RedisAttempts) Allow(ctx context.Context, key string) (bool, error) {
	k := r.prefix + key

	n, err := incrWithTTL.Run(ctx, r.client, []string{k}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("attempt counter %s: %w", key, err)
	}
	return n <= r.max, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

var (
	_ AttemptLimiter = (*MemoryAttempts)(nil)
	_ AttemptLimiter = (*RedisAttempts)(nil)
)
