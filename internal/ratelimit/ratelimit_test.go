package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow_Burst(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()

	now := time.Now()
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.allowAt("ip:1", now), "request %d within burst", i)
	}
	assert.False(t, limiter.allowAt("ip:1", now), "request after burst")

	// One token per second at 60/min.
	assert.True(t, limiter.allowAt("ip:1", now.Add(1100*time.Millisecond)))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2})
	defer limiter.Stop()

	now := time.Now()
	limiter.allowAt("a", now)
	limiter.allowAt("a", now)
	assert.False(t, limiter.allowAt("a", now))
	assert.True(t, limiter.allowAt("b", now), "other clients keep their own budget")
}

func TestLimiterSweep(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})
	defer limiter.Stop()

	now := time.Now()
	limiter.allowAt("old", now.Add(-2*time.Minute))
	limiter.allowAt("new", now)
	limiter.sweep(now)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.clients, "old")
	assert.Contains(t, limiter.clients, "new")
}

func TestLimiterStopTwice(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("caller_id", c.GetHeader("X-User-ID"))
		c.Next()
	})
	r.Use(limiter.Middleware("caller_id"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("u1").Code)
	w := do("u1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("u2").Code)
}

func TestMemoryAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryAttempts(3, 15*time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "hold-1:u1")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i)
	}
	ok, _ := m.Allow(ctx, "hold-1:u1")
	assert.False(t, ok, "fourth attempt must be refused")

	ok, _ = m.Allow(ctx, "hold-2:u1")
	assert.True(t, ok, "budgets are per key")

	// One attempt refills every window/max.
	now = now.Add(5 * time.Minute)
	ok, _ = m.Allow(ctx, "hold-1:u1")
	assert.True(t, ok)
}

func TestMemoryAttempts_IdleKeysAreSwept(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryAttempts(3, 15*time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := m.Allow(ctx, fmt.Sprintf("hold-%d:u1", i))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, _ = m.Allow(ctx, "hold-busy:u1")
	}
	assert.Len(t, m.buckets, 101)

	// A window later only the key seen since then survives.
	now = now.Add(10 * time.Minute)
	_, _ = m.Allow(ctx, "hold-busy:u1")
	now = now.Add(5 * time.Minute)
	_, _ = m.Allow(ctx, "hold-new:u1")
	assert.Len(t, m.buckets, 2)

	// The busy key keeps its spent budget across the sweep.
	for i := 0; i < 2; i++ {
		ok, _ := m.Allow(ctx, "hold-busy:u1")
		assert.True(t, ok, "attempt %d", i)
	}
	ok, _ := m.Allow(ctx, "hold-busy:u1")
	assert.False(t, ok)
}

func TestRedisAttempts(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewRedisClient(url)
	require.NoError(t, err)
	defer client.Close()

	r := NewRedisAttempts(client, 2, time.Minute)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for i := 0; i < 2; i++ {
		ok, err := r.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := r.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.PTTL(ctx, r.prefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient("not a url")
	assert.Error(t, err)
}
