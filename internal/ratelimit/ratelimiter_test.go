package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return client, mr
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests within limit", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		clock := &testClock{t: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
		limiter := NewRateLimiter(client, 5, time.Minute).WithClock(clock.now)

		for i := 0; i < 5; i++ {
			d, err := limiter.Allow(ctx, "acct_1")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 5-i-1, d.Remaining)
			assert.Equal(t, clock.t.Add(time.Minute), d.ResetAt)
		}
	})

	t.Run("blocks requests over limit without recording them", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		clock := &testClock{t: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
		limiter := NewRateLimiter(client, 3, time.Minute).WithClock(clock.now)

		for i := 0; i < 3; i++ {
			d, err := limiter.Allow(ctx, "acct_1")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			clock.advance(time.Second)
		}

		d, err := limiter.Allow(ctx, "acct_1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)
		assert.Equal(t, 57*time.Second, d.RetryAfter(clock.t))

		usage, err := limiter.GetCurrentUsage(ctx, "acct_1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), usage)
	})

	t.Run("window slides", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		clock := &testClock{t: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
		limiter := NewRateLimiter(client, 2, time.Minute).WithClock(clock.now)

		for i := 0; i < 2; i++ {
			_, err := limiter.Allow(ctx, "acct_1")
			require.NoError(t, err)
		}
		d, err := limiter.Allow(ctx, "acct_1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		clock.advance(time.Minute)
		d, err = limiter.Allow(ctx, "acct_1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Remaining)
	})

	t.Run("accounts are independent", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		limiter := NewRateLimiter(client, 1, time.Minute)

		d, err := limiter.Allow(ctx, "acct_1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = limiter.Allow(ctx, "acct_2")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = limiter.Allow(ctx, "acct_1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("unlimited when limit is 0", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		limiter := NewRateLimiter(client, 0, time.Minute)

		for i := 0; i < 100; i++ {
			d, err := limiter.Allow(ctx, "acct_1")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		assert.False(t, mr.Exists(rateLimitKey("acct_1")))
	})

	t.Run("key expires with the window", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		limiter := NewRateLimiter(client, 3, time.Minute)

		_, err := limiter.Allow(ctx, "acct_1")
		require.NoError(t, err)
		assert.Equal(t, time.Minute, mr.TTL(rateLimitKey("acct_1")))
	})
}

func TestRateLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestRedis(t)
	limiter := NewRateLimiter(client, 1, time.Minute)

	d, err := limiter.Allow(ctx, "acct_1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, limiter.Reset(ctx, "acct_1"))

	d, err = limiter.Allow(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_RedisUnavailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	limiter := NewRateLimiter(client, 1, time.Minute)
	mr.Close()

	_, err := limiter.Allow(context.Background(), "acct_1")
	assert.Error(t, err)
}

func TestNoopLimiter(t *testing.T) {
	d, err := NewNoopLimiter().Allow(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	assert.Zero(t, (&Decision{Allowed: true, ResetAt: now.Add(time.Minute)}).RetryAfter(now))
	assert.Zero(t, (&Decision{ResetAt: now.Add(-time.Second)}).RetryAfter(now))
	assert.Equal(t, 30*time.Second, (&Decision{ResetAt: now.Add(30 * time.Second)}).RetryAfter(now))
}
