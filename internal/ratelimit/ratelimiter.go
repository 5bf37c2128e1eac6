// Package ratelimit bounds how many operations an account may request per window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before retrying
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Limiter enforces per-account rate limits.
type Limiter interface {
	Allow(ctx context.Context, accountID string) (*Decision, error)
}

// NoopLimiter allows every request. Used when Redis is not configured.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, accountID string) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}

// slidingWindow trims the window, admits the request when there is room and
// returns {allowed, count, oldest score}. Rejected requests are not recorded.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)
	local allowed = 0
	if count < limit then
		redis.call('ZADD', key, now, member)
		count = count + 1
		allowed = 1
	end
	redis.call('PEXPIRE', key, window)

	local oldest = now
	local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if first[2] then
		oldest = tonumber(first[2])
	end
	return {allowed, count, oldest}
`)

// RateLimiter implements distributed rate limiting using Redis sorted sets
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window.
// A limit of zero or less disables limiting.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{client: client, limit: limit, window: window, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func rateLimitKey(accountID string) string {
	return fmt.Sprintf("credit_ledger:ratelimit:%s", accountID)
}

// Allow records one request for accountID if the window has room
func (rl *RateLimiter) Allow(ctx context.Context, accountID string) (*Decision, error) {
	if rl.limit <= 0 {
		return &Decision{Allowed: true}, nil
	}

	now := rl.now()
	res, err := slidingWindow.Run(ctx, rl.client,
		[]string{rateLimitKey(accountID)},
		now.UnixMilli(),
		rl.window.Milliseconds(),
		rl.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit check failed: unexpected reply %v", res)
	}

	return &Decision{
		Allowed:   res[0] == 1,
		Limit:     rl.limit,
		Remaining: max(rl.limit-int(res[1]), 0),
		ResetAt:   time.UnixMilli(res[2]).Add(rl.window),
	}, nil
}

// GetCurrentUsage returns the current request count in the window
func (rl *RateLimiter) GetCurrentUsage(ctx context.Context, accountID string) (int64, error) {
	key := rateLimitKey(accountID)
	windowStart := rl.now().Add(-rl.window)

	if err := rl.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli())).Err(); err != nil {
		return 0, fmt.Errorf("failed to clean old entries: %w", err)
	}

	count, err := rl.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}
	return count, nil
}

// Reset clears the window for an account
func (rl *RateLimiter) Reset(ctx context.Context, accountID string) error {
	return rl.client.Del(ctx, rateLimitKey(accountID)).Err()
}
