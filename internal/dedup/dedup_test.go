package dedup

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func result(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// runCacheSuite checks the contract every backend must honor.
func runCacheSuite(t *testing.T, cache Cache, clock *fakeClock) {
	ctx := context.Background()
	acct := "acct_" + uuid.NewString()

	t.Run("miss on empty", func(t *testing.T) {
		_, ok, err := cache.Lookup(ctx, acct, "fp_none")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("store then hit", func(t *testing.T) {
		err := cache.Store(ctx, &models.CacheEntry{
			AccountID:   acct,
			Fingerprint: "fp_1",
			Result:      result(t, []string{"a", "b"}),
			ResultCount: 2,
			Charged:     true,
		}, time.Minute)
		require.NoError(t, err)

		entry, ok, err := cache.Lookup(ctx, acct, "fp_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `["a","b"]`, string(entry.Result))
		assert.Equal(t, 2, entry.ResultCount)
		assert.True(t, entry.Charged)
		assert.WithinDuration(t, clock.Now().Add(time.Minute), entry.ExpiresAt, time.Millisecond)
	})

	t.Run("keys are scoped by account", func(t *testing.T) {
		_, ok, err := cache.Lookup(ctx, acct+"_other", "fp_1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("latest store wins", func(t *testing.T) {
		require.NoError(t, cache.Store(ctx, &models.CacheEntry{AccountID: acct, Fingerprint: "fp_1", Result: result(t, "second"), ResultCount: 1}, time.Minute))

		entry, ok, err := cache.Lookup(ctx, acct, "fp_1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `"second"`, string(entry.Result))
		assert.False(t, entry.Charged)
	})

	t.Run("expired entry is a miss", func(t *testing.T) {
		require.NoError(t, cache.Store(ctx, &models.CacheEntry{AccountID: acct, Fingerprint: "fp_short", Result: result(t, 1)}, 10*time.Second))

		clock.Advance(9 * time.Second)
		_, ok, err := cache.Lookup(ctx, acct, "fp_short")
		require.NoError(t, err)
		assert.True(t, ok)

		clock.Advance(2 * time.Second)
		_, ok, err = cache.Lookup(ctx, acct, "fp_short")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-positive ttl is rejected", func(t *testing.T) {
		err := cache.Store(ctx, &models.CacheEntry{AccountID: acct, Fingerprint: "fp_bad"}, 0)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	})
}

func TestMemoryCache(t *testing.T) {
	clock := newFakeClock()
	runCacheSuite(t, NewMemoryCache(NamespaceNoRecharge, 100).WithClock(clock.Now), clock)
}

func TestMemoryCacheCapacityAndReap(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryCache(NamespaceNoRecharge, 2).WithClock(clock.Now)

	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Store(ctx, &models.CacheEntry{AccountID: "acct", Fingerprint: fp}, time.Minute))
	}
	assert.Equal(t, 2, cache.Len())
	_, ok, _ := cache.Lookup(ctx, "acct", "a")
	assert.False(t, ok, "least recently used entry is evicted")

	clock.Advance(2 * time.Minute)
	n, err := cache.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, cache.Len())
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := newFakeClock()
	runCacheSuite(t, NewRedisCache(client, NamespaceNoRecharge).WithClock(clock.Now), clock)
}

func TestRedisCacheNativeTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	cache := NewRedisCache(client, NamespaceThrottle)
	require.NoError(t, cache.Store(ctx, &models.CacheEntry{AccountID: "acct", Fingerprint: "fp"}, 30*time.Second))

	key := "credit_ledger:dedup:throttle:acct:fp"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	mr.FastForward(31 * time.Second)
	_, ok, err := cache.Lookup(ctx, "acct", "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	_, _, err := NewRedisCache(client, NamespaceNoRecharge).Lookup(context.Background(), "acct", "fp")
	assert.Error(t, err)
}

func TestPostgresCache(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	cfg := storage.DefaultDBConfig()
	cfg.DSN = dsn
	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Migrate(context.Background())
	require.NoError(t, err)

	clock := newFakeClock()
	clock.now = time.Now().UTC().Truncate(time.Microsecond)
	cache := NewPostgresCache(db, "test_"+uuid.NewString())
	cache.now = clock.Now
	runCacheSuite(t, cache, clock)

	clock.Advance(time.Hour)
	n, err := cache.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestNewBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := NewBackend(BackendMemory, NamespaceThrottle, 10, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	c, err = NewBackend(BackendRedis, NamespaceThrottle, 0, client, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisCache{}, c)

	_, err = NewBackend(BackendRedis, NamespaceThrottle, 0, nil, nil)
	assert.Error(t, err)
	_, err = NewBackend(BackendPostgres, NamespaceThrottle, 0, nil, nil)
	assert.Error(t, err)
	_, err = NewBackend("memcached", NamespaceThrottle, 0, nil, nil)
	assert.Error(t, err)
}

func TestTiered(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tiered := NewTiered(
		NewMemoryCache(NamespaceThrottle, 10).WithClock(clock.Now),
		NewMemoryCache(NamespaceNoRecharge, 10).WithClock(clock.Now),
		30*time.Second,
		time.Hour,
	).WithClock(clock.Now)

	cooldown, err := tiered.Cooldown(ctx, "acct", "fp")
	require.NoError(t, err)
	assert.Zero(t, cooldown)

	require.NoError(t, tiered.Touch(ctx, "acct", "fp"))
	require.NoError(t, tiered.Store(ctx, &models.CacheEntry{AccountID: "acct", Fingerprint: "fp", Charged: true}))

	clock.Advance(10 * time.Second)
	cooldown, err = tiered.Cooldown(ctx, "acct", "fp")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cooldown)

	clock.Advance(25 * time.Second)
	cooldown, err = tiered.Cooldown(ctx, "acct", "fp")
	require.NoError(t, err)
	assert.Zero(t, cooldown, "throttle window over")

	entry, ok, err := tiered.Lookup(ctx, "acct", "fp")
	require.NoError(t, err)
	require.True(t, ok, "no-recharge window is independent of the throttle window")
	assert.Equal(t, NamespaceNoRecharge, entry.Namespace)

	clock.Advance(time.Hour)
	_, ok, err = tiered.Lookup(ctx, "acct", "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredWithoutThrottle(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(nil, NewMemoryCache(NamespaceNoRecharge, 10), 30*time.Second, time.Hour)

	require.NoError(t, tiered.Touch(ctx, "acct", "fp"))
	cooldown, err := tiered.Cooldown(ctx, "acct", "fp")
	require.NoError(t, err)
	assert.Zero(t, cooldown)
}

func TestReaper(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mem := NewMemoryCache(NamespaceNoRecharge, 10).WithClock(clock.Now)
	require.NoError(t, mem.Store(ctx, &models.CacheEntry{AccountID: "acct", Fingerprint: "fp"}, time.Second))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Redis expires natively and is not an Expirer.
	r := NewReaper(time.Minute, mem, NewRedisCache(client, NamespaceNoRecharge))
	assert.Len(t, r.expirers, 1)

	assert.Equal(t, 0, r.ReapOnce(ctx))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, r.ReapOnce(ctx))

	r.Start(ctx)
	require.NoError(t, r.Stop())
}
