package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"credit_ledger/internal/models"
)

// RedisCache stores entries as JSON strings with a native Redis TTL. The
// stored ExpiresAt is still checked on lookup.
type RedisCache struct {
	client    *redis.Client
	namespace string
	keyPrefix string
	now       func() time.Time
}

// NewRedisCache creates a cache for namespace on a shared client
func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	return &RedisCache{
		client:    client,
		namespace: namespace,
		keyPrefix: fmt.Sprintf("credit_ledger:dedup:%s:", namespace),
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *RedisCache) WithClock(now func() time.Time) *RedisCache {
	c.now = now
	return c
}

func (c *RedisCache) key(accountID, fingerprint string) string {
	return c.keyPrefix + accountID + ":" + fingerprint
}

func (c *RedisCache) Lookup(ctx context.Context, accountID, fingerprint string) (*models.CacheEntry, bool, error) {
	data, err := c.client.Get(ctx, c.key(accountID, fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read dedup entry: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal dedup entry: %w", err)
	}
	if entry.IsExpired(c.now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *RedisCache) Store(ctx context.Context, entry *models.CacheEntry, ttl time.Duration) error {
	stored, err := stamp(entry, c.namespace, c.now(), ttl)
	if err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal dedup entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(stored.AccountID, stored.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write dedup entry: %w", err)
	}
	return nil
}
