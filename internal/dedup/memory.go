package dedup

import (
	"context"
	"time"

	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
)

// MemoryCache keeps entries in a bounded LRU. Evicting an entry early only
// causes a re-charge, never a missed one.
type MemoryCache struct {
	namespace string
	lru       *storage.LRUCache
	now       func() time.Time
}

// NewMemoryCache creates an in-process cache holding at most capacity entries
func NewMemoryCache(namespace string, capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 100000
	}
	return &MemoryCache{
		namespace: namespace,
		lru:       storage.NewLRUCache(capacity, time.Minute),
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	c.lru.WithClock(now)
	return c
}

func (c *MemoryCache) Lookup(ctx context.Context, accountID, fingerprint string) (*models.CacheEntry, bool, error) {
	v, ok := c.lru.Get(memoryKey(accountID, fingerprint))
	if !ok {
		return nil, false, nil
	}
	entry := *v.(*models.CacheEntry)
	if entry.IsExpired(c.now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *MemoryCache) Store(ctx context.Context, entry *models.CacheEntry, ttl time.Duration) error {
	stored, err := stamp(entry, c.namespace, c.now(), ttl)
	if err != nil {
		return err
	}
	c.lru.SetWithTTL(memoryKey(stored.AccountID, stored.Fingerprint), stored, ttl)
	return nil
}

// DeleteExpired reclaims memory held by expired entries
func (c *MemoryCache) DeleteExpired(ctx context.Context) (int, error) {
	return c.lru.CleanupExpired(), nil
}

// Len returns the number of entries held, expired or not
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func memoryKey(accountID, fingerprint string) string {
	return accountID + "\x00" + fingerprint
}
