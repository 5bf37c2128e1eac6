// Package dedup remembers operation results per (account, fingerprint) so a
// repeated operation inside the TTL is not billed again.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
)

// Namespaces used by Tiered
const (
	NamespaceThrottle   = "throttle"
	NamespaceNoRecharge = "no_recharge"
)

// Backend names accepted by NewBackend
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ErrInvalidTTL is returned when storing with a non-positive TTL
var ErrInvalidTTL = errors.New("cache ttl must be positive")

// Cache is one namespace of the duplicate-operation cache. Lookup reports a
// miss both for absent and for expired entries; expiry is always decided by
// comparing ExpiresAt with the current time, never by reaper timing.
type Cache interface {
	Lookup(ctx context.Context, accountID, fingerprint string) (*models.CacheEntry, bool, error)

	// Store overwrites any previous entry for the key. CreatedAt and
	// ExpiresAt are set from the cache clock and ttl.
	Store(ctx context.Context, entry *models.CacheEntry, ttl time.Duration) error
}

// Expirer is implemented by backends that need expired rows purged.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// NewBackend builds a cache for namespace on the named backend.
func NewBackend(backend, namespace string, capacity int, rdb *redis.Client, db *storage.DB) (Cache, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryCache(namespace, capacity), nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis dedup backend requires a redis client")
		}
		return NewRedisCache(rdb, namespace), nil
	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres dedup backend requires a database")
		}
		return NewPostgresCache(db, namespace), nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", backend)
	}
}

func stamp(entry *models.CacheEntry, namespace string, now time.Time, ttl time.Duration) (*models.CacheEntry, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	out := *entry
	out.Namespace = namespace
	out.CreatedAt = now
	out.ExpiresAt = now.Add(ttl)
	return &out, nil
}
