package dedup

import (
	"context"
	"time"

	"credit_ledger/internal/models"
)

// Tiered combines a short throttle namespace with the long no-recharge
// namespace. Only the no-recharge namespace decides billing; the throttle
// namespace feeds the cooldown shown to users.
type Tiered struct {
	throttle      Cache
	noRecharge    Cache
	throttleTTL   time.Duration
	noRechargeTTL time.Duration
	now           func() time.Time
}

// NewTiered creates a two-namespace cache. A nil throttle cache disables the
// cooldown tier.
func NewTiered(throttle, noRecharge Cache, throttleTTL, noRechargeTTL time.Duration) *Tiered {
	return &Tiered{
		throttle:      throttle,
		noRecharge:    noRecharge,
		throttleTTL:   throttleTTL,
		noRechargeTTL: noRechargeTTL,
		now:           time.Now,
	}
}

// WithClock replaces the time source used for cooldowns. Used by tests.
func (t *Tiered) WithClock(now func() time.Time) *Tiered {
	t.now = now
	return t
}

// Lookup consults the no-recharge namespace
func (t *Tiered) Lookup(ctx context.Context, accountID, fingerprint string) (*models.CacheEntry, bool, error) {
	return t.noRecharge.Lookup(ctx, accountID, fingerprint)
}

// Store saves a result under the no-recharge TTL
func (t *Tiered) Store(ctx context.Context, entry *models.CacheEntry) error {
	return t.noRecharge.Store(ctx, entry, t.noRechargeTTL)
}

// Cooldown returns how long until the fingerprint leaves the throttle window,
// or zero when it is not throttled.
func (t *Tiered) Cooldown(ctx context.Context, accountID, fingerprint string) (time.Duration, error) {
	if t.throttle == nil {
		return 0, nil
	}
	entry, ok, err := t.throttle.Lookup(ctx, accountID, fingerprint)
	if err != nil || !ok {
		return 0, err
	}
	return entry.Remaining(t.now()), nil
}

// Touch starts a new throttle window for the fingerprint
func (t *Tiered) Touch(ctx context.Context, accountID, fingerprint string) error {
	if t.throttle == nil {
		return nil
	}
	return t.throttle.Store(ctx, &models.CacheEntry{AccountID: accountID, Fingerprint: fingerprint}, t.throttleTTL)
}

// ThrottleTTL returns the cooldown window length
func (t *Tiered) ThrottleTTL() time.Duration {
	return t.throttleTTL
}
