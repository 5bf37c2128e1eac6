package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a previously computed operation result, keyed by
// (namespace, account, fingerprint).
type CacheEntry struct {
	Namespace   string          `db:"namespace" json:"namespace"`
	AccountID   string          `db:"account_id" json:"account_id"`
	Fingerprint string          `db:"fingerprint" json:"fingerprint"`
	Result      json.RawMessage `db:"result" json:"result"`
	ResultCount int             `db:"result_count" json:"result_count"`
	Charged     bool            `db:"charged" json:"charged"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time       `db:"expires_at" json:"expires_at"`
}

// IsExpired reports whether the entry is logically absent at now. The
// expiry instant itself still counts as a hit.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero.
func (e *CacheEntry) Remaining(now time.Time) time.Duration {
	if e.IsExpired(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}
