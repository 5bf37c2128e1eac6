package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates requests on behalf of one account.
type APIKey struct {
	ID        uuid.UUID  `db:"id"`
	AccountID string     `db:"account_id"`
	Name      string     `db:"name"`
	KeyHash   string     `db:"key_hash"` // SHA-256 hash
	Enabled   bool       `db:"enabled"`
	ExpiresAt *time.Time `db:"expires_at"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// IsExpired checks if the key has expired
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

// IsValid checks if the key is valid (enabled and not expired)
func (k *APIKey) IsValid() bool {
	return k.Enabled && !k.IsExpired()
}
