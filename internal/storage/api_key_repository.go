package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// GetByHash retrieves an API key by its hash, served from the LRU cache when possible
func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	if cached, ok := r.db.apiKeyCache.Get(keyHash); ok {
		return cached.(*models.APIKey), nil
	}

	var key models.APIKey
	err := r.db.conn.GetContext(ctx, &key, `
		SELECT id, account_id, name, key_hash, enabled, expires_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1
	`, keyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	r.db.apiKeyCache.Set(keyHash, &key)
	return &key, nil
}

// Create stores a new API key for an existing account
func (r *APIKeyRepository) Create(ctx context.Context, accountID, name, keyHash string, expiresAt *time.Time) (*models.APIKey, error) {
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      name,
		KeyHash:   keyHash,
		Enabled:   true,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.conn.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, account_id, name, key_hash, enabled, expires_at, created_at, updated_at)
		VALUES (:id, :account_id, :name, :key_hash, :enabled, :expires_at, :created_at, :updated_at)
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create API key: %w", err)
	}
	return key, nil
}

// Revoke disables every key of an account and drops them from the cache
func (r *APIKeyRepository) Revoke(ctx context.Context, accountID string) (int64, error) {
	var hashes []string
	err := r.db.conn.SelectContext(ctx, &hashes, `
		UPDATE api_keys SET enabled = FALSE, updated_at = NOW()
		WHERE account_id = $1 AND enabled
		RETURNING key_hash
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke API keys: %w", err)
	}
	for _, h := range hashes {
		r.db.apiKeyCache.Delete(h)
	}
	return int64(len(hashes)), nil
}
