package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
)

// PostgresCache stores entries in the dedup_cache_entries table.
type PostgresCache struct {
	db        *storage.DB
	namespace string
	now       func() time.Time
}

// NewPostgresCache creates a cache for namespace on db
func NewPostgresCache(db *storage.DB, namespace string) *PostgresCache {
	return &PostgresCache{db: db, namespace: namespace, now: time.Now}
}

type cacheRow struct {
	Namespace   string    `db:"namespace"`
	AccountID   string    `db:"account_id"`
	Fingerprint string    `db:"fingerprint"`
	Result      []byte    `db:"result"`
	ResultCount int       `db:"result_count"`
	Charged     bool      `db:"charged"`
	CreatedAt   time.Time `db:"created_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

func (c *PostgresCache) Lookup(ctx context.Context, accountID, fingerprint string) (*models.CacheEntry, bool, error) {
	var row cacheRow
	err := c.db.Conn().GetContext(ctx, &row, `
		SELECT namespace, account_id, fingerprint, result, result_count, charged, created_at, expires_at
		FROM dedup_cache_entries
		WHERE namespace = $1 AND account_id = $2 AND fingerprint = $3 AND expires_at >= $4
	`, c.namespace, accountID, fingerprint, c.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read dedup entry: %w", err)
	}

	return &models.CacheEntry{
		Namespace:   row.Namespace,
		AccountID:   row.AccountID,
		Fingerprint: row.Fingerprint,
		Result:      json.RawMessage(row.Result),
		ResultCount: row.ResultCount,
		Charged:     row.Charged,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
	}, true, nil
}

func (c *PostgresCache) Store(ctx context.Context, entry *models.CacheEntry, ttl time.Duration) error {
	stored, err := stamp(entry, c.namespace, c.now().UTC(), ttl)
	if err != nil {
		return err
	}

	var result interface{}
	if len(stored.Result) > 0 {
		result = []byte(stored.Result)
	}

	_, err = c.db.Conn().ExecContext(ctx, `
		INSERT INTO dedup_cache_entries
			(namespace, account_id, fingerprint, result, result_count, charged, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (namespace, account_id, fingerprint) DO UPDATE SET
			result = EXCLUDED.result,
			result_count = EXCLUDED.result_count,
			charged = EXCLUDED.charged,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, stored.Namespace, stored.AccountID, stored.Fingerprint, result, stored.ResultCount, stored.Charged, stored.CreatedAt, stored.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to write dedup entry: %w", err)
	}
	return nil
}

// DeleteExpired removes expired rows of this namespace
func (c *PostgresCache) DeleteExpired(ctx context.Context) (int, error) {
	res, err := c.db.Conn().ExecContext(ctx, `
		DELETE FROM dedup_cache_entries WHERE namespace = $1 AND expires_at < $2
	`, c.namespace, c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired dedup entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
