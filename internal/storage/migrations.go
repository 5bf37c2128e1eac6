package storage

import (
	"context"
	"fmt"
)

type migration struct {
	version string
	name    string
	up      string
}

// migrations are applied in order, each at most once, and never edited after release.
var migrations = []migration{
	{
		version: "20250101000001",
		name:    "create_accounts",
		up: `
CREATE TABLE IF NOT EXISTS accounts (
    account_id      TEXT PRIMARY KEY,
    balance         BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    total_purchased BIGINT NOT NULL DEFAULT 0,
    total_used      BIGINT NOT NULL DEFAULT 0,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT accounts_balance_identity CHECK (balance = total_purchased - total_used)
);`,
	},
	{
		version: "20250101000002",
		name:    "create_transactions",
		up: `
CREATE TABLE IF NOT EXISTS transactions (
    transaction_id          UUID PRIMARY KEY,
    seq                     BIGSERIAL NOT NULL UNIQUE,
    account_id              TEXT NOT NULL REFERENCES accounts (account_id),
    kind                    TEXT NOT NULL,
    amount                  BIGINT NOT NULL,
    balance_before          BIGINT NOT NULL,
    balance_after           BIGINT NOT NULL,
    external_ref            TEXT,
    description             TEXT,
    reverses_transaction_id UUID REFERENCES transactions (transaction_id),
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT transactions_arithmetic CHECK (balance_after = balance_before + amount)
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_seq ON transactions (account_id, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions (account_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reverses ON transactions (reverses_transaction_id)
    WHERE reverses_transaction_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_purchase_ref ON transactions (external_ref)
    WHERE kind = 'PURCHASE';`,
	},
	{
		version: "20250101000003",
		name:    "create_processed_payments",
		up: `
CREATE TABLE IF NOT EXISTS processed_payments (
    external_payment_id TEXT PRIMARY KEY,
    transaction_id      UUID REFERENCES transactions (transaction_id),
    account_id          TEXT NOT NULL,
    credits             BIGINT NOT NULL,
    amount_paid         NUMERIC(20, 4) NOT NULL DEFAULT 0,
    currency            TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		version: "20250101000004",
		name:    "create_dedup_cache_entries",
		up: `
CREATE TABLE IF NOT EXISTS dedup_cache_entries (
    namespace    TEXT NOT NULL,
    account_id   TEXT NOT NULL,
    fingerprint  TEXT NOT NULL,
    result       JSONB,
    result_count INT NOT NULL DEFAULT 0,
    charged      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (namespace, account_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_dedup_cache_entries_expires ON dedup_cache_entries (expires_at);`,
	},
	{
		version: "20250101000005",
		name:    "create_api_keys",
		up: `
CREATE TABLE IF NOT EXISTS api_keys (
    id         UUID PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts (account_id),
    name       TEXT NOT NULL DEFAULT '',
    key_hash   TEXT NOT NULL UNIQUE,
    enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    expires_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys (account_id);`,
	},
}

// Migrate applies pending schema migrations. Concurrent callers are
// serialized with an advisory lock.
func (db *DB) Migrate(ctx context.Context) (applied int, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('credit_ledger_migrations'))`); err != nil {
		return 0, fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var done []string
	if err := tx.SelectContext(ctx, &done, `SELECT version FROM schema_migrations`); err != nil {
		return 0, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	seen := make(map[string]bool, len(done))
	for _, v := range done {
		seen[v] = true
	}

	for _, m := range migrations {
		if seen[m.version] {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			return 0, fmt.Errorf("migration %s (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			return 0, fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migrations: %w", err)
	}
	return applied, nil
}
