package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"credit_ledger/internal/models"
)

// Postgres error codes the store maps to ledger errors
const (
	pgUniqueViolation   = "23505"
	pgCheckViolation    = "23514"
	pgNumericRange      = "22003"
	pgLockNotAvailable  = "55P03"
	pgQueryCanceled     = "57014"
	pgSerializationFail = "40001"
	pgDeadlockDetected  = "40P01"
)

const accountColumns = `account_id, balance, total_purchased, total_used, active, created_at, updated_at`

const transactionColumns = `transaction_id, seq, account_id, kind, amount, balance_before, balance_after,
	external_ref, description, reverses_transaction_id, created_at`

// PostgresLedgerStore is the durable LedgerStore. The per-account envelope is
// a database transaction holding SELECT ... FOR UPDATE on the account row, so
// it serializes writers across processes as well as goroutines.
type PostgresLedgerStore struct {
	db          *DB
	lockTimeout time.Duration
}

// NewPostgresLedgerStore creates a new Postgres ledger store
func NewPostgresLedgerStore(db *DB, lockTimeout time.Duration) *PostgresLedgerStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &PostgresLedgerStore{db: db, lockTimeout: lockTimeout}
}

// begin opens a transaction whose lock waits are bounded by lockTimeout
func (s *PostgresLedgerStore) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap("begin", err)
	}
	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		tx.Rollback()
		return nil, s.wrap("set lock timeout", err)
	}
	return tx, nil
}

// wrap maps driver errors onto the store's sentinels. Business errors pass
// through unchanged; everything else means the operation did not commit.
func (s *PostgresLedgerStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusinessError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgLockNotAvailable:
			return fmt.Errorf("%s: %w", op, ErrLockTimeout)
		case pgNumericRange:
			return fmt.Errorf("%s: %w: %s", op, models.ErrInvalidEntry, pqErr.Message)
		case pgCheckViolation:
			if pqErr.Constraint == "accounts_balance_check" {
				return fmt.Errorf("%s: %w", op, ErrInsufficientBalance)
			}
		case pgUniqueViolation:
			switch pqErr.Constraint {
			case "idx_transactions_reverses":
				return fmt.Errorf("%s: %w", op, ErrAlreadyReversed)
			case "idx_transactions_purchase_ref":
				return fmt.Errorf("%s: %w", op, ErrDuplicatePurchase)
			}
		case pgQueryCanceled, pgSerializationFail, pgDeadlockDetected:
			return fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
}

func (s *PostgresLedgerStore) CreateAccount(ctx context.Context, accountID string) (*models.Account, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO accounts (account_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, now)
	if err != nil {
		return nil, false, s.wrap("create account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, s.wrap("create account", err)
	}

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return acct, n == 1, nil
}

func (s *PostgresLedgerStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var acct models.Account
	err := s.db.conn.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, s.wrap("get account", err)
	}
	return &acct, nil
}

func (s *PostgresLedgerStore) ListAccounts(ctx context.Context, afterAccountID string, limit int) ([]*models.Account, error) {
	if limit <= 0 {
		limit = MaxPageLimit
	}
	var accounts []*models.Account
	err := s.db.conn.SelectContext(ctx, &accounts, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_id > $1
		ORDER BY account_id
		LIMIT $2
	`, afterAccountID, limit)
	if err != nil {
		return nil, s.wrap("list accounts", err)
	}
	return accounts, nil
}

func (s *PostgresLedgerStore) SetAccountActive(ctx context.Context, accountID string, active bool) (*models.Account, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := lockAccount(ctx, tx, accountID); err != nil {
		return nil, s.wrap("lock account", err)
	}

	var acct models.Account
	err = tx.GetContext(ctx, &acct, `
		UPDATE accounts SET active = $2, updated_at = $3
		WHERE account_id = $1
		RETURNING `+accountColumns, accountID, active, time.Now().UTC())
	if err != nil {
		return nil, s.wrap("set account active", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap("commit", err)
	}
	return &acct, nil
}

func (s *PostgresLedgerStore) ApplyEntry(ctx context.Context, e *models.Entry) (*models.Transaction, *models.Account, error) {
	if err := e.Validate(); err != nil {
		return nil, nil, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	record, acct, err := s.applyInTx(ctx, tx, e)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, s.wrap("commit", err)
	}
	return record, acct, nil
}

// applyInTx runs the locked check and write for e inside tx.
func (s *PostgresLedgerStore) applyInTx(ctx context.Context, tx *sqlx.Tx, e *models.Entry) (*models.Transaction, *models.Account, error) {
	acct, err := lockAccount(ctx, tx, e.AccountID)
	if err != nil {
		return nil, nil, s.wrap("lock account", err)
	}

	var original *models.Transaction
	var reversed bool
	if e.Reverses != nil {
		original, err = getTransaction(ctx, tx, *e.Reverses)
		if err != nil && !errors.Is(err, ErrTransactionNotFound) {
			return nil, nil, s.wrap("get reversed transaction", err)
		}
		err = tx.GetContext(ctx, &reversed,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE reverses_transaction_id = $1)`, *e.Reverses)
		if err != nil {
			return nil, nil, s.wrap("check reversal", err)
		}
	}

	if err := checkEntry(acct, e, original, reversed); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	before := acct.Apply(e, now)
	record := models.NewTransaction(e, before, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $2, total_purchased = $3, total_used = $4, updated_at = $5
		WHERE account_id = $1
	`, acct.AccountID, acct.Balance, acct.TotalPurchased, acct.TotalUsed, acct.UpdatedAt)
	if err != nil {
		return nil, nil, s.wrap("update account", err)
	}

	err = tx.GetContext(ctx, &record.Seq, `
		INSERT INTO transactions (transaction_id, account_id, kind, amount, balance_before, balance_after,
			external_ref, description, reverses_transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`, record.TransactionID, record.AccountID, record.Kind, record.Amount, record.BalanceBefore, record.BalanceAfter,
		record.ExternalRef, record.Description, record.ReversesTransactionID, record.CreatedAt)
	if err != nil {
		return nil, nil, s.wrap("insert transaction", err)
	}

	return record, acct, nil
}

func (s *PostgresLedgerStore) ApplyPayment(ctx context.Context, p *models.Payment) (*models.Transaction, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	entry, err := models.PurchaseEntry(p.AccountID, p.Credits, p.ExternalPaymentID, p.Description())
	if err != nil {
		return nil, false, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// The primary key on processed_payments is the serialization point: a
	// racing caller blocks here until the winner commits, then inserts nothing.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_payments (external_payment_id, account_id, credits, amount_paid, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_payment_id) DO NOTHING
	`, p.ExternalPaymentID, p.AccountID, p.Credits, p.AmountPaid, p.Currency, now)
	if err != nil {
		return nil, false, s.wrap("insert processed payment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, s.wrap("insert processed payment", err)
	}
	if n == 0 {
		tx.Rollback()
		existing, err := s.paymentTransaction(ctx, p.ExternalPaymentID)
		if err != nil {
			return nil, true, err
		}
		return existing, true, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, p.AccountID, now)
	if err != nil {
		return nil, false, s.wrap("provision account", err)
	}

	record, _, err := s.applyInTx(ctx, tx, entry)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE processed_payments SET transaction_id = $2 WHERE external_payment_id = $1`,
		p.ExternalPaymentID, record.TransactionID)
	if err != nil {
		return nil, false, s.wrap("link processed payment", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, s.wrap("commit", err)
	}
	return record, false, nil
}

func (s *PostgresLedgerStore) paymentTransaction(ctx context.Context, externalPaymentID string) (*models.Transaction, error) {
	marker, err := s.GetProcessedPayment(ctx, externalPaymentID)
	if err != nil {
		return nil, err
	}
	return s.GetTransaction(ctx, marker.TransactionID)
}

func (s *PostgresLedgerStore) GetProcessedPayment(ctx context.Context, externalPaymentID string) (*models.ProcessedPayment, error) {
	var marker models.ProcessedPayment
	err := s.db.conn.GetContext(ctx, &marker, `
		SELECT external_payment_id, transaction_id, account_id, credits, amount_paid, currency, created_at
		FROM processed_payments
		WHERE external_payment_id = $1 AND transaction_id IS NOT NULL
	`, externalPaymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, s.wrap("get processed payment", err)
	}
	return &marker, nil
}

func (s *PostgresLedgerStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	record, err := getTransaction(ctx, s.db.conn, id)
	if err != nil {
		return nil, s.wrap("get transaction", err)
	}
	return record, nil
}

func (s *PostgresLedgerStore) ListTransactions(ctx context.Context, accountID string, page Page) ([]*models.Transaction, error) {
	page = page.Normalize()
	records := []*models.Transaction{}
	err := s.db.conn.SelectContext(ctx, &records, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, accountID, page.AfterSeq, page.Limit)
	if err != nil {
		return nil, s.wrap("list transactions", err)
	}
	return records, nil
}

func (s *PostgresLedgerStore) SumSince(ctx context.Context, accountID string, since time.Time) (*TransactionSum, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	sum := &TransactionSum{AccountID: accountID, Since: since}
	err := s.db.conn.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
		       COALESCE(-SUM(amount) FILTER (WHERE amount <= 0), 0),
		       COALESCE(SUM(amount), 0),
		       COUNT(*)
		FROM transactions
		WHERE account_id = $1 AND created_at >= $2
	`, accountID, since).Scan(&sum.Credits, &sum.Debits, &sum.Net, &sum.Count)
	if err != nil {
		return nil, s.wrap("sum transactions", err)
	}
	return sum, nil
}

func (s *PostgresLedgerStore) DuplicatePurchaseRefs(ctx context.Context, accountID string) ([]string, error) {
	refs := []string{}
	err := s.db.conn.SelectContext(ctx, &refs, `
		SELECT COALESCE(external_ref, '')
		FROM transactions
		WHERE account_id = $1 AND kind = 'PURCHASE'
		GROUP BY external_ref
		HAVING COUNT(*) > 1
		ORDER BY 1
	`, accountID)
	if err != nil {
		return nil, s.wrap("find duplicate purchases", err)
	}
	return refs, nil
}

func (s *PostgresLedgerStore) Health(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

func lockAccount(ctx context.Context, tx *sqlx.Tx, accountID string) (*models.Account, error) {
	var acct models.Account
	err := tx.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1 FOR UPDATE`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

func getTransaction(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*models.Transaction, error) {
	var record models.Transaction
	err := sqlx.GetContext(ctx, q, &record, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &record, nil
}
