// Package ledger exposes the account balance and transaction log operations
// on top of a storage.LedgerStore and publishes every committed transaction.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/events"
	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

const publishTimeout = 5 * time.Second

// AccountLedger is the only component allowed to move account balances.
type AccountLedger struct {
	store     storage.LedgerStore
	publisher events.Publisher
	logger    *utils.Logger
}

// NewAccountLedger creates a ledger over store. A nil publisher drops events.
func NewAccountLedger(store storage.LedgerStore, publisher events.Publisher) *AccountLedger {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &AccountLedger{
		store:     store,
		publisher: publisher,
		logger:    utils.NewLogger("ledger"),
	}
}

// Store returns the underlying store
func (l *AccountLedger) Store() storage.LedgerStore {
	return l.store
}

// GetBalance returns the current balance of an account
func (l *AccountLedger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// GetAccount returns the account snapshot
func (l *AccountLedger) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// Provision creates the account with a zero balance if it does not exist yet.
func (l *AccountLedger) Provision(ctx context.Context, accountID string) (*models.Account, bool, error) {
	acct, created, err := l.store.CreateAccount(ctx, accountID)
	if err != nil {
		return nil, false, fmt.Errorf("provision account %s: %w", accountID, err)
	}
	if created {
		l.logger.Info("Account provisioned", "account_id", accountID)
	}
	return acct, created, nil
}

// Deactivate soft-deletes an account. Reads keep working; money movements
// fail with storage.ErrAccountInactive.
func (l *AccountLedger) Deactivate(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := l.store.SetAccountActive(ctx, accountID, false)
	if err != nil {
		return nil, fmt.Errorf("deactivate account %s: %w", accountID, err)
	}
	l.logger.Info("Account deactivated", "account_id", accountID)
	return acct, nil
}

// Reactivate re-enables a deactivated account
func (l *AccountLedger) Reactivate(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := l.store.SetAccountActive(ctx, accountID, true)
	if err != nil {
		return nil, fmt.Errorf("reactivate account %s: %w", accountID, err)
	}
	l.logger.Info("Account reactivated", "account_id", accountID)
	return acct, nil
}

// Credit increases the balance. kind is PURCHASE (externalRef is the payment
// id) or ADJUSTMENT.
func (l *AccountLedger) Credit(ctx context.Context, accountID string, amount int64, kind models.TransactionKind, externalRef, description string) (*models.Transaction, error) {
	var (
		e   *models.Entry
		err error
	)
	switch kind {
	case models.KindPurchase:
		e, err = models.PurchaseEntry(accountID, amount, externalRef, description)
	case models.KindAdjustment:
		if amount <= 0 {
			return nil, fmt.Errorf("%w: credit amount must be positive", models.ErrInvalidEntry)
		}
		e, err = models.AdjustmentEntry(accountID, amount, description)
	default:
		return nil, fmt.Errorf("%w: cannot credit with %s", ErrInvalidKind, kind)
	}
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, "credit", e)
}

// Debit decreases the balance by amount. amount zero is only valid for
// FREE_USAGE and never fails for lack of funds; it only writes the audit row.
func (l *AccountLedger) Debit(ctx context.Context, accountID string, amount int64, kind models.TransactionKind, externalRef, description string) (*models.Transaction, error) {
	var (
		e   *models.Entry
		err error
	)
	switch kind {
	case models.KindUsage:
		e, err = models.UsageEntry(accountID, amount, externalRef, description)
	case models.KindFreeUsage:
		if amount != 0 {
			return nil, fmt.Errorf("%w: free usage amount must be zero", models.ErrInvalidEntry)
		}
		e, err = models.FreeUsageEntry(accountID, externalRef, description)
	case models.KindAdjustment:
		if amount <= 0 {
			return nil, fmt.Errorf("%w: debit amount must be positive", models.ErrInvalidEntry)
		}
		e, err = models.AdjustmentEntry(accountID, -amount, description)
	default:
		return nil, fmt.Errorf("%w: cannot debit with %s", ErrInvalidKind, kind)
	}
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, "debit", e)
}

// Adjust applies a signed manual correction.
func (l *AccountLedger) Adjust(ctx context.Context, accountID string, delta int64, description string) (*models.Transaction, error) {
	e, err := models.AdjustmentEntry(accountID, delta, description)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, "adjust", e)
}

// Reverse appends the inverse of an existing transaction. The original row is
// never touched; a transaction can be reversed once.
func (l *AccountLedger) Reverse(ctx context.Context, transactionID uuid.UUID, description string) (*models.Transaction, error) {
	original, err := l.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("reverse %s: %w", transactionID, err)
	}
	if original.Amount == 0 {
		return nil, ErrNothingToReverse
	}
	if original.ReversesTransactionID != nil {
		return nil, storage.ErrNotReversible
	}
	if description == "" {
		description = fmt.Sprintf("reversal of %s", transactionID)
	}
	e, err := models.ReversalEntry(original, description)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, "reverse", e)
}

// ApplyPayment credits a payment at most once; see storage.LedgerStore.ApplyPayment.
func (l *AccountLedger) ApplyPayment(ctx context.Context, p *models.Payment) (*models.Transaction, bool, error) {
	tx, alreadyApplied, err := l.store.ApplyPayment(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("apply payment %s: %w", p.ExternalPaymentID, err)
	}
	if !alreadyApplied {
		l.publish(ctx, tx)
	}
	return tx, alreadyApplied, nil
}

// ListTransactions returns the account's transactions in append order
func (l *AccountLedger) ListTransactions(ctx context.Context, accountID string, page storage.Page) ([]*models.Transaction, error) {
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, accountID, page.Normalize())
}

// GetTransaction returns a single transaction
func (l *AccountLedger) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// SumSince aggregates the account's transactions created at or after since
func (l *AccountLedger) SumSince(ctx context.Context, accountID string, since time.Time) (*storage.TransactionSum, error) {
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.SumSince(ctx, accountID, since)
}

func (l *AccountLedger) apply(ctx context.Context, op string, e *models.Entry) (*models.Transaction, error) {
	tx, _, err := l.store.ApplyEntry(ctx, e)
	if err != nil {
		if utils.IsRetryable(err) {
			l.logger.Error("Ledger operation failed", "op", op, "account_id", e.AccountID, "kind", e.Kind, "error", err)
		} else {
			l.logger.Warn("Ledger operation rejected", "op", op, "account_id", e.AccountID, "kind", e.Kind, "amount", e.Amount, "error", err)
		}
		return nil, fmt.Errorf("%s %s: %w", op, e.AccountID, err)
	}

	l.logger.Debug("Transaction recorded",
		"op", op,
		"account_id", tx.AccountID,
		"transaction_id", tx.TransactionID,
		"kind", tx.Kind,
		"amount", tx.Amount,
		"balance_after", tx.BalanceAfter,
	)
	l.publish(ctx, tx)
	return tx, nil
}

// publish runs after commit and only logs failures.
func (l *AccountLedger) publish(ctx context.Context, tx *models.Transaction) {
	ev, err := events.TransactionRecorded(tx)
	if err != nil {
		l.logger.Error("Failed to build transaction event", "transaction_id", tx.TransactionID, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := l.publisher.Publish(pctx, ev); err != nil {
		l.logger.Warn("Failed to publish transaction event", "transaction_id", tx.TransactionID, "error", err)
	}
}
