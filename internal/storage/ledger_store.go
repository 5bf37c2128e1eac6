package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/models"
)

// LedgerStore persists accounts, the append-only transaction log and the
// processed-payment set. Every method that moves money runs its
// read-check-write sequence inside one per-account atomic envelope.
type LedgerStore interface {
	// CreateAccount provisions an account with a zero balance. created is
	// false when the account already existed; the existing row is returned.
	CreateAccount(ctx context.Context, accountID string) (acct *models.Account, created bool, err error)
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListAccounts(ctx context.Context, afterAccountID string, limit int) ([]*models.Account, error)
	SetAccountActive(ctx context.Context, accountID string, active bool) (*models.Account, error)

	// ApplyEntry locks the account, checks the entry against the current
	// balance, updates the account and appends exactly one transaction.
	ApplyEntry(ctx context.Context, e *models.Entry) (*models.Transaction, *models.Account, error)

	// ApplyPayment credits a payment at most once per external payment id,
	// provisioning the account if needed. alreadyApplied reports that an
	// earlier call produced tx.
	ApplyPayment(ctx context.Context, p *models.Payment) (tx *models.Transaction, alreadyApplied bool, err error)
	GetProcessedPayment(ctx context.Context, externalPaymentID string) (*models.ProcessedPayment, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID string, page Page) ([]*models.Transaction, error)
	SumSince(ctx context.Context, accountID string, since time.Time) (*TransactionSum, error)

	// DuplicatePurchaseRefs returns external refs carried by more than one
	// PURCHASE transaction of the account.
	DuplicatePurchaseRefs(ctx context.Context, accountID string) ([]string, error)

	Health(ctx context.Context) error
}

// Page selects transactions in append order after a cursor.
type Page struct {
	AfterSeq int64 // Exclusive cursor; zero starts from the first transaction
	Limit    int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// Normalize clamps the limit into [1, MaxPageLimit].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.AfterSeq < 0 {
		p.AfterSeq = 0
	}
	return p
}

// TransactionSum aggregates transactions created at or after a point in time.
type TransactionSum struct {
	AccountID string    `db:"account_id" json:"account_id"`
	Since     time.Time `db:"since" json:"since"`
	Credits   int64     `db:"credits" json:"credits"`
	Debits    int64     `db:"debits" json:"debits"` // Positive magnitude
	Net       int64     `db:"net" json:"net"`
	Count     int64     `db:"count" json:"count"`
}

func (s *TransactionSum) add(tx *models.Transaction) {
	if tx.Amount > 0 {
		s.Credits += tx.Amount
	} else {
		s.Debits -= tx.Amount
	}
	s.Net += tx.Amount
	s.Count++
}

// checkEntry applies the rules that need the locked account row. original
// and alreadyReversed are only consulted for reversal entries.
func checkEntry(acct *models.Account, e *models.Entry, original *models.Transaction, alreadyReversed bool) error {
	if !acct.Active {
		return ErrAccountInactive
	}
	if e.Reverses != nil {
		if original == nil {
			return ErrTransactionNotFound
		}
		if original.AccountID != acct.AccountID || original.ReversesTransactionID != nil || original.Amount != -e.Amount {
			return ErrNotReversible
		}
		if alreadyReversed {
			return ErrAlreadyReversed
		}
	}
	if e.Amount == math.MinInt64 {
		return fmt.Errorf("%w: amount out of range", models.ErrInvalidEntry)
	}
	purchased, used := e.TotalsDelta()
	if addOverflows(acct.Balance, e.Amount) || addOverflows(acct.TotalPurchased, purchased) || addOverflows(acct.TotalUsed, used) {
		return fmt.Errorf("%w: amount %d overflows account %s", models.ErrInvalidEntry, e.Amount, acct.AccountID)
	}
	if e.Amount < 0 && acct.Balance+e.Amount < 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func addOverflows(a, b int64) bool {
	return b > 0 && a > math.MaxInt64-b
}
