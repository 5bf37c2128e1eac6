package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/utils"
)

// TransactionKind classifies a balance-affecting event.
type TransactionKind string

const (
	KindPurchase   TransactionKind = "PURCHASE"
	KindUsage      TransactionKind = "USAGE"
	KindFreeUsage  TransactionKind = "FREE_USAGE"
	KindRefund     TransactionKind = "REFUND"
	KindAdjustment TransactionKind = "ADJUSTMENT"
)

// String returns the string representation of the kind
func (k TransactionKind) String() string {
	return string(k)
}

// IsValid checks if the kind is one of the known kinds
func (k TransactionKind) IsValid() bool {
	switch k {
	case KindPurchase, KindUsage, KindFreeUsage, KindRefund, KindAdjustment:
		return true
	default:
		return false
	}
}

// ParseTransactionKind parses a kind case-insensitively.
func ParseTransactionKind(s string) (TransactionKind, error) {
	k := TransactionKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("unknown transaction kind %q", s)
	}
	return k, nil
}

// ErrInvalidEntry is returned when an entry violates the rules of its kind.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Entry is a request to append one transaction to an account. Each kind only
// carries the fields it needs; use the constructors below, which validate the
// per-kind rules, rather than filling the struct by hand.
type Entry struct {
	AccountID   string
	Kind        TransactionKind
	Amount      int64
	ExternalRef *string
	Description *string

	// Reverses is set on REFUND/ADJUSTMENT entries produced by a reversal.
	Reverses *uuid.UUID
}

// PurchaseEntry credits credits bought with an external payment.
func PurchaseEntry(accountID string, credits int64, paymentID string, description string) (*Entry, error) {
	e := &Entry{AccountID: accountID, Kind: KindPurchase, Amount: credits, ExternalRef: optional(paymentID), Description: optional(description)}
	return e, e.Validate()
}

// UsageEntry debits cost credits for a billable operation.
func UsageEntry(accountID string, cost int64, fingerprint string, description string) (*Entry, error) {
	e := &Entry{AccountID: accountID, Kind: KindUsage, Amount: -cost, ExternalRef: optional(fingerprint), Description: optional(description)}
	return e, e.Validate()
}

// FreeUsageEntry records a non-billable operation without moving the balance.
func FreeUsageEntry(accountID string, fingerprint string, description string) (*Entry, error) {
	e := &Entry{AccountID: accountID, Kind: KindFreeUsage, ExternalRef: optional(fingerprint), Description: optional(description)}
	return e, e.Validate()
}

// AdjustmentEntry is a manual correction; delta may be positive or negative.
func AdjustmentEntry(accountID string, delta int64, description string) (*Entry, error) {
	e := &Entry{AccountID: accountID, Kind: KindAdjustment, Amount: delta, Description: optional(description)}
	return e, e.Validate()
}

// ReversalEntry builds the inverse of an existing transaction. Debits are
// reversed with a REFUND credit, credits with a negative ADJUSTMENT.
func ReversalEntry(original *Transaction, description string) (*Entry, error) {
	if original.Amount == 0 {
		return nil, fmt.Errorf("%w: zero-amount transaction %s", ErrInvalidEntry, original.TransactionID)
	}
	kind := KindRefund
	if original.Amount > 0 {
		kind = KindAdjustment
	}
	id := original.TransactionID
	e := &Entry{
		AccountID:   original.AccountID,
		Kind:        kind,
		Amount:      -original.Amount,
		ExternalRef: optional(id.String()),
		Description: optional(description),
		Reverses:    &id,
	}
	return e, e.Validate()
}

// Validate checks the per-kind amount and field rules.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidEntry)
	}
	switch e.Kind {
	case KindPurchase:
		if e.Amount <= 0 {
			return fmt.Errorf("%w: purchase amount must be positive", ErrInvalidEntry)
		}
		if e.ExternalRef == nil {
			return fmt.Errorf("%w: purchase requires a payment reference", ErrInvalidEntry)
		}
	case KindUsage:
		if e.Amount >= 0 {
			return fmt.Errorf("%w: usage amount must be negative", ErrInvalidEntry)
		}
	case KindFreeUsage:
		if e.Amount != 0 {
			return fmt.Errorf("%w: free usage amount must be zero", ErrInvalidEntry)
		}
	case KindRefund:
		if e.Amount <= 0 {
			return fmt.Errorf("%w: refund amount must be positive", ErrInvalidEntry)
		}
		if e.Reverses == nil {
			return fmt.Errorf("%w: refund must reference the reversed transaction", ErrInvalidEntry)
		}
	case KindAdjustment:
		if e.Amount == 0 {
			return fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	return nil
}

// IsDebit reports whether the entry can reduce the balance. Zero-amount
// entries are debits too: they go through the debit path as logging-only
// operations.
func (e *Entry) IsDebit() bool {
	return e.Amount <= 0
}

// TotalsDelta returns how the entry moves TotalPurchased and TotalUsed. The
// difference of the two always equals Amount.
func (e *Entry) TotalsDelta() (purchased int64, used int64) {
	if e.Reverses != nil {
		// A reversal rolls back the counter the original moved.
		if e.Amount > 0 {
			return 0, -e.Amount
		}
		return e.Amount, 0
	}
	if e.Amount > 0 {
		return e.Amount, 0
	}
	return 0, -e.Amount
}

// Transaction is an immutable row of the append-only transaction log.
type Transaction struct {
	TransactionID         uuid.UUID       `db:"transaction_id" json:"transaction_id"`
	Seq                   int64           `db:"seq" json:"seq"`
	AccountID             string          `db:"account_id" json:"account_id"`
	Kind                  TransactionKind `db:"kind" json:"kind"`
	Amount                int64           `db:"amount" json:"amount"`
	BalanceBefore         int64           `db:"balance_before" json:"balance_before"`
	BalanceAfter          int64           `db:"balance_after" json:"balance_after"`
	ExternalRef           *string         `db:"external_ref" json:"external_ref,omitempty"`
	Description           *string         `db:"description" json:"description,omitempty"`
	ReversesTransactionID *uuid.UUID      `db:"reverses_transaction_id" json:"reverses_transaction_id,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
}

// NewTransaction materializes an entry applied on top of balanceBefore.
func NewTransaction(e *Entry, balanceBefore int64, now time.Time) *Transaction {
	return &Transaction{
		TransactionID:         uuid.New(),
		AccountID:             e.AccountID,
		Kind:                  e.Kind,
		Amount:                e.Amount,
		BalanceBefore:         balanceBefore,
		BalanceAfter:          balanceBefore + e.Amount,
		ExternalRef:           e.ExternalRef,
		Description:           e.Description,
		ReversesTransactionID: e.Reverses,
		CreatedAt:             now,
	}
}

// IsArithmeticValid checks balanceAfter == balanceBefore + amount.
func (t *Transaction) IsArithmeticValid() bool {
	return t.BalanceAfter == t.BalanceBefore+t.Amount
}

// ExternalRefValue returns the external reference or an empty string.
func (t *Transaction) ExternalRefValue() string {
	return utils.StringPtrValue(t.ExternalRef)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return utils.StringPtr(s)
}
