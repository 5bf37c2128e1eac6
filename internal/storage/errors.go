package storage

import (
	"errors"
	"fmt"

	"credit_ledger/internal/models"
	"credit_ledger/internal/utils"
)

var (
	// ErrAccountNotFound is returned when an account is not found
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned when a deactivated account is asked to move money
	ErrAccountInactive = errors.New("account is inactive")

	// ErrTransactionNotFound is returned when a transaction is not found
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrPaymentNotFound is returned when no processed payment exists for an external id
	ErrPaymentNotFound = errors.New("processed payment not found")

	// ErrAPIKeyNotFound is returned when an API key is not found
	ErrAPIKeyNotFound = errors.New("API key not found")

	// ErrInsufficientBalance is returned when a debit exceeds the balance at
	// the moment of the locked check
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyReversed is returned when a transaction already has a reversal
	ErrAlreadyReversed = errors.New("transaction already reversed")

	// ErrNotReversible is returned for reversal transactions and reversals
	// pointing at another account
	ErrNotReversible = errors.New("transaction cannot be reversed")

	// ErrDuplicatePurchase is returned when a second PURCHASE would reuse an
	// external payment reference
	ErrDuplicatePurchase = errors.New("duplicate purchase reference")

	// ErrLedgerUnavailable wraps every infrastructure failure of the ledger store.
	// The operation did not commit.
	ErrLedgerUnavailable = fmt.Errorf("ledger unavailable: %w", utils.ErrTransient)

	// ErrLockTimeout is returned when the per-account lock could not be acquired in time
	ErrLockTimeout = fmt.Errorf("account lock timeout: %w", ErrLedgerUnavailable)
)

var businessErrors = []error{
	ErrAccountNotFound,
	ErrAccountInactive,
	ErrTransactionNotFound,
	ErrPaymentNotFound,
	ErrInsufficientBalance,
	ErrAlreadyReversed,
	ErrNotReversible,
	ErrDuplicatePurchase,
	ErrLedgerUnavailable,
	models.ErrInvalidEntry,
	models.ErrInvalidPayment,
}

// isBusinessError reports whether err already carries one of the package sentinels.
func isBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
