package ledger

import (
	"errors"

	"credit_ledger/internal/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the current balance
	ErrInsufficientBalance = storage.ErrInsufficientBalance

	// ErrNothingToReverse is returned when reversing a zero-amount transaction
	ErrNothingToReverse = errors.New("transaction has no amount to reverse")

	// ErrInvalidKind is returned when a credit or debit is requested with a kind
	// that cannot move money in that direction
	ErrInvalidKind = errors.New("transaction kind not allowed for this operation")

	// ErrConsistencyViolation is returned by the reconciler when the stored
	// ledger breaks one of its invariants. It is never corrected automatically.
	ErrConsistencyViolation = errors.New("ledger consistency violation")
)
