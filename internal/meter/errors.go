package meter

import "errors"

var (
	// ErrInsufficientCredits is returned when the account cannot pay for the
	// operation. It is never recorded as a transaction.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrExternalOperation wraps executor failures. Failed operations are never billed.
	ErrExternalOperation = errors.New("external operation failed")

	// ErrThrottled is returned for a repeat inside the cooldown window when
	// throttled repeats are rejected
	ErrThrottled = errors.New("operation repeated inside cooldown window")

	// ErrInvalidRequest is returned for requests without an operation kind
	ErrInvalidRequest = errors.New("invalid operation request")
)
