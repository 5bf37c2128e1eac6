package utils

import (
	"context"
	"errors"
)

// ErrTransient marks infrastructure failures that may succeed on retry.
// Wrap it (directly or through another sentinel) to make IsRetryable report true.
var ErrTransient = errors.New("transient failure")

// IsRetryable reports whether err is an infrastructure failure worth retrying,
// as opposed to a business-rule rejection.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
