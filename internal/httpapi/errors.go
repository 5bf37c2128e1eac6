package httpapi

import (
	"context"
	"errors"
	"net/http"

	"credit_ledger/internal/ledger"
	"credit_ledger/internal/meter"
	"credit_ledger/internal/models"
	"credit_ledger/internal/payments"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

// retryAfterSeconds is sent with every 503
const retryAfterSeconds = "1"

var errorLogger = utils.NewLogger("httpapi")

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, meter.ErrInsufficientCredits), errors.Is(err, storage.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, meter.ErrExternalOperation):
		return http.StatusBadGateway
	case errors.Is(err, meter.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, payments.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, payments.ErrAccountMismatch):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrAccountNotFound),
		errors.Is(err, storage.ErrTransactionNotFound),
		errors.Is(err, storage.ErrPaymentNotFound),
		errors.Is(err, payments.ErrUnknownPayment):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAccountInactive),
		errors.Is(err, storage.ErrAlreadyReversed),
		errors.Is(err, storage.ErrNotReversible),
		errors.Is(err, storage.ErrDuplicatePurchase),
		errors.Is(err, ledger.ErrNothingToReverse),
		errors.Is(err, payments.ErrPaymentPending):
		return http.StatusConflict
	case errors.Is(err, payments.ErrPaymentFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, meter.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidEntry),
		errors.Is(err, models.ErrInvalidPayment),
		errors.Is(err, ledger.ErrInvalidKind),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case utils.IsRetryable(err), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errBadRequest marks malformed input caught by the handlers themselves
var errBadRequest = errors.New("bad request")

// respondError writes err with its mapped status. Internal errors are logged
// and hidden from the caller.
func respondError(w http.ResponseWriter, err error) {
	code := statusForError(err)
	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		errorLogger.Warn("Request failed on unavailable dependency", "error", err)
	case http.StatusInternalServerError:
		errorLogger.Error("Request failed", "error", err)
		utils.RespondWithError(w, code, "internal error")
		return
	}
	utils.RespondWithError(w, code, err.Error())
}
