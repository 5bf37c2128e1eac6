package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"credit_ledger/internal/payments"
	"credit_ledger/internal/utils"
)

var webhookLogger = utils.NewLogger("payments-webhook")

// WebhookResponse acknowledges a processor delivery
type WebhookResponse struct {
	Status    string `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
}

// handlePaymentWebhook handles POST /v1/payments/webhook. The payment is
// queued, not applied inline: a 202 tells the processor to stop redelivering.
func (d *Dependencies) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, utils.MaxRequestBodyBytes))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := payments.VerifySignature(d.WebhookSecret, body, r.Header.Get(payments.SignatureHeader)); err != nil {
		webhookLogger.Warn("Rejected webhook", "remote_addr", r.RemoteAddr, "error", err)
		respondError(w, err)
		return
	}

	ev, p, err := payments.DecodeWebhook(body)
	if errors.Is(err, payments.ErrIgnoredEvent) {
		utils.RespondWithJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}

	if err := d.Payments.Enqueue(r.Context(), p); err != nil {
		webhookLogger.Error("Failed to queue payment", "event_id", ev.ID, "payment_id", p.ExternalPaymentID, "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		utils.RespondWithError(w, http.StatusServiceUnavailable, "payment queue unavailable")
		return
	}

	webhookLogger.Debug("Queued payment", "event_id", ev.ID, "payment_id", p.ExternalPaymentID)
	utils.RespondWithJSON(w, http.StatusAccepted, WebhookResponse{Status: "queued", PaymentID: p.ExternalPaymentID})
}

// handleReconcilePayment handles POST /v1/payments/{paymentID}/reconcile,
// the client-side poll for a payment whose webhook has not arrived yet.
func (d *Dependencies) handleReconcilePayment(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requestAccount(w, r)
	if !ok {
		return
	}
	if d.Poller == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "payment status polling is not configured")
		return
	}

	paymentID := strings.TrimSpace(r.PathValue("paymentID"))
	if paymentID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "payment id is required")
		return
	}
	outcome, err := d.Poller.Reconcile(r.Context(), accountID, paymentID)
	if err != nil {
		respondError(w, err)
		return
	}

	code := http.StatusCreated
	if outcome.AlreadyApplied {
		code = http.StatusOK
	}
	utils.RespondWithJSON(w, code, outcome)
}
