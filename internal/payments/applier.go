// Package payments applies payment confirmations from the processor to the
// ledger exactly once, whichever path they arrive through.
package payments

import (
	"context"
	"errors"
	"fmt"

	"credit_ledger/internal/ledger"
	"credit_ledger/internal/models"
	"credit_ledger/internal/utils"
)

// Payment sources
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceKafka   = "kafka"
	SourceAdmin   = "admin"
)

// Outcome reports what Apply did. AlreadyApplied is not an error: the
// transaction is the one created by the first application.
type Outcome struct {
	Transaction    *models.Transaction `json:"transaction"`
	AlreadyApplied bool                `json:"already_applied"`
}

// Applier is the single entry point every payment path goes through.
type Applier struct {
	ledger *ledger.AccountLedger
	logger *utils.Logger
}

// NewApplier creates a payment applier
func NewApplier(l *ledger.AccountLedger) *Applier {
	return &Applier{ledger: l, logger: utils.NewLogger("payments")}
}

// Apply credits the payment unless it was applied before. Concurrent calls
// for the same payment id produce exactly one PURCHASE transaction; the
// losers observe AlreadyApplied. A first-time payer is provisioned in the
// same atomic step.
func (a *Applier) Apply(ctx context.Context, p *models.Payment) (*Outcome, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, alreadyApplied, err := a.ledger.ApplyPayment(ctx, p)
	if err != nil {
		if utils.IsRetryable(err) {
			a.logger.Error("Payment application failed", "payment_id", p.ExternalPaymentID, "source", p.Source, "error", err)
		} else {
			a.logger.Warn("Payment rejected", "payment_id", p.ExternalPaymentID, "source", p.Source, "error", err)
		}
		return nil, err
	}

	if alreadyApplied {
		a.logger.Debug("Payment already applied", "payment_id", p.ExternalPaymentID, "source", p.Source, "transaction_id", tx.TransactionID)
	} else {
		a.logger.Info("Payment applied",
			"payment_id", p.ExternalPaymentID,
			"source", p.Source,
			"account_id", tx.AccountID,
			"credits", tx.Amount,
			"transaction_id", tx.TransactionID,
		)
	}
	return &Outcome{Transaction: tx, AlreadyApplied: alreadyApplied}, nil
}

// Lookup returns the outcome of an applied payment, or storage.ErrPaymentNotFound.
func (a *Applier) Lookup(ctx context.Context, paymentID string) (*Outcome, error) {
	pp, err := a.ledger.Store().GetProcessedPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	tx, err := a.ledger.GetTransaction(ctx, pp.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, err)
	}
	return &Outcome{Transaction: tx, AlreadyApplied: true}, nil
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return err != nil && !utils.IsRetryable(err) && !errors.Is(err, context.Canceled)
}
