package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidPayment is returned when a payment confirmation is malformed.
var ErrInvalidPayment = errors.New("invalid payment")

// Payment is a payment-confirmed event delivered by the payment processor,
// possibly more than once and through more than one path.
type Payment struct {
	ExternalPaymentID string          `json:"external_payment_id"`
	AccountID         string          `json:"account_id"`
	Credits           int64           `json:"credits"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	Currency          string          `json:"currency,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
	// Source names the path the confirmation arrived through (webhook, poll, kafka).
	Source string `json:"source,omitempty"`
}

// Validate checks the fields needed to apply the payment.
func (p *Payment) Validate() error {
	if strings.TrimSpace(p.ExternalPaymentID) == "" {
		return fmt.Errorf("%w: external payment id is required", ErrInvalidPayment)
	}
	if strings.TrimSpace(p.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidPayment)
	}
	if p.Credits <= 0 {
		return fmt.Errorf("%w: credits must be positive", ErrInvalidPayment)
	}
	if p.AmountPaid.IsNegative() {
		return fmt.Errorf("%w: amount paid cannot be negative", ErrInvalidPayment)
	}
	return nil
}

// Description is the text stored on the PURCHASE transaction.
func (p *Payment) Description() string {
	if p.Currency == "" {
		return fmt.Sprintf("purchase of %d credits (%s)", p.Credits, p.AmountPaid.StringFixed(2))
	}
	return fmt.Sprintf("purchase of %d credits (%s %s)", p.Credits, p.AmountPaid.StringFixed(2), strings.ToUpper(p.Currency))
}

// ProcessedPayment marks an external payment as applied. Rows are permanent;
// there is at most one per ExternalPaymentID.
type ProcessedPayment struct {
	ExternalPaymentID string          `db:"external_payment_id" json:"external_payment_id"`
	TransactionID     uuid.UUID       `db:"transaction_id" json:"transaction_id"`
	AccountID         string          `db:"account_id" json:"account_id"`
	Credits           int64           `db:"credits" json:"credits"`
	AmountPaid        decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	Currency          string          `db:"currency" json:"currency"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}
