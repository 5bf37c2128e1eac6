package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"credit_ledger/internal/models"
)

// SignatureHeader carries "sha256=<hex HMAC of the raw body>"
const SignatureHeader = "X-Signature"

// EventPaymentConfirmed is the only webhook event type that moves money
const EventPaymentConfirmed = "payment.confirmed"

var (
	// ErrInvalidSignature is returned when the webhook signature does not match
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrIgnoredEvent is returned for well-formed events that carry no payment
	ErrIgnoredEvent = errors.New("webhook event ignored")
)

// WebhookEvent is the payload posted by the payment processor
type WebhookEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      PaymentData `json:"data"`
}

// PaymentData describes a payment in webhook events and status responses
type PaymentData struct {
	PaymentID  string          `json:"payment_id"`
	AccountID  string          `json:"account_id"`
	Credits    int64           `json:"credits"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status,omitempty"`
}

// Payment converts the data into a payment confirmation
func (d *PaymentData) Payment(source string) *models.Payment {
	return &models.Payment{
		ExternalPaymentID: strings.TrimSpace(d.PaymentID),
		AccountID:         strings.TrimSpace(d.AccountID),
		Credits:           d.Credits,
		AmountPaid:        d.AmountPaid,
		Currency:          d.Currency,
		ReceivedAt:        time.Now().UTC(),
		Source:            source,
	}
}

// Sign returns the signature header value for body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body in constant time
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return fmt.Errorf("%w: missing sha256= prefix", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// DecodeWebhook parses a verified webhook body into a payment. Events of
// other types return ErrIgnoredEvent.
func DecodeWebhook(body []byte) (*WebhookEvent, *models.Payment, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrInvalidPayment, err)
	}
	if ev.Type != EventPaymentConfirmed {
		return &ev, nil, fmt.Errorf("%w: type %q", ErrIgnoredEvent, ev.Type)
	}

	p := ev.Data.Payment(SourceWebhook)
	if err := p.Validate(); err != nil {
		return &ev, nil, err
	}
	return &ev, p, nil
}
