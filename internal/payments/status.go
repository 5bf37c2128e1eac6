package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

// Processor payment statuses
const (
	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

var (
	// ErrPaymentPending is returned when the processor has not confirmed the payment yet
	ErrPaymentPending = errors.New("payment not confirmed yet")

	// ErrPaymentFailed is returned when the processor reports a failed payment
	ErrPaymentFailed = errors.New("payment failed")

	// ErrUnknownPayment is returned when the processor does not know the payment
	ErrUnknownPayment = errors.New("payment unknown to processor")

	// ErrAccountMismatch is returned when a caller polls a payment that belongs to another account
	ErrAccountMismatch = errors.New("payment belongs to another account")

	// ErrCheckerUnavailable is returned when the processor cannot be queried
	ErrCheckerUnavailable = fmt.Errorf("payment status unavailable: %w", utils.ErrTransient)
)

// StatusChecker asks the payment processor about a payment
type StatusChecker interface {
	Status(ctx context.Context, paymentID string) (*PaymentData, error)
}

// HTTPStatusChecker queries GET <baseURL>/<paymentID>
type HTTPStatusChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStatusChecker creates a checker for the processor API at baseURL
func NewHTTPStatusChecker(baseURL string, timeout time.Duration) *HTTPStatusChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStatusChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Status implements StatusChecker
func (c *HTTPStatusChecker) Status(ctx context.Context, paymentID string) (*PaymentData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownPayment
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: processor returned %d", ErrCheckerUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("processor returned %d for payment %s", resp.StatusCode, paymentID)
	}

	var data PaymentData
	if err := json.NewDecoder(io.LimitReader(resp.Body, utils.MaxRequestBodyBytes)).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode payment status: %w", err)
	}
	if data.PaymentID == "" {
		data.PaymentID = paymentID
	}
	return &data, nil
}

// StatusPoller backs the client-triggered reconciliation check. It reaches
// the same Apply as the webhook path.
type StatusPoller struct {
	applier *Applier
	checker StatusChecker
	logger  *utils.Logger
}

// NewStatusPoller creates a poller
func NewStatusPoller(applier *Applier, checker StatusChecker) *StatusPoller {
	return &StatusPoller{applier: applier, checker: checker, logger: utils.NewLogger("payments-poll")}
}

// Reconcile applies paymentID for accountID if the processor confirms it.
// Already-applied payments return without asking the processor.
func (p *StatusPoller) Reconcile(ctx context.Context, accountID, paymentID string) (*Outcome, error) {
	outcome, err := p.applier.Lookup(ctx, paymentID)
	if err == nil {
		if outcome.Transaction.AccountID != accountID {
			return nil, ErrAccountMismatch
		}
		return outcome, nil
	}
	if !errors.Is(err, storage.ErrPaymentNotFound) {
		return nil, err
	}

	data, err := p.checker.Status(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(data.Status) {
	case StatusSucceeded:
	case StatusFailed:
		return nil, ErrPaymentFailed
	default:
		return nil, ErrPaymentPending
	}
	if data.AccountID != "" && data.AccountID != accountID {
		p.logger.Warn("Payment poll for another account", "payment_id", paymentID, "account_id", accountID)
		return nil, ErrAccountMismatch
	}
	data.AccountID = accountID

	return p.applier.Apply(ctx, data.Payment(SourcePoll))
}
