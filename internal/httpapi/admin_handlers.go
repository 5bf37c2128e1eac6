package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"credit_ledger/internal/ledger"
	"credit_ledger/internal/middleware"
	"credit_ledger/internal/models"
	"credit_ledger/internal/payments"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/utils"
)

var adminLogger = utils.NewLogger("admin")

// ProvisionRequest represents the request to create an account
type ProvisionRequest struct {
	AccountID string `json:"account_id"`
}

// AdjustRequest represents a manual balance correction
type AdjustRequest struct {
	Delta       int64  `json:"delta"`
	Description string `json:"description"`
}

// ReverseRequest represents the request to reverse a transaction
type ReverseRequest struct {
	Description string `json:"description"`
}

// IssueKeyRequest represents the request to create an API key for an account
type IssueKeyRequest struct {
	Name      string  `json:"name"`
	ExpiresAt *string `json:"expires_at,omitempty"` // RFC3339 format
}

// IssueKeyResponse is the only time the plaintext key is returned
type IssueKeyResponse struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Key       string     `json:"key"`
}

// ApplyPaymentRequest represents a payment confirmed out of band
type ApplyPaymentRequest struct {
	PaymentID  string          `json:"payment_id"`
	AccountID  string          `json:"account_id"`
	Credits    int64           `json:"credits"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Currency   string          `json:"currency"`
}

// AccountListResponse is one page of accounts ordered by id
type AccountListResponse struct {
	Accounts  []*models.Account `json:"accounts"`
	NextAfter string            `json:"next_after,omitempty"`
}

// ConsistencyResponse is the outcome of checking one account
type ConsistencyResponse struct {
	AccountID           string             `json:"account_id"`
	TransactionsChecked int                `json:"transactions_checked"`
	Violations          []ledger.Violation `json:"violations"`
}

func adminID(r *http.Request) string {
	id, _ := middleware.GetAdminID(r.Context())
	return id
}

func accountIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("accountID"))
	if id == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "account id is required")
		return "", false
	}
	return id, true
}

// handleAdminListAccounts handles GET /admin/accounts?after=<id>&limit=<n>
func (d *Dependencies) handleAdminListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	accounts, err := d.Ledger.Store().ListAccounts(r.Context(), q.Get("after"), limit)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := AccountListResponse{Accounts: accounts}
	if len(accounts) == limit {
		resp.NextAfter = accounts[len(accounts)-1].AccountID
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// handleAdminProvision handles POST /admin/accounts
func (d *Dependencies) handleAdminProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	acct, created, err := d.Ledger.Provision(r.Context(), req.AccountID)
	if err != nil {
		respondError(w, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
		adminLogger.Info("Account provisioned by admin", "account_id", acct.AccountID, "admin_id", adminID(r))
	}
	utils.RespondWithJSON(w, code, acct)
}

// handleAdminGetAccount handles GET /admin/accounts/{accountID}
func (d *Dependencies) handleAdminGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	acct, err := d.Ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, acct)
}

// handleAdminTransactions handles GET /admin/accounts/{accountID}/transactions
func (d *Dependencies) handleAdminTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	d.listTransactions(w, r, accountID)
}

// handleAdminCheckAccount handles GET /admin/accounts/{accountID}/consistency
func (d *Dependencies) handleAdminCheckAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	violations, checked, err := d.Reconciler.CheckAccount(r.Context(), accountID)
	if err != nil {
		respondError(w, err)
		return
	}
	if violations == nil {
		violations = []ledger.Violation{}
	}
	utils.RespondWithJSON(w, http.StatusOK, ConsistencyResponse{
		AccountID:           accountID,
		TransactionsChecked: checked,
		Violations:          violations,
	})
}

// handleAdminDeactivate handles POST /admin/accounts/{accountID}/deactivate
func (d *Dependencies) handleAdminDeactivate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	acct, err := d.Ledger.Deactivate(r.Context(), accountID)
	if err != nil {
		respondError(w, err)
		return
	}
	adminLogger.Info("Account deactivated", "account_id", accountID, "admin_id", adminID(r))
	utils.RespondWithJSON(w, http.StatusOK, acct)
}

// handleAdminReactivate handles POST /admin/accounts/{accountID}/reactivate
func (d *Dependencies) handleAdminReactivate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	acct, err := d.Ledger.Reactivate(r.Context(), accountID)
	if err != nil {
		respondError(w, err)
		return
	}
	adminLogger.Info("Account reactivated", "account_id", accountID, "admin_id", adminID(r))
	utils.RespondWithJSON(w, http.StatusOK, acct)
}

// handleAdminAdjust handles POST /admin/accounts/{accountID}/adjustments
func (d *Dependencies) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	var req AdjustRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Delta == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "delta must not be zero")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "description is required")
		return
	}

	tx, err := d.Ledger.Adjust(r.Context(), accountID, req.Delta, req.Description)
	if err != nil {
		respondError(w, err)
		return
	}
	adminLogger.Info("Balance adjusted", "account_id", accountID, "delta", req.Delta, "transaction_id", tx.TransactionID, "admin_id", adminID(r))
	utils.RespondWithJSON(w, http.StatusCreated, tx)
}

// handleAdminIssueKey handles POST /admin/accounts/{accountID}/keys
func (d *Dependencies) handleAdminIssueKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	if d.KeyIssuer == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "API key issuing is not configured")
		return
	}

	var req IssueKeyRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "name is required")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid expires_at format (use RFC3339)")
			return
		}
		expiresAt = &t
	}

	// Keys are only issued for existing accounts
	if _, err := d.Ledger.GetAccount(r.Context(), accountID); err != nil {
		respondError(w, err)
		return
	}

	key, rec, err := d.KeyIssuer.Issue(r.Context(), accountID, req.Name, expiresAt)
	if err != nil {
		respondError(w, err)
		return
	}
	adminLogger.Info("API key issued", "account_id", accountID, "key_id", rec.ID, "admin_id", adminID(r))
	utils.RespondWithJSON(w, http.StatusCreated, IssueKeyResponse{
		ID:        rec.ID,
		AccountID: rec.AccountID,
		Name:      rec.Name,
		ExpiresAt: rec.ExpiresAt,
		Key:       key,
	})
}

func transactionIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("transactionID"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid transaction ID")
		return uuid.Nil, false
	}
	return id, true
}

// handleAdminGetTransaction handles GET /admin/transactions/{transactionID}
func (d *Dependencies) handleAdminGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	tx, err := d.Ledger.GetTransaction(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, tx)
}

// handleAdminReverse handles POST /admin/transactions/{transactionID}/reverse
func (d *Dependencies) handleAdminReverse(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	var req ReverseRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		req.Description = fmt.Sprintf("reversal of %s", id)
	}

	tx, err := d.Ledger.Reverse(r.Context(), id, req.Description)
	if err != nil {
		respondError(w, err)
		return
	}
	adminLogger.Info("Transaction reversed", "transaction_id", id, "reversal_id", tx.TransactionID, "admin_id", adminID(r))
	utils.RespondWithJSON(w, http.StatusCreated, tx)
}

// handleAdminApplyPayment handles POST /admin/payments for payments confirmed
// outside the webhook, e.g. from a processor export. It goes through the same
// exactly-once path as every other source.
func (d *Dependencies) handleAdminApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	data := payments.PaymentData{
		PaymentID:  req.PaymentID,
		AccountID:  req.AccountID,
		Credits:    req.Credits,
		AmountPaid: req.AmountPaid,
		Currency:   req.Currency,
	}
	outcome, err := d.Applier.Apply(r.Context(), data.Payment(payments.SourceAdmin))
	if err != nil {
		respondError(w, err)
		return
	}

	code := http.StatusCreated
	if outcome.AlreadyApplied {
		code = http.StatusOK
	} else {
		adminLogger.Info("Payment applied by admin", "payment_id", req.PaymentID, "account_id", req.AccountID, "admin_id", adminID(r))
	}
	utils.RespondWithJSON(w, code, outcome)
}

// handleAdminListDLQ handles GET /admin/payments/dlq?limit=<n>
func (d *Dependencies) handleAdminListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := d.Payments.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// handleAdminRetryDLQ handles POST /admin/payments/dlq/{itemID}/retry
func (d *Dependencies) handleAdminRetryDLQ(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemID")
	if err := d.Payments.RetryDeadLetterItem(r.Context(), itemID); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, err)
		return
	}
	adminLogger.Info("Dead-lettered payment requeued", "item_id", itemID, "admin_id", adminID(r))
	utils.RespondWithJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleAdminLastReport handles GET /admin/reconcile
func (d *Dependencies) handleAdminLastReport(w http.ResponseWriter, r *http.Request) {
	report := d.Reconciler.LastReport()
	if report == nil {
		utils.RespondWithError(w, http.StatusNotFound, "no reconciliation has run yet")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, report)
}

// handleAdminReconcile handles POST /admin/reconcile. Violations are part of
// the report, not an error: the response is 200 either way.
func (d *Dependencies) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := d.Reconciler.Run(r.Context())
	if err != nil && report == nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, report)
}
