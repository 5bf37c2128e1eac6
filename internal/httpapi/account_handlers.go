package httpapi

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"credit_ledger/internal/meter"
	"credit_ledger/internal/middleware"
	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

// defaultUsageWindow is the usage summary period when no "since" is given
const defaultUsageWindow = 30 * 24 * time.Hour

// OperationErrorResponse carries the result that was computed even though
// the request failed (lost debit race, throttled repeat).
type OperationErrorResponse struct {
	Error  string        `json:"error"`
	Result *meter.Result `json:"result,omitempty"`
}

// TransactionsResponse is one page of an account's transaction log
type TransactionsResponse struct {
	Transactions []*models.Transaction `json:"transactions"`
	// NextAfter is the cursor for the next page, zero on the last page
	NextAfter int64 `json:"next_after,omitempty"`
}

func requestAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "API key is not bound to an account")
	}
	return accountID, ok
}

// handleOperation handles POST /v1/operations
func (d *Dependencies) handleOperation(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requestAccount(w, r)
	if !ok {
		return
	}

	var req meter.Request
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := d.Meter.Perform(r.Context(), accountID, &req)
	if err != nil {
		if res != nil && errors.Is(err, meter.ErrThrottled) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.CooldownRemaining.Seconds()))))
		}
		if res != nil {
			utils.RespondWithJSON(w, statusForError(err), OperationErrorResponse{Error: err.Error(), Result: res})
			return
		}
		respondError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, res)
}

// handleBalance handles GET /v1/balance
func (d *Dependencies) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requestAccount(w, r)
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

// handleTransactions handles GET /v1/transactions?after=<seq>&limit=<n>
func (d *Dependencies) handleTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requestAccount(w, r)
	if !ok {
		return
	}
	d.listTransactions(w, r, accountID)
}

func (d *Dependencies) listTransactions(w http.ResponseWriter, r *http.Request, accountID string) {
	page, err := parsePage(r)
	if err != nil {
		respondError(w, err)
		return
	}

	txs, err := d.Ledger.ListTransactions(r.Context(), accountID, page)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := TransactionsResponse{Transactions: txs}
	if len(txs) > 0 && len(txs) == page.Normalize().Limit {
		resp.NextAfter = txs[len(txs)-1].Seq
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// handleUsage handles GET /v1/usage?since=<RFC3339>
func (d *Dependencies) handleUsage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requestAccount(w, r)
	if !ok {
		return
	}

	since := time.Now().UTC().Add(-defaultUsageWindow)
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, fmt.Errorf("%w: since must be RFC3339", errBadRequest))
			return
		}
		since = t
	}

	sum, err := d.Ledger.SumSince(r.Context(), accountID, since)
	if err != nil {
		respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, sum)
}

func parsePage(r *http.Request) (storage.Page, error) {
	var page storage.Page
	q := r.URL.Query()
	if s := q.Get("after"); s != "" {
		after, err := strconv.ParseInt(s, 10, 64)
		if err != nil || after < 0 {
			return page, fmt.Errorf("%w: after must be a non-negative integer", errBadRequest)
		}
		page.AfterSeq = after
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return page, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		page.Limit = limit
	}
	return page, nil
}
