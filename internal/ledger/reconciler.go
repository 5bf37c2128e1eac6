package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/events"
	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

// Check names the invariant a violation breaks
type Check string

const (
	CheckBalanceIdentity   Check = "balance_identity"   // balance == purchased - used, balance >= 0
	CheckArithmetic        Check = "transaction_arithmetic"
	CheckChainContinuity   Check = "chain_continuity"
	CheckChainTail         Check = "chain_tail"
	CheckDuplicatePurchase Check = "duplicate_purchase"
)

// chainTailRetries bounds how often a tail mismatch is re-checked when the
// account keeps moving during the scan.
const chainTailRetries = 3

// Violation describes one broken invariant.
type Violation struct {
	AccountID     string     `json:"account_id"`
	Check         Check      `json:"check"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	Detail        string     `json:"detail"`
}

// Report is the outcome of one reconciliation run
type Report struct {
	StartedAt           time.Time   `json:"started_at"`
	FinishedAt          time.Time   `json:"finished_at"`
	AccountsChecked     int         `json:"accounts_checked"`
	TransactionsChecked int         `json:"transactions_checked"`
	Violations          []Violation `json:"violations"`
}

// Err returns ErrConsistencyViolation when the report carries violations
func (r *Report) Err() error {
	if len(r.Violations) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d violation(s), first on account %s (%s)",
		ErrConsistencyViolation, len(r.Violations), r.Violations[0].AccountID, r.Violations[0].Check)
}

// ReconcilerConfig configures the background reconciliation job
type ReconcilerConfig struct {
	Interval time.Duration
	PageSize int
}

// Reconciler rebuilds every account from its transaction log and compares it
// with the stored balance. It only reports; it never corrects.
type Reconciler struct {
	store     storage.LedgerStore
	publisher events.Publisher
	config    ReconcilerConfig
	logger    *utils.Logger
	consLog   *utils.Logger

	mu   sync.Mutex
	last *Report

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewReconciler creates a reconciler. A nil publisher drops events.
func NewReconciler(store storage.LedgerStore, publisher events.Publisher, config ReconcilerConfig) *Reconciler {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if config.PageSize <= 0 {
		config.PageSize = 500
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	return &Reconciler{
		store:       store,
		publisher:   publisher,
		config:      config,
		logger:      utils.NewLogger("reconciler"),
		consLog:     utils.NewLogger("CONSISTENCY"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Run checks every account once. The error is ErrConsistencyViolation when
// violations were found, or the store error that interrupted the run.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}

	after := ""
	for {
		accounts, err := r.store.ListAccounts(ctx, after, r.config.PageSize)
		if err != nil {
			return report, fmt.Errorf("list accounts: %w", err)
		}
		for _, acct := range accounts {
			violations, n, err := r.CheckAccount(ctx, acct.AccountID)
			if err != nil {
				return report, err
			}
			report.AccountsChecked++
			report.TransactionsChecked += n
			report.Violations = append(report.Violations, violations...)
		}
		if len(accounts) < r.config.PageSize {
			break
		}
		after = accounts[len(accounts)-1].AccountID
	}

	report.FinishedAt = time.Now().UTC()
	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	for _, v := range report.Violations {
		r.report(ctx, v)
	}
	if err := report.Err(); err != nil {
		return report, err
	}
	r.logger.Info("Reconciliation passed", "accounts", report.AccountsChecked, "transactions", report.TransactionsChecked)
	return report, nil
}

// CheckAccount verifies a single account and returns its violations and the
// number of transactions scanned.
func (r *Reconciler) CheckAccount(ctx context.Context, accountID string) ([]Violation, int, error) {
	var violations []Violation
	add := func(check Check, txID *uuid.UUID, format string, args ...interface{}) {
		violations = append(violations, Violation{
			AccountID:     accountID,
			Check:         check,
			TransactionID: txID,
			Detail:        fmt.Sprintf(format, args...),
		})
	}

	var (
		prevAfter int64
		lastSeq   int64
		scanned   int
		acct      *models.Account
	)
	for attempt := 0; ; attempt++ {
		for {
			page, err := r.store.ListTransactions(ctx, accountID, storage.Page{AfterSeq: lastSeq, Limit: r.config.PageSize})
			if err != nil {
				return nil, scanned, fmt.Errorf("list transactions of %s: %w", accountID, err)
			}
			for _, tx := range page {
				id := tx.TransactionID
				if !tx.IsArithmeticValid() {
					add(CheckArithmetic, &id, "balance_after %d != balance_before %d + amount %d", tx.BalanceAfter, tx.BalanceBefore, tx.Amount)
				}
				if tx.BalanceBefore != prevAfter {
					add(CheckChainContinuity, &id, "balance_before %d != previous balance_after %d", tx.BalanceBefore, prevAfter)
				}
				prevAfter = tx.BalanceAfter
				lastSeq = tx.Seq
				scanned++
			}
			if len(page) < r.config.PageSize {
				break
			}
		}

		var err error
		acct, err = r.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, scanned, fmt.Errorf("get account %s: %w", accountID, err)
		}
		if acct.Balance == prevAfter {
			break
		}
		// The account may have moved since the scan; pick up the new rows.
		more, err := r.store.ListTransactions(ctx, accountID, storage.Page{AfterSeq: lastSeq, Limit: 1})
		if err != nil {
			return nil, scanned, fmt.Errorf("list transactions of %s: %w", accountID, err)
		}
		if len(more) == 0 || attempt >= chainTailRetries {
			add(CheckChainTail, nil, "stored balance %d != last balance_after %d", acct.Balance, prevAfter)
			break
		}
	}

	if !acct.IsConsistent() {
		add(CheckBalanceIdentity, nil, "balance %d, purchased %d, used %d", acct.Balance, acct.TotalPurchased, acct.TotalUsed)
	}

	dups, err := r.store.DuplicatePurchaseRefs(ctx, accountID)
	if err != nil {
		return nil, scanned, fmt.Errorf("duplicate purchases of %s: %w", accountID, err)
	}
	for _, ref := range dups {
		add(CheckDuplicatePurchase, nil, "payment %s credited more than once", ref)
	}

	return violations, scanned, nil
}

// LastReport returns the most recent completed report, or nil
func (r *Reconciler) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start runs the reconciler every Interval until Stop or ctx is done
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the background loop and waits for the current run
func (r *Reconciler) Stop() error {
	close(r.stopChan)
	<-r.stoppedChan
	return nil
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.stoppedChan)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Reconciler stopping")
			return
		case <-ctx.Done():
			r.logger.Info("Reconciler context cancelled")
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && !errors.Is(err, ErrConsistencyViolation) {
				r.logger.Error("Reconciliation run failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) report(ctx context.Context, v Violation) {
	r.consLog.Error("Ledger invariant violated",
		"account_id", v.AccountID,
		"check", v.Check,
		"transaction_id", v.TransactionID,
		"detail", v.Detail,
	)

	ev, err := events.New(events.TypeConsistencyViolation, v.AccountID, v)
	if err != nil {
		r.logger.Error("Failed to build violation event", "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.publisher.Publish(pctx, ev); err != nil {
		r.logger.Warn("Failed to publish violation event", "account_id", v.AccountID, "error", err)
	}
}
