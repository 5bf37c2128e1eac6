// Package meter charges accounts for operations executed on their behalf.
package meter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"credit_ledger/internal/dedup"
	"credit_ledger/internal/ledger"
	"credit_ledger/internal/models"
	"credit_ledger/internal/utils"
)

// State is a step of a single Perform call
type State string

const (
	StateCheckingCache   State = "CHECKING_CACHE"
	StateCheckingBalance State = "CHECKING_BALANCE"
	StateExecuting       State = "EXECUTING"
	StateClassifying     State = "CLASSIFYING"
	StateCharging        State = "CHARGING"
	StateDone            State = "DONE"
	StateAborted         State = "ABORTED"
)

// Request is an operation requested by a caller.
type Request struct {
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields"`

	// Deterministic is set by the meter for kinds configured as single-match
	// lookups and passed on to the executor. Callers cannot set it.
	Deterministic bool `json:"-"`
}

// Executor runs the external operation
type Executor interface {
	Execute(ctx context.Context, accountID string, req *Request) (*Outcome, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, accountID string, req *Request) (*Outcome, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
	return f(ctx, accountID, req)
}

// Result is returned for every operation the caller gets to see.
type Result struct {
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result,omitempty"`
	ResultCount int             `json:"result_count"`
	Cached      bool            `json:"cached"`
	Billable    bool            `json:"billable"`
	Charged     bool            `json:"charged"`

	// Transaction is nil when nothing was recorded
	Transaction *models.Transaction `json:"transaction,omitempty"`

	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	States            []State       `json:"states"`
}

// State returns the last state reached
func (r *Result) State() State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

func (r *Result) enter(s State) {
	r.States = append(r.States, s)
}

// Config configures the usage meter
type Config struct {
	OperationCost   int64
	ChargeTimeout   time.Duration
	RejectThrottled bool
	Policy          Policy

	// DeterministicKinds are single-match lookups that may turn out to be
	// free, so they skip the pre-execution balance gate.
	DeterministicKinds []string
}

// DefaultConfig returns the default meter configuration
func DefaultConfig() Config {
	return Config{
		OperationCost: 1,
		ChargeTimeout: 10 * time.Second,
		Policy:        DefaultPolicy,
	}
}

// UsageMeter orchestrates cache lookup, balance gate, execution,
// classification and charging of one operation.
type UsageMeter struct {
	ledger   *ledger.AccountLedger
	cache    *dedup.Tiered
	executor Executor
	config   Config
	logger   *utils.Logger

	deterministic map[string]bool
}

// NewUsageMeter creates a usage meter
func NewUsageMeter(l *ledger.AccountLedger, cache *dedup.Tiered, executor Executor, config Config) *UsageMeter {
	if config.OperationCost <= 0 {
		config.OperationCost = 1
	}
	if config.ChargeTimeout <= 0 {
		config.ChargeTimeout = 10 * time.Second
	}
	if config.Policy == nil {
		config.Policy = DefaultPolicy
	}
	deterministic := make(map[string]bool, len(config.DeterministicKinds))
	for _, kind := range config.DeterministicKinds {
		if k := normalize(kind); k != "" {
			deterministic[k] = true
		}
	}
	return &UsageMeter{
		ledger:        l,
		cache:         cache,
		executor:      executor,
		config:        config,
		logger:        utils.NewLogger("meter"),
		deterministic: deterministic,
	}
}

// Perform executes req for the account and charges it according to policy.
//
// A non-nil Result is returned together with ErrInsufficientCredits when the
// balance was taken by a concurrent debit after the operation already ran:
// the result is handed out uncharged and not cached. ErrThrottled also comes
// with a Result carrying the remaining cooldown.
func (m *UsageMeter) Perform(ctx context.Context, accountID string, req *Request) (*Result, error) {
	if req == nil || strings.TrimSpace(req.Kind) == "" {
		return nil, fmt.Errorf("%w: operation kind is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}

	op := *req
	op.Deterministic = m.deterministic[normalize(req.Kind)]
	req = &op

	res := &Result{Fingerprint: Fingerprint(accountID, req)}

	res.enter(StateCheckingCache)
	cooldown, err := m.cache.Cooldown(ctx, accountID, res.Fingerprint)
	if err != nil {
		m.logger.Warn("Throttle lookup failed", "account_id", accountID, "error", err)
	}
	res.CooldownRemaining = cooldown
	if cooldown > 0 && m.config.RejectThrottled {
		res.enter(StateAborted)
		return res, ErrThrottled
	}

	entry, hit, err := m.cache.Lookup(ctx, accountID, res.Fingerprint)
	if err != nil {
		// Losing the cache costs at most a repeat charge.
		m.logger.Warn("Dedup lookup failed, treating as miss", "account_id", accountID, "error", err)
	}
	if hit {
		return m.serveCached(ctx, accountID, res, entry)
	}

	res.enter(StateCheckingBalance)
	if !req.Deterministic {
		balance, err := m.ledger.GetBalance(ctx, accountID)
		if err != nil {
			res.enter(StateAborted)
			return nil, err
		}
		if balance <= 0 {
			res.enter(StateAborted)
			m.logger.Debug("Operation rejected before execution", "account_id", accountID, "balance", balance)
			return nil, ErrInsufficientCredits
		}
	}

	res.enter(StateExecuting)
	outcome, err := m.executor.Execute(ctx, accountID, req)
	if err != nil {
		res.enter(StateAborted)
		m.logger.Warn("External operation failed", "account_id", accountID, "kind", req.Kind, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrExternalOperation, err)
	}
	res.Result = outcome.Result
	res.ResultCount = outcome.MatchCount

	// From here on the outcome is known and charging must complete even if
	// the caller goes away.
	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ChargeTimeout)
	defer cancel()

	res.enter(StateClassifying)
	res.Billable = m.config.Policy(outcome)

	res.enter(StateCharging)
	var tx *models.Transaction
	if res.Billable {
		tx, err = m.ledger.Debit(chargeCtx, accountID, m.config.OperationCost, models.KindUsage, res.Fingerprint, req.Kind)
	} else {
		tx, err = m.ledger.Debit(chargeCtx, accountID, 0, models.KindFreeUsage, res.Fingerprint, req.Kind)
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		res.enter(StateAborted)
		if req.Deterministic {
			// No gate ran, so this is not a lost race: withhold the result.
			return nil, fmt.Errorf("%w: %w", ErrInsufficientCredits, err)
		}
		m.logger.Info("Debit race lost after execution, returning result uncharged", "account_id", accountID, "fingerprint", res.Fingerprint)
		return res, fmt.Errorf("%w: %w", ErrInsufficientCredits, err)
	}
	if err != nil {
		res.enter(StateAborted)
		m.logger.Error("Charge failed after execution", "account_id", accountID, "fingerprint", res.Fingerprint, "error", err)
		return nil, err
	}
	res.Transaction = tx
	res.Charged = res.Billable

	m.remember(chargeCtx, accountID, res)

	res.enter(StateDone)
	return res, nil
}

func (m *UsageMeter) serveCached(ctx context.Context, accountID string, res *Result, entry *models.CacheEntry) (*Result, error) {
	tx, err := m.ledger.Debit(ctx, accountID, 0, models.KindFreeUsage, res.Fingerprint, "cached repeat")
	if err != nil {
		res.enter(StateAborted)
		return nil, err
	}

	res.Result = entry.Result
	res.ResultCount = entry.ResultCount
	res.Cached = true
	res.Transaction = tx
	if err := m.cache.Touch(ctx, accountID, res.Fingerprint); err != nil {
		m.logger.Warn("Throttle update failed", "account_id", accountID, "error", err)
	}

	res.enter(StateDone)
	return res, nil
}

func (m *UsageMeter) remember(ctx context.Context, accountID string, res *Result) {
	entry := &models.CacheEntry{
		AccountID:   accountID,
		Fingerprint: res.Fingerprint,
		Result:      res.Result,
		ResultCount: res.ResultCount,
		Charged:     res.Charged,
	}
	if err := m.cache.Store(ctx, entry); err != nil {
		m.logger.Warn("Dedup store failed", "account_id", accountID, "error", err)
	}
	if err := m.cache.Touch(ctx, accountID, res.Fingerprint); err != nil {
		m.logger.Warn("Throttle update failed", "account_id", accountID, "error", err)
	}
}
