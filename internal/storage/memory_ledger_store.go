package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/models"
)

// MemoryLedgerStore is a LedgerStore kept in process memory. It is meant for
// tests and single-node development; balances do not survive a restart.
//
// Per-account locks serialize every read-check-write on one account. The
// store mutex only guards the maps and is never held while waiting on an
// account lock.
type MemoryLedgerStore struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account
	transactions map[uuid.UUID]*models.Transaction
	byAccount    map[string][]*models.Transaction
	reversals    map[uuid.UUID]uuid.UUID // original -> reversal
	purchaseRefs map[string]uuid.UUID
	payments     map[string]*models.ProcessedPayment
	seq          int64

	accountLocks *keyedLocks
	paymentLocks *keyedLocks
	lockTimeout  time.Duration
	now          func() time.Time
}

// NewMemoryLedgerStore creates an empty in-memory store
func NewMemoryLedgerStore(lockTimeout time.Duration) *MemoryLedgerStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &MemoryLedgerStore{
		accounts:     make(map[string]*models.Account),
		transactions: make(map[uuid.UUID]*models.Transaction),
		byAccount:    make(map[string][]*models.Transaction),
		reversals:    make(map[uuid.UUID]uuid.UUID),
		purchaseRefs: make(map[string]uuid.UUID),
		payments:     make(map[string]*models.ProcessedPayment),
		accountLocks: newKeyedLocks(),
		paymentLocks: newKeyedLocks(),
		lockTimeout:  lockTimeout,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *MemoryLedgerStore) WithClock(now func() time.Time) *MemoryLedgerStore {
	s.now = now
	return s
}

func (s *MemoryLedgerStore) CreateAccount(ctx context.Context, accountID string) (*models.Account, bool, error) {
	unlock, err := s.accountLocks.lock(ctx, accountID, s.lockTimeout)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[accountID]; ok {
		return copyAccount(acct), false, nil
	}
	acct := models.NewAccount(accountID, s.now())
	s.accounts[accountID] = acct
	return copyAccount(acct), true, nil
}

func (s *MemoryLedgerStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

func (s *MemoryLedgerStore) ListAccounts(ctx context.Context, afterAccountID string, limit int) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > afterAccountID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*models.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyAccount(s.accounts[id]))
	}
	return out, nil
}

func (s *MemoryLedgerStore) SetAccountActive(ctx context.Context, accountID string, active bool) (*models.Account, error) {
	unlock, err := s.accountLocks.lock(ctx, accountID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.Active = active
	acct.UpdatedAt = s.now()
	return copyAccount(acct), nil
}

func (s *MemoryLedgerStore) ApplyEntry(ctx context.Context, e *models.Entry) (*models.Transaction, *models.Account, error) {
	if err := e.Validate(); err != nil {
		return nil, nil, err
	}

	unlock, err := s.accountLocks.lock(ctx, e.AccountID, s.lockTimeout)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	return s.commitLocked(e, false, nil)
}

func (s *MemoryLedgerStore) ApplyPayment(ctx context.Context, p *models.Payment) (*models.Transaction, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}

	// The payment lock is the serialization point between racing deliveries
	// of the same payment; the account lock below orders it against debits.
	unlockPayment, err := s.paymentLocks.lock(ctx, p.ExternalPaymentID, s.lockTimeout)
	if err != nil {
		return nil, false, err
	}
	defer unlockPayment()

	s.mu.RLock()
	marker, ok := s.payments[p.ExternalPaymentID]
	var existing *models.Transaction
	if ok {
		existing = s.transactions[marker.TransactionID]
	}
	s.mu.RUnlock()
	if ok {
		if existing == nil {
			return nil, true, fmt.Errorf("%w: payment %s has no transaction", ErrLedgerUnavailable, p.ExternalPaymentID)
		}
		return copyTransaction(existing), true, nil
	}

	entry, err := models.PurchaseEntry(p.AccountID, p.Credits, p.ExternalPaymentID, p.Description())
	if err != nil {
		return nil, false, err
	}

	unlockAccount, err := s.accountLocks.lock(ctx, p.AccountID, s.lockTimeout)
	if err != nil {
		return nil, false, err
	}
	defer unlockAccount()

	tx, _, err := s.commitLocked(entry, true, func(tx *models.Transaction) {
		s.payments[p.ExternalPaymentID] = &models.ProcessedPayment{
			ExternalPaymentID: p.ExternalPaymentID,
			TransactionID:     tx.TransactionID,
			AccountID:         p.AccountID,
			Credits:           p.Credits,
			AmountPaid:        p.AmountPaid,
			Currency:          p.Currency,
			CreatedAt:         tx.CreatedAt,
		}
	})
	if err != nil {
		return nil, false, err
	}
	return tx, false, nil
}

// commitLocked runs the check and the write for e. The caller holds the
// account lock. With provision set, a missing account is created in the same
// step; onCommit runs under the store mutex together with the write.
func (s *MemoryLedgerStore) commitLocked(e *models.Entry, provision bool, onCommit func(*models.Transaction)) (*models.Transaction, *models.Account, error) {
	now := s.now()

	s.mu.RLock()
	stored, ok := s.accounts[e.AccountID]
	var original *models.Transaction
	var reversed bool
	if e.Reverses != nil {
		original = s.transactions[*e.Reverses]
		_, reversed = s.reversals[*e.Reverses]
	}
	var duplicateRef bool
	if e.Kind == models.KindPurchase && e.ExternalRef != nil {
		_, duplicateRef = s.purchaseRefs[*e.ExternalRef]
	}
	s.mu.RUnlock()

	var acct models.Account
	switch {
	case ok:
		acct = *stored
	case provision:
		acct = *models.NewAccount(e.AccountID, now)
	default:
		return nil, nil, ErrAccountNotFound
	}

	if err := checkEntry(&acct, e, original, reversed); err != nil {
		return nil, nil, err
	}
	if duplicateRef {
		return nil, nil, ErrDuplicatePurchase
	}

	before := acct.Apply(e, now)
	tx := models.NewTransaction(e, before, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	tx.Seq = s.seq
	s.accounts[acct.AccountID] = &acct
	s.transactions[tx.TransactionID] = tx
	s.byAccount[acct.AccountID] = append(s.byAccount[acct.AccountID], tx)
	if e.Reverses != nil {
		s.reversals[*e.Reverses] = tx.TransactionID
	}
	if e.Kind == models.KindPurchase && e.ExternalRef != nil {
		s.purchaseRefs[*e.ExternalRef] = tx.TransactionID
	}
	if onCommit != nil {
		onCommit(tx)
	}

	return copyTransaction(tx), copyAccount(&acct), nil
}

func (s *MemoryLedgerStore) GetProcessedPayment(ctx context.Context, externalPaymentID string) (*models.ProcessedPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	marker, ok := s.payments[externalPaymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *marker
	return &cp, nil
}

func (s *MemoryLedgerStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (s *MemoryLedgerStore) ListTransactions(ctx context.Context, accountID string, page Page) ([]*models.Transaction, error) {
	page = page.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byAccount[accountID]
	start := sort.Search(len(list), func(i int) bool { return list[i].Seq > page.AfterSeq })
	end := min(start+page.Limit, len(list))

	out := make([]*models.Transaction, 0, end-start)
	for _, tx := range list[start:end] {
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

func (s *MemoryLedgerStore) SumSince(ctx context.Context, accountID string, since time.Time) (*TransactionSum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}

	sum := &TransactionSum{AccountID: accountID, Since: since}
	for _, tx := range s.byAccount[accountID] {
		if !tx.CreatedAt.Before(since) {
			sum.add(tx)
		}
	}
	return sum, nil
}

func (s *MemoryLedgerStore) DuplicatePurchaseRefs(ctx context.Context, accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, tx := range s.byAccount[accountID] {
		if tx.Kind == models.KindPurchase {
			counts[tx.ExternalRefValue()]++
		}
	}

	var dups []string
	for ref, n := range counts {
		if n > 1 {
			dups = append(dups, ref)
		}
	}
	slices.Sort(dups)
	return dups, nil
}

func (s *MemoryLedgerStore) Health(ctx context.Context) error {
	return nil
}

func copyAccount(a *models.Account) *models.Account {
	cp := *a
	return &cp
}

func copyTransaction(tx *models.Transaction) *models.Transaction {
	cp := *tx
	return &cp
}
