package models

import "time"

// Account is a billing entity holding a prepaid credit balance.
//
// Balance, TotalPurchased and TotalUsed are only ever changed together, inside
// the ledger store's per-account atomic envelope, so that
// Balance == TotalPurchased - TotalUsed holds after every commit.
type Account struct {
	AccountID      string    `db:"account_id" json:"account_id"`
	Balance        int64     `db:"balance" json:"balance"`
	TotalPurchased int64     `db:"total_purchased" json:"total_purchased"`
	TotalUsed      int64     `db:"total_used" json:"total_used"`
	Active         bool      `db:"active" json:"active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// NewAccount returns an active account with a zero balance.
func NewAccount(accountID string, now time.Time) *Account {
	return &Account{
		AccountID: accountID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RecomputedBalance derives the balance from the lifetime counters.
func (a *Account) RecomputedBalance() int64 {
	return a.TotalPurchased - a.TotalUsed
}

// IsConsistent reports whether the stored balance matches the lifetime counters
// and is not negative.
func (a *Account) IsConsistent() bool {
	return a.Balance >= 0 && a.Balance == a.RecomputedBalance()
}

// Apply mutates the account for a committed entry and returns the balance
// before the change. Callers must have validated the entry and checked the
// insufficiency rule first.
func (a *Account) Apply(e *Entry, now time.Time) int64 {
	before := a.Balance
	purchased, used := e.TotalsDelta()
	a.Balance += e.Amount
	a.TotalPurchased += purchased
	a.TotalUsed += used
	a.UpdatedAt = now
	return before
}
