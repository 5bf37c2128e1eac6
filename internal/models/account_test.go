package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccount_Apply(t *testing.T) {
	now := time.Now()
	acct := NewAccount("acct-1", now)
	assert.True(t, acct.Active)
	assert.True(t, acct.IsConsistent())

	purchase, _ := PurchaseEntry("acct-1", 10, "pay_1", "")
	before := acct.Apply(purchase, now)
	assert.Equal(t, int64(0), before)

	usage, _ := UsageEntry("acct-1", 3, "fp", "")
	before = acct.Apply(usage, now)
	assert.Equal(t, int64(10), before)

	assert.Equal(t, int64(7), acct.Balance)
	assert.Equal(t, int64(10), acct.TotalPurchased)
	assert.Equal(t, int64(3), acct.TotalUsed)
	assert.True(t, acct.IsConsistent())
}

func TestAccount_IsConsistent(t *testing.T) {
	acct := &Account{Balance: 5, TotalPurchased: 10, TotalUsed: 4}
	assert.False(t, acct.IsConsistent())
	assert.Equal(t, int64(6), acct.RecomputedBalance())

	acct = &Account{Balance: -1, TotalPurchased: 0, TotalUsed: 1}
	assert.False(t, acct.IsConsistent())
}
