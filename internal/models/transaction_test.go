package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionKind_IsValid(t *testing.T) {
	for _, k := range []TransactionKind{KindPurchase, KindUsage, KindFreeUsage, KindRefund, KindAdjustment} {
		assert.True(t, k.IsValid(), k.String())
	}
	assert.False(t, TransactionKind("CHARGEBACK").IsValid())
	assert.False(t, TransactionKind("").IsValid())
}

func TestParseTransactionKind(t *testing.T) {
	k, err := ParseTransactionKind(" free_usage ")
	require.NoError(t, err)
	assert.Equal(t, KindFreeUsage, k)

	_, err = ParseTransactionKind("bonus")
	assert.Error(t, err)
}

func TestEntryConstructors(t *testing.T) {
	tests := []struct {
		name    string
		build   func() (*Entry, error)
		wantErr bool
		amount  int64
	}{
		{
			name:   "purchase",
			build:  func() (*Entry, error) { return PurchaseEntry("acct", 10, "pay_1", "") },
			amount: 10,
		},
		{
			name:    "purchase without payment id",
			build:   func() (*Entry, error) { return PurchaseEntry("acct", 10, "", "") },
			wantErr: true,
		},
		{
			name:    "purchase with zero credits",
			build:   func() (*Entry, error) { return PurchaseEntry("acct", 0, "pay_1", "") },
			wantErr: true,
		},
		{
			name:   "usage",
			build:  func() (*Entry, error) { return UsageEntry("acct", 1, "fp", "") },
			amount: -1,
		},
		{
			name:    "usage with zero cost",
			build:   func() (*Entry, error) { return UsageEntry("acct", 0, "fp", "") },
			wantErr: true,
		},
		{
			name:   "free usage",
			build:  func() (*Entry, error) { return FreeUsageEntry("acct", "fp", "") },
			amount: 0,
		},
		{
			name:   "negative adjustment",
			build:  func() (*Entry, error) { return AdjustmentEntry("acct", -3, "manual") },
			amount: -3,
		},
		{
			name:    "zero adjustment",
			build:   func() (*Entry, error) { return AdjustmentEntry("acct", 0, "manual") },
			wantErr: true,
		},
		{
			name:    "missing account",
			build:   func() (*Entry, error) { return FreeUsageEntry("  ", "fp", "") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := tt.build()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.amount, e.Amount)
		})
	}
}

func TestEntry_TotalsDeltaKeepsBalanceIdentity(t *testing.T) {
	purchase, _ := PurchaseEntry("acct", 10, "pay_1", "")
	usage, _ := UsageEntry("acct", 2, "fp", "")
	free, _ := FreeUsageEntry("acct", "fp", "")
	adjDown, _ := AdjustmentEntry("acct", -1, "")
	adjUp, _ := AdjustmentEntry("acct", 4, "")

	usageTx := NewTransaction(usage, 10, time.Now())
	refund, err := ReversalEntry(usageTx, "")
	require.NoError(t, err)
	assert.Equal(t, KindRefund, refund.Kind)

	purchaseTx := NewTransaction(purchase, 0, time.Now())
	revoke, err := ReversalEntry(purchaseTx, "")
	require.NoError(t, err)
	assert.Equal(t, KindAdjustment, revoke.Kind)
	assert.Equal(t, int64(-10), revoke.Amount)

	for _, e := range []*Entry{purchase, usage, free, adjDown, adjUp, refund, revoke} {
		p, u := e.TotalsDelta()
		assert.Equal(t, e.Amount, p-u, "kind %s", e.Kind)
	}

	p, u := refund.TotalsDelta()
	assert.Equal(t, int64(0), p)
	assert.Equal(t, int64(-2), u)

	p, u = revoke.TotalsDelta()
	assert.Equal(t, int64(-10), p)
	assert.Equal(t, int64(0), u)
}

func TestReversalEntry_ZeroAmount(t *testing.T) {
	free, _ := FreeUsageEntry("acct", "fp", "")
	tx := NewTransaction(free, 5, time.Now())
	_, err := ReversalEntry(tx, "")
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestNewTransaction(t *testing.T) {
	usage, _ := UsageEntry("acct", 1, "fp", "lookup")
	now := time.Now()
	tx := NewTransaction(usage, 5, now)

	assert.NotEqual(t, uuid.Nil, tx.TransactionID)
	assert.Equal(t, int64(5), tx.BalanceBefore)
	assert.Equal(t, int64(4), tx.BalanceAfter)
	assert.True(t, tx.IsArithmeticValid())
	assert.Equal(t, "fp", tx.ExternalRefValue())
	assert.Equal(t, now, tx.CreatedAt)

	tx.BalanceAfter = 5
	assert.False(t, tx.IsArithmeticValid())
}
