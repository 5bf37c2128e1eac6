package storage

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/models"
	"credit_ledger/internal/utils"
)

// runLedgerStoreSuite exercises the LedgerStore contract. Account ids are
// unique per run so the suite can share a database with other tests.
func runLedgerStoreSuite(t *testing.T, store LedgerStore) {
	ctx := context.Background()
	newID := func(prefix string) string { return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8]) }

	funded := func(t *testing.T, credits int64) string {
		t.Helper()
		id := newID("acct")
		_, _, err := store.CreateAccount(ctx, id)
		require.NoError(t, err)
		if credits > 0 {
			e, err := models.PurchaseEntry(id, credits, newID("pay"), "")
			require.NoError(t, err)
			_, _, err = store.ApplyEntry(ctx, e)
			require.NoError(t, err)
		}
		return id
	}

	t.Run("create account is idempotent", func(t *testing.T) {
		id := newID("acct")
		acct, created, err := store.CreateAccount(ctx, id)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, acct.Active)
		assert.Equal(t, int64(0), acct.Balance)

		_, created, err = store.CreateAccount(ctx, id)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := store.GetAccount(ctx, newID("missing"))
		assert.ErrorIs(t, err, ErrAccountNotFound)

		e, _ := models.FreeUsageEntry(newID("missing"), "fp", "")
		_, _, err = store.ApplyEntry(ctx, e)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("entries keep balance identity and chain", func(t *testing.T) {
		id := funded(t, 5)

		usage, _ := models.UsageEntry(id, 2, "fp-1", "lookup")
		tx, acct, err := store.ApplyEntry(ctx, usage)
		require.NoError(t, err)
		assert.Equal(t, int64(5), tx.BalanceBefore)
		assert.Equal(t, int64(3), tx.BalanceAfter)
		assert.Equal(t, int64(3), acct.Balance)
		assert.True(t, acct.IsConsistent())

		free, _ := models.FreeUsageEntry(id, "fp-1", "")
		_, _, err = store.ApplyEntry(ctx, free)
		require.NoError(t, err)

		txs, err := store.ListTransactions(ctx, id, Page{})
		require.NoError(t, err)
		require.Len(t, txs, 3)
		assert.Equal(t, models.KindPurchase, txs[0].Kind)
		assert.Equal(t, models.KindFreeUsage, txs[2].Kind)
		for i, tx := range txs {
			assert.True(t, tx.IsArithmeticValid())
			if i > 0 {
				assert.Equal(t, txs[i-1].BalanceAfter, tx.BalanceBefore)
				assert.Greater(t, tx.Seq, txs[i-1].Seq)
			}
		}

		stored, err := store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, txs[2].BalanceAfter, stored.Balance)
		assert.Equal(t, int64(5), stored.TotalPurchased)
		assert.Equal(t, int64(2), stored.TotalUsed)
	})

	t.Run("debit beyond balance is rejected without a transaction", func(t *testing.T) {
		id := funded(t, 1)
		usage, _ := models.UsageEntry(id, 2, "fp", "")
		_, _, err := store.ApplyEntry(ctx, usage)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		txs, err := store.ListTransactions(ctx, id, Page{})
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	})

	t.Run("credits past the int64 range are rejected", func(t *testing.T) {
		id := funded(t, 0)
		top, _ := models.AdjustmentEntry(id, math.MaxInt64, "top up")
		_, _, err := store.ApplyEntry(ctx, top)
		require.NoError(t, err)

		one, _ := models.AdjustmentEntry(id, 1, "one more")
		_, _, err = store.ApplyEntry(ctx, one)
		assert.ErrorIs(t, err, models.ErrInvalidEntry)
		assert.False(t, utils.IsRetryable(err))

		acct, err := store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64), acct.Balance)
		assert.True(t, acct.IsConsistent())

		_, _, err = store.ApplyPayment(ctx, &models.Payment{
			ExternalPaymentID: newID("pay"),
			AccountID:         id,
			Credits:           1,
			AmountPaid:        decimal.NewFromInt(1),
			Currency:          "usd",
		})
		assert.ErrorIs(t, err, models.ErrInvalidEntry)

		txs, err := store.ListTransactions(ctx, id, Page{})
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	})

	t.Run("zero debit succeeds at zero balance", func(t *testing.T) {
		id := funded(t, 0)
		free, _ := models.FreeUsageEntry(id, "fp", "")
		tx, acct, err := store.ApplyEntry(ctx, free)
		require.NoError(t, err)
		assert.Equal(t, int64(0), tx.Amount)
		assert.Equal(t, int64(0), acct.Balance)
	})

	t.Run("inactive account rejects entries", func(t *testing.T) {
		id := funded(t, 3)
		acct, err := store.SetAccountActive(ctx, id, false)
		require.NoError(t, err)
		assert.False(t, acct.Active)

		usage, _ := models.UsageEntry(id, 1, "fp", "")
		_, _, err = store.ApplyEntry(ctx, usage)
		assert.ErrorIs(t, err, ErrAccountInactive)

		_, err = store.SetAccountActive(ctx, id, true)
		require.NoError(t, err)
		_, _, err = store.ApplyEntry(ctx, usage)
		assert.NoError(t, err)
	})

	t.Run("reversal of a debit refunds once", func(t *testing.T) {
		id := funded(t, 3)
		usage, _ := models.UsageEntry(id, 1, "fp", "")
		original, _, err := store.ApplyEntry(ctx, usage)
		require.NoError(t, err)

		refund, err := models.ReversalEntry(original, "refund")
		require.NoError(t, err)
		reversal, acct, err := store.ApplyEntry(ctx, refund)
		require.NoError(t, err)
		assert.Equal(t, models.KindRefund, reversal.Kind)
		assert.Equal(t, original.TransactionID, *reversal.ReversesTransactionID)
		assert.Equal(t, int64(3), acct.Balance)
		assert.Equal(t, int64(0), acct.TotalUsed)
		assert.True(t, acct.IsConsistent())

		_, _, err = store.ApplyEntry(ctx, refund)
		assert.ErrorIs(t, err, ErrAlreadyReversed)

		again, err := models.ReversalEntry(reversal, "")
		require.NoError(t, err)
		_, _, err = store.ApplyEntry(ctx, again)
		assert.ErrorIs(t, err, ErrNotReversible)

		unchanged, err := store.GetTransaction(ctx, original.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, original.Amount, unchanged.Amount)
	})

	t.Run("reversal of consumed credits is insufficient", func(t *testing.T) {
		id := funded(t, 0)
		e, _ := models.PurchaseEntry(id, 2, newID("pay"), "")
		purchase, _, err := store.ApplyEntry(ctx, e)
		require.NoError(t, err)
		usage, _ := models.UsageEntry(id, 2, "fp", "")
		_, _, err = store.ApplyEntry(ctx, usage)
		require.NoError(t, err)

		revoke, err := models.ReversalEntry(purchase, "")
		require.NoError(t, err)
		_, _, err = store.ApplyEntry(ctx, revoke)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("duplicate purchase reference is rejected", func(t *testing.T) {
		id := funded(t, 0)
		ref := newID("pay")
		e, _ := models.PurchaseEntry(id, 1, ref, "")
		_, _, err := store.ApplyEntry(ctx, e)
		require.NoError(t, err)
		_, _, err = store.ApplyEntry(ctx, e)
		assert.ErrorIs(t, err, ErrDuplicatePurchase)

		dups, err := store.DuplicatePurchaseRefs(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, dups)
	})

	t.Run("payment provisions the account and applies once", func(t *testing.T) {
		id := newID("acct")
		p := &models.Payment{ExternalPaymentID: newID("pay"), AccountID: id, Credits: 10, AmountPaid: decimal.NewFromInt(1000), Currency: "usd"}

		tx, already, err := store.ApplyPayment(ctx, p)
		require.NoError(t, err)
		assert.False(t, already)
		assert.Equal(t, models.KindPurchase, tx.Kind)
		assert.Equal(t, int64(10), tx.Amount)

		again, already, err := store.ApplyPayment(ctx, p)
		require.NoError(t, err)
		assert.True(t, already)
		assert.Equal(t, tx.TransactionID, again.TransactionID)

		acct, err := store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(10), acct.Balance)

		marker, err := store.GetProcessedPayment(ctx, p.ExternalPaymentID)
		require.NoError(t, err)
		assert.Equal(t, tx.TransactionID, marker.TransactionID)
		assert.True(t, decimal.NewFromInt(1000).Equal(marker.AmountPaid))

		_, err = store.GetProcessedPayment(ctx, newID("pay"))
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})

	t.Run("concurrent deliveries of one payment credit once", func(t *testing.T) {
		id := newID("acct")
		p := &models.Payment{ExternalPaymentID: newID("pay"), AccountID: id, Credits: 7, AmountPaid: decimal.NewFromInt(700)}

		const callers = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0
		ids := map[uuid.UUID]bool{}
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tx, already, err := store.ApplyPayment(ctx, p)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[tx.TransactionID] = true
				if !already {
					fresh++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, fresh)
		assert.Len(t, ids, 1)
		acct, err := store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(7), acct.Balance)
		txs, err := store.ListTransactions(ctx, id, Page{})
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		const balance, callers = 5, 20
		id := funded(t, balance)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded, insufficient := 0, 0
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				usage, _ := models.UsageEntry(id, 1, fmt.Sprintf("fp-%d", i), "")
				_, _, err := store.ApplyEntry(ctx, usage)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case assert.ErrorIs(t, err, ErrInsufficientBalance):
					insufficient++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, balance, succeeded)
		assert.Equal(t, callers-balance, insufficient)
		acct, err := store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acct.Balance)
		assert.True(t, acct.IsConsistent())
	})

	t.Run("pagination follows append order", func(t *testing.T) {
		id := funded(t, 10)
		for i := 0; i < 4; i++ {
			usage, _ := models.UsageEntry(id, 1, fmt.Sprintf("fp-%d", i), "")
			_, _, err := store.ApplyEntry(ctx, usage)
			require.NoError(t, err)
		}

		first, err := store.ListTransactions(ctx, id, Page{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)
		rest, err := store.ListTransactions(ctx, id, Page{AfterSeq: first[1].Seq, Limit: 10})
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, int64(6), rest[2].BalanceAfter)
	})

	t.Run("sum since", func(t *testing.T) {
		id := funded(t, 4)
		usage, _ := models.UsageEntry(id, 3, "fp", "")
		_, _, err := store.ApplyEntry(ctx, usage)
		require.NoError(t, err)

		sum, err := store.SumSince(ctx, id, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(4), sum.Credits)
		assert.Equal(t, int64(3), sum.Debits)
		assert.Equal(t, int64(1), sum.Net)
		assert.Equal(t, int64(2), sum.Count)

		sum, err = store.SumSince(ctx, id, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), sum.Count)

		_, err = store.SumSince(ctx, newID("missing"), time.Now())
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("list accounts pages by id", func(t *testing.T) {
		a := funded(t, 0)
		page, err := store.ListAccounts(ctx, a[:len(a)-1], 0)
		require.NoError(t, err)
		found := false
		for i, acct := range page {
			if i > 0 {
				assert.Less(t, page[i-1].AccountID, acct.AccountID)
			}
			found = found || acct.AccountID == a
		}
		assert.True(t, found)
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, store.Health(ctx))
	})
}
