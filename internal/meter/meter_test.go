package meter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/dedup"
	"credit_ledger/internal/ledger"
	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    storage.LedgerStore
	ledger   *ledger.AccountLedger
	meter    *UsageMeter
	clock    *fakeClock
	executed atomic.Int64
}

func newFixture(t *testing.T, balance int64, exec ExecutorFunc, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryLedgerStore(time.Second),
		clock: &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.ledger = ledger.NewAccountLedger(f.store, nil)

	ctx := context.Background()
	_, _, err := f.ledger.Provision(ctx, "acct_1")
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.Credit(ctx, "acct_1", balance, models.KindPurchase, "seed", "")
		require.NoError(t, err)
	}

	tiered := dedup.NewTiered(
		dedup.NewMemoryCache(dedup.NamespaceThrottle, 100).WithClock(f.clock.Now),
		dedup.NewMemoryCache(dedup.NamespaceNoRecharge, 100).WithClock(f.clock.Now),
		30*time.Second,
		14*24*time.Hour,
	).WithClock(f.clock.Now)

	if exec == nil {
		exec = resultExecutor(2, false)
	}
	counted := ExecutorFunc(func(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
		f.executed.Add(1)
		return exec(ctx, accountID, req)
	})

	cfg := DefaultConfig()
	cfg.DeterministicKinds = []string{"lookup"}
	for _, m := range mutate {
		m(&cfg)
	}
	f.meter = NewUsageMeter(f.ledger, tiered, counted, cfg)
	return f
}

func resultExecutor(matches int, deterministic bool) ExecutorFunc {
	return func(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
		payload, _ := json.Marshal(map[string]interface{}{"query": req.Fields, "matches": matches})
		return &Outcome{Result: payload, MatchCount: matches, Deterministic: deterministic}, nil
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	return b
}

// usageTransactions excludes the seeding purchase.
func (f *fixture) usageTransactions(t *testing.T) []*models.Transaction {
	t.Helper()
	txs, err := f.ledger.ListTransactions(context.Background(), "acct_1", storage.Page{})
	require.NoError(t, err)
	var out []*models.Transaction
	for _, tx := range txs {
		if tx.Kind == models.KindUsage || tx.Kind == models.KindFreeUsage {
			out = append(out, tx)
		}
	}
	return out
}

func search(name string) *Request {
	return &Request{Kind: "search", Fields: map[string]string{"name": name}}
}

func TestPerformChargesThenServesRepeatFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, nil)

	first, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
	require.NoError(t, err)
	assert.True(t, first.Billable)
	assert.True(t, first.Charged)
	assert.False(t, first.Cached)
	assert.Equal(t, StateDone, first.State())
	assert.Equal(t, []State{StateCheckingCache, StateCheckingBalance, StateExecuting, StateClassifying, StateCharging, StateDone}, first.States)
	require.NotNil(t, first.Transaction)
	assert.Equal(t, models.KindUsage, first.Transaction.Kind)
	assert.Equal(t, int64(4), f.balance(t))

	second, err := f.meter.Perform(ctx, "acct_1", &Request{Kind: "SEARCH", Fields: map[string]string{"Name": " ada "}})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.False(t, second.Charged)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	require.NotNil(t, second.Transaction)
	assert.Equal(t, models.KindFreeUsage, second.Transaction.Kind)
	assert.Equal(t, int64(0), second.Transaction.Amount)
	assert.Equal(t, int64(4), f.balance(t))
	assert.Greater(t, second.CooldownRemaining, time.Duration(0))

	assert.Equal(t, int64(1), f.executed.Load())
	assert.Len(t, f.usageTransactions(t), 2, "every visible operation writes exactly one transaction")
}

func TestPerformRechargesAfterNoRechargeTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, nil)

	_, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
	require.NoError(t, err)

	f.clock.Advance(14*24*time.Hour + time.Second)

	again, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.True(t, again.Charged)
	assert.Equal(t, models.KindUsage, again.Transaction.Kind)
	assert.Equal(t, int64(3), f.balance(t))
	assert.Equal(t, int64(2), f.executed.Load())
}

func TestPerformRejectsEmptyBalanceBeforeExecution(t *testing.T) {
	f := newFixture(t, 0, nil)

	res, err := f.meter.Perform(context.Background(), "acct_1", search("Ada"))
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Nil(t, res)
	assert.Zero(t, f.executed.Load())
	assert.Empty(t, f.usageTransactions(t), "a rejected request is not an accounting event")
}

func TestPerformFreeOutcomeAtZeroBalance(t *testing.T) {
	f := newFixture(t, 0, resultExecutor(0, true))

	res, err := f.meter.Perform(context.Background(), "acct_1", &Request{Kind: "lookup", Fields: map[string]string{"id": "42"}})
	require.NoError(t, err)
	assert.False(t, res.Billable)
	assert.False(t, res.Charged)
	assert.Equal(t, models.KindFreeUsage, res.Transaction.Kind)
	assert.Equal(t, int64(0), res.Transaction.Amount)
	assert.Equal(t, int64(0), f.balance(t))
}

func TestPerformDeterministicHitWithoutCredits(t *testing.T) {
	f := newFixture(t, 0, resultExecutor(1, true))

	res, err := f.meter.Perform(context.Background(), "acct_1", &Request{Kind: "lookup", Fields: map[string]string{"id": "42"}})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Nil(t, res, "an unpaid billable lookup is not handed out")
	assert.Empty(t, f.usageTransactions(t))
}

func TestPerformGateSkipComesFromConfiguredKinds(t *testing.T) {
	var seen atomic.Bool
	f := newFixture(t, 0, func(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
		seen.Store(req.Deterministic)
		return &Outcome{Result: json.RawMessage(`null`), Deterministic: req.Deterministic}, nil
	})

	// A caller cannot mark a search as deterministic to get past the gate.
	res, err := f.meter.Perform(context.Background(), "acct_1", &Request{Kind: "search", Deterministic: true, Fields: map[string]string{"name": "Ada"}})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Nil(t, res)
	assert.Zero(t, f.executed.Load())

	res, err = f.meter.Perform(context.Background(), "acct_1", &Request{Kind: " LOOKUP ", Fields: map[string]string{"id": "7"}})
	require.NoError(t, err)
	assert.False(t, res.Billable)
	assert.True(t, seen.Load(), "configured kinds reach the executor as deterministic")
	assert.Equal(t, int64(1), f.executed.Load())
}

func TestPerformExternalFailureIsNeverBilled(t *testing.T) {
	boom := errors.New("upstream 503")
	f := newFixture(t, 5, func(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
		return nil, boom
	})

	res, err := f.meter.Perform(context.Background(), "acct_1", search("Ada"))
	assert.ErrorIs(t, err, ErrExternalOperation)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, res)
	assert.Equal(t, int64(5), f.balance(t))
	assert.Empty(t, f.usageTransactions(t))

	_, hit, err := f.meter.cache.Lookup(context.Background(), "acct_1", Fingerprint("acct_1", search("Ada")))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestPerformConcurrentRaceForLastCredit(t *testing.T) {
	// Both calls pass the balance gate before either charges.
	var arrived sync.WaitGroup
	arrived.Add(2)
	f := newFixture(t, 1, func(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
		arrived.Done()
		arrived.Wait()
		return resultExecutor(3, false)(ctx, accountID, req)
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*Result
		errs    []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.meter.Perform(context.Background(), "acct_1", search(fmt.Sprintf("name-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			errs = append(errs, err)
		}(i)
	}
	wg.Wait()

	var ok, lost int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			assert.True(t, results[i].Charged)
		case errors.Is(err, ErrInsufficientCredits):
			lost++
			require.NotNil(t, results[i], "the loser still gets the computed result")
			assert.False(t, results[i].Charged)
			assert.Nil(t, results[i].Transaction)
			assert.NotEmpty(t, results[i].Result)

			_, hit, lookupErr := f.meter.cache.Lookup(context.Background(), "acct_1", results[i].Fingerprint)
			require.NoError(t, lookupErr)
			assert.False(t, hit, "an uncharged result is not cached")
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, lost)
	assert.Equal(t, int64(0), f.balance(t))
	assert.Len(t, f.usageTransactions(t), 1)
}

func TestPerformChargesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, 3, func(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
		cancel()
		return resultExecutor(1, false)(ctx, accountID, req)
	})

	res, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, int64(2), f.balance(t))
}

func TestPerformThrottle(t *testing.T) {
	ctx := context.Background()

	t.Run("reports cooldown", func(t *testing.T) {
		f := newFixture(t, 5, nil)
		_, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
		require.NoError(t, err)

		f.clock.Advance(10 * time.Second)
		res, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
		require.NoError(t, err)
		assert.Equal(t, 20*time.Second, res.CooldownRemaining)
	})

	t.Run("rejects repeats when configured", func(t *testing.T) {
		f := newFixture(t, 5, nil, func(c *Config) { c.RejectThrottled = true })
		_, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
		require.NoError(t, err)

		res, err := f.meter.Perform(ctx, "acct_1", search("Ada"))
		assert.ErrorIs(t, err, ErrThrottled)
		require.NotNil(t, res)
		assert.Equal(t, StateAborted, res.State())
		assert.Equal(t, 30*time.Second, res.CooldownRemaining)
		assert.Len(t, f.usageTransactions(t), 1)

		f.clock.Advance(31 * time.Second)
		res, err = f.meter.Perform(ctx, "acct_1", search("Ada"))
		require.NoError(t, err)
		assert.True(t, res.Cached, "past the cooldown the no-recharge entry still applies")
	})
}

type unavailableStore struct {
	storage.LedgerStore
}

func (s unavailableStore) ApplyEntry(ctx context.Context, e *models.Entry) (*models.Transaction, *models.Account, error) {
	return nil, nil, fmt.Errorf("apply entry: %w", storage.ErrLedgerUnavailable)
}

func TestPerformLedgerUnavailable(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.ledger = ledger.NewAccountLedger(unavailableStore{LedgerStore: f.store}, nil)
	f.meter.ledger = f.ledger

	res, err := f.meter.Perform(context.Background(), "acct_1", search("Ada"))
	assert.ErrorIs(t, err, storage.ErrLedgerUnavailable)
	assert.True(t, utils.IsRetryable(err))
	assert.Nil(t, res, "no result is returned when the charge could not be confirmed")

	_, hit, _ := f.meter.cache.Lookup(context.Background(), "acct_1", Fingerprint("acct_1", search("Ada")))
	assert.False(t, hit)
}

func TestPerformInvalidRequest(t *testing.T) {
	f := newFixture(t, 5, nil)

	_, err := f.meter.Perform(context.Background(), "acct_1", &Request{Kind: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.meter.Perform(context.Background(), "", search("Ada"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.meter.Perform(context.Background(), "acct_1", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPerformUnknownAccount(t *testing.T) {
	f := newFixture(t, 5, nil)

	_, err := f.meter.Perform(context.Background(), "nobody", search("Ada"))
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
	assert.Zero(t, f.executed.Load())
}
