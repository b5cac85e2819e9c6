package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, logger, WithClock(func() time.Time { return t0 })), st
}

func fund(t *testing.T, l *Ledger, user, amount string) {
	t.Helper()
	applied, err := l.Deposit(context.Background(), user, "USDT", model.BucketTrading, d(amount), "dep:"+user+":"+amount)
	require.NoError(t, err)
	require.True(t, applied)
}

func balance(t *testing.T, l *Ledger, user string) model.WalletBalance {
	t.Helper()
	b, err := l.Balance(context.Background(), user, "USDT")
	require.NoError(t, err)
	return b
}

func TestDepositTransferWithdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	applied, err := l.Deposit(ctx, "u1", "USDT", model.BucketFunding, d("500"), "d1")
	require.NoError(t, err)
	assert.True(t, applied)

	// Same key again is a no-op.
	applied, err = l.Deposit(ctx, "u1", "USDT", model.BucketFunding, d("500"), "d1")
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = l.Transfer(ctx, "u1", "USDT", model.BucketFunding, model.BucketTrading, d("200"), "t1")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, "u1", "USDT", d("100"), "w1")
	require.NoError(t, err)

	b := balance(t, l, "u1")
	assert.True(t, b.Funding.Equal(d("200")), "funding %s", b.Funding)
	assert.True(t, b.Trading.Equal(d("200")), "trading %s", b.Trading)
	assert.True(t, b.Locked.IsZero())
}

func TestTransferRejectsLockedBucket(t *testing.T) {
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "100")

	_, err := l.Transfer(context.Background(), "u1", "USDT", model.BucketTrading, model.BucketLocked, d("10"), "t1")
	assert.True(t, model.IsValidation(err))
}

func TestWithdrawInsufficient(t *testing.T) {
	l, st := newTestLedger(t)
	_, err := l.Withdraw(context.Background(), "u1", "USDT", d("1"), "w1")
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	entries, err := st.ListEntries(context.Background(), store.EntryFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLockInsufficientPersistsNothing(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "50")

	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100.1"), TradeID: "o1", Kind: model.LockOptions})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	_, err = st.GetLock(ctx, "o1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	b := balance(t, l, "u1")
	assert.True(t, b.Trading.Equal(d("50")))
	assert.True(t, b.Locked.IsZero())
}

func TestLockIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "1000")

	req := LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100.1"), TradeID: "o1", Kind: model.LockOptions}
	first, err := l.Lock(ctx, req)
	require.NoError(t, err)
	second, err := l.Lock(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	b := balance(t, l, "u1")
	assert.True(t, b.Trading.Equal(d("899.9")), "trading %s", b.Trading)
	assert.True(t, b.Locked.Equal(d("100.1")), "locked %s", b.Locked)
}

func TestReleaseWin(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "1000")

	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100.1"), TradeID: "o1", Kind: model.LockOptions})
	require.NoError(t, err)
	afterLock := balance(t, l, "u1")

	res, err := l.Release(ctx, Release{
		TradeID: "o1",
		Key:     "settle:o1",
		Fee:     d("0.1"),
		Credit:  d("18"),
		Outcome: model.OutcomeWin,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Payout.Equal(d("118")), "payout %s", res.Payout)
	assert.Equal(t, model.LockReleased, res.Lock.Status)

	b := balance(t, l, "u1")
	assert.True(t, b.Trading.Sub(afterLock.Trading).Equal(d("118")))
	assert.True(t, b.Locked.IsZero())
	assert.True(t, b.Trading.Equal(d("1017.9")))
}

func TestReleaseLose(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "1000")

	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100.1"), TradeID: "o1", Kind: model.LockOptions})
	require.NoError(t, err)

	res, err := l.Release(ctx, Release{
		TradeID: "o1",
		Key:     "settle:o1",
		Fee:     d("0.1"),
		Forfeit: d("100"),
		Outcome: model.OutcomeLose,
	})
	require.NoError(t, err)
	assert.True(t, res.Payout.IsZero())

	b := balance(t, l, "u1")
	assert.True(t, b.Trading.Equal(d("899.9")))
	assert.True(t, b.Locked.IsZero())
}

func TestReleaseRetryReturnsRecordedResult(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "1000")
	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100.1"), TradeID: "o1", Kind: model.LockOptions})
	require.NoError(t, err)

	r := Release{TradeID: "o1", Key: "settle:o1", Fee: d("0.1"), Credit: d("18"), Outcome: model.OutcomeWin}
	_, err = l.Release(ctx, r)
	require.NoError(t, err)

	// A retry that resolved differently must not apply twice.
	r.Credit = decimal.Zero
	r.Forfeit = d("100")
	r.Outcome = model.OutcomeLose
	res, err := l.Release(ctx, r)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, model.OutcomeWin, res.Lock.Outcome)
	assert.True(t, res.Payout.Equal(d("118")))
	assert.True(t, balance(t, l, "u1").Trading.Equal(d("1017.9")))
}

func TestReleaseRejectsOversizedLegs(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "100")
	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("10"), TradeID: "o1", Kind: model.LockOptions})
	require.NoError(t, err)

	_, err = l.Release(ctx, Release{TradeID: "o1", Key: "k", Fee: d("5"), Forfeit: d("6")})
	assert.True(t, model.IsValidation(err))
}

func TestUnlockTwiceFails(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "100")
	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("40"), TradeID: "o1", Kind: model.LockOptions})
	require.NoError(t, err)

	require.NoError(t, l.Unlock(ctx, "o1"))
	assert.True(t, balance(t, l, "u1").Trading.Equal(d("100")))

	// Same key: no-op.
	require.NoError(t, l.Unlock(ctx, "o1"))

	// Different key on a released lock.
	_, err = l.Release(ctx, Release{TradeID: "o1", Key: "settle:o1"})
	assert.ErrorIs(t, err, model.ErrLockNotActive)
}

func TestMoveLock(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "500")

	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100.1"), TradeID: "s1", Kind: model.LockScheduled})
	require.NoError(t, err)

	moved, err := l.MoveLock(ctx, "s1", LockRequest{TradeID: "o1", Kind: model.LockOptions}, "promote:s1")
	require.NoError(t, err)
	assert.Equal(t, "o1", moved.TradeID)
	assert.True(t, moved.Amount.Equal(d("100.1")))

	old, err := st.GetLock(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.LockReleased, old.Status)

	b := balance(t, l, "u1")
	assert.True(t, b.Locked.Equal(d("100.1")))
	assert.True(t, b.Trading.Equal(d("399.9")))

	// Retry returns the new lock without moving funds again.
	again, err := l.MoveLock(ctx, "s1", LockRequest{TradeID: "o1", Kind: model.LockOptions}, "promote:s1")
	require.NoError(t, err)
	assert.Equal(t, moved.ID, again.ID)
	assert.True(t, balance(t, l, "u1").Locked.Equal(d("100.1")))
}

func TestExpireStale(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "300")

	for _, id := range []string{"live", "dead", "fresh"} {
		ttl := time.Minute
		if id == "fresh" {
			ttl = time.Hour
		}
		_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100"), TradeID: id, Kind: model.LockOptions, TTL: ttl})
		require.NoError(t, err)
	}

	live := func(_ context.Context, lock model.TradeLock) (bool, error) {
		return lock.TradeID == "live", nil
	}
	n, err := l.ExpireStale(ctx, t0.Add(10*time.Minute), live)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lock, err := l.GetLock(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, model.LockExpired, lock.Status)

	b := balance(t, l, "u1")
	assert.True(t, b.Trading.Equal(d("100")))
	assert.True(t, b.Locked.Equal(d("200")))

	active, err := l.ActiveLocks(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestExpireStaleCollectsLiveErrors(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "100")
	_, err := l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("10"), TradeID: "o1", Kind: model.LockOptions, TTL: time.Second})
	require.NoError(t, err)

	boom := errors.New("boom")
	n, err := l.ExpireStale(ctx, t0.Add(time.Minute), func(context.Context, model.TradeLock) (bool, error) {
		return false, boom
	})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentLocksNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "1000")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Lock(ctx, LockRequest{
				UserID: "u1", Asset: "USDT", Amount: d("100"),
				TradeID: "o" + string(rune('a'+i)), Kind: model.LockOptions,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	b := balance(t, l, "u1")
	assert.True(t, b.Trading.IsZero())
	assert.True(t, b.Locked.Equal(d("1000")))
}

func TestReplayAndVerify(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Deposit(ctx, "u1", "USDT", model.BucketFunding, d("1000"), "d1")
	require.NoError(t, err)
	_, err = l.Transfer(ctx, "u1", "USDT", model.BucketFunding, model.BucketTrading, d("600"), "t1")
	require.NoError(t, err)
	_, err = l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("100.1"), TradeID: "o1", Kind: model.LockOptions})
	require.NoError(t, err)
	_, err = l.Release(ctx, Release{TradeID: "o1", Key: "settle:o1", Fee: d("0.1"), Credit: d("18"), Outcome: model.OutcomeWin})
	require.NoError(t, err)
	_, err = l.Lock(ctx, LockRequest{UserID: "u1", Asset: "USDT", Amount: d("50"), TradeID: "o2", Kind: model.LockOptions})
	require.NoError(t, err)

	replayed, err := l.Replay(ctx, "u1", "USDT")
	require.NoError(t, err)
	stored := balance(t, l, "u1")
	assert.True(t, replayed.Funding.Equal(stored.Funding))
	assert.True(t, replayed.Trading.Equal(stored.Trading))
	assert.True(t, replayed.Locked.Equal(stored.Locked))

	report, err := l.Verify(ctx, "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Empty(t, report.Unbalanced)
	assert.Positive(t, report.Entries)
}

func TestHistoryNewestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "u1", "10")
	fund(t, l, "u1", "20")

	h, err := l.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.True(t, h[0].Amount.Equal(d("20")))
}
