package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockschool/papertrade/internal/model"
)

// Every backend runs the same behavioural checks. Timestamps are whole
// seconds so they survive a round trip through TIMESTAMPTZ.
var (
	t0    = time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)
	cash0 = decimal.NewFromInt(100000)
)

type storeFactory func(t *testing.T) Store

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// buy returns a MutateFunc that buys qty at price with a fixed average
// cost computation; enough arithmetic to exercise the store.
func buy(id, userID, ticker string, qty int64, price string, at time.Time) MutateFunc {
	return func(acct model.Account, held *model.Holding) (*Mutation, error) {
		p := dec(price)
		cost := p.Mul(decimal.NewFromInt(qty))
		h := model.Holding{UserID: userID, Ticker: ticker, Quantity: qty, AverageCost: p, UpdatedAt: at}
		if held != nil {
			h.Quantity += held.Quantity
			h.AverageCost = held.Value().Add(cost).Div(decimal.NewFromInt(h.Quantity)).Round(8)
		}
		return &Mutation{
			Cash:    acct.Cash.Sub(cost),
			Holding: &h,
			Trade:   model.Trade{ID: id, UserID: userID, Ticker: ticker, Side: model.SideBuy, Quantity: qty, Price: p, Timestamp: at},
		}, nil
	}
}

func sellAll(id, userID, ticker, price string, at time.Time) MutateFunc {
	return func(acct model.Account, held *model.Holding) (*Mutation, error) {
		if held == nil {
			return nil, errors.New("nothing to sell")
		}
		p := dec(price)
		return &Mutation{
			Cash:  acct.Cash.Add(p.Mul(decimal.NewFromInt(held.Quantity))),
			Trade: model.Trade{ID: id, UserID: userID, Ticker: ticker, Side: model.SideSell, Quantity: held.Quantity, Price: p, Timestamp: at},
		}, nil
	}
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndGetAccount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		acct, err := s.CreateAccount(ctx, "alice", cash0, t0)
		require.NoError(t, err)
		assert.Equal(t, "alice", acct.UserID)

		got, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.Cash.Equal(cash0))
		assert.True(t, got.CreatedAt.Equal(t0))

		_, err = s.CreateAccount(ctx, "alice", cash0, t0)
		assert.ErrorIs(t, err, ErrAccountExists)

		_, err = s.GetAccount(ctx, "nobody")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		_, err = s.GetPortfolio(ctx, "nobody")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		_, err = s.AppendTradeAndMutate(ctx, "nobody", "TCS", "x", buy("x", "nobody", "TCS", 1, "1", t0))
		assert.ErrorIs(t, err, ErrAccountNotFound)

		holdings, err := s.GetHoldings(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, holdings)
	})

	t.Run("MutateAppliesAtomically", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "alice", cash0, t0)
		require.NoError(t, err)

		res, err := s.AppendTradeAndMutate(ctx, "alice", "RELIANCE", "t1", buy("t1", "alice", "RELIANCE", 10, "2500", t0.Add(time.Minute)))
		require.NoError(t, err)
		assert.True(t, res.Account.Cash.Equal(dec("75000")))
		require.NotNil(t, res.Holding)
		assert.Equal(t, int64(10), res.Holding.Quantity)
		assert.Equal(t, "t1", res.Trade.ID)

		_, err = s.AppendTradeAndMutate(ctx, "alice", "RELIANCE", "t2", buy("t2", "alice", "RELIANCE", 5, "2600", t0.Add(2*time.Minute)))
		require.NoError(t, err)
		_, err = s.AppendTradeAndMutate(ctx, "alice", "INFY", "t3", buy("t3", "alice", "INFY", 4, "1500", t0.Add(3*time.Minute)))
		require.NoError(t, err)

		pf, err := s.GetPortfolio(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, pf.Account.Cash.Equal(dec("56000")), "cash %s", pf.Account.Cash)
		require.Len(t, pf.Holdings, 2)
		assert.Equal(t, "INFY", pf.Holdings[0].Ticker, "holdings sorted by ticker")
		assert.Equal(t, int64(15), pf.Holdings[1].Quantity)
		assert.True(t, pf.Holdings[1].AverageCost.Equal(dec("2533.33333333")), "avg %s", pf.Holdings[1].AverageCost)

		// Selling everything removes the holding record.
		res, err = s.AppendTradeAndMutate(ctx, "alice", "RELIANCE", "t4", sellAll("t4", "alice", "RELIANCE", "2700", t0.Add(4*time.Minute)))
		require.NoError(t, err)
		assert.Nil(t, res.Holding)

		holdings, err := s.GetHoldings(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, holdings, 1)
		assert.Equal(t, "INFY", holdings[0].Ticker)

		trades, err := s.GetTrades(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, trades, 4)
		assert.Equal(t, "t4", trades[0].ID, "newest first")
		assert.Equal(t, "t1", trades[3].ID)

		trades, err = s.GetTrades(ctx, "alice", 2)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, []string{"t4", "t3"}, []string{trades[0].ID, trades[1].ID})
	})

	t.Run("RejectedMutationLeavesNoTrace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "bob", cash0, t0)
		require.NoError(t, err)

		boom := errors.New("insufficient")
		_, err = s.AppendTradeAndMutate(ctx, "bob", "TCS", "t0", func(model.Account, *model.Holding) (*Mutation, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom, "fn error returned unchanged")

		// Negative cash is refused by the store itself.
		_, err = s.AppendTradeAndMutate(ctx, "bob", "TCS", "t1", buy("t1", "bob", "TCS", 1000, "4000", t0))
		assert.ErrorIs(t, err, ErrInvalidMutation)

		// A trade recorded against another ticker is refused.
		_, err = s.AppendTradeAndMutate(ctx, "bob", "TCS", "t2", buy("t2", "bob", "INFY", 1, "1", t0))
		assert.ErrorIs(t, err, ErrInvalidMutation)

		acct, err := s.GetAccount(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, acct.Cash.Equal(cash0))
		trades, err := s.GetTrades(ctx, "bob", 0)
		require.NoError(t, err)
		assert.Empty(t, trades)
	})

	t.Run("LockTimeout", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, u := range []string{"alice", "bob"} {
			_, err := s.CreateAccount(ctx, u, cash0, t0)
			require.NoError(t, err)
		}

		var blocked, other error
		_, err := s.AppendTradeAndMutate(ctx, "alice", "TCS", "t1", func(acct model.Account, held *model.Holding) (*Mutation, error) {
			// alice is locked here; a second writer must give up, while bob
			// is unaffected.
			_, blocked = s.AppendTradeAndMutate(ctx, "alice", "TCS", "t2", buy("t2", "alice", "TCS", 1, "10", t0))
			_, other = s.AppendTradeAndMutate(ctx, "bob", "TCS", "t3", buy("t3", "bob", "TCS", 1, "10", t0))
			return buy("t1", "alice", "TCS", 1, "10", t0)(acct, held)
		})
		require.NoError(t, err)
		assert.ErrorIs(t, blocked, ErrLockTimeout)
		assert.NoError(t, other)

		trades, err := s.GetTrades(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.Equal(t, "t1", trades[0].ID)
	})

	t.Run("DeadlineWhileWaitingIsLockTimeout", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "alice", cash0, t0)
		require.NoError(t, err)

		var blocked error
		_, err = s.AppendTradeAndMutate(ctx, "alice", "TCS", "t1", func(acct model.Account, held *model.Holding) (*Mutation, error) {
			dctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
			defer cancel()
			_, blocked = s.AppendTradeAndMutate(dctx, "alice", "TCS", "t2", buy("t2", "alice", "TCS", 1, "10", t0))
			return buy("t1", "alice", "TCS", 1, "10", t0)(acct, held)
		})
		require.NoError(t, err)
		assert.ErrorIs(t, blocked, ErrLockTimeout)
		assert.NotErrorIs(t, blocked, ErrPersistenceUnavailable)
	})

	t.Run("RepeatedTradeIDIsNotAppliedTwice", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "dave", cash0, t0)
		require.NoError(t, err)

		first, err := s.AppendTradeAndMutate(ctx, "dave", "TCS", "d1", buy("d1", "dave", "TCS", 3, "100", t0))
		require.NoError(t, err)
		assert.False(t, first.Replayed)

		again, err := s.AppendTradeAndMutate(ctx, "dave", "TCS", "d1", func(model.Account, *model.Holding) (*Mutation, error) {
			t.Error("mutation ran for a trade id already in the log")
			return nil, errors.New("unreachable")
		})
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, "d1", again.Trade.ID)
		assert.Equal(t, int64(3), again.Trade.Quantity)
		assert.True(t, again.Trade.Price.Equal(dec("100")))
		assert.True(t, again.Account.Cash.Equal(dec("99700")), "cash %s", again.Account.Cash)
		require.NotNil(t, again.Holding)
		assert.Equal(t, int64(3), again.Holding.Quantity)

		// The same id for another ticker is a caller bug.
		_, err = s.AppendTradeAndMutate(ctx, "dave", "INFY", "d1", buy("d1", "dave", "INFY", 1, "10", t0))
		assert.ErrorIs(t, err, ErrInvalidMutation)
		_, err = s.AppendTradeAndMutate(ctx, "dave", "TCS", "", buy("", "dave", "TCS", 1, "10", t0))
		assert.ErrorIs(t, err, ErrInvalidMutation)

		trades, err := s.GetTrades(ctx, "dave", 0)
		require.NoError(t, err)
		assert.Len(t, trades, 1)
		acct, err := s.GetAccount(ctx, "dave")
		require.NoError(t, err)
		assert.True(t, acct.Cash.Equal(dec("99700")))
	})

	t.Run("SnapshotOrderAndClock", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "erin", cash0, t0)
		require.NoError(t, err)

		// Same timestamp: the log keeps execution order.
		_, err = s.AppendTradeAndMutate(ctx, "erin", "TCS", "e2", buy("e2", "erin", "TCS", 1, "100", t0))
		require.NoError(t, err)
		_, err = s.AppendTradeAndMutate(ctx, "erin", "TCS", "e1", sellAll("e1", "erin", "TCS", "110", t0))
		require.NoError(t, err)

		// A trade stamped by a clock running ahead of this one.
		ahead := time.Now().Add(time.Hour).Truncate(time.Second).UTC()
		_, err = s.AppendTradeAndMutate(ctx, "erin", "INFY", "e3", buy("e3", "erin", "INFY", 1, "100", ahead))
		require.NoError(t, err)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Trades["erin"], 3)
		assert.Equal(t, []string{"e2", "e1", "e3"},
			[]string{snap.Trades["erin"][0].ID, snap.Trades["erin"][1].ID, snap.Trades["erin"][2].ID})
		assert.False(t, snap.TakenAt.Before(ahead), "taken %s before trade %s", snap.TakenAt, ahead)
	})

	t.Run("ConcurrentWritersSerialize", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "carol", cash0, t0)
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("c%02d", i)
				_, err := s.AppendTradeAndMutate(ctx, "carol", "SBIN", id, buy(id, "carol", "SBIN", 1, "800", t0.Add(time.Duration(i)*time.Second)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		pf, err := s.GetPortfolio(ctx, "carol")
		require.NoError(t, err)
		require.Len(t, pf.Holdings, 1)
		assert.Equal(t, int64(n), pf.Holdings[0].Quantity)
		assert.True(t, pf.Account.Cash.Equal(dec("84000")), "cash %s", pf.Account.Cash)
	})

	t.Run("Snapshot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, u := range []string{"zed", "amy"} {
			_, err := s.CreateAccount(ctx, u, cash0, t0)
			require.NoError(t, err)
		}
		_, err := s.AppendTradeAndMutate(ctx, "amy", "TCS", "a1", buy("a1", "amy", "TCS", 2, "4000", t0.Add(time.Minute)))
		require.NoError(t, err)
		_, err = s.AppendTradeAndMutate(ctx, "amy", "TCS", "a2", sellAll("a2", "amy", "TCS", "4100", t0.Add(2*time.Minute)))
		require.NoError(t, err)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Accounts, 2)
		assert.Equal(t, "amy", snap.Accounts[0].UserID, "accounts sorted by user id")
		assert.True(t, snap.Accounts[0].Cash.Equal(dec("100200")))
		assert.Empty(t, snap.Holdings["amy"])
		require.Len(t, snap.Trades["amy"], 2)
		assert.Equal(t, "a1", snap.Trades["amy"][0].ID, "execution order")
		assert.Empty(t, snap.Trades["zed"])
		assert.False(t, snap.TakenAt.Before(snap.Trades["amy"][1].Timestamp))
	})

	t.Run("Leaderboard", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.LatestLeaderboard(ctx, model.PeriodDaily, 0)
		assert.ErrorIs(t, err, ErrNoLeaderboard)
		_, err = s.LatestUserEntry(ctx, "alice", model.PeriodDaily)
		assert.ErrorIs(t, err, ErrNoLeaderboard)

		require.NoError(t, s.PublishLeaderboard(ctx, []model.LeaderboardBatch{
			lbBatch("run1", model.PeriodDaily, t0, "alice", "bob"),
			lbBatch("run1", model.PeriodAllTime, t0, "bob", "alice"),
		}))
		require.NoError(t, s.PublishLeaderboard(ctx, []model.LeaderboardBatch{
			lbBatch("run2", model.PeriodDaily, t0.Add(time.Hour), "bob"),
		}))

		b, err := s.LatestLeaderboard(ctx, model.PeriodDaily, 0)
		require.NoError(t, err)
		assert.Equal(t, "run2", b.RunID)
		require.Len(t, b.Entries, 1)
		assert.Equal(t, "bob", b.Entries[0].UserID)

		b, err = s.LatestLeaderboard(ctx, model.PeriodAllTime, 1)
		require.NoError(t, err)
		require.Len(t, b.Entries, 1)
		assert.Equal(t, "bob", b.Entries[0].UserID)

		// alice dropped out of the latest daily run; her last entry stands.
		e, err := s.LatestUserEntry(ctx, "alice", model.PeriodDaily)
		require.NoError(t, err)
		assert.Equal(t, "run1", e.RunID)
		assert.Equal(t, 1, e.Rank)

		_, err = s.LatestLeaderboard(ctx, model.PeriodWeekly, 0)
		assert.ErrorIs(t, err, ErrNoLeaderboard)
	})

	t.Run("LeaderboardRejectsInconsistentRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		bad := lbBatch("run1", model.PeriodDaily, t0, "alice", "bob")
		bad.Entries[1].Rank = 3
		err := s.PublishLeaderboard(ctx, []model.LeaderboardBatch{
			lbBatch("run1", model.PeriodAllTime, t0, "alice"),
			bad,
		})
		require.Error(t, err)

		// All or nothing: the valid batch was not published either.
		_, err = s.LatestLeaderboard(ctx, model.PeriodAllTime, 0)
		assert.ErrorIs(t, err, ErrNoLeaderboard)
	})
}

func lbBatch(runID string, p model.Period, at time.Time, users ...string) model.LeaderboardBatch {
	b := model.LeaderboardBatch{RunID: runID, Period: p, ComputedAt: at, Entries: []model.LeaderboardEntry{}}
	for i, u := range users {
		b.Entries = append(b.Entries, model.LeaderboardEntry{
			RunID: runID, UserID: u, Period: p, Rank: i + 1,
			TotalReturn: dec("1.5"), WinRate: dec("50"), TradeCount: 2,
			PortfolioValue: dec("101500"), ComputedAt: at,
		})
	}
	return b
}
