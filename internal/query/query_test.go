package query

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/store"
)

var (
	start = decimal.NewFromInt(100000)
	t0    = time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	_, err := ms.CreateAccount(ctx, "alice", start, t0)
	require.NoError(t, err)

	for i, p := range []string{"2500", "2600"} {
		qty := int64(10 - 5*i)
		price := d(p)
		_, err := ms.AppendTradeAndMutate(ctx, "alice", "RELIANCE", p, func(acct model.Account, held *model.Holding) (*store.Mutation, error) {
			h := model.Holding{UserID: "alice", Ticker: "RELIANCE", Quantity: qty, AverageCost: price}
			if held != nil {
				h.Quantity += held.Quantity
				h.AverageCost = d("2533.33333333")
			}
			return &store.Mutation{
				Cash:    acct.Cash.Sub(price.Mul(decimal.NewFromInt(qty))),
				Holding: &h,
				Trade: model.Trade{ID: p, UserID: "alice", Ticker: "RELIANCE", Side: model.SideBuy,
					Quantity: qty, Price: price, Timestamp: t0.Add(time.Duration(i) * time.Minute)},
			}, nil
		})
		require.NoError(t, err)
	}
	return ms
}

func TestGetPortfolioSummary(t *testing.T) {
	ms := seed(t)
	q := NewSurface(ms, ms, start)

	sum, err := q.GetPortfolioSummary(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, sum.Cash.Equal(d("62000")))
	require.Len(t, sum.Holdings, 1)
	// 15 × 2533.33333333 = 37999.99999995
	assert.True(t, sum.HoldingsValue.Equal(d("37999.99999995")), "value %s", sum.HoldingsValue)
	assert.True(t, sum.NetWorth.Equal(d("99999.99999995")))
	assert.True(t, sum.TotalReturn.Equal(d("0")), "return %s", sum.TotalReturn)

	_, err = q.GetPortfolioSummary(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestGetPortfolioSummary_EmptyHoldings(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := ms.CreateAccount(context.Background(), "bob", start, t0)
	require.NoError(t, err)

	sum, err := NewSurface(ms, ms, start).GetPortfolioSummary(context.Background(), "bob")
	require.NoError(t, err)
	assert.NotNil(t, sum.Holdings)
	assert.Empty(t, sum.Holdings)
	assert.True(t, sum.NetWorth.Equal(start))
	assert.True(t, sum.TotalReturn.IsZero())
}

func TestGetTrades(t *testing.T) {
	ms := seed(t)
	q := NewSurface(ms, ms, start)

	trades, err := q.GetTrades(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "2600", trades[0].ID)

	trades, err = q.GetTrades(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestGetLeaderboard(t *testing.T) {
	ms := store.NewMemoryStore()
	q := NewSurface(ms, ms, start)
	ctx := context.Background()

	b, err := q.GetLeaderboard(ctx, model.PeriodMonthly, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodMonthly, b.Period)
	assert.NotNil(t, b.Entries)
	assert.Empty(t, b.Entries)

	_, found, err := q.GetUserRank(ctx, "alice", model.PeriodMonthly)
	require.NoError(t, err)
	assert.False(t, found)

	batch := model.LeaderboardBatch{RunID: "r1", Period: model.PeriodMonthly, ComputedAt: t0}
	for i, u := range []string{"alice", "bob", "carol"} {
		batch.Entries = append(batch.Entries, model.LeaderboardEntry{RunID: "r1", UserID: u, Period: model.PeriodMonthly, Rank: i + 1, ComputedAt: t0})
	}
	require.NoError(t, ms.PublishLeaderboard(ctx, []model.LeaderboardBatch{batch}))

	b, err = q.GetLeaderboard(ctx, model.PeriodMonthly, 2)
	require.NoError(t, err)
	assert.Len(t, b.Entries, 2)

	e, found, err := q.GetUserRank(ctx, "carol", model.PeriodMonthly)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, e.Rank)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 50, clamp(0, 50, 500))
	assert.Equal(t, 50, clamp(-3, 50, 500))
	assert.Equal(t, 7, clamp(7, 50, 500))
	assert.Equal(t, 500, clamp(9999, 50, 500))
}
