// Package query is the read-only surface over the ledger and the published
// leaderboards. Nothing here writes.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/store"
)

const (
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 500
	DefaultTradeLimit       = 100
	MaxTradeLimit           = 1000
)

// Surface answers portfolio, trade-history and leaderboard reads.
type Surface struct {
	ledger       store.Ledger
	boards       store.Leaderboard
	startingCash decimal.Decimal
}

// NewSurface creates a query surface. startingCash is the balance every
// account opened with, used for the total return figure.
func NewSurface(ledger store.Ledger, boards store.Leaderboard, startingCash decimal.Decimal) *Surface {
	return &Surface{ledger: ledger, boards: boards, startingCash: startingCash}
}

// GetPortfolioSummary returns cash, holdings, holdings value and net worth
// from one consistent read. Holdings are valued at average cost.
func (s *Surface) GetPortfolioSummary(ctx context.Context, userID string) (*model.PortfolioSummary, error) {
	p, err := s.ledger.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	holdings := p.Holdings
	if holdings == nil {
		holdings = []model.Holding{}
	}
	value := decimal.Zero
	for _, h := range holdings {
		value = value.Add(h.Value())
	}
	net := p.Account.Cash.Add(value)

	return &model.PortfolioSummary{
		UserID:        p.Account.UserID,
		Cash:          p.Account.Cash,
		Holdings:      holdings,
		HoldingsValue: value,
		NetWorth:      net,
		TotalReturn:   model.ReturnPct(net, s.startingCash),
	}, nil
}

// GetTrades returns the user's trades newest first.
func (s *Surface) GetTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	trades, err := s.ledger.GetTrades(ctx, userID, clamp(limit, DefaultTradeLimit, MaxTradeLimit))
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// GetLeaderboard returns the latest completed batch for period, ordered by
// rank. A period that was never computed yields an empty batch.
func (s *Surface) GetLeaderboard(ctx context.Context, period model.Period, limit int) (*model.LeaderboardBatch, error) {
	b, err := s.boards.LatestLeaderboard(ctx, period, clamp(limit, DefaultLeaderboardLimit, MaxLeaderboardLimit))
	if errors.Is(err, store.ErrNoLeaderboard) {
		return &model.LeaderboardBatch{Period: period, Entries: []model.LeaderboardEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard %s: %w", period, err)
	}
	if b.Entries == nil {
		b.Entries = []model.LeaderboardEntry{}
	}
	return b, nil
}

// GetUserRank returns the user's most recent entry for period. found is
// false when no run has ranked the user.
func (s *Surface) GetUserRank(ctx context.Context, userID string, period model.Period) (entry *model.LeaderboardEntry, found bool, err error) {
	e, err := s.boards.LatestUserEntry(ctx, userID, period)
	if errors.Is(err, store.ErrNoLeaderboard) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rank %s/%s: %w", userID, period, err)
	}
	return e, true, nil
}

func clamp(n, def, hi int) int {
	if n <= 0 {
		return def
	}
	if n > hi {
		return hi
	}
	return n
}
