// Package store defines the persistence interface for the trading ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every change to an account's cash and holdings funnels through
// AppendTradeAndMutate, which applies the cash update, the holding update and
// the trade-log append as one atomic unit under a per-account lock.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/model"
)

// DefaultLockTimeout bounds how long a writer waits for an account lock.
const DefaultLockTimeout = 2 * time.Second

// MutateFunc computes the new ledger state for one account while the store
// holds that account's lock. held is the current holding for the traded
// ticker, nil when the account is flat in it. Any error returned aborts the
// mutation and is passed back to the caller unchanged.
type MutateFunc func(acct model.Account, held *model.Holding) (*Mutation, error)

// Mutation describes the post-trade state of one account.
type Mutation struct {
	Cash    decimal.Decimal // new cash balance
	Holding *model.Holding  // new holding for Trade.Ticker; nil removes it
	Trade   model.Trade     // record appended to the trade log
}

// Result is the state committed by AppendTradeAndMutate. Replayed is set
// when the trade id had already been applied; Trade is then the stored
// record and Account and Holding are the account's current state.
type Result struct {
	Account  model.Account
	Holding  *model.Holding
	Trade    model.Trade
	Replayed bool
}

// Portfolio is an account and its holdings read at one commit point.
type Portfolio struct {
	Account  model.Account   `json:"account"`
	Holdings []model.Holding `json:"holdings"` // sorted by ticker
}

// Snapshot is a point-in-time view of every account used by the ranking
// engine. Taking one never blocks writers.
type Snapshot struct {
	TakenAt  time.Time
	Accounts []model.Account           // sorted by user id
	Holdings map[string][]model.Holding // user id → holdings sorted by ticker
	Trades   map[string][]model.Trade   // user id → trades in execution order
}

// stamp sets TakenAt from the application clock, read after the last
// load, and raises it to the newest captured trade so no trade in the
// snapshot postdates it whatever clock stamped the trade.
func (s *Snapshot) stamp(now time.Time) {
	at := now.UTC()
	for _, trades := range s.Trades {
		for _, t := range trades {
			if t.Timestamp.After(at) {
				at = t.Timestamp.UTC()
			}
		}
	}
	s.TakenAt = at
}

// Ledger is the durable keeper of accounts, holdings and trades.
type Ledger interface {
	// CreateAccount opens an account with the given starting cash.
	CreateAccount(ctx context.Context, userID string, cash decimal.Decimal, at time.Time) (*model.Account, error)

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// GetHoldings returns the account's holdings sorted by ticker.
	GetHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// GetPortfolio returns the account and its holdings from a single
	// consistent read, so a concurrent trade is seen entirely or not at all.
	GetPortfolio(ctx context.Context, userID string) (*Portfolio, error)

	// GetTrades returns the account's trades newest first. limit <= 0 returns all.
	GetTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// AppendTradeAndMutate atomically applies fn's mutation for userID. The
	// mutation's trade must carry tradeID. If tradeID was already applied,
	// fn is not called and the stored trade is returned with Replayed set.
	AppendTradeAndMutate(ctx context.Context, userID, ticker, tradeID string, fn MutateFunc) (*Result, error)

	// Snapshot returns a consistent read of all accounts.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Leaderboard persists ranking batches. Batches are write-once.
type Leaderboard interface {
	// PublishLeaderboard stores every batch of one run, all or nothing.
	PublishLeaderboard(ctx context.Context, batches []model.LeaderboardBatch) error

	// LatestLeaderboard returns the most recent batch for a period, entries
	// ordered by rank and truncated to limit (limit <= 0 returns all).
	// Returns ErrNoLeaderboard if the period was never computed.
	LatestLeaderboard(ctx context.Context, period model.Period, limit int) (*model.LeaderboardBatch, error)

	// LatestUserEntry returns the user's most recent entry for a period or
	// ErrNoLeaderboard.
	LatestUserEntry(ctx context.Context, userID string, period model.Period) (*model.LeaderboardEntry, error)
}

// Store is the full persistence interface.
type Store interface {
	Ledger
	Leaderboard
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	lockTimeout time.Duration
}

// WithLockTimeout sets how long AppendTradeAndMutate waits for the account lock.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{lockTimeout: DefaultLockTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
