package store

import (
	"errors"
	"fmt"

	"github.com/stockschool/papertrade/internal/model"
)

var (
	// ErrAccountNotFound is returned when no account exists for a user.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrAccountExists is returned by CreateAccount for a duplicate user.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrLockTimeout is returned when the account lock could not be acquired
	// within the configured bound. The caller may resubmit.
	ErrLockTimeout = errors.New("store: timed out waiting for account lock")

	// ErrPersistenceUnavailable is returned when the storage layer could not
	// complete an atomic write. Nothing was applied; the caller may retry.
	ErrPersistenceUnavailable = errors.New("store: persistence unavailable")

	// ErrInvalidMutation is returned when a mutation would break a ledger
	// invariant (negative cash, empty holding, malformed trade).
	ErrInvalidMutation = errors.New("store: mutation violates ledger invariants")

	// ErrNoLeaderboard is returned when no batch exists for a period or user.
	ErrNoLeaderboard = errors.New("store: no leaderboard computed")
)

// checkMutation guards the invariants every backend must uphold regardless
// of what the caller computed.
func checkMutation(userID, ticker, tradeID string, m *Mutation) error {
	if m == nil {
		return fmt.Errorf("%w: nil mutation", ErrInvalidMutation)
	}
	if m.Cash.IsNegative() {
		return fmt.Errorf("%w: cash %s is negative", ErrInvalidMutation, m.Cash)
	}
	t := m.Trade
	if t.ID != tradeID {
		return fmt.Errorf("%w: trade id %q, want %q", ErrInvalidMutation, t.ID, tradeID)
	}
	if t.UserID != userID || t.Ticker != ticker {
		return fmt.Errorf("%w: trade does not belong to %s/%s", ErrInvalidMutation, userID, ticker)
	}
	if t.Side != model.SideBuy && t.Side != model.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidMutation, t.Side)
	}
	if t.Quantity <= 0 || !t.Price.IsPositive() {
		return fmt.Errorf("%w: trade quantity and price must be positive", ErrInvalidMutation)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: trade timestamp missing", ErrInvalidMutation)
	}
	if h := m.Holding; h != nil {
		if h.UserID != userID || h.Ticker != ticker {
			return fmt.Errorf("%w: holding does not belong to %s/%s", ErrInvalidMutation, userID, ticker)
		}
		if h.Quantity <= 0 {
			return fmt.Errorf("%w: holding quantity %d must be removed, not stored", ErrInvalidMutation, h.Quantity)
		}
		if !h.AverageCost.IsPositive() {
			return fmt.Errorf("%w: average cost %s", ErrInvalidMutation, h.AverageCost)
		}
	}
	return nil
}

func checkTradeID(tradeID string) error {
	if tradeID == "" {
		return fmt.Errorf("%w: empty trade id", ErrInvalidMutation)
	}
	return nil
}

// replayed reports a trade id that is already in the log. The same id
// under another account or ticker is a caller bug, not a replay.
func replayed(acct model.Account, held *model.Holding, prior model.Trade, userID, ticker string) (*Result, error) {
	if prior.UserID != userID || prior.Ticker != ticker {
		return nil, fmt.Errorf("%w: trade id %s already used for %s/%s", ErrInvalidMutation, prior.ID, prior.UserID, prior.Ticker)
	}
	return &Result{Account: acct, Holding: held, Trade: prior, Replayed: true}, nil
}

// checkBatches validates a run before any of it is published.
func checkBatches(batches []model.LeaderboardBatch) error {
	seen := make(map[model.Period]bool, len(batches))
	for _, b := range batches {
		if b.RunID == "" || b.ComputedAt.IsZero() {
			return fmt.Errorf("leaderboard batch for %s missing run id or timestamp", b.Period)
		}
		if seen[b.Period] {
			return fmt.Errorf("leaderboard run has two batches for %s", b.Period)
		}
		seen[b.Period] = true
		for i, e := range b.Entries {
			if e.Period != b.Period || e.RunID != b.RunID || e.Rank != i+1 {
				return fmt.Errorf("leaderboard entry %d of %s batch is inconsistent", i, b.Period)
			}
		}
	}
	return nil
}
