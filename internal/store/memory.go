package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each account has its own lock (a one-slot semaphore so acquisition can
// time out) and an immutable state published through an atomic pointer.
// Writers to different accounts never contend, and readers never lock.
type MemoryStore struct {
	opts options

	mu       sync.RWMutex // guards the accounts map only
	accounts map[string]*accountSlot

	lbMu   sync.RWMutex
	boards map[model.Period][]model.LeaderboardBatch
}

type accountSlot struct {
	sem     chan struct{}
	state   atomic.Pointer[accountState]
	applied map[string]int // trade id → index in state.trades; guarded by sem
}

// accountState is never modified after it is published.
type accountState struct {
	account  model.Account
	holdings map[string]model.Holding
	trades   []model.Trade // append-only; readers only look below their own len
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:     buildOptions(opts),
		accounts: make(map[string]*accountSlot),
		boards:   make(map[model.Period][]model.LeaderboardBatch),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, userID string, cash decimal.Decimal, at time.Time) (*model.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidMutation)
	}
	if cash.IsNegative() {
		return nil, fmt.Errorf("%w: starting cash %s is negative", ErrInvalidMutation, cash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, userID)
	}

	acct := model.Account{UserID: userID, Cash: cash, CreatedAt: at, UpdatedAt: at}
	slot := &accountSlot{sem: make(chan struct{}, 1), applied: map[string]int{}}
	slot.state.Store(&accountState{account: acct, holdings: map[string]model.Holding{}})
	s.accounts[userID] = slot

	return &acct, nil
}

func (s *MemoryStore) slot(userID string) (*accountSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	return slot, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	slot, err := s.slot(userID)
	if err != nil {
		return nil, err
	}
	acct := slot.state.Load().account
	return &acct, nil
}

func (s *MemoryStore) GetHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	slot, err := s.slot(userID)
	if err != nil {
		return nil, err
	}
	return sortedHoldings(slot.state.Load().holdings), nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*Portfolio, error) {
	slot, err := s.slot(userID)
	if err != nil {
		return nil, err
	}
	st := slot.state.Load()
	return &Portfolio{Account: st.account, Holdings: sortedHoldings(st.holdings)}, nil
}

func (s *MemoryStore) GetTrades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	slot, err := s.slot(userID)
	if err != nil {
		return nil, err
	}
	trades := slot.state.Load().trades

	n := len(trades)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]model.Trade, 0, n)
	for i := len(trades) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, trades[i])
	}
	return result, nil
}

// AppendTradeAndMutate serializes on the account's semaphore, runs fn against
// the current state and publishes the new state in a single pointer swap.
// Trade ids are tracked per account.
func (s *MemoryStore) AppendTradeAndMutate(ctx context.Context, userID, ticker, tradeID string, fn MutateFunc) (*Result, error) {
	if err := checkTradeID(tradeID); err != nil {
		return nil, err
	}
	slot, err := s.slot(userID)
	if err != nil {
		return nil, err
	}
	if err := slot.lock(ctx, s.opts.lockTimeout); err != nil {
		return nil, err
	}
	defer slot.unlock()

	cur := slot.state.Load()
	var held *model.Holding
	if h, ok := cur.holdings[ticker]; ok {
		held = &h
	}

	if i, ok := slot.applied[tradeID]; ok {
		return replayed(cur.account, held, cur.trades[i], userID, ticker)
	}

	m, err := fn(cur.account, held)
	if err != nil {
		return nil, err
	}
	if err := checkMutation(userID, ticker, tradeID, m); err != nil {
		return nil, err
	}

	next := &accountState{
		account:  cur.account,
		holdings: make(map[string]model.Holding, len(cur.holdings)+1),
		trades:   append(cur.trades, m.Trade),
	}
	next.account.Cash = m.Cash
	next.account.UpdatedAt = m.Trade.Timestamp
	for k, v := range cur.holdings {
		next.holdings[k] = v
	}
	if m.Holding != nil {
		next.holdings[ticker] = *m.Holding
	} else {
		delete(next.holdings, ticker)
	}
	slot.state.Store(next)
	slot.applied[tradeID] = len(next.trades) - 1

	res := &Result{Account: next.account, Trade: m.Trade}
	if m.Holding != nil {
		h := *m.Holding
		res.Holding = &h
	}
	return res, nil
}

// Snapshot copies each account's latest published state. Every account is
// internally consistent; no lock is taken that could delay a writer.
func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	slots := make(map[string]*accountSlot, len(s.accounts))
	for id, slot := range s.accounts {
		slots[id] = slot
	}
	s.mu.RUnlock()

	snap := &Snapshot{
		Accounts: make([]model.Account, 0, len(slots)),
		Holdings: make(map[string][]model.Holding, len(slots)),
		Trades:   make(map[string][]model.Trade, len(slots)),
	}
	for id, slot := range slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := slot.state.Load()
		snap.Accounts = append(snap.Accounts, st.account)
		snap.Holdings[id] = sortedHoldings(st.holdings)
		snap.Trades[id] = append([]model.Trade(nil), st.trades...)
	}
	snap.stamp(time.Now())
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return snap.Accounts[i].UserID < snap.Accounts[j].UserID
	})
	return snap, nil
}

func (s *MemoryStore) PublishLeaderboard(ctx context.Context, batches []model.LeaderboardBatch) error {
	if err := checkBatches(batches); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lbMu.Lock()
	defer s.lbMu.Unlock()

	for _, b := range batches {
		b.Entries = append([]model.LeaderboardEntry(nil), b.Entries...)
		s.boards[b.Period] = append(s.boards[b.Period], b)
	}
	return nil
}

func (s *MemoryStore) LatestLeaderboard(_ context.Context, period model.Period, limit int) (*model.LeaderboardBatch, error) {
	s.lbMu.RLock()
	defer s.lbMu.RUnlock()

	runs := s.boards[period]
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLeaderboard, period)
	}
	latest := runs[len(runs)-1]

	n := len(latest.Entries)
	if limit > 0 && limit < n {
		n = limit
	}
	latest.Entries = append([]model.LeaderboardEntry(nil), latest.Entries[:n]...)
	return &latest, nil
}

func (s *MemoryStore) LatestUserEntry(_ context.Context, userID string, period model.Period) (*model.LeaderboardEntry, error) {
	s.lbMu.RLock()
	defer s.lbMu.RUnlock()

	runs := s.boards[period]
	for i := len(runs) - 1; i >= 0; i-- {
		for _, e := range runs[i].Entries {
			if e.UserID == userID {
				entry := e
				return &entry, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s has no %s entry", ErrNoLeaderboard, userID, period)
}

func (a *accountSlot) lock(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case a.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

func (a *accountSlot) unlock() {
	<-a.sem
}

func sortedHoldings(m map[string]model.Holding) []model.Holding {
	holdings := make([]model.Holding, 0, len(m))
	for _, h := range m {
		holdings = append(holdings, h)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Ticker < holdings[j].Ticker })
	return holdings
}
