package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Per-account serialization uses SELECT ... FOR UPDATE on the accounts row
// with a transaction-local lock_timeout; snapshots use a read-only
// REPEATABLE READ transaction, which under MVCC never waits on row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation  = "23505" // unique_violation
	pgErrLockNotAvailable = "55P03" // lock_not_available
	pgErrQueryCanceled    = "57014" // query_canceled
)

func (s *PostgresStore) CreateAccount(ctx context.Context, userID string, cash decimal.Decimal, at time.Time) (*model.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidMutation)
	}
	if cash.IsNegative() {
		return nil, fmt.Errorf("%w: starting cash %s is negative", ErrInvalidMutation, cash)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, cash, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $3)`,
		userID, cash.String(), at,
	)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, userID)
		}
		return nil, fmt.Errorf("create account %s: %w", userID, classify(err))
	}
	return &model.Account{UserID: userID, Cash: cash, CreatedAt: at, UpdatedAt: at}, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, created_at, updated_at
		 FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
		}
		return nil, fmt.Errorf("get account %s: %w", userID, classify(err))
	}
	return acct, nil
}

func (s *PostgresStore) GetHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, ticker, quantity, average_cost::TEXT, updated_at
		 FROM holdings WHERE user_id = $1 ORDER BY ticker`, userID)
	if err != nil {
		return nil, fmt.Errorf("get holdings %s: %w", userID, classify(err))
	}
	defer rows.Close()

	return scanHoldings(rows)
}

// GetPortfolio reads the account and its holdings inside one read-only
// REPEATABLE READ transaction.
func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin portfolio read: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, created_at, updated_at
		 FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
		}
		return nil, fmt.Errorf("get account %s: %w", userID, classify(err))
	}

	rows, err := tx.Query(ctx,
		`SELECT user_id, ticker, quantity, average_cost::TEXT, updated_at
		 FROM holdings WHERE user_id = $1 ORDER BY ticker`, userID)
	if err != nil {
		return nil, fmt.Errorf("get holdings %s: %w", userID, classify(err))
	}
	holdings, err := scanHoldings(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("get holdings %s: %w", userID, classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("end portfolio read: %w", classify(err))
	}
	return &Portfolio{Account: *acct, Holdings: holdings}, nil
}

func (s *PostgresStore) GetTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return nil, err
	}

	query := `SELECT id, user_id, ticker, side, quantity, price::TEXT, timestamp
	          FROM trades WHERE user_id = $1 ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get trades %s: %w", userID, classify(err))
	}
	defer rows.Close()

	return scanTrades(rows)
}

// AppendTradeAndMutate locks the account row, reads the traded holding,
// runs fn and writes cash, holding and trade in one transaction. A trade id
// already in the log is reported back without running fn, so a retry after
// a lost commit acknowledgement does not apply the trade twice.
func (s *PostgresStore) AppendTradeAndMutate(ctx context.Context, userID, ticker, tradeID string, fn MutateFunc) (*Result, error) {
	if err := checkTradeID(tradeID); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin trade tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	// SET cannot take bind parameters; the value is an integer we format.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.lockTimeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", classify(err))
	}

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT user_id, cash::TEXT, created_at, updated_at
		 FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
		}
		return nil, fmt.Errorf("lock account %s: %w", userID, lockError(err))
	}

	var held *model.Holding
	h, err := scanHolding(tx.QueryRow(ctx,
		`SELECT user_id, ticker, quantity, average_cost::TEXT, updated_at
		 FROM holdings WHERE user_id = $1 AND ticker = $2`, userID, ticker))
	switch {
	case err == nil:
		held = h
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("read holding %s/%s: %w", userID, ticker, classify(err))
	}

	prior, err := scanTrade(tx.QueryRow(ctx,
		`SELECT id, user_id, ticker, side, quantity, price::TEXT, timestamp
		 FROM trades WHERE id = $1`, tradeID))
	switch {
	case err == nil:
		return replayed(*acct, held, *prior, userID, ticker)
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("look up trade %s: %w", tradeID, classify(err))
	}

	m, err := fn(*acct, held)
	if err != nil {
		return nil, err
	}
	if err := checkMutation(userID, ticker, tradeID, m); err != nil {
		return nil, err
	}
	at := m.Trade.Timestamp

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET cash = $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
		userID, m.Cash.String(), at); err != nil {
		return nil, fmt.Errorf("update cash: %w", classify(err))
	}

	if m.Holding == nil {
		if _, err := tx.Exec(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND ticker = $2`, userID, ticker); err != nil {
			return nil, fmt.Errorf("delete holding: %w", classify(err))
		}
	} else {
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (user_id, ticker, quantity, average_cost, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (user_id, ticker) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_cost = EXCLUDED.average_cost,
			     updated_at = EXCLUDED.updated_at`,
			userID, ticker, m.Holding.Quantity, m.Holding.AverageCost.String(), at); err != nil {
			return nil, fmt.Errorf("upsert holding: %w", classify(err))
		}
	}

	t := m.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, ticker, side, quantity, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		t.ID, t.UserID, t.Ticker, string(t.Side), t.Quantity, t.Price.String(), t.Timestamp); err != nil {
		// Only another account's trade can hold the id: ours was checked
		// under the row lock.
		if isPgCode(err, pgErrUniqueViolation) {
			return nil, fmt.Errorf("%w: trade id %s already used", ErrInvalidMutation, t.ID)
		}
		return nil, fmt.Errorf("append trade: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit trade: %w", classify(err))
	}

	acct.Cash = m.Cash
	acct.UpdatedAt = at
	res := &Result{Account: *acct, Trade: t}
	if m.Holding != nil {
		h := *m.Holding
		h.UpdatedAt = at
		res.Holding = &h
	}
	return res, nil
}

// Snapshot reads all ledger tables inside one read-only REPEATABLE READ
// transaction so every table reflects the same commit point.
func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	snap := &Snapshot{
		Holdings: make(map[string][]model.Holding),
		Trades:   make(map[string][]model.Trade),
	}

	rows, err := tx.Query(ctx,
		`SELECT user_id, cash::TEXT, created_at, updated_at FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", classify(err))
	}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot accounts: %w", err)
		}
		snap.Accounts = append(snap.Accounts, *acct)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", classify(err))
	}

	rows, err = tx.Query(ctx,
		`SELECT user_id, ticker, quantity, average_cost::TEXT, updated_at
		 FROM holdings ORDER BY user_id, ticker`)
	if err != nil {
		return nil, fmt.Errorf("snapshot holdings: %w", classify(err))
	}
	holdings, err := scanHoldings(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("snapshot holdings: %w", err)
	}
	for _, h := range holdings {
		snap.Holdings[h.UserID] = append(snap.Holdings[h.UserID], h)
	}

	rows, err = tx.Query(ctx,
		`SELECT id, user_id, ticker, side, quantity, price::TEXT, timestamp
		 FROM trades ORDER BY user_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("snapshot trades: %w", classify(err))
	}
	trades, err := scanTrades(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("snapshot trades: %w", err)
	}
	for _, t := range trades {
		snap.Trades[t.UserID] = append(snap.Trades[t.UserID], t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("end snapshot: %w", classify(err))
	}
	// Trades are stamped by the application clock, so the snapshot is too.
	snap.stamp(time.Now())
	return snap, nil
}

// PublishLeaderboard writes every batch of a run in one transaction so a
// failed or cancelled run leaves nothing visible.
func (s *PostgresStore) PublishLeaderboard(ctx context.Context, batches []model.LeaderboardBatch) error {
	if err := checkBatches(batches); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin publish: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, b := range batches {
		batch.Queue(
			`INSERT INTO leaderboard_runs (run_id, period, computed_at, entry_count)
			 VALUES ($1, $2, $3, $4)`,
			b.RunID, string(b.Period), b.ComputedAt, len(b.Entries))
		for _, e := range b.Entries {
			batch.Queue(
				`INSERT INTO leaderboard_entries
				   (run_id, period, user_id, rank, total_return, win_rate, trade_count, portfolio_value, computed_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
				e.RunID, string(e.Period), e.UserID, e.Rank,
				e.TotalReturn.String(), e.WinRate.String(), e.TradeCount, e.PortfolioValue.String(),
				e.ComputedAt)
		}
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert leaderboard: %w", classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit leaderboard: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) LatestLeaderboard(ctx context.Context, period model.Period, limit int) (*model.LeaderboardBatch, error) {
	b := &model.LeaderboardBatch{Period: period}
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, computed_at FROM leaderboard_runs
		 WHERE period = $1 ORDER BY computed_at DESC, run_id DESC LIMIT 1`, string(period)).
		Scan(&b.RunID, &b.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNoLeaderboard, period)
		}
		return nil, fmt.Errorf("latest leaderboard run: %w", classify(err))
	}

	query := `SELECT run_id, period, user_id, rank, total_return::TEXT, win_rate::TEXT,
	                 trade_count, portfolio_value::TEXT, computed_at
	          FROM leaderboard_entries WHERE run_id = $1 AND period = $2 ORDER BY rank`
	args := []any{b.RunID, string(period)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("leaderboard entries: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		b.Entries = append(b.Entries, *e)
	}
	return b, rows.Err()
}

func (s *PostgresStore) LatestUserEntry(ctx context.Context, userID string, period model.Period) (*model.LeaderboardEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT run_id, period, user_id, rank, total_return::TEXT, win_rate::TEXT,
		        trade_count, portfolio_value::TEXT, computed_at
		 FROM leaderboard_entries
		 WHERE user_id = $1 AND period = $2
		 ORDER BY computed_at DESC, run_id DESC LIMIT 1`, userID, string(period)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s has no %s entry", ErrNoLeaderboard, userID, period)
		}
		return nil, fmt.Errorf("latest user entry: %w", classify(err))
	}
	return e, nil
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var cashS string
	if err := row.Scan(&a.UserID, &cashS, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Cash, _ = decimal.NewFromString(cashS)
	return &a, nil
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var costS string
	if err := row.Scan(&h.UserID, &h.Ticker, &h.Quantity, &costS, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.AverageCost, _ = decimal.NewFromString(costS)
	return &h, nil
}

func scanHoldings(rows pgxRows) ([]model.Holding, error) {
	holdings := []model.Holding{}
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var side, priceS string
	if err := row.Scan(&t.ID, &t.UserID, &t.Ticker, &side, &t.Quantity, &priceS, &t.Timestamp); err != nil {
		return nil, err
	}
	t.Side = model.Side(side)
	t.Price, _ = decimal.NewFromString(priceS)
	return &t, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	trades := []model.Trade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanEntry(row rowScanner) (*model.LeaderboardEntry, error) {
	var e model.LeaderboardEntry
	var period, retS, winS, valueS string
	if err := row.Scan(&e.RunID, &period, &e.UserID, &e.Rank, &retS, &winS,
		&e.TradeCount, &valueS, &e.ComputedAt); err != nil {
		return nil, err
	}
	e.Period = model.Period(period)
	e.TotalReturn, _ = decimal.NewFromString(retS)
	e.WinRate, _ = decimal.NewFromString(winS)
	e.PortfolioValue, _ = decimal.NewFromString(valueS)
	return &e, nil
}

// --- Error classification ---

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// lockError classifies a failure to take the account row lock. A context
// deadline that expires while waiting is a lock timeout, as it is for the
// in-memory store.
func lockError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrPersistenceUnavailable) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return classify(err)
}

// classify maps driver failures onto the ledger error taxonomy: lock waits
// become ErrLockTimeout, anything else from the storage layer becomes
// ErrPersistenceUnavailable. Cancellation passes through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrPersistenceUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgErrLockNotAvailable ||
			(pgErr.Code == pgErrQueryCanceled && strings.Contains(pgErr.Message, "lock")) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
}
