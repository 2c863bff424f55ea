package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/metrics"
	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/store"
	"github.com/stockschool/papertrade/internal/ticker"
)

// AverageCostScale is the number of decimal places kept on a holding's
// average cost after a buy.
const AverageCostScale = 8

var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
)

// Order is a single buy or sell request. ID names the trade the order
// records; resubmitting an order with the same ID never applies it twice.
// An empty ID is assigned when the order executes.
type Order struct {
	ID       string
	UserID   string
	Ticker   string
	Side     model.Side
	Quantity int64
	Price    decimal.Decimal
}

// Executor validates orders and applies them to the ledger through the
// store's atomic AppendTradeAndMutate. It never retries: every error it
// returns is the final outcome of that order.
type Executor struct {
	ledger       store.Ledger
	tickers      *ticker.Registry
	startingCash decimal.Decimal
	now          func() time.Time
	newID        func() string
}

// NewExecutor creates an executor. startingCash is the balance given to
// every account opened through OpenAccount.
func NewExecutor(ledger store.Ledger, tickers *ticker.Registry, startingCash decimal.Decimal) *Executor {
	if tickers == nil {
		tickers = ticker.NewRegistry(nil)
	}
	return &Executor{
		ledger:       ledger,
		tickers:      tickers,
		startingCash: startingCash,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        func() string { return uuid.New().String() },
	}
}

// WithClock replaces the time source. Used by tests and replays that need
// deterministic timestamps.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// StartingCash is the balance new accounts open with.
func (e *Executor) StartingCash() decimal.Decimal {
	return e.startingCash
}

// OpenAccount provisions an account with the starting balance.
func (e *Executor) OpenAccount(ctx context.Context, userID string) (*model.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	acct, err := e.ledger.CreateAccount(ctx, userID, e.startingCash, e.now())
	if err != nil {
		return nil, err
	}
	metrics.AccountsCreated.Inc()
	slog.Info("account opened", "user", userID, "cash", acct.Cash.String())
	return acct, nil
}

// Validate checks the order's shape and returns it with the ticker
// normalised. It does not look at account state.
func (e *Executor) Validate(o Order) (Order, error) {
	o.UserID = strings.TrimSpace(o.UserID)
	if o.UserID == "" {
		return o, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	if o.Side != model.SideBuy && o.Side != model.SideSell {
		return o, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if o.Quantity <= 0 {
		return o, fmt.Errorf("%w: quantity must be a positive integer, got %d", ErrInvalidOrder, o.Quantity)
	}
	if !o.Price.IsPositive() {
		return o, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidOrder, o.Price)
	}
	// Finer prices could round a pooled average cost to zero.
	if o.Price.Exponent() < -AverageCostScale && !o.Price.Equal(o.Price.Truncate(AverageCostScale)) {
		return o, fmt.Errorf("%w: price %s has more than %d decimal places", ErrInvalidOrder, o.Price, AverageCostScale)
	}
	sym, err := e.tickers.Validate(o.Ticker)
	if err != nil {
		return o, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	o.Ticker = sym
	return o, nil
}

// ExecuteTrade validates the order and applies it atomically: the cash
// change, the holding change and the trade record commit together or not
// at all. Concurrent orders on one account are serialised by the store.
func (e *Executor) ExecuteTrade(ctx context.Context, o Order) (*store.Result, error) {
	start := time.Now()

	o, err := e.Validate(o)
	if err != nil {
		e.reject(o, err)
		return nil, err
	}

	if o.ID == "" {
		o.ID = e.NewTradeID()
	}

	res, err := e.ledger.AppendTradeAndMutate(ctx, o.UserID, o.Ticker, o.ID, func(acct model.Account, held *model.Holding) (*store.Mutation, error) {
		at := e.now()
		cash, holding, err := Fill(acct.Cash, held, o, at)
		if err != nil {
			return nil, err
		}
		if holding != nil {
			holding.UserID = o.UserID
		}
		return &store.Mutation{
			Cash:    cash,
			Holding: holding,
			Trade: model.Trade{
				ID:        o.ID,
				UserID:    o.UserID,
				Ticker:    o.Ticker,
				Side:      o.Side,
				Quantity:  o.Quantity,
				Price:     o.Price,
				Timestamp: at,
			},
		}, nil
	})
	if err != nil {
		e.reject(o, err)
		return nil, err
	}
	if res.Replayed {
		slog.Info("trade already applied", "trade_id", res.Trade.ID, "user", o.UserID, "ticker", o.Ticker)
		return res, nil
	}

	side := string(o.Side)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	notional, _ := res.Trade.Notional().Float64()
	metrics.NotionalTotal.WithLabelValues(side).Add(notional)

	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"user", o.UserID,
		"ticker", o.Ticker,
		"side", side,
		"qty", o.Quantity,
		"price", o.Price.String(),
		"cash", res.Account.Cash.String(),
	)
	return res, nil
}

// NewTradeID returns a fresh trade id.
func (e *Executor) NewTradeID() string {
	return e.newID()
}

// Fill applies one order to a cash balance and the current holding in its
// ticker using pooled average cost. It returns the new cash and the new
// holding, nil when the position is closed. Fill is pure; the replay audit
// uses it to rebuild state from the trade log.
func Fill(cash decimal.Decimal, held *model.Holding, o Order, at time.Time) (decimal.Decimal, *model.Holding, error) {
	qty := decimal.NewFromInt(o.Quantity)
	notional := o.Price.Mul(qty)

	switch o.Side {
	case model.SideBuy:
		if notional.GreaterThan(cash) {
			return cash, held, fmt.Errorf("%w: cost %s exceeds cash %s", ErrInsufficientFunds, notional, cash)
		}
		next := &model.Holding{
			Ticker:      o.Ticker,
			Quantity:    o.Quantity,
			AverageCost: o.Price,
			UpdatedAt:   at,
		}
		if held != nil {
			if o.Quantity > math.MaxInt64-held.Quantity {
				return cash, held, fmt.Errorf("%w: holding %d %s cannot grow by %d", ErrInvalidOrder, held.Quantity, o.Ticker, o.Quantity)
			}
			next.UserID = held.UserID
			next.Quantity = held.Quantity + o.Quantity
			basis := held.AverageCost.Mul(decimal.NewFromInt(held.Quantity)).Add(notional)
			next.AverageCost = basis.Div(decimal.NewFromInt(next.Quantity)).Round(AverageCostScale)
		}
		return cash.Sub(notional), next, nil

	case model.SideSell:
		if held == nil || held.Quantity < o.Quantity {
			have := int64(0)
			if held != nil {
				have = held.Quantity
			}
			return cash, held, fmt.Errorf("%w: sell %d %s, holding %d", ErrInsufficientHoldings, o.Quantity, o.Ticker, have)
		}
		remaining := held.Quantity - o.Quantity
		if remaining == 0 {
			return cash.Add(notional), nil, nil
		}
		next := *held
		next.Quantity = remaining
		next.UpdatedAt = at
		return cash.Add(notional), &next, nil
	}
	return cash, held, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
}

// Code maps an execution error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return "INVALID_ORDER"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrInsufficientHoldings):
		return "INSUFFICIENT_HOLDINGS"
	case errors.Is(err, store.ErrLockTimeout):
		return "LOCK_TIMEOUT"
	case errors.Is(err, store.ErrAccountNotFound):
		return "ACCOUNT_NOT_FOUND"
	case errors.Is(err, store.ErrAccountExists):
		return "ACCOUNT_EXISTS"
	case errors.Is(err, store.ErrPersistenceUnavailable):
		return "PERSISTENCE_UNAVAILABLE"
	}
	return "INTERNAL"
}

func (e *Executor) reject(o Order, err error) {
	code := Code(err)
	metrics.TradeRejections.WithLabelValues(code).Inc()

	attrs := []any{"user", o.UserID, "ticker", o.Ticker, "side", string(o.Side), "qty", o.Quantity, "reason", code, "err", err}
	switch code {
	case "LOCK_TIMEOUT":
		slog.Warn("trade lock timeout", attrs...)
	case "PERSISTENCE_UNAVAILABLE", "INTERNAL":
		slog.Error("trade failed", attrs...)
	default:
		slog.Info("trade rejected", attrs...)
	}
}
