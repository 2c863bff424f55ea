// Package model defines the core domain types shared across the trading ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts "buy"/"BUY"/"sell"/"SELL".
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("side must be BUY or SELL, got %q", s)
}

// Account holds one user's simulated cash. Cash is never negative.
type Account struct {
	UserID    string          `json:"userId" db:"user_id"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// Holding is a pooled position in one ticker. A holding with zero quantity
// does not exist as a record.
type Holding struct {
	UserID      string          `json:"userId" db:"user_id"`
	Ticker      string          `json:"ticker" db:"ticker"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost" db:"average_cost"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}

// Value is quantity × average cost.
func (h Holding) Value() decimal.Decimal {
	return h.AverageCost.Mul(decimal.NewFromInt(h.Quantity))
}

// Trade is an immutable record of an executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Ticker    string          `json:"ticker" db:"ticker"`
	Side      Side            `json:"side" db:"side"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Notional is quantity × price.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// PortfolioSummary is the read model returned by the query surface.
type PortfolioSummary struct {
	UserID        string          `json:"userId"`
	Cash          decimal.Decimal `json:"cash"`
	Holdings      []Holding       `json:"holdings"`
	HoldingsValue decimal.Decimal `json:"holdingsValue"`
	NetWorth      decimal.Decimal `json:"netWorth"`
	TotalReturn   decimal.Decimal `json:"totalReturn"` // percent over starting cash
}

var hundred = decimal.NewFromInt(100)

// ReturnPct is (value - base) / base × 100, rounded to 4 places. A
// non-positive base yields zero.
func ReturnPct(value, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return value.Sub(base).Div(base).Mul(hundred).Round(4)
}
