package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Period is a ranking time window.
type Period string

const (
	PeriodDaily   Period = "DAILY"
	PeriodWeekly  Period = "WEEKLY"
	PeriodMonthly Period = "MONTHLY"
	PeriodAllTime Period = "ALL_TIME"
)

// Periods lists every ranking window in recompute order.
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime}

// ParsePeriod is case-insensitive and accepts "all-time" for ALL_TIME.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Periods {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// WindowStart returns the earliest trade timestamp included in the period.
// Windows are rolling; ALL_TIME starts at the Unix epoch.
func (p Period) WindowStart(now time.Time) time.Time {
	switch p {
	case PeriodDaily:
		return now.Add(-24 * time.Hour)
	case PeriodWeekly:
		return now.AddDate(0, 0, -7)
	case PeriodMonthly:
		return now.AddDate(0, 0, -30)
	default:
		return time.Unix(0, 0).UTC()
	}
}

// LeaderboardEntry is one user's standing in one ranking run. Entries are
// write-once; a new run produces a whole new batch.
type LeaderboardEntry struct {
	RunID          string          `json:"runId" db:"run_id"`
	UserID         string          `json:"userId" db:"user_id"`
	Period         Period          `json:"period" db:"period"`
	Rank           int             `json:"rank" db:"rank"`
	TotalReturn    decimal.Decimal `json:"totalReturn" db:"total_return"`
	WinRate        decimal.Decimal `json:"winRate" db:"win_rate"`
	TradeCount     int             `json:"tradeCount" db:"trade_count"`
	PortfolioValue decimal.Decimal `json:"portfolioValue" db:"portfolio_value"`
	ComputedAt     time.Time       `json:"computedAt" db:"computed_at"`
}

// LeaderboardBatch is the full set of entries produced by one run for one period.
type LeaderboardBatch struct {
	RunID      string             `json:"runId"`
	Period     Period             `json:"period"`
	ComputedAt time.Time          `json:"computedAt"`
	Entries    []LeaderboardEntry `json:"entries"`
}
