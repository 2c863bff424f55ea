// Package replay rebuilds account state from the trade log and checks it
// against what the ledger stores. The trade log is the source of truth: any
// difference means cash or holdings drifted from history.
package replay

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/store"
	"github.com/stockschool/papertrade/internal/trade"
)

// State is an account rebuilt from its trades.
type State struct {
	Cash     decimal.Decimal
	Holdings map[string]model.Holding
	Trades   int
}

// Discrepancy is one field where stored state disagrees with the replay.
type Discrepancy struct {
	UserID string `json:"userId"`
	Field  string `json:"field"` // "cash", "quantity", "average_cost", "holding", "log"
	Ticker string `json:"ticker,omitempty"`
	Stored string `json:"stored"`
	Replay string `json:"replay"`
}

func (d Discrepancy) String() string {
	if d.Ticker != "" {
		return fmt.Sprintf("%s %s %s: stored=%s replay=%s", d.UserID, d.Ticker, d.Field, d.Stored, d.Replay)
	}
	return fmt.Sprintf("%s %s: stored=%s replay=%s", d.UserID, d.Field, d.Stored, d.Replay)
}

// Replay applies trades, oldest first, to an account that opened with
// startingCash. It fails if a trade could not have executed from the state
// preceding it.
func Replay(startingCash decimal.Decimal, trades []model.Trade) (*State, error) {
	st := &State{Cash: startingCash, Holdings: make(map[string]model.Holding)}
	for i, t := range trades {
		var held *model.Holding
		if h, ok := st.Holdings[t.Ticker]; ok {
			held = &h
		}
		o := trade.Order{UserID: t.UserID, Ticker: t.Ticker, Side: t.Side, Quantity: t.Quantity, Price: t.Price}
		cash, next, err := trade.Fill(st.Cash, held, o, t.Timestamp)
		if err != nil {
			return st, fmt.Errorf("trade %d (%s): %w", i, t.ID, err)
		}
		st.Cash = cash
		if next == nil {
			delete(st.Holdings, t.Ticker)
		} else {
			next.UserID = t.UserID
			st.Holdings[t.Ticker] = *next
		}
		st.Trades++
	}
	return st, nil
}

// Verify replays one account's trades and compares the result with the
// stored account and holdings.
func Verify(startingCash decimal.Decimal, acct model.Account, holdings []model.Holding, trades []model.Trade) []Discrepancy {
	st, err := Replay(startingCash, trades)
	if err != nil {
		return []Discrepancy{{UserID: acct.UserID, Field: "log", Stored: fmt.Sprintf("%d trades", len(trades)), Replay: err.Error()}}
	}

	var out []Discrepancy
	if !acct.Cash.Equal(st.Cash) {
		out = append(out, Discrepancy{UserID: acct.UserID, Field: "cash", Stored: acct.Cash.String(), Replay: st.Cash.String()})
	}

	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		seen[h.Ticker] = true
		want, ok := st.Holdings[h.Ticker]
		if !ok {
			out = append(out, Discrepancy{UserID: acct.UserID, Field: "holding", Ticker: h.Ticker, Stored: fmt.Sprint(h.Quantity), Replay: "none"})
			continue
		}
		if h.Quantity != want.Quantity {
			out = append(out, Discrepancy{UserID: acct.UserID, Field: "quantity", Ticker: h.Ticker, Stored: fmt.Sprint(h.Quantity), Replay: fmt.Sprint(want.Quantity)})
		}
		if !h.AverageCost.Equal(want.AverageCost) {
			out = append(out, Discrepancy{UserID: acct.UserID, Field: "average_cost", Ticker: h.Ticker, Stored: h.AverageCost.String(), Replay: want.AverageCost.String()})
		}
	}

	missing := make([]string, 0)
	for ticker := range st.Holdings {
		if !seen[ticker] {
			missing = append(missing, ticker)
		}
	}
	sort.Strings(missing)
	for _, ticker := range missing {
		out = append(out, Discrepancy{UserID: acct.UserID, Field: "holding", Ticker: ticker, Stored: "none", Replay: fmt.Sprint(st.Holdings[ticker].Quantity)})
	}
	return out
}

// Report is the result of auditing a whole snapshot.
type Report struct {
	Accounts      int           `json:"accounts"`
	Trades        int           `json:"trades"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// OK reports whether every account matched its history.
func (r *Report) OK() bool { return len(r.Discrepancies) == 0 }

// VerifySnapshot audits every account in snap.
func VerifySnapshot(startingCash decimal.Decimal, snap *store.Snapshot) *Report {
	rep := &Report{Discrepancies: []Discrepancy{}}
	for _, acct := range snap.Accounts {
		trades := snap.Trades[acct.UserID]
		rep.Accounts++
		rep.Trades += len(trades)
		rep.Discrepancies = append(rep.Discrepancies, Verify(startingCash, acct, snap.Holdings[acct.UserID], trades)...)
	}
	return rep
}
