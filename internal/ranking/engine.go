// Package ranking recomputes leaderboards from a point-in-time snapshot of
// the ledger. A run computes every period from the same snapshot and
// publishes all of them together or not at all. It never writes cash,
// holdings or trades.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stockschool/papertrade/internal/metrics"
	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/store"
)

// ErrRunInProgress is returned when a run is requested while another is
// still computing.
var ErrRunInProgress = errors.New("ranking: run already in progress")

var hundred = decimal.NewFromInt(100)

// Snapshotter provides the consistent read a run is computed from.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
}

// Notifier is told about every batch after a run is published.
type Notifier interface {
	LeaderboardUpdated(b model.LeaderboardBatch)
}

// Archiver receives published runs for long-term analytics.
type Archiver interface {
	Archive(ctx context.Context, batches []model.LeaderboardBatch) error
}

// Run is the outcome of one published recomputation.
type Run struct {
	ID         string                   `json:"runId"`
	ComputedAt time.Time                `json:"computedAt"`
	Accounts   int                      `json:"accounts"`
	Batches    []model.LeaderboardBatch `json:"-"`
}

// Engine computes and publishes leaderboard runs.
type Engine struct {
	source       Snapshotter
	boards       store.Leaderboard
	startingCash decimal.Decimal
	notifier     Notifier
	archiver     Archiver

	running sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the receiver of leaderboard_updated events.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithArchiver sets the analytics archive.
func WithArchiver(a Archiver) Option { return func(e *Engine) { e.archiver = a } }

// NewEngine creates a ranking engine. startingCash is the balance every
// account opened with and the base of the total return figure.
func NewEngine(source Snapshotter, boards store.Leaderboard, startingCash decimal.Decimal, opts ...Option) *Engine {
	e := &Engine{source: source, boards: boards, startingCash: startingCash}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run takes a snapshot, computes all periods and publishes them atomically.
// A run that fails or is cancelled publishes nothing and the previous
// batches keep being served.
func (e *Engine) Run(ctx context.Context) (*Run, error) {
	if !e.running.TryLock() {
		metrics.RankingRuns.WithLabelValues("skipped").Inc()
		return nil, ErrRunInProgress
	}
	defer e.running.Unlock()

	start := time.Now()
	run, err := e.run(ctx)
	metrics.RankingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RankingRuns.WithLabelValues("failed").Inc()
		slog.Error("leaderboard run failed", "err", err, "duration", time.Since(start))
		return nil, err
	}
	metrics.RankingRuns.WithLabelValues("published").Inc()

	for _, b := range run.Batches {
		metrics.LeaderboardEntries.WithLabelValues(string(b.Period)).Set(float64(len(b.Entries)))
		if e.notifier != nil {
			e.notifier.LeaderboardUpdated(b)
		}
	}
	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, run.Batches); err != nil {
			slog.Error("leaderboard archive failed", "run_id", run.ID, "err", err)
		}
	}

	slog.Info("leaderboard published",
		"run_id", run.ID,
		"accounts", run.Accounts,
		"computed_at", run.ComputedAt,
		"duration", time.Since(start),
	)
	return run, nil
}

func (e *Engine) run(ctx context.Context) (*Run, error) {
	snap, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	at := snap.TakenAt.UTC()
	runID := ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()

	batches, err := ComputeAll(ctx, snap, e.startingCash, runID)
	if err != nil {
		return nil, err
	}

	// Last chance to abandon before anything becomes visible.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.boards.PublishLeaderboard(ctx, batches); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &Run{ID: runID, ComputedAt: at, Accounts: len(snap.Accounts), Batches: batches}, nil
}

// ComputeAll ranks every period from one snapshot, one goroutine per
// period. The snapshot's TakenAt is both the window reference and the
// computed-at stamp, so the result depends on the snapshot alone.
func ComputeAll(ctx context.Context, snap *store.Snapshot, startingCash decimal.Decimal, runID string) ([]model.LeaderboardBatch, error) {
	idx := indexSnapshot(snap, startingCash)

	batches := make([]model.LeaderboardBatch, len(model.Periods))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range model.Periods {
		g.Go(func() error {
			b, err := idx.rank(gctx, p, snap.TakenAt.UTC(), runID)
			if err != nil {
				return fmt.Errorf("rank %s: %w", p, err)
			}
			batches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

// Compute ranks a single period. It is ComputeAll without the fan-out.
func Compute(snap *store.Snapshot, period model.Period, startingCash decimal.Decimal, runID string) model.LeaderboardBatch {
	b, _ := indexSnapshot(snap, startingCash).rank(context.Background(), period, snap.TakenAt.UTC(), runID)
	return b
}

// accountIndex holds what a run needs per account, built once and shared
// read-only by every period.
type accountIndex struct {
	userID string
	value  decimal.Decimal // cash + Σ qty × avg cost
	trades []model.Trade   // execution order
	buys   map[string]*buyLadder
}

// buyLadder is one ticker's buys in execution order with running totals,
// so the quantity-weighted average of all buys before any trade is a binary
// search away. Log position, not timestamp, decides "before": two trades
// can share a timestamp.
type buyLadder struct {
	pos      []int             // index in accountIndex.trades
	qty      []decimal.Decimal // cumulative quantity
	notional []decimal.Decimal // cumulative quantity × price
}

type snapshotIndex struct {
	startingCash decimal.Decimal
	accounts     []accountIndex
}

func indexSnapshot(snap *store.Snapshot, startingCash decimal.Decimal) *snapshotIndex {
	idx := &snapshotIndex{startingCash: startingCash, accounts: make([]accountIndex, 0, len(snap.Accounts))}
	for _, acct := range snap.Accounts {
		a := accountIndex{userID: acct.UserID, value: acct.Cash, buys: make(map[string]*buyLadder)}
		for _, h := range snap.Holdings[acct.UserID] {
			a.value = a.value.Add(h.Value())
		}

		a.trades = snap.Trades[acct.UserID]
		for i, t := range a.trades {
			if t.Side != model.SideBuy {
				continue
			}
			l := a.buys[t.Ticker]
			if l == nil {
				l = &buyLadder{}
				a.buys[t.Ticker] = l
			}
			q := decimal.NewFromInt(t.Quantity)
			n := t.Notional()
			if k := len(l.pos); k > 0 {
				q = q.Add(l.qty[k-1])
				n = n.Add(l.notional[k-1])
			}
			l.pos = append(l.pos, i)
			l.qty = append(l.qty, q)
			l.notional = append(l.notional, n)
		}
		idx.accounts = append(idx.accounts, a)
	}
	return idx
}

// profitable reports whether the sell at position p of the log beat the
// quantity-weighted average price of every buy of its ticker executed
// before it. A sell with no earlier buy is not profitable.
func (a *accountIndex) profitable(p int) bool {
	sell := a.trades[p]
	l := a.buys[sell.Ticker]
	if l == nil {
		return false
	}
	k := sort.Search(len(l.pos), func(i int) bool { return l.pos[i] >= p })
	if k == 0 {
		return false
	}
	// price > notional/qty, compared without dividing.
	return sell.Price.Mul(l.qty[k-1]).GreaterThan(l.notional[k-1])
}

func (idx *snapshotIndex) rank(ctx context.Context, period model.Period, now time.Time, runID string) (model.LeaderboardBatch, error) {
	from := period.WindowStart(now)

	type scored struct {
		entry model.LeaderboardEntry
		value decimal.Decimal
	}
	rows := make([]scored, 0, len(idx.accounts))

	for i := range idx.accounts {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return model.LeaderboardBatch{}, err
			}
		}
		a := &idx.accounts[i]

		var count, sells, wins int
		for p, t := range a.trades {
			if t.Timestamp.Before(from) || t.Timestamp.After(now) {
				continue
			}
			count++
			if t.Side == model.SideSell {
				sells++
				if a.profitable(p) {
					wins++
				}
			}
		}

		winRate := decimal.Zero
		if sells > 0 {
			winRate = decimal.NewFromInt(int64(wins)).Mul(hundred).Div(decimal.NewFromInt(int64(sells))).Round(2)
		}

		rows = append(rows, scored{
			value: a.value,
			entry: model.LeaderboardEntry{
				RunID:          runID,
				UserID:         a.userID,
				Period:         period,
				TotalReturn:    model.ReturnPct(a.value, idx.startingCash),
				WinRate:        winRate,
				TradeCount:     count,
				PortfolioValue: a.value,
				ComputedAt:     now,
			},
		})
	}

	// Every account shares one base, so ordering by value is ordering by
	// return, without the rounding.
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].value.Cmp(rows[j].value); c != 0 {
			return c > 0
		}
		return rows[i].entry.UserID < rows[j].entry.UserID
	})

	entries := make([]model.LeaderboardEntry, len(rows))
	for i, r := range rows {
		r.entry.Rank = i + 1
		entries[i] = r.entry
	}
	return model.LeaderboardBatch{RunID: runID, Period: period, ComputedAt: now, Entries: entries}, nil
}
