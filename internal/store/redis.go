package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Redis failures degrade
// to primary reads and never fail a request.
//
// Cached values live under a generation key. A write bumps the generation
// after it commits, and a reader caches only under the generation it read
// before going to the primary, so a slow read that raced a write can never
// be served after that write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// invalidateTimeout bounds the generation bump, which outlives the request.
const invalidateTimeout = time.Second

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, userID string, cash decimal.Decimal, at time.Time) (*model.Account, error) {
	return s.primary.CreateAccount(ctx, userID, cash, at)
}

func (s *CachedStore) AppendTradeAndMutate(ctx context.Context, userID, ticker, tradeID string, fn MutateFunc) (*Result, error) {
	res, err := s.primary.AppendTradeAndMutate(ctx, userID, ticker, tradeID, fn)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, portfolioGenKey(userID))
	return res, nil
}

func (s *CachedStore) PublishLeaderboard(ctx context.Context, batches []model.LeaderboardBatch) error {
	if err := s.primary.PublishLeaderboard(ctx, batches); err != nil {
		return err
	}
	keys := make([]string, 0, len(batches))
	for _, b := range batches {
		keys = append(keys, leaderboardGenKey(b.Period))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// invalidate bumps the given generation keys. The primary has already
// committed, so it runs even if the request was cancelled.
func (s *CachedStore) invalidate(ctx context.Context, genKeys ...string) {
	if len(genKeys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	for _, k := range genKeys {
		pipe.Incr(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cache invalidation failed, entries may be stale until they expire",
			"keys", genKeys, "ttl", s.ttl, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	gen, ok := s.generation(ctx, portfolioGenKey(userID))
	if !ok {
		return s.primary.GetPortfolio(ctx, userID)
	}
	key := portfolioKey(userID, gen)

	var p Portfolio
	if s.get(ctx, key, &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pf, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, pf)
	return pf, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	p, err := s.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &p.Account, nil
}

func (s *CachedStore) GetHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	p, err := s.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.Holdings, nil
}

// LatestLeaderboard caches the whole latest batch per period and applies
// limit on the way out.
func (s *CachedStore) LatestLeaderboard(ctx context.Context, period model.Period, limit int) (*model.LeaderboardBatch, error) {
	gen, ok := s.generation(ctx, leaderboardGenKey(period))
	if !ok {
		return s.primary.LatestLeaderboard(ctx, period, limit)
	}
	key := leaderboardKey(period, gen)

	var batch model.LeaderboardBatch
	if !s.get(ctx, key, &batch) {
		b, err := s.primary.LatestLeaderboard(ctx, period, 0)
		if err != nil {
			return nil, err
		}
		s.set(ctx, key, b)
		batch = *b
	}

	if limit > 0 && limit < len(batch.Entries) {
		batch.Entries = batch.Entries[:limit]
	}
	return &batch, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.GetTrades(ctx, userID, limit)
}

func (s *CachedStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.primary.Snapshot(ctx)
}

func (s *CachedStore) LatestUserEntry(ctx context.Context, userID string, period model.Period) (*model.LeaderboardEntry, error) {
	return s.primary.LatestUserEntry(ctx, userID, period)
}

// --- Cache helpers ---

// generation reads a generation counter; a missing key is generation 0.
// It reports false when Redis cannot be read and the cache should be skipped.
func (s *CachedStore) generation(ctx context.Context, genKey string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, genKey).Int64()
	switch {
	case err == nil:
		return gen, true
	case errors.Is(err, redis.Nil):
		return 0, true
	}
	return 0, false
}

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func portfolioGenKey(uid string) string { return fmt.Sprintf("portfolio:%s:gen", uid) }
func portfolioKey(uid string, gen int64) string { return fmt.Sprintf("portfolio:%s:%d", uid, gen) }
func leaderboardGenKey(p model.Period) string { return fmt.Sprintf("leaderboard:%s:gen", p) }
func leaderboardKey(p model.Period, gen int64) string { return fmt.Sprintf("leaderboard:%s:%d", p, gen) }
