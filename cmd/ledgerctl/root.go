package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stockschool/papertrade/internal/config"
	"github.com/stockschool/papertrade/internal/store"
)

// rootConfig is shared by every subcommand. The ledger is opened lazily so
// that --help works without a database.
type rootConfig struct {
	configFile string
	verbose    bool

	cfg     *config.Config
	pool    *pgxpool.Pool
	rdb     *redis.Client
	ledger  store.Store
	closers []func()
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Administer the paper-trading ledger",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			level := slog.LevelWarn
			if rc.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			path := rc.configFile
			if path == "" {
				path = os.Getenv("CONFIG_FILE")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			rc.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			rc.close()
		},
	}

	cmd.PersistentFlags().StringVar(&rc.configFile, "config", "", "YAML config file (default $CONFIG_FILE)")
	cmd.PersistentFlags().BoolVarP(&rc.verbose, "verbose", "v", false, "debug logging to stderr")

	cmd.AddCommand(
		newMigrateCmd(rc),
		newVerifyCmd(rc),
		newRecomputeCmd(rc),
		newLeaderboardCmd(rc),
		newAccountCmd(rc),
	)
	return cmd
}

// connect opens the PostgreSQL pool. The in-memory store has nothing to
// administer, so DATABASE_URL is required.
func (rc *rootConfig) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if rc.pool != nil {
		return rc.pool, nil
	}
	if rc.cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := store.Connect(ctx, rc.cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	rc.pool = pool
	rc.closers = append(rc.closers, pool.Close)
	return pool, nil
}

// openStore returns the ledger, wrapped in the Redis cache when configured so
// that writes made here invalidate what the server caches.
func (rc *rootConfig) openStore(ctx context.Context) (store.Store, error) {
	if rc.ledger != nil {
		return rc.ledger, nil
	}
	pool, err := rc.connect(ctx)
	if err != nil {
		return nil, err
	}
	var st store.Store = store.NewPostgresStore(pool, store.WithLockTimeout(rc.cfg.Ledger.LockTimeout))

	if rc.cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(rc.cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rc.rdb = redis.NewClient(opt)
		rc.closers = append(rc.closers, func() { rc.rdb.Close() })
		st = store.NewCachedStore(st, rc.rdb, rc.cfg.Redis.CacheTTL)
	}
	rc.ledger = st
	return st, nil
}

func (rc *rootConfig) close() {
	for i := len(rc.closers) - 1; i >= 0; i-- {
		rc.closers[i]()
	}
	rc.closers = nil
}
