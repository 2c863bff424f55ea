package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/stockschool/papertrade/internal/archive"
	"github.com/stockschool/papertrade/internal/config"
	"github.com/stockschool/papertrade/internal/metrics"
	"github.com/stockschool/papertrade/internal/query"
	"github.com/stockschool/papertrade/internal/ranking"
	"github.com/stockschool/papertrade/internal/store"
	"github.com/stockschool/papertrade/internal/ticker"
	"github.com/stockschool/papertrade/internal/trade"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := connectWithRetry(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool, store.WithLockTimeout(cfg.Ledger.LockTimeout))
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore(store.WithLockTimeout(cfg.Ledger.LockTimeout))
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	cash := cfg.Ledger.Cash()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	exec := trade.NewExecutor(st, ticker.NewRegistry(cfg.Ledger.ReservedTickers), cash)
	surface := query.NewSurface(st, st, cash)
	tradeSvc := trade.NewService(exec, surface, wsHub).WithPersistRetries(cfg.Ledger.PersistRetries)

	// --- Ranking ---
	engineOpts := []ranking.Option{ranking.WithNotifier(wsHub)}
	if cfg.ClickHouse.DSN != "" {
		sink, err := archive.Open(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			// The archive is optional; rankings are served without it.
			slog.Warn("ClickHouse archive disabled", "err", err)
		} else {
			cleanup = append(cleanup, func() { sink.Close() })
			engineOpts = append(engineOpts, ranking.WithArchiver(sink))
			slog.Info("ClickHouse archive enabled")
		}
	}
	engine := ranking.NewEngine(st, st, cash, engineOpts...)

	scheduler, err := ranking.NewScheduler(engine, cfg.Ranking.Schedule, cfg.Ranking.Timeout)
	if err != nil {
		slog.Error("invalid ranking schedule", "err", err)
		os.Exit(1)
	}
	scheduler.Start()
	slog.Info("ranking scheduled", "schedule", cfg.Ranking.Schedule, "next", scheduler.Next())

	lbHandler := ranking.NewHandler(surface, engine, cfg.Ranking.Timeout)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"papertrade"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trade and leaderboard pushes. Exempt from
		// the request timeout so upgraded connections are not cut.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
			lbHandler.Routes(r)
		})
	})

	// Operator trigger; not part of the public API.
	r.Post("/internal/leaderboard/recompute", lbHandler.Recompute)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Ranking.Timeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("papertrade listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down papertrade...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	scheduler.Stop(shutdownCtx)
	fmt.Println("papertrade stopped")
}

// connectWithRetry waits for the database to accept connections, which
// matters when it starts alongside the service.
func connectWithRetry(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	return backoff.RetryNotifyWithData(func() (*pgxpool.Pool, error) {
		return store.Connect(ctx, dsn)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("database not ready, retrying", "err", err, "wait", wait)
	})
}
