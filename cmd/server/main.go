package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/coinvest/ledger-engine/internal/api"
	"github.com/coinvest/ledger-engine/internal/config"
	"github.com/coinvest/ledger-engine/internal/distribution"
	"github.com/coinvest/ledger-engine/internal/ledger"
	"github.com/coinvest/ledger-engine/internal/logging"
	"github.com/coinvest/ledger-engine/internal/pricefeed"
	"github.com/coinvest/ledger-engine/internal/reconcile"
	"github.com/coinvest/ledger-engine/internal/store"
	"github.com/coinvest/ledger-engine/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logCloser := logging.Setup(cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ceilings, err := cfg.Ceilings()
	if err != nil {
		slog.Error("invalid tier ceilings", "err", err)
		os.Exit(1)
	}
	for tier, c := range ceilings {
		slog.Info("tier ceiling", "tier", tier, "ceiling", c.String())
	}

	// --- Event stream ---
	hub := stream.NewHub()
	go hub.Run(ctx)

	// --- Services ---
	prices := pricefeed.NewBinance(cfg.PriceFeedURL, cfg.PriceFeedTimeout)
	ledgerSvc := ledger.NewService(st, prices,
		ledger.WithPublisher(hub),
		ledger.WithRetryPolicy(cfg.RetryPolicy()),
	)
	engine := distribution.NewEngine(st, ceilings,
		distribution.WithWorkers(cfg.DistributionWorkers),
		distribution.WithRetryPolicy(cfg.RetryPolicy()),
		distribution.WithPublisher(hub),
	)

	// --- Reconciliation ---
	if cfg.ReconcileSchedule != "" {
		scheduler := reconcile.NewScheduler(reconcile.NewAuditor(st))
		if err := scheduler.Start(ctx, cfg.ReconcileSchedule); err != nil {
			slog.Error("reconciliation schedule rejected", "err", err)
			os.Exit(1)
		}
		defer scheduler.Stop()
	}

	// --- Server ---
	port := strconv.Itoa(cfg.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      api.NewRouter(api.NewHandler(ledgerSvc, engine), hub.HandleWS),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
