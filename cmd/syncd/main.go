package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/example/fuelcard-core/internal/cardstate"
	"github.com/example/fuelcard-core/internal/config"
	"github.com/example/fuelcard-core/internal/ledger"
	"github.com/example/fuelcard-core/internal/provider"
	syncjob "github.com/example/fuelcard-core/internal/sync"
	"github.com/example/fuelcard-core/internal/tariff"
	"github.com/example/fuelcard-core/pkg/audit"
)

func main() {
	runOnce := flag.Bool("once", false, "run the pipeline once and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	statusDB, err := sql.Open("sqlite3", cfg.CardStatusDBPath)
	if err != nil {
		logger.Error("failed to open card status db", "path", cfg.CardStatusDBPath, "error", err)
		os.Exit(1)
	}
	defer statusDB.Close()

	if err := cardstate.Migrate(statusDB); err != nil {
		logger.Error("failed to migrate card status db", "error", err)
		os.Exit(1)
	}

	var pacer provider.Pacer = provider.NopPacer{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		pacer = &provider.RedisPacer{
			Redis:      rdb,
			Prefix:     "fuelcard:pacer",
			Capacity:   10,
			RefillRate: 1,
		}
	}

	store := ledger.NewPostgresStore(pool)
	rules, err := tariff.LoadRules(ctx, pool)
	if err != nil {
		logger.Error("failed to load tariff rules", "error", err)
		os.Exit(1)
	}

	clients := provider.Registered()
	if len(clients) == 0 {
		logger.Warn("no provider adapters registered, nothing to sync")
	}

	orch := syncjob.NewOrchestrator(
		store,
		cardstate.NewStatusStore(statusDB),
		clients,
		pacer,
		tariff.NewResolver(rules, logger),
		audit.NewJournal(),
		syncjob.Config{WindowDays: cfg.SyncWindowDays},
		logger,
	)

	runner := syncjob.NewRunner(orch, cfg.SyncInterval, logger)
	if *runOnce {
		if err := runner.RunOnce(ctx); err != nil {
			logger.Error("pipeline run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("sync daemon starting",
		"environment", cfg.Environment,
		"interval", cfg.SyncInterval,
		"window_days", cfg.SyncWindowDays,
		"providers", len(clients),
	)
	runner.Run(ctx)
	logger.Info("sync daemon stopped")
}
