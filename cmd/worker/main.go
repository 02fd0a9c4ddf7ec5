package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/config"
	"github.com/atmx/strategy-vault/internal/execution"
	"github.com/atmx/strategy-vault/internal/indexer"
	"github.com/atmx/strategy-vault/internal/ingest"
	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/store"
	"github.com/atmx/strategy-vault/internal/venue"
)

func main() {
	cfg, err := config.Load(os.Getenv("VAULT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	config.SetupLogger(cfg, "vault-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Ingest.RPCURL == "" || cfg.Ingest.ContractAddress == "" {
		log.Fatal().Msg("ingest.rpc_url and ingest.contract_address are required")
	}
	src, err := indexer.Dial(ctx, cfg.Ingest.RPCURL, cfg.Ingest.ContractAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("dial rpc")
	}
	defer src.Close()

	// --- Strategy source and report store ---
	var (
		strategies execution.StrategySource
		reports    execution.ReportStore
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		strategies = execution.NewStoreSource(pg)
		reports = execution.NewPostgresReportStore(pool).WithLease(cfg.Execution.Lease)
	} else {
		if cfg.Ingest.CatalogURL == "" {
			log.Fatal().Msg("either database.url or ingest.catalog_url is required")
		}
		log.Warn().Msg("database.url not set, execution reports are kept in memory")
		strategies = execution.NewCatalogClient(cfg.Ingest.CatalogURL, 10*time.Second)
		reports = execution.NewMemoryReportStore().WithLease(cfg.Execution.Lease)
	}

	// --- Dedup and checkpoints ---
	var seen ingest.SeenSet
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		seen = ingest.NewRedisSeenSet(rdb, "", cfg.Ingest.SeenTTL)
	} else {
		seen = ingest.NewMemorySeenSet(cfg.Ingest.SeenCapacity, cfg.Ingest.SeenTTL)
	}

	var checkpoints ingest.CheckpointStore
	if cfg.Ingest.CheckpointDSN != "" {
		cp, err := ingest.OpenSQLiteCheckpoints(cfg.Ingest.CheckpointDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open checkpoint store")
		}
		defer cp.Close()
		checkpoints = cp
	} else {
		log.Warn().Msg("ingest.checkpoint_dsn not set, restarts replay from from_block")
		checkpoints = ingest.NewMemoryCheckpoints()
	}

	// --- Execution ---
	venues := venue.NewRegistryFromConfig(cfg.Venues)
	coord := execution.NewCoordinator(execution.Config{
		MaxInFlight: cfg.Execution.MaxInFlight,
		Policy: execution.Policy{
			MaxAttempts: cfg.Execution.MaxAttempts,
			BaseBackoff: cfg.Execution.BaseBackoff,
			MaxBackoff:  cfg.Execution.MaxBackoff,
			CallTimeout: cfg.Execution.CallTimeout,
		},
	}, strategies, venues, reports)

	worker := ingest.NewWorker(ingest.Config{
		FromBlock:     cfg.Ingest.FromBlock,
		PollInterval:  cfg.Ingest.PollInterval,
		BatchSize:     cfg.Ingest.BatchSize,
		ReplayDepth:   cfg.Ingest.ReplayDepth,
		Confirmations: cfg.Ingest.Confirmations,
	}, src, seen, checkpoints, coord)

	// --- Health and metrics ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"strategy-vault-worker"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.Worker.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Worker.Addr).Msg("worker health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	log.Info().
		Str("contract", cfg.Ingest.ContractAddress).
		Uint64("from_block", cfg.Ingest.FromBlock).
		Msg("ingestion worker starting")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Info().Msg("ingestion worker stopped")
}
