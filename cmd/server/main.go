package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/api"
	"github.com/atmx/strategy-vault/internal/auth"
	"github.com/atmx/strategy-vault/internal/config"
	"github.com/atmx/strategy-vault/internal/cronjobs"
	"github.com/atmx/strategy-vault/internal/execution"
	"github.com/atmx/strategy-vault/internal/indexer"
	"github.com/atmx/strategy-vault/internal/ingest"
	"github.com/atmx/strategy-vault/internal/ledger"
	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/notify"
	"github.com/atmx/strategy-vault/internal/settler"
	"github.com/atmx/strategy-vault/internal/store"
	"github.com/atmx/strategy-vault/internal/venue"
)

func main() {
	cfg, err := config.Load(envOr("VAULT_CONFIG", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	config.SetupLogger(cfg, "vault-server")
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("invalid server config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var (
		st      store.Store
		reports execution.ReportStore
		cleanup []func()
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		st = pg
		reports = execution.NewPostgresReportStore(pool).WithLease(cfg.Execution.Lease)
		log.Info().Msg("connected to PostgreSQL")

		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid redis url")
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			log.Info().Dur("ttl", cfg.Redis.CacheTTL).Msg("redis cache enabled")
		}
	} else {
		log.Warn().Msg("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		reports = execution.NewMemoryReportStore().WithLease(cfg.Execution.Lease)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Notifications ---
	hub := notify.NewHub()
	go hub.Run(ctx)

	// --- Ledger ---
	venues := venue.NewRegistryFromConfig(cfg.Venues)
	svc := ledger.NewService(st,
		ledger.Authority{
			Creator:    cfg.Ledger.Creator,
			Settler:    cfg.Ledger.Settler,
			Ledger:     cfg.Ledger.Principal,
			Vault:      cfg.Ledger.Vault,
			FeeAccount: cfg.Ledger.FeeAccount,
		},
		ledger.WithHedgeOpener(venues),
		ledger.WithNotifier(hub),
		ledger.WithHedgeTimeout(cfg.Ledger.HedgeTimeout),
	)

	// --- Auth ---
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Msg("auth.jwt_secret not set, using an ephemeral secret; tokens die with the process")
	}
	authSvc, err := auth.NewService(secret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("auth setup failed")
	}

	// --- Embedded worker ---
	if cfg.Server.EmbeddedWorker {
		startEmbeddedWorker(ctx, cfg, hub, st, venues, reports)
	}

	// --- Cron ---
	var runner *cronjobs.Runner
	if cfg.Cron.Enabled {
		runner = cronjobs.New(ctx)
		if _, err := runner.Add(cfg.Cron.MaturityWatch, "maturity_watch", cronjobs.MaturityWatch(svc)); err != nil {
			log.Fatal().Err(err).Str("spec", cfg.Cron.MaturityWatch).Msg("invalid cron spec")
		}
		runner.Start()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"strategy-vault"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handlers := api.NewHandlers(svc, reports).WithSettler(settler.New(svc, venues))
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ledger notifications.
		r.Get("/ws", hub.HandleWS)

		if cfg.Auth.DevIssuer {
			log.Warn().Msg("development token issuer enabled at /api/v1/auth/token")
			r.Post("/auth/token", authSvc.TokenHandler)
		}
		handlers.Mount(r, authSvc.Middleware)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("strategy-vault listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info().Msg("shutting down strategy-vault...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if runner != nil {
		runner.Stop()
	}
	log.Info().Msg("strategy-vault stopped")
}

// startEmbeddedWorker runs ingestion and execution in-process. Purchases
// committed by this server are appended as vault logs to a FeedSource, keyed
// by user and position index so identities survive restarts.
func startEmbeddedWorker(ctx context.Context, cfg config.Config, hub *notify.Hub, st store.Reader, venues *venue.Registry, reports execution.ReportStore) {
	feed := indexer.NewFeedSource(common.HexToAddress(cfg.Ingest.ContractAddress))
	detach := hub.Attach(feed)
	go func() {
		<-ctx.Done()
		detach()
	}()

	coord := execution.NewCoordinator(executionConfig(cfg.Execution), execution.NewStoreSource(st), venues, reports)
	worker := ingest.NewWorker(ingest.Config{
		Name:         "embedded",
		PollInterval: time.Second,
		BatchSize:    cfg.Ingest.BatchSize,
	}, feed, ingest.NewMemorySeenSet(cfg.Ingest.SeenCapacity, cfg.Ingest.SeenTTL), ingest.NewMemoryCheckpoints(), coord)
	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Error().Err(err).Msg("embedded worker stopped")
		}
	}()
	log.Info().Msg("embedded ingestion worker enabled")
}

func executionConfig(c config.ExecutionConfig) execution.Config {
	return execution.Config{
		MaxInFlight: c.MaxInFlight,
		Policy: execution.Policy{
			MaxAttempts: c.MaxAttempts,
			BaseBackoff: c.BaseBackoff,
			MaxBackoff:  c.MaxBackoff,
			CallTimeout: c.CallTimeout,
		},
	}
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
