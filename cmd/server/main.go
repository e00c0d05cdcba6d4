package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/balance"
	"github.com/atmx/challenge-engine/internal/config"
	"github.com/atmx/challenge-engine/internal/idempotency"
	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/oracle"
	"github.com/atmx/challenge-engine/internal/payment"
	"github.com/atmx/challenge-engine/internal/payout"
	"github.com/atmx/challenge-engine/internal/resolution"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/settlement"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $CONFIG_PATH or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tiers, err := cfg.TierTable()
	if err != nil {
		slog.Error("tier table", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Idempotency keys ---
	var kv idempotency.KV
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis ping failed, trades will be refused until it recovers", "err", err)
		}
		kv = idempotency.NewRedisKV(rdb)
		slog.Info("Redis idempotency store enabled")
	} else {
		slog.Warn("REDIS_URL not set, idempotency keys are process-local")
		kv = idempotency.NewMemoryKV()
	}
	guard := idempotency.NewGuard(kv, cfg.Idempotency.Prefix, cfg.Idempotency.InProgressTTL, cfg.Idempotency.CompletedTTL)

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var feed oracle.Oracle
	allowUntrusted := cfg.Trading.AllowUntrustedPrices
	if cfg.Oracle.Demo {
		demo := oracle.NewStaticOracle(oracle.SourceDemo)
		markets := make([]string, 0, len(cfg.Oracle.DemoPrices))
		for id, p := range cfg.Oracle.DemoPrices {
			demo.SetPrice(id, decimal.NewFromFloat(p))
			markets = append(markets, id)
		}
		sort.Strings(markets)
		feed = demo
		allowUntrusted = true
		slog.Warn("oracle URL not set, serving demo prices", "markets", markets)
	} else {
		feed = oracle.NewHTTPOracle(cfg.Oracle.URL, cfg.Oracle.Timeout, cfg.Oracle.RatePerSecond)
		slog.Info("oracle configured", "url", cfg.Oracle.URL)
	}

	// --- Engine ---
	bal := balance.NewManager(cfg.LargeTransaction())
	perMarket, total := cfg.ExposureLimits()
	limiter := risk.NewLimiter(perMarket, total)
	detector := resolution.NewDetector(feed, st, cfg.ResolutionPolicy())

	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	engine := trade.NewEngine(st, feed, bal, guard, limiter, trade.EngineConfig{
		PriceTimeout:         cfg.Trading.PriceTimeout,
		AllowUntrustedPrices: allowUntrusted,
	})

	payouts := payout.NewCalculator(st, detector, bal, tiers)
	payments := payment.NewProcessor(st, tiers)
	svc := trade.NewService(engine, payouts, payments, wsHub)

	sweeper := settlement.NewSweeper(st, detector, bal, wsHub)
	go sweeper.Run(ctx, cfg.Resolution.SweepInterval)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.IdempotencyHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"challenge-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("challenge-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down challenge-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("challenge-engine stopped")
}
