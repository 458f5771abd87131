package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/api"
	"github.com/synthfi/synth-engine/internal/feed"
	"github.com/synthfi/synth-engine/internal/manager"
	"github.com/synthfi/synth-engine/internal/perp"
	"github.com/synthfi/synth-engine/internal/pmm"
	"github.com/synthfi/synth-engine/internal/resolver"
	"github.com/synthfi/synth-engine/internal/risk"
	"github.com/synthfi/synth-engine/internal/store"
	"github.com/synthfi/synth-engine/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		adminToken = "dev-admin"
		slog.Warn("ADMIN_TOKEN not set, using development default")
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
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

	// --- Price resolver and seed feeds ---
	res := resolver.New(adminToken, resolver.DefaultStaleness)

	ethFeed := feed.NewPushFeed()
	usdcFeed := feed.NewPushFeed()
	if err := res.RegisterFeed(adminToken, "ETH/USD", ethFeed, false, decimal.Zero); err != nil {
		slog.Error("feed registration failed", "err", err)
		os.Exit(1)
	}
	if err := res.RegisterFeed(adminToken, "USDC/USD", usdcFeed, false, decimal.NewFromInt(1)); err != nil {
		slog.Error("feed registration failed", "err", err)
		os.Exit(1)
	}
	// Stablecoin leg defaults to its fallback peg until an oracle pushes.
	if err := res.SetDisabled(adminToken, "USDC/USD", true); err != nil {
		slog.Error("feed disable failed", "err", err)
		os.Exit(1)
	}

	// --- Settlement tokens ---
	ethToken := token.NewLedgerToken("ETH")
	usdcToken := token.NewLedgerToken("USDC")
	zethToken := token.NewLedgerToken("zETH")

	// --- Default pool: ETH/USDC anchored at the ETH/USD oracle ---
	pool, err := pmm.NewPool("eth-usdc", "ETH", "USDC", "ETH/USD",
		decimal.NewFromFloat(0.1), 30, res)
	if err != nil {
		slog.Error("pool creation failed", "err", err)
		os.Exit(1)
	}
	// The pool's mid price doubles as a derived feed.
	if err := res.RegisterFeed(adminToken, "ETH/USDC", feed.NewPoolFeed(pool), false, decimal.Zero); err != nil {
		slog.Error("pool feed registration failed", "err", err)
		os.Exit(1)
	}

	// --- Synthetic ETH manager ---
	limiter := risk.NewMintLimiter(
		decimal.NewFromInt(100_000),   // per-account synthetic cap
		decimal.NewFromInt(1_000_000), // global debt ceiling
	)
	mgr, err := manager.New("zeth", adminToken, zethToken, "ETH/USD",
		[]manager.CollateralAsset{
			{Token: ethToken, OracleSymbol: "ETH/USD"},
			{Token: usdcToken, OracleSymbol: "USDC/USD"},
		},
		res, limiter, st, manager.DefaultParams())
	if err != nil {
		slog.Error("manager creation failed", "err", err)
		os.Exit(1)
	}

	// --- Perpetual book over the pool ---
	book := perp.NewBook("eth-perp", pool, usdcToken, st, perp.DefaultParams())

	// --- WebSocket hub and HTTP service ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	svc := api.NewService(st, res, adminToken, wsHub)
	svc.RegisterToken(ethToken)
	svc.RegisterToken(usdcToken)
	svc.RegisterToken(zethToken)
	svc.RegisterPool(pool)
	svc.RegisterManager(mgr)
	svc.RegisterBook(book)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      svc.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("synth-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down synth-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("synth-engine stopped")
}
