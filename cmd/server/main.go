package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/loopvault/risk-engine/internal/alert"
	"github.com/loopvault/risk-engine/internal/api"
	"github.com/loopvault/risk-engine/internal/classify"
	"github.com/loopvault/risk-engine/internal/config"
	"github.com/loopvault/risk-engine/internal/engine"
	"github.com/loopvault/risk-engine/internal/l1read"
	"github.com/loopvault/risk-engine/internal/ledger"
	"github.com/loopvault/risk-engine/internal/metrics"
	"github.com/loopvault/risk-engine/internal/price"
	"github.com/loopvault/risk-engine/internal/resilient"
	"github.com/loopvault/risk-engine/internal/risk"
	"github.com/loopvault/risk-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	vault := strings.ToLower(cfg.Vault.Hex())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
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

	// --- Ledger ---
	bindings := map[classify.Role]common.Address{}
	if cfg.StakingContract != (common.Address{}) {
		bindings[classify.RoleStaking] = cfg.StakingContract
	}
	if cfg.LendingProtocol != (common.Address{}) {
		bindings[classify.RoleLending] = cfg.LendingProtocol
	}
	led := ledger.New(st, classify.New(bindings, classify.DefaultRules), logger)

	// --- Prices ---
	cg := price.NewCoinGecko(cfg.CoinGeckoAPIKey, cfg.CoinGeckoIDs)
	cg.BaseURL = cfg.CoinGeckoURL
	hl := price.NewHyperliquid(map[string]string{cfg.StakingAsset: strings.ToUpper(cfg.StakingAsset)})
	hl.BaseURL = cfg.HyperliquidURL

	cgClient := resilient.DefaultConfig("coingecko")
	cgClient.RatePerSecond, cgClient.Burst = 0.5, 2 // public tier allows ~30 calls/min

	var priceCache price.Cache
	if rdb != nil {
		priceCache = price.NewRedisCache(rdb, 24*time.Hour)
	}
	prices := price.NewSource(price.Config{
		StakingAsset:    cfg.StakingAsset,
		DerivativeAsset: cfg.DerivativeAsset,
		ExchangeRate:    cfg.ExchangeRate,
		MaxAge:          cfg.PriceMaxAge,
	}, []price.Upstream{
		{Quoter: cg, Client: resilient.New(cgClient)},
		{Quoter: hl},
	}, priceCache, logger)

	// --- Alerts ---
	policy, err := alert.ParsePolicy(cfg.AlertPolicy)
	if err != nil {
		slog.Error("invalid ALERT_POLICY", "err", err)
		os.Exit(1)
	}
	hub := api.NewHub(logger)
	go hub.Run(ctx)

	notifiers := []alert.Notifier{hub}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.AlertWebhookURL, nil))
		slog.Info("alert webhook enabled")
	}
	evaluator := alert.NewEvaluator(st, alert.DefaultRules, policy, logger, notifiers...)

	// --- Risk ---
	riskCfg := risk.DefaultConfig()
	riskCfg.LiquidationThreshold = cfg.LiquidationThreshold
	riskCfg.AssetDecimals = cfg.AssetDecimals

	deps := engine.Deps{
		Store:     st,
		Ledger:    led,
		Prices:    prices,
		Risk:      risk.NewEngine(riskCfg),
		Alerts:    evaluator,
		Publisher: hub,
		Logger:    logger,
	}

	// --- Chain access ---
	var eth *ethclient.Client
	if cfg.RPCURL != "" {
		eth, err = ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			slog.Error("rpc dial failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, eth.Close)

		rpcClient := resilient.DefaultConfig("rpc")
		rpcClient.RatePerSecond, rpcClient.Burst = 20, 10
		deps.L1 = l1read.New(eth, resilient.New(rpcClient), l1read.Config{
			Vault:       cfg.Vault,
			EquityVault: cfg.EquityVault,
			Tokens:      cfg.SpotTokens,
			Precompiles: l1read.Precompiles{
				VaultEquity:  cfg.VaultEquityPrecompile,
				Withdrawable: cfg.WithdrawablePrecompile,
				SpotBalance:  cfg.SpotBalancePrecompile,
			},
			PinBlock:    cfg.PinL1Block,
			Concurrency: 4,
		}, st, logger)
		slog.Info("L1 reader enabled", "rpc", cfg.RPCURL)
	} else {
		slog.Warn("RPC_URL not set, L1 equity will not be read")
	}

	eng := engine.New(engine.Config{
		Vault:              vault,
		L1IntervalBlocks:   cfg.L1IntervalBlocks,
		RiskIntervalBlocks: cfg.RiskIntervalBlocks,
		APYWindow:          cfg.APYWindow,
		BorrowAPR:          cfg.BorrowAPR,
	}, deps)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("engine stopped", "err", err)
		}
	}()

	if eth != nil && cfg.PollBlocks {
		poller := engine.NewBlockPoller(eth, resilient.New(resilient.DefaultConfig("rpc-head")),
			cfg.PollInterval, eng.Submit, logger)
		go poller.Run(ctx)
		slog.Info("block poller enabled", "interval", cfg.PollInterval)
	}

	// --- API service ---
	svc := api.NewService(st, eng, evaluator, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
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
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live snapshots and alerts. Kept outside the
		// timeout middleware, which would cut long-lived connections.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "port", cfg.Port, "vault", vault)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down risk-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		slog.Warn("engine did not drain before shutdown deadline")
	}
	fmt.Println("risk-engine stopped")
}
