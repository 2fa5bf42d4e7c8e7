package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/whale-engine/internal/api"
	"github.com/atmx/whale-engine/internal/config"
	"github.com/atmx/whale-engine/internal/copytrade"
	"github.com/atmx/whale-engine/internal/engine"
	"github.com/atmx/whale-engine/internal/execution"
	"github.com/atmx/whale-engine/internal/feed"
	"github.com/atmx/whale-engine/internal/metrics"
	"github.com/atmx/whale-engine/internal/notify"
	"github.com/atmx/whale-engine/internal/risk"
	"github.com/atmx/whale-engine/internal/store"
	"github.com/atmx/whale-engine/internal/whale"
)

const (
	eventBuffer       = 1024
	notificationDepth = 500
	shutdownTimeout   = 10 * time.Second
)

// executor is what the copy path needs from an execution capability.
type executor interface {
	copytrade.Executor
	copytrade.BalanceSource
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("whale-engine stopped with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("whale-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if err := seedStore(ctx, cfg, st, logger); err != nil {
		return err
	}
	tracked, err := st.ListTrackedWallets(ctx)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}
	wallets := make([]string, 0, len(tracked))
	for _, tw := range tracked {
		wallets = append(wallets, tw.Wallet)
	}

	// --- Notifications ---
	hub := notify.NewHub(logger)
	recent := notify.NewBuffer(notificationDepth)
	sink := notify.Fanout{hub, recent, notify.NewLogger(logger)}

	// --- Copy trading ---
	exec := newExecutor(cfg, logger)
	coord := copytrade.NewCoordinator(st, st, copytrade.Options{
		Executor:         exec,
		Balance:          exec,
		Limiter:          risk.NewLimiter(cfg.RiskMaxPerInstrumentUSD, cfg.RiskMaxCorrelatedUSD),
		Notifier:         sink,
		ExecutionTimeout: cfg.ExecutionTimeout,
		Logger:           logger,
	})

	// --- Venue feeds ---
	backoff, err := feed.BackoffProfile(cfg.BackoffProfile)
	if err != nil {
		return err
	}
	events := make(chan feed.Event, eventBuffer)
	var (
		conns     []*feed.Connection
		enrichers []engine.Enricher
	)
	if cfg.EnableHyperliquid {
		dialer := &feed.WSDialer{
			URL:          cfg.HyperliquidWSURL,
			PingInterval: 30 * time.Second,
			PingPayload:  feed.HyperliquidPing,
		}
		norm := feed.NewHyperliquid(cfg.HyperliquidCoins, wallets, feed.NewMidCache())
		conns = append(conns, feed.NewConnection(dialer, norm, backoff, events, logger))
		enrichers = append(enrichers, feed.NewHyperliquidInfo(cfg.HyperliquidInfoURL, cfg.EnrichRatePerSec))
	}
	if cfg.EnablePolymarket {
		dialer := &feed.WSDialer{
			URL:          cfg.PolymarketWSURL,
			PingInterval: 10 * time.Second,
			PingPayload:  []byte("PING"),
		}
		conns = append(conns, feed.NewConnection(dialer, feed.NewPolymarket(cfg.PolymarketAssetIDs), backoff, events, logger))
	}

	// --- Dispatch loop ---
	mode, err := engine.ParseDeliveryMode(cfg.DeliveryMode)
	if err != nil {
		return err
	}
	state := whale.NewWatchState(cfg.MinTradeSizeUSD, cfg.AutoDiscovery, cfg.AutoDiscoveryMultiplier, wallets...)
	eng := engine.New(engine.Options{
		Classifier:  whale.NewClassifier(state),
		Copier:      coord,
		Notifier:    sink,
		Watchlist:   st,
		Enrichers:   enrichers,
		Mode:        mode,
		EnrichAfter: cfg.EnrichAfterEmit,
		Logger:      logger,
	})

	// --- HTTP ---
	svc := api.NewService(st, coord, eng, recent, hub, logger)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      newRouter(svc),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("whale-engine starting",
		"port", cfg.Port,
		"hyperliquid", cfg.EnableHyperliquid,
		"polymarket", cfg.EnablePolymarket,
		"tracked_wallets", len(wallets),
		"min_trade_usd", cfg.MinTradeSizeUSD.String(),
		"delivery_mode", mode,
		"executor", cfg.Executor,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx, events) })
	g.Go(func() error { return dailyReset(gctx, coord, logger) })
	g.Go(func() error {
		logger.Info("whale-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	for _, c := range conns {
		c.Start(gctx)
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down whale-engine...")

		for _, c := range conns {
			c.Stop()
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("http shutdown error", "err", err)
		}
		if err := coord.Close(sctx); err != nil {
			logger.Error("copy lanes did not drain", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore picks PostgreSQL when DATABASE_URL is set, optionally behind the
// Redis cache, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, []func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	var cleanup []func()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to PostgreSQL", "url", cfg.MaskedDatabaseURL())

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}

// seedStore persists TRACKED_WALLETS and the seed file. Configs that would
// duplicate an enabled (user, target) pair are skipped, so restarts are safe.
func seedStore(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) error {
	wallets := cfg.TrackedWallets
	var seed *config.Seed
	if cfg.SeedFile != "" {
		var err error
		if seed, err = config.LoadSeed(cfg.SeedFile); err != nil {
			return err
		}
		wallets = append(wallets, seed.TrackedWallets...)
	}

	for _, w := range wallets {
		if _, err := st.AddTrackedWallet(ctx, w, store.SourceSeed); err != nil {
			return fmt.Errorf("seed wallet %s: %w", w, err)
		}
	}
	if seed == nil {
		return nil
	}

	created := 0
	for i, sc := range seed.CopyConfigs {
		c, err := sc.CopyConfig()
		if err != nil {
			return fmt.Errorf("seed copy_configs[%d]: %w", i, err)
		}
		if err := copytrade.ValidateConfig(c); err != nil {
			return fmt.Errorf("seed copy_configs[%d]: %w", i, err)
		}
		if err := st.CreateConfig(ctx, &c); err != nil {
			if errors.Is(err, store.ErrDuplicateConfig) {
				logger.Debug("seed config already present", "user", c.UserWallet, "target", c.TargetWallet)
				continue
			}
			return fmt.Errorf("seed copy_configs[%d]: %w", i, err)
		}
		created++
	}
	logger.Info("seed file loaded", "path", cfg.SeedFile, "wallets", len(seed.TrackedWallets), "configs_created", created)
	return nil
}

func newExecutor(cfg *config.Config, logger *slog.Logger) executor {
	if cfg.Executor == "binance" {
		logger.Info("binance futures executor enabled", "api_key", cfg.MaskedBinanceKey(), "testnet", cfg.BinanceTestnet)
		return execution.NewBinance(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet, logger)
	}
	logger.Warn("paper executor enabled, copy orders are simulated", "balance_usd", cfg.PaperBalanceUSD.String())
	return execution.NewPaper(cfg.PaperBalanceUSD, logger)
}

func newRouter(svc *api.Service) http.Handler {
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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"whale-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)
	return r
}

// dailyReset sends the day-boundary signal at each UTC midnight.
func dailyReset(ctx context.Context, coord *copytrade.Coordinator, logger *slog.Logger) error {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := coord.ResetDaily(ctx); err != nil {
				logger.Error("daily counter reset failed", "err", err)
			}
		}
	}
}
