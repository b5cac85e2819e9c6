package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trade-engine/internal/arbitrage"
	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/feed"
	"github.com/atmx/trade-engine/internal/futures"
	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/limits"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/options"
	"github.com/atmx/trade-engine/internal/outcome"
	"github.com/atmx/trade-engine/internal/pricecache"
	"github.com/atmx/trade-engine/internal/scheduler"
	"github.com/atmx/trade-engine/internal/settlement"
	"github.com/atmx/trade-engine/internal/store"
	"github.com/atmx/trade-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "engine.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("trade-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("trade-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional): cache, settlement locks, price mirror and feed ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("connected to Redis")
	}

	// --- Store ---
	var st store.Store
	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		logger.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Prices ---
	prices := pricecache.New(cfg.Engine.PriceBuffer)
	var mirror *store.RedisPriceMirror
	if rdb != nil {
		mirror = store.NewRedisPriceMirror(rdb)
		prices.SetMirror(mirror)
	}

	// --- Wallet ledger and outcome controls ---
	led := ledger.New(st, logger)

	policy := outcome.NewPolicy(st, policyDefaults(cfg))
	if err := policy.Load(ctx); err != nil {
		return fmt.Errorf("load outcome policy: %w", err)
	}
	resolver := outcome.NewResolver(st, policy, logger, outcome.WithAudit(st))

	hub := trade.NewWSHub(logger)

	// --- Settlement ---
	settleOpts := []settlement.Option{
		settlement.WithNotifier(hub),
		settlement.WithRetryPolicy(settlement.RetryPolicy{
			Attempts:  cfg.Engine.RetryAttempts,
			BaseDelay: cfg.Engine.RetryBaseDelay.Duration,
			MaxDelay:  cfg.Engine.RetryMaxDelay.Duration,
		}),
	}
	if rdb != nil {
		settleOpts = append(settleOpts, settlement.WithLocker(store.NewRedisLocker(rdb)))
	}
	engine := settlement.New(st, led, prices, resolver, logger, settleOpts...)

	// --- Options and futures ---
	optCfg := options.DefaultConfig()
	optCfg.FeeRate = cfg.Options.FeeRate
	optCfg.MinDuration = cfg.Options.MinDuration
	optCfg.MaxDuration = cfg.Options.MaxDuration
	optCfg.EnforcePurchaseRange = cfg.Options.EnforcePurchaseRange
	optCfg.LockGrace = cfg.Options.LockGrace.Duration
	optCfg.SettleConcurrency = cfg.Engine.SettleConcurrency

	optOpts := []options.Option{options.WithSettler(engine), options.WithNotifier(hub)}
	if cfg.Options.MaxOpenStake.IsPositive() || cfg.Options.MaxCorrelatedStake.IsPositive() {
		optOpts = append(optOpts, options.WithLimiter(
			limits.NewExposureLimiter(cfg.Options.MaxOpenStake, cfg.Options.MaxCorrelatedStake)))
	}
	orders := options.NewManager(st, led, prices, optCfg, logger, optOpts...)

	futCfg := futures.DefaultConfig()
	futCfg.MaxLeverage = cfg.Futures.MaxLeverage
	futCfg.MaintenanceMargin = cfg.Futures.MaintenanceMargin
	futCfg.LiquidationBuffer = cfg.Futures.LiquidationBuffer
	positions := futures.NewManager(st, led, prices, futCfg, logger, futures.WithNotifier(hub))

	arbCfg := arbitrage.DefaultConfig()
	arbCfg.LockGrace = cfg.Arbitrage.LockGrace.Duration
	contracts := arbitrage.NewManager(st, led, arbCfg, logger, arbitrage.WithNotifier(hub))

	// --- Scheduler: the single loop driving expiry, promotion, sweeps and ticks ---
	schedOpts := []scheduler.Option{
		scheduler.WithNotifier(hub),
		scheduler.WithContracts(contracts),
		scheduler.WithLiveCheck(scheduler.AllLive(orders.LiveLock, positions.LiveLock, contracts.LiveLock)),
	}
	if mirror != nil {
		schedOpts = append(schedOpts, scheduler.WithMirror(mirror))
	}
	sched := scheduler.New(orders, positions, led, prices, scheduler.Config{
		ExpiryInterval:    cfg.Engine.ExpiryInterval.Duration,
		PromotionInterval: cfg.Engine.PromotionInterval.Duration,
		SweepInterval:     cfg.Engine.SweepInterval.Duration,
		PruneInterval:     cfg.Engine.PruneInterval.Duration,
		PriceRetention:    cfg.Engine.PriceRetention.Duration,
		TickBuffer:        cfg.Engine.TickBuffer,
	}, logger, schedOpts...)

	// Ingested ticks go through Redis when available so every instance sees them.
	var sink trade.Sink = sched
	var feeder *feed.Feeder
	if rdb != nil {
		bus := feed.NewRedisBus(rdb, cfg.Redis.PriceChannel)
		sink = bus
		feeder = feed.NewFeeder(bus, cfg.Redis.PriceChannel, sched, logger)
	}

	// --- HTTP ---
	svcOpts := []trade.Option{
		trade.WithHub(hub), trade.WithSink(sink), trade.WithArbitrage(contracts),
		trade.WithAdminToken(cfg.Server.AdminToken),
	}
	var rl *trade.RateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		rl = trade.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		svcOpts = append(svcOpts, trade.WithRateLimiter(rl))
	}
	svc := trade.NewService(orders, positions, led, resolver, prices, logger, svcOpts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
		svc.Routes(r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if feeder != nil {
		g.Go(func() error { return feeder.Run(gctx) })
	}
	if rl != nil {
		g.Go(func() error { return rl.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("trade-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down trade-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// policyDefaults overlays configured policies on the fixed-lose defaults.
func policyDefaults(cfg *config.Config) []model.PolicySettings {
	byType := make(map[model.TradeType]model.PolicySettings)
	for _, s := range outcome.DefaultSettings() {
		byType[s.TradeType] = s
	}
	for _, p := range cfg.Outcome.Policies {
		t := model.TradeType(p.TradeType)
		byType[t] = model.PolicySettings{
			TradeType:      t,
			Mode:           model.PolicyMode(p.Mode),
			Outcome:        model.Outcome(p.Outcome),
			WinProbability: p.WinProbability,
		}
	}
	out := make([]model.PolicySettings, 0, len(byType))
	for _, t := range model.TradeTypes {
		out = append(out, byType[t])
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Admin-Token")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
