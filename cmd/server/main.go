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
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/amm-engine/internal/api"
	"github.com/atmx/amm-engine/internal/archive"
	"github.com/atmx/amm-engine/internal/catalog"
	"github.com/atmx/amm-engine/internal/config"
	"github.com/atmx/amm-engine/internal/event"
	"github.com/atmx/amm-engine/internal/lmsr"
	"github.com/atmx/amm-engine/internal/lock"
	"github.com/atmx/amm-engine/internal/logging"
	"github.com/atmx/amm-engine/internal/metrics"
	"github.com/atmx/amm-engine/internal/portfolio"
	"github.com/atmx/amm-engine/internal/quote"
	"github.com/atmx/amm-engine/internal/risk"
	"github.com/atmx/amm-engine/internal/scheduler"
	"github.com/atmx/amm-engine/internal/settlement"
	"github.com/atmx/amm-engine/internal/store"
	"github.com/atmx/amm-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("AMM_CONFIG"), "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("amm-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("amm-engine stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.Postgres.DSN != "" {
		pool, err := store.NewPool(ctx, cfg.Postgres.DSN, int32(cfg.Postgres.MaxConns))
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Postgres.RunMigrations {
			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: cache, distributed lock, event fan-out ---
	var (
		locks lock.Locker = lock.NewKeyedMutex()
		rdb   *redis.Client
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		if cfg.Postgres.DSN != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		}
		locks = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration, cfg.Redis.LockPoll.Duration)
		slog.Info("Redis enabled", "cache", cfg.Postgres.DSN != "", "lock", "redis")
	}

	// --- Pricing and execution ---
	quotes, err := quote.NewEngine(quote.Policy{
		Fee:     cfg.Pricing.Fee,
		Floor:   cfg.Pricing.FloorCents,
		Ceiling: cfg.Pricing.CeilingCents,
	})
	if err != nil {
		return err
	}

	var limiter *risk.Limiter
	if cfg.Risk.MaxPerMarketCents > 0 || cfg.Risk.MaxPerCategoryCents > 0 {
		limiter = risk.NewLimiter(
			decimal.NewFromInt(cfg.Risk.MaxPerMarketCents),
			decimal.NewFromInt(cfg.Risk.MaxPerCategoryCents),
			cfg.Risk.CategoryDepth,
		)
	}

	// --- WebSocket hub ---
	// With Redis every instance relays the shared event stream to its own
	// clients; without it the hub is notified directly.
	wsHub := trade.NewWSHub()
	var (
		notify    event.Notifier = wsHub
		publisher *trade.RedisPublisher
	)
	if rdb != nil {
		publisher = trade.NewRedisPublisher(rdb)
		notify = publisher
	}

	exec := trade.NewExecutor(st, locks, quotes, trade.Config{
		MinStakeCents: cfg.Pricing.MinStakeCents,
		Solver:        lmsr.Solver{Tolerance: cfg.Pricing.SolverTolerance, MaxIter: cfg.Pricing.SolverMaxIter},
		Limiter:       limiter,
	}, notify)

	proc := settlement.NewProcessor(st, locks, exec, quotes, notify)
	if cfg.S3.Bucket != "" {
		writer, err := archive.NewS3Writer(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		proc.SetArchiver(archive.NewJournal(writer, cfg.S3.Prefix))
		slog.Info("trade journal archiving enabled", "bucket", cfg.S3.Bucket)
	}

	markets := catalog.New(st, locks)
	svc := api.NewService(st, exec, markets, proc, portfolio.NewValuator(st, quotes))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"amm-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time quotes; exempt from the request
		// timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			svc.Routes(r)
		})
	})

	// --- Server ---
	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	if publisher != nil {
		g.Go(func() error { return publisher.Relay(gctx, wsHub) })
	}
	if cfg.Schedule.Enabled {
		sched := scheduler.New(st, proc, cfg.Schedule.CloseInterval.Duration)
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("amm-engine listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down amm-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// cors allows cross-origin requests from origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
