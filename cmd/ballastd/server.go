package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftline/ballast/backing"
	"github.com/driftline/ballast/cache"
	"github.com/driftline/ballast/faststore"
	"github.com/driftline/ballast/internal/group"
	"github.com/driftline/ballast/pkg/metrics"
	"github.com/driftline/ballast/pkg/robusthttp"
	"github.com/driftline/ballast/ratelimit"
	"github.com/driftline/ballast/tasks"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Logger *slog.Logger

	RedisURL      string
	Bind          string
	MetricsListen string

	CacheTTL       time.Duration
	CacheJitterPct int

	RateLimit         int
	RateLimitWindow   time.Duration
	RateLimitFailMode string

	Workers           int
	ClaimPage         int
	ClaimsPerSecond   int
	TaskMaxAttempts   int
	TaskBaseBackoff   time.Duration
	TaskMaxBackoff    time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReaperInterval    time.Duration
	SucceededTTL      time.Duration

	EmailEndpoint string
}

type Server struct {
	logger  *slog.Logger
	store   faststore.Store
	records backing.Store
	cache   *cache.Manager
	limiter *ratelimit.Limiter
	ledger  *tasks.Ledger
	workers *tasks.Workers
	sched   *tasks.Scheduler

	echo  *echo.Echo
	httpd *http.Server

	metricsListen  string
	reaperInterval time.Duration
}

func NewServer(records backing.Store, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var store faststore.Store
	var rdb *redis.Client
	if config.RedisURL != "" {
		rs, err := faststore.NewRedisStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to fast store: %w", err)
		}
		store = rs
		rdb = rs.Client
	} else {
		logger.Info("no redis URL configured, coordinating in-memory (single instance only)")
		store = faststore.NewMemStore()
	}

	failMode, err := ratelimit.ParseFailMode(config.RateLimitFailMode)
	if err != nil {
		return nil, err
	}

	cm, err := cache.NewManager(cache.Options{
		Store:      store,
		Redis:      rdb,
		DefaultTTL: config.CacheTTL,
		JitterPct:  config.CacheJitterPct,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Options{
		Store:    store,
		Limit:    config.RateLimit,
		Window:   config.RateLimitWindow,
		FailMode: failMode,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	registry := tasks.NewRegistry()
	ledger, err := tasks.NewLedger(tasks.Options{
		Store:        store,
		Registry:     registry,
		MaxAttempts:  config.TaskMaxAttempts,
		BaseBackoff:  config.TaskBaseBackoff,
		MaxBackoff:   config.TaskMaxBackoff,
		HardTimeout:  config.TaskTimeout,
		SucceededTTL: config.SucceededTTL,
		ClaimPage:    config.ClaimPage,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	handlers := &taskHandlers{
		records:       records,
		cache:         cm,
		ledger:        ledger,
		email:         robusthttp.NewClient(robusthttp.WithLogger(logger)),
		emailEndpoint: config.EmailEndpoint,
		log:           logger.With("source", "task_handlers"),
	}
	if err := handlers.register(registry); err != nil {
		return nil, err
	}

	workers := tasks.NewWorkers("ballastd", ledger, &tasks.WorkerOptions{
		Parallel:        config.Workers,
		Heartbeat:       config.HeartbeatInterval,
		ClaimsPerSecond: config.ClaimsPerSecond,
		Logger:          logger,
	})

	sched, err := tasks.NewScheduler(ledger, []tasks.Definition{
		{
			ID:       "cleanup-old-data",
			Schedule: "@every 24h",
			Type:     taskTypeCleanupOldData,
			Payload:  cleanupPayload{OlderThanDays: 30},
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		logger:         logger,
		store:          store,
		records:        records,
		cache:          cm,
		limiter:        limiter,
		ledger:         ledger,
		workers:        workers,
		sched:          sched,
		metricsListen:  config.MetricsListen,
		reaperInterval: config.ReaperInterval,
	}
	srv.buildAdminAPI(config.Bind)

	return srv, nil
}

// Run starts every component and blocks until a signal arrives or one of
// them fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := group.New(ctx)
	g.Go("admin_api", s.runAdminAPI)
	g.Go("metrics", func(ctx context.Context) error {
		return metrics.RunServer(ctx, s.metricsListen)
	})
	g.Go("cache_invalidations", s.cache.Run)
	g.Go("task_workers", s.runWorkers)
	g.Go("task_reaper", func(ctx context.Context) error {
		return s.ledger.RunReaper(ctx, s.reaperInterval)
	})
	g.Go("task_scheduler", s.sched.Run)

	s.logger.Info("ballastd running", "bind", s.httpd.Addr)
	err := g.Wait()
	if closeErr := s.store.Close(); closeErr != nil {
		s.logger.Error("failed to close fast store", "err", closeErr)
	}
	if closeErr := s.records.Close(); closeErr != nil {
		s.logger.Error("failed to close backing store", "err", closeErr)
	}
	return err
}

func (s *Server) runWorkers(ctx context.Context) error {
	go s.workers.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.workers.Stop(stopCtx)
}

func (s *Server) runAdminAPI(ctx context.Context) error {
	s.logger.Info("admin API listening", "bind", s.httpd.Addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpd.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin API shutdown error", "err", err)
		}
	}()
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
