package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/driftline/ballast/backing"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "ballastd",
		Usage:   "reliability daemon: cache, rate limits, durable background tasks",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "fast store connection URL: redis://<hostname>:<port>/<db>; empty runs in-memory (single instance, dev only)",
			EnvVars: []string{"BALLAST_REDIS_URL", "REDIS_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		dlqCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "backing store connection string (sqlite:// or postgresql://)",
			Value:   "sqlite://data/ballastd/ballast.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin API",
			Value:   ":3999",
			EnvVars: []string{"BALLAST_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":3998",
			EnvVars: []string{"BALLAST_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Usage:   "default lifetime of cache entries",
			Value:   time.Hour,
			EnvVars: []string{"BALLAST_CACHE_TTL"},
		},
		&cli.IntFlag{
			Name:    "cache-jitter-pct",
			Usage:   "percent spread applied to cache entry TTLs",
			Value:   10,
			EnvVars: []string{"BALLAST_CACHE_JITTER_PCT"},
		},
		&cli.IntFlag{
			Name:    "rate-limit",
			Usage:   "default max admissions per identity per window",
			Value:   100,
			EnvVars: []string{"BALLAST_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "rate-limit-window",
			Usage:   "trailing window for rate limit decisions",
			Value:   time.Minute,
			EnvVars: []string{"BALLAST_RATE_LIMIT_WINDOW"},
		},
		&cli.StringFlag{
			Name:    "rate-limit-fail-mode",
			Usage:   "behavior when the fast store is down: open, local, or closed",
			Value:   "open",
			EnvVars: []string{"BALLAST_RATE_LIMIT_FAIL_MODE"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of tasks executed concurrently",
			Value:   4,
			EnvVars: []string{"BALLAST_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "claim-page",
			Usage:   "due schedule entries considered per claim scan",
			Value:   20,
			EnvVars: []string{"BALLAST_CLAIM_PAGE"},
		},
		&cli.IntFlag{
			Name:    "claims-per-second",
			Usage:   "max claim attempts per second against the fast store",
			Value:   50,
			EnvVars: []string{"BALLAST_CLAIMS_PER_SECOND"},
		},
		&cli.IntFlag{
			Name:    "task-max-attempts",
			Usage:   "default attempt budget per task",
			Value:   5,
			EnvVars: []string{"BALLAST_TASK_MAX_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "task-base-backoff",
			Usage:   "retry delay after the first failed attempt",
			Value:   time.Second,
			EnvVars: []string{"BALLAST_TASK_BASE_BACKOFF"},
		},
		&cli.DurationFlag{
			Name:    "task-max-backoff",
			Usage:   "retry delay ceiling",
			Value:   5 * time.Minute,
			EnvVars: []string{"BALLAST_TASK_MAX_BACKOFF"},
		},
		&cli.DurationFlag{
			Name:    "task-timeout",
			Usage:   "default hard deadline for one task execution",
			Value:   time.Minute,
			EnvVars: []string{"BALLAST_TASK_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "heartbeat-interval",
			Usage:   "how often running handlers check for cancellation",
			Value:   time.Second,
			EnvVars: []string{"BALLAST_HEARTBEAT_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "reaper-interval",
			Usage:   "how often expired claims are swept",
			Value:   30 * time.Second,
			EnvVars: []string{"BALLAST_REAPER_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "succeeded-ttl",
			Usage:   "how long finished task records stay readable",
			Value:   24 * time.Hour,
			EnvVars: []string{"BALLAST_SUCCEEDED_TTL"},
		},
		&cli.StringFlag{
			Name:    "email-endpoint",
			Usage:   "delivery gateway URL for email tasks; empty logs instead of sending",
			EnvVars: []string{"BALLAST_EMAIL_ENDPOINT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("ballastd"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := backing.OpenDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		records, err := backing.NewGormStore(db)
		if err != nil {
			return err
		}

		srv, err := NewServer(records, Config{
			Logger:            logger,
			RedisURL:          cctx.String("redis-url"),
			Bind:              cctx.String("bind"),
			MetricsListen:     cctx.String("metrics-listen"),
			CacheTTL:          cctx.Duration("cache-ttl"),
			CacheJitterPct:    cctx.Int("cache-jitter-pct"),
			RateLimit:         cctx.Int("rate-limit"),
			RateLimitWindow:   cctx.Duration("rate-limit-window"),
			RateLimitFailMode: cctx.String("rate-limit-fail-mode"),
			Workers:           cctx.Int("workers"),
			ClaimPage:         cctx.Int("claim-page"),
			ClaimsPerSecond:   cctx.Int("claims-per-second"),
			TaskMaxAttempts:   cctx.Int("task-max-attempts"),
			TaskBaseBackoff:   cctx.Duration("task-base-backoff"),
			TaskMaxBackoff:    cctx.Duration("task-max-backoff"),
			TaskTimeout:       cctx.Duration("task-timeout"),
			HeartbeatInterval: cctx.Duration("heartbeat-interval"),
			ReaperInterval:    cctx.Duration("reaper-interval"),
			SucceededTTL:      cctx.Duration("succeeded-ttl"),
			EmailEndpoint:     cctx.String("email-endpoint"),
		})
		if err != nil {
			return err
		}

		return srv.Run(ctx)
	},
}
