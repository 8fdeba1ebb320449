package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"

	"github.com/fabriq-ai/fabriq/pkg/cmd"
	"github.com/fabriq-ai/fabriq/pkg/dispatcher"
	"github.com/fabriq-ai/fabriq/pkg/execution"
	"github.com/fabriq-ai/fabriq/pkg/log"
	"github.com/fabriq-ai/fabriq/pkg/otelhelper"
	"github.com/fabriq-ai/fabriq/pkg/ratelimit"
)

func main() {
	cmdApp := &cli.Command{
		Name:                  "fabriq-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute workflow node jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "providers-config",
				Usage:   "Path to the JSON file describing external providers",
				Value:   "",
				Sources: cli.EnvVars("PROVIDERS_CONFIG"),
			},
			&cli.DurationFlag{
				Name:    "lease",
				Usage:   "How long a claimed job stays invisible to other workers",
				Value:   2 * time.Minute,
				Sources: cli.EnvVars("JOB_LEASE"),
			},
			&cli.DurationFlag{
				Name:    "local-timeout",
				Usage:   "Time budget for a single local node run",
				Value:   time.Minute,
				Sources: cli.EnvVars("LOCAL_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the shared provider inflight limiter (optional)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "inflight-limit",
				Usage:   "Maximum concurrent external submissions per provider",
				Value:   10,
				Sources: cli.EnvVars("INFLIGHT_LIMIT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for job handling",
				Value:   false,
				Sources: cli.EnvVars("OTEL_TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("fabriq-worker").With("workerId", workerID)

			logger.InfoContext(ctx, "Initializing Fabriq Worker")

			if command.Bool("tracing") {
				_, err := otelhelper.NewTracer(ctx, "fabriq-worker")
				if err != nil {
					logger.ErrorContext(ctx, "Failed to initialize tracing", "error", err)
				}
			}

			registry := cmd.NewRegistry(logger, command.String("providers-config"))

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}

			if redisURL := command.String("redis-url"); redisURL != "" {
				opts, err := redis.ParseURL(redisURL)
				if err != nil {
					logger.ErrorContext(ctx, "Invalid redis URL", "error", err)

					return err
				}

				limiter = ratelimit.NewRedisLimiter(redis.NewClient(opts), command.Int("inflight-limit"))
			}

			aggregator := execution.NewAggregator(persistence, eventBus, logger)
			advancer := execution.NewAdvancer(persistence, eventBus, logger)

			worker := dispatcher.NewDispatcher(
				dispatcher.Config{
					WorkerID:     workerID,
					Lease:        command.Duration("lease"),
					LocalTimeout: command.Duration("local-timeout"),
				},
				persistence,
				registry,
				aggregator,
				advancer,
				eventBus,
				limiter,
				logger,
			)

			err := worker.Run(ctx)
			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "Worker stopped with error", "error", err)
			}

			return nil
		},
	}

	err := cmdApp.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
