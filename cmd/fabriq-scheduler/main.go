package main

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/fabriq-ai/fabriq/pkg/cmd"
	"github.com/fabriq-ai/fabriq/pkg/execution"
	"github.com/fabriq-ai/fabriq/pkg/log"
	"github.com/fabriq-ai/fabriq/pkg/poller"
	"github.com/fabriq-ai/fabriq/pkg/reconciler"
	"github.com/fabriq-ai/fabriq/pkg/sweep"
)

func main() {
	cmdApp := &cli.Command{
		Name:                  "fabriq-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Run the poller, recovery sweep and retention on schedules",
		Flags: []cli.Flag{
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
				Name:    "poll-interval",
				Usage:   "Pause between provider poll passes",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "poll-min-age",
				Usage:   "Minimum task age before it is polled, leaving room for the webhook",
				Value:   time.Minute,
				Sources: cli.EnvVars("POLL_MIN_AGE"),
			},
			&cli.DurationFlag{
				Name:    "stuck-grace",
				Usage:   "Processing age after which a task is treated as stuck and re-polled",
				Value:   15 * time.Minute,
				Sources: cli.EnvVars("STUCK_GRACE"),
			},
			&cli.DurationFlag{
				Name:    "stuck-ceiling",
				Usage:   "Processing age after which a stuck task is settled regardless of the provider",
				Value:   2 * time.Hour,
				Sources: cli.EnvVars("STUCK_CEILING"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule for the recovery sweep",
				Value:   "@every 5m",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "retention-schedule",
				Usage:   "Cron schedule for the retention purge",
				Value:   "@every 1h",
				Sources: cli.EnvVars("RETENTION_SCHEDULE"),
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

			logger := log.WithModule("fabriq-scheduler")

			logger.InfoContext(ctx, "Initializing Fabriq Scheduler")

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

			aggregator := execution.NewAggregator(persistence, eventBus, logger)
			advancer := execution.NewAdvancer(persistence, eventBus, logger)
			rec := reconciler.NewReconciler(persistence, registry, aggregator, advancer, eventBus, nil, logger)

			pol := poller.NewPoller(poller.Config{
				Interval: command.Duration("poll-interval"),
				MinAge:   command.Duration("poll-min-age"),
			}, persistence, registry, rec, logger)

			sweeper := sweep.NewSweeper(sweep.Config{
				Grace:   command.Duration("stuck-grace"),
				Ceiling: command.Duration("stuck-ceiling"),
			}, persistence, pol, rec, logger)

			retention := sweep.NewRetention(sweep.RetentionConfig{}, persistence, logger)

			scheduler := cron.New()

			_, err := scheduler.AddFunc(command.String("sweep-schedule"), func() {
				err := sweeper.Sweep(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Sweep pass failed", "error", err)
				}
			})
			if err != nil {
				return err
			}

			_, err = scheduler.AddFunc(command.String("retention-schedule"), func() {
				retention.Purge(ctx)
			})
			if err != nil {
				return err
			}

			scheduler.Start()
			defer scheduler.Stop()

			// The poll loop runs in the foreground until ctx is cancelled.
			err = pol.Run(ctx)
			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "Poller stopped with error", "error", err)
			}

			return nil
		},
	}

	err := cmdApp.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
