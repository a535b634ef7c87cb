package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dukex/orion/pkg/archive"
	"github.com/dukex/orion/pkg/config"
	"github.com/dukex/orion/pkg/log"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"
)

func NewJanitorCommand() *cli.Command {
	return &cli.Command{
		Name:  "janitor",
		Usage: "Prune every archived workflow on a cron schedule",
		Flags: []cli.Flag{
			databaseURLFlag,
			&cli.StringFlag{
				Name:    "policy",
				Usage:   "Path to the YAML policy file",
				Sources: cli.EnvVars("ORION_POLICY"),
			},
			&cli.StringFlag{
				Name:  "schedule",
				Usage: "Cron expression overriding the policy's prune_schedule",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			policy, err := config.Load(command.String("policy"))
			if err != nil {
				return err
			}

			if schedule := command.String("schedule"); schedule != "" {
				policy.PruneSchedule = schedule
				if err := config.Validate(policy); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withArchive(ctx, command, func(store *archive.Store) error {
				return runJanitor(ctx, store, policy)
			})
		},
	}
}

// runJanitor prunes on every tick of the policy schedule until ctx ends.
func runJanitor(ctx context.Context, store *archive.Store, policy config.Policy) error {
	logger := log.WithModule("janitor")

	schedule, err := policy.Schedule()
	if err != nil {
		return err
	}

	scheduler := cron.New()
	scheduler.Schedule(schedule, cron.FuncJob(func() {
		removed, err := store.PruneAll(ctx, policy.ArchiveRetention)
		if err != nil {
			logger.ErrorContext(ctx, "Archive prune failed", "error", err)

			return
		}

		total := 0
		for _, count := range removed {
			total += count
		}

		logger.InfoContext(ctx, "Archive prune finished", "workflows", len(removed), "removed", total)
	}))

	logger.InfoContext(ctx, "Janitor started", "schedule", policy.PruneSchedule, "keep", policy.ArchiveRetention)

	scheduler.Start()
	<-ctx.Done()

	// Wait for a running prune to finish.
	<-scheduler.Stop().Done()

	logger.InfoContext(ctx, "Janitor stopped")

	return nil
}
