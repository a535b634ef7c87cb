package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dukex/orion/pkg/archive"
	"github.com/dukex/orion/pkg/cmd"
	"github.com/dukex/orion/pkg/config"
	"github.com/dukex/orion/pkg/log"
	"github.com/urfave/cli/v3"
)

var databaseURLFlag = &cli.StringFlag{
	Name:     "database-url",
	Usage:    "Database connection URL for persistence",
	Required: true,
	Sources:  cli.EnvVars("DATABASE_URL"),
}

// withArchive opens the store named by --database-url for the duration of fn.
func withArchive(ctx context.Context, command *cli.Command, fn func(*archive.Store) error) error {
	logger := log.WithModule("cli")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	return fn(archive.NewStore(logger, persistence.ArchiveRepository()))
}

func NewArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:    "archive",
		Aliases: []string{"a"},
		Usage:   "Inspect and prune archived workflow versions",
		Commands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List archived versions of a workflow, newest first",
				Flags: []cli.Flag{
					databaseURLFlag,
					&cli.StringFlag{Name: "workflow-id", Required: true},
					&cli.IntFlag{Name: "limit", Value: archive.DefaultListLimit},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withArchive(ctx, command, func(store *archive.Store) error {
						entries, err := store.List(ctx, command.String("workflow-id"), command.Int("limit"))
						if err != nil {
							return err
						}

						w := tabwriter.NewWriter(command.Root().Writer, 0, 4, 2, ' ', 0)
						fmt.Fprintln(w, "VERSION\tARCHIVED AT\tBY\tREASON")

						for _, entry := range entries {
							fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
								entry.VersionHash, entry.ArchivedAt.Format(time.RFC3339), entry.ArchivedBy, entry.Reason)
						}

						return w.Flush()
					})
				},
			},
			{
				Name:  "prune",
				Usage: "Delete all but the most recent versions of a workflow",
				Flags: []cli.Flag{
					databaseURLFlag,
					&cli.StringFlag{Name: "workflow-id", Required: true},
					&cli.IntFlag{Name: "keep", Value: config.DefaultArchiveRetention},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withArchive(ctx, command, func(store *archive.Store) error {
						removed, err := store.Prune(ctx, command.String("workflow-id"), command.Int("keep"))
						if err != nil {
							return err
						}

						fmt.Fprintf(command.Root().Writer, "removed %d archived versions\n", removed)

						return nil
					})
				},
			},
		},
	}
}
