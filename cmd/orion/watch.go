package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dukex/orion/pkg/cmd"
	"github.com/dukex/orion/pkg/eventbus"
	"github.com/dukex/orion/pkg/events"
	"github.com/dukex/orion/pkg/log"
	"github.com/urfave/cli/v3"
)

func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream engagement changes and failed deployments as JSON lines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:  "group",
				Usage: "Consumer group name; watchers sharing a group split the stream",
				Value: "orion-watch",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := log.WithModule("watch")

			bus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), command.String("group"), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := bus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			if err := watch(ctx, bus, command.Root().Writer); err != nil {
				return err
			}

			logger.Info("Watching events", "group", command.String("group"))

			<-ctx.Done()

			return nil
		},
	}
}

// watch writes every engagement change and failed deployment to out, one
// JSON document per line.
func watch(ctx context.Context, sub eventbus.EventSubscriber, out io.Writer) error {
	var mu sync.Mutex

	encoder := json.NewEncoder(out)
	write := func(v any) error {
		mu.Lock()
		defer mu.Unlock()

		return encoder.Encode(v)
	}

	err := eventbus.OnEngagementChange(sub, func(_ context.Context, event *events.EngagementStateChanged) error {
		return write(event)
	})
	if err != nil {
		return err
	}

	err = eventbus.On(sub, events.DeploymentFailedEvent, func(_ context.Context, event *events.DeploymentFailed) error {
		return write(event)
	})
	if err != nil {
		return err
	}

	return sub.Subscribe(ctx)
}
