// Package eventbus publishes governance and engagement signals over watermill.
package eventbus

import (
	"context"
	"fmt"

	"github.com/dukex/orion/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

// EventPublisher is the side the gate, the rollback coordinator and the
// engagement machine write to. key is the workflow or entity id.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber is the consumer side used by outreach services and
// `orion watch`: register handlers with Handle, then Subscribe starts
// consuming the governance and engagement topics.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// On registers a handler receiving the decoded event as *T. A returned error
// nacks the message.
func On[T any](sub EventSubscriber, eventType events.EventType, fn func(ctx context.Context, event *T) error) error {
	return sub.Handle(eventType, func(ctx context.Context, event any) error {
		typed, ok := event.(*T)
		if !ok {
			return fmt.Errorf("%s handler got %T", eventType, event)
		}

		return fn(ctx, typed)
	})
}

// OnEngagementChange registers fn for engagement transitions. Outreach stops
// sending to an entity while the event it last saw has Paused set.
func OnEngagementChange(sub EventSubscriber, fn func(ctx context.Context, event *events.EngagementStateChanged) error) error {
	return On(sub, events.EngagementStateChangedEvent, fn)
}

// Noop discards every event. Components use it when no bus is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, Event) error { return nil }
