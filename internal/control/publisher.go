package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/model"
)

// EventPublisher publishes group events to JetStream
type EventPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewEventPublisher creates an event publisher. The event stream must exist,
// see SetupStreams.
func NewEventPublisher(js nats.JetStreamContext, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		js:     js,
		logger: logger.Named("events"),
	}
}

// PublishEvent implements runner.EventPublisher
func (p *EventPublisher) PublishEvent(ev *model.GroupEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(ev.Group, string(ev.Type))
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("role", ev.Role))
	return nil
}

// SubscribeEvents delivers new events of a group to handler until ctx is done
func SubscribeEvents(ctx context.Context, js nats.JetStreamContext, group string, handler func(*model.GroupEvent), logger *zap.Logger) error {
	sub, err := js.Subscribe(GroupEvents(group), func(msg *nats.Msg) {
		var ev model.GroupEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Error("Failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			msg.Ack()
			return
		}

		handler(&ev)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
