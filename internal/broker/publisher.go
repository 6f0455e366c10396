package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsdash/dispatch-engine/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventPublisher publishes outcome events to a broker.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e events.Event) error
}

type RabbitMQPublisher struct {
	client *RabbitMQ
}

var _ EventPublisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) PublishEvent(ctx context.Context, e events.Event) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	publishing, err := newPublishing(e)
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, EventsExchange, RoutingKey(e), false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish event %q: %w", e.Type, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// RoutingKey is <event type>.<channel>, e.g. notification.sent.email.
func RoutingKey(e events.Event) string {
	key := string(e.Type)
	if channel := strings.ToLower(e.Channel.String()); channel != "" {
		key += "." + channel
	}
	return key
}

func newPublishing(e events.Event) (amqp.Publishing, error) {
	if strings.TrimSpace(e.NotificationID) == "" {
		return amqp.Publishing{}, fmt.Errorf("event notificationId is required")
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     e.OccurredAt,
		Type:          string(e.Type),
		CorrelationId: e.NotificationID,
		Body:          payload,
	}, nil
}
