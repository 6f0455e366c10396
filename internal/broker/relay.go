package broker

import (
	"context"
	"time"

	"github.com/opsdash/dispatch-engine/internal/events"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

// Relay forwards bus events to a broker. Publish failures are logged and the
// event is dropped; delivery state lives in the store, not in the broker.
type Relay struct {
	publisher EventPublisher
	timeout   time.Duration
	logger    *zap.Logger
}

func NewRelay(publisher EventPublisher, timeout time.Duration, logger *zap.Logger) *Relay {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{publisher: publisher, timeout: timeout, logger: logger}
}

func (r *Relay) Run(ctx context.Context, sub *events.Subscription) error {
	r.logger.Info("event relay started", zap.String("exchange", EventsExchange))
	defer r.logger.Info("event relay stopped")

	return events.Consume(ctx, sub, r.forward)
}

func (r *Relay) forward(ctx context.Context, e events.Event) {
	publishCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.publisher.PublishEvent(publishCtx, e); err != nil {
		r.logger.Error("failed to relay event",
			zap.String("eventType", string(e.Type)),
			zap.String("notificationId", e.NotificationID),
			zap.Error(err),
		)
	}
}
