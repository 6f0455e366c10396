package observability

import (
	"context"

	"github.com/opsdash/dispatch-engine/internal/events"
	"go.uber.org/zap"
)

// EventRecorder turns outcome events into metrics and log lines.
type EventRecorder struct {
	metrics *Metrics
	logger  *zap.Logger
}

func NewEventRecorder(metrics *Metrics, logger *zap.Logger) *EventRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRecorder{metrics: metrics, logger: logger}
}

// Run consumes sub until ctx is canceled or the bus closes.
func (r *EventRecorder) Run(ctx context.Context, sub *events.Subscription) error {
	return events.Consume(ctx, sub, r.Record)
}

func (r *EventRecorder) Record(_ context.Context, e events.Event) {
	channel := e.Channel.String()
	fields := []zap.Field{
		zap.String("eventType", string(e.Type)),
		zap.String("notificationId", e.NotificationID),
		zap.String("tenantId", e.TenantID),
		zap.String("channel", channel),
	}

	switch e.Type {
	case events.NotificationCreated:
		r.metrics.IncNotificationCreated(channel, e.Priority)
		r.logger.Info("notification created", append(fields, zap.String("priority", e.Priority))...)
	case events.DeliveryAttempted:
		r.metrics.IncDeliveryAttempt(channel, e.Status)
		r.logger.Info("delivery attempted", append(fields,
			zap.Int("attempt", e.AttemptCount),
			zap.String("status", e.Status),
			zap.Int64("durationMs", e.DurationMs),
			zap.String("error", e.Error),
		)...)
	case events.RetryScheduled:
		r.metrics.IncRetryScheduled(channel)
		r.logger.Info("delivery retry scheduled", append(fields, zap.Int("attempt", e.AttemptCount))...)
	case events.NotificationSent:
		r.metrics.IncNotificationSent(channel)
		r.logger.Info("notification sent", append(fields, zap.String("providerMessageId", e.ProviderMessageID))...)
	case events.NotificationFailed:
		r.metrics.IncNotificationFailed(channel, e.Reason)
		r.logger.Warn("notification failed", append(fields,
			zap.String("reason", e.Reason),
			zap.String("error", e.Error),
		)...)
	default:
		r.logger.Debug("unhandled event", fields...)
	}
}
