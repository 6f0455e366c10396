package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/opsdash/dispatch-engine/internal/observability"
	"github.com/opsdash/dispatch-engine/internal/provider"
	"github.com/opsdash/dispatch-engine/internal/queue"
	"github.com/opsdash/dispatch-engine/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProviderLookup resolves the provider of a channel.
type ProviderLookup interface {
	Get(channel domain.Channel) (provider.Provider, error)
}

// Dispatcher is the queue handler that turns a job into one provider attempt.
type Dispatcher struct {
	providers ProviderLookup
	gate      *PreferenceGate
	tracker   *DeliveryTracker
	limiter   ratelimit.RateLimiter
	bus       *events.Bus
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewDispatcher(
	providers ProviderLookup,
	gate *PreferenceGate,
	tracker *DeliveryTracker,
	limiter ratelimit.RateLimiter,
	bus *events.Bus,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider lookup is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		providers: providers,
		gate:      gate,
		tracker:   tracker,
		limiter:   limiter,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Run starts the worker pool of every queue and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context, queues ...*queue.ChannelQueue) error {
	if len(queues) == 0 {
		return fmt.Errorf("no queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error {
			d.logger.Info("dispatcher started", zap.String("channel", q.Channel().String()))
			if err := q.Run(groupCtx, d.Handle); err != nil {
				d.logger.Error("dispatcher stopped with error",
					zap.String("channel", q.Channel().String()),
					zap.Error(err),
				)
				return err
			}
			d.logger.Info("dispatcher stopped", zap.String("channel", q.Channel().String()))
			return nil
		})
	}
	return g.Wait()
}

// Handle delivers one job. Terminal outcomes are returned as permanent errors
// so the queue never retries them.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	if job.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, job.CorrelationID)
	}
	ctx = observability.WithTenantID(ctx, job.TenantID)
	logger := observability.WithContextLogger(d.logger, ctx).With(
		zap.String("notificationId", job.NotificationID),
		zap.String("channel", job.Channel.String()),
	)

	if err := d.gate.Allow(ctx, job.Recipient, job.Channel); err != nil {
		if !errors.Is(err, domain.ErrPreferenceBlocked) {
			return err
		}
		logger.Info("recipient disabled channel, skipping delivery")
		if err := d.tracker.Block(ctx, job); err != nil {
			return err
		}
		return queue.Permanent(domain.ErrPreferenceBlocked)
	}

	p, err := d.providers.Get(job.Channel)
	if err != nil {
		return queue.Permanent(err)
	}

	channelName := job.Channel.String()
	d.metrics.IncWorkerInFlight(channelName)
	defer d.metrics.DecWorkerInFlight(channelName)

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, channelName); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	message := provider.Message{
		NotificationID: job.NotificationID,
		To:             job.Recipient,
		Subject:        job.Title,
		Content:        job.Content,
		Metadata:       job.Metadata,
	}
	outcome, err := d.tracker.Track(ctx, job, func(sendCtx context.Context) (*provider.Response, error) {
		sendStart := d.now()
		resp, sendErr := p.Send(sendCtx, message)
		d.metrics.ObserveNotificationSendDuration(channelName, d.now().Sub(sendStart))
		return resp, sendErr
	})
	if err != nil {
		return err
	}

	switch {
	case outcome.SendErr == nil:
		return nil
	case outcome.Terminal:
		logger.Warn("delivery failed permanently",
			zap.String("reason", outcome.Reason),
			zap.Error(outcome.SendErr),
		)
		return queue.Permanent(outcome.SendErr)
	default:
		return outcome.SendErr
	}
}

// OnRetry is the queue hook for rescheduled jobs.
func (d *Dispatcher) OnRetry(job queue.Job, delay time.Duration) {
	d.logger.Info("delivery retry scheduled",
		zap.String("notificationId", job.NotificationID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
	)
	d.bus.Publish(events.Event{
		Type:           events.RetryScheduled,
		NotificationID: job.NotificationID,
		TenantID:       job.TenantID,
		Channel:        job.Channel,
		AttemptCount:   job.Attempts,
	})
}

// OnExhausted is the queue hook for jobs that will not run again.
func (d *Dispatcher) OnExhausted(ctx context.Context, job queue.Job, err error) {
	if failErr := d.tracker.FailExhausted(ctx, job, err); failErr != nil {
		d.logger.Error("failed to fail exhausted notification",
			zap.String("notificationId", job.NotificationID),
			zap.Error(failErr),
		)
	}
}
