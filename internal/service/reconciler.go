package service

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/queue"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReconcileInterval   = 30 * time.Second
	defaultReconcileStaleAfter = 5 * time.Minute
	defaultReconcileLimit      = 100
)

// Enqueuer hands delivery jobs to the queue of their channel.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, opts queue.EnqueueOptions) (queue.Job, error)
}

// Reconciler periodically fails attempts left pending by a crashed worker
// and re-enqueues their notifications while the attempt budget allows. It also
// re-enqueues pending notifications whose job was lost before any attempt
// was recorded.
type Reconciler struct {
	store      repository.Store
	tracker    *DeliveryTracker
	enqueuer   Enqueuer
	logger     *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time

	// recovered holds stalled notifications re-enqueued within staleAfter.
	recovered map[string]time.Time
}

func NewReconciler(
	store repository.Store,
	tracker *DeliveryTracker,
	enqueuer Enqueuer,
	interval time.Duration,
	staleAfter time.Duration,
	logger *zap.Logger,
) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultReconcileStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		store:      store,
		tracker:    tracker,
		enqueuer:   enqueuer,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      defaultReconcileLimit,
		now:        time.Now,
		recovered:  make(map[string]time.Time),
	}, nil
}

func (r *Reconciler) Start(ctx context.Context) error {
	// Attempts orphaned by the previous process are picked up right away.
	if err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconciler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reconciler scan failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one scan over stale pending attempts, then one over stalled
// notifications.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	handled := make(map[string]bool)
	if err := r.reconcileAttempts(ctx, handled); err != nil {
		return err
	}
	return r.reconcileStalled(ctx, handled)
}

func (r *Reconciler) reconcileAttempts(ctx context.Context, handled map[string]bool) error {
	stale, err := r.store.Attempts().ListStalePending(ctx, r.now().Add(-r.staleAfter), r.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stale attempts: %w", err)
	}

	for _, attempt := range stale {
		handled[attempt.NotificationID] = true
		n, err := r.tracker.Expire(ctx, attempt)
		if err != nil {
			r.logger.Error("failed to expire stale attempt",
				zap.String("attemptId", attempt.ID),
				zap.String("notificationId", attempt.NotificationID),
				zap.Error(err),
			)
			continue
		}
		if n == nil {
			continue
		}

		if !r.reenqueue(ctx, n, attempt.AttemptCount) {
			continue
		}
		r.logger.Info("stale attempt re-enqueued",
			zap.String("notificationId", n.ID),
			zap.Int("attempt", attempt.AttemptCount),
		)
	}

	return nil
}

// reconcileStalled recovers pending notifications with no attempt in flight
// and no attempt activity within staleAfter of their scheduled start: jobs
// lost with an in-memory queue, or dropped between pop and the first attempt.
func (r *Reconciler) reconcileStalled(ctx context.Context, handled map[string]bool) error {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	for id, at := range r.recovered {
		if at.Before(cutoff) {
			delete(r.recovered, id)
		}
	}

	stalled, err := r.store.Notifications().ListStalled(ctx, cutoff, r.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stalled notifications: %w", err)
	}

	for i := range stalled {
		n := &stalled[i]
		if _, ok := r.recovered[n.ID]; ok || handled[n.ID] || !n.CreatedAt.Add(n.Priority.Delay()).Before(cutoff) {
			continue
		}

		count, err := r.store.Attempts().CountByNotificationID(ctx, n.ID)
		if err != nil {
			r.logger.Error("failed to count attempts of stalled notification",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
			continue
		}
		if !r.reenqueue(ctx, n, count) {
			continue
		}
		r.recovered[n.ID] = now
		r.logger.Warn("stalled notification re-enqueued",
			zap.String("notificationId", n.ID),
			zap.Int("attempts", count),
		)
	}

	return nil
}

// reenqueue hands n back to its queue with the given attempt count, failing
// the notification when the queue refuses it.
func (r *Reconciler) reenqueue(ctx context.Context, n *domain.Notification, attempts int) bool {
	job := queue.JobFromNotification(n)
	job.Attempts = attempts
	if _, err := r.enqueuer.Enqueue(ctx, job, queue.EnqueueOptions{Priority: n.Priority.Level()}); err != nil {
		r.logger.Error("failed to re-enqueue notification",
			zap.String("notificationId", n.ID),
			zap.Error(err),
		)
		if failErr := r.tracker.FailUnqueued(ctx, n, err); failErr != nil {
			r.logger.Error("failed to fail unqueued notification",
				zap.String("notificationId", n.ID),
				zap.Error(failErr),
			)
		}
		return false
	}
	return true
}
