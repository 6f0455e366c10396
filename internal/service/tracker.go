package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/opsdash/dispatch-engine/internal/provider"
	"github.com/opsdash/dispatch-engine/internal/queue"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"go.uber.org/zap"
)

// Failure reasons attached to NotificationFailed events and metrics.
const (
	ReasonPreferenceBlocked = "preference_blocked"
	ReasonRetryExhausted    = "retry_exhausted"
	ReasonPermanentError    = "permanent_error"
	ReasonStaleAttempt      = "stale_attempt"
	ReasonEnqueueFailed     = "enqueue_failed"
	ReasonQueueExhausted    = "queue_exhausted"
)

const (
	defaultSendTimeout = 10 * time.Second
	staleAttemptError  = "stale attempt"
)

// SendFunc performs the provider call of one attempt.
type SendFunc func(ctx context.Context) (*provider.Response, error)

// Outcome describes what a tracked attempt did to its notification.
type Outcome struct {
	Attempt *domain.DeliveryAttempt
	// Skipped is set when the notification was missing or already terminal.
	Skipped  bool
	SendErr  error
	Terminal bool
	Reason   string
}

// DeliveryTracker owns every attempt and notification status transition.
type DeliveryTracker struct {
	store       repository.Store
	bus         *events.Bus
	maxAttempts int
	sendTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

func NewDeliveryTracker(
	store repository.Store,
	bus *events.Bus,
	sendTimeout time.Duration,
	logger *zap.Logger,
) (*DeliveryTracker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryTracker{
		store:       store,
		bus:         bus,
		maxAttempts: domain.MaxAttempts,
		sendTimeout: sendTimeout,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// Track records a pending attempt, runs send under the provider timeout and
// resolves the attempt and the notification in one unit of work. A returned
// error means the outcome could not be recorded.
func (t *DeliveryTracker) Track(ctx context.Context, job queue.Job, send SendFunc) (Outcome, error) {
	n, err := t.store.Notifications().GetByID(ctx, job.NotificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			t.logger.Warn("notification not found, skipping delivery",
				zap.String("notificationId", job.NotificationID),
			)
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, fmt.Errorf("failed to load notification: %w", err)
	}
	if n.Status.IsTerminal() {
		return Outcome{Skipped: true}, nil
	}

	count, err := t.store.Attempts().CountByNotificationID(ctx, n.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to count attempts: %w", err)
	}
	if count >= t.maxAttempts {
		if err := t.fail(ctx, n, ReasonRetryExhausted, domain.ErrDeliveryExhausted.Error()); err != nil {
			return Outcome{}, err
		}
		return Outcome{SendErr: domain.ErrDeliveryExhausted, Terminal: true, Reason: ReasonRetryExhausted}, nil
	}

	startedAt := t.now().UTC()
	attempt := &domain.DeliveryAttempt{
		ID:             t.newID(),
		NotificationID: n.ID,
		Channel:        n.Channel,
		Status:         domain.AttemptPending,
		AttemptCount:   count + 1,
		LastAttemptAt:  &startedAt,
		CreatedAt:      startedAt,
	}
	if err := t.store.Attempts().Create(ctx, attempt); err != nil {
		return Outcome{}, fmt.Errorf("failed to record attempt: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	resp, sendErr := send(sendCtx)
	cancel()
	finishedAt := t.now().UTC()

	if ctx.Err() != nil {
		// Shutdown cut the send short. The attempt is dropped so it does not
		// consume the budget; the queue or the stalled sweep retries the job.
		if _, err := t.store.Attempts().DiscardPending(context.WithoutCancel(ctx), attempt.ID); err != nil {
			t.logger.Error("failed to discard interrupted attempt", zap.String("attemptId", attempt.ID), zap.Error(err))
		}
		return Outcome{}, ctx.Err()
	}

	if sendErr == nil && (resp == nil || strings.TrimSpace(resp.MessageID) == "") {
		sendErr = &provider.ProviderError{Message: "provider returned no message id", Transient: true}
	}

	outcome := Outcome{Attempt: attempt, SendErr: sendErr}
	switch {
	case sendErr == nil:
		outcome.Terminal = true
	case !provider.IsTransient(sendErr):
		outcome.Terminal = true
		outcome.Reason = ReasonPermanentError
	case attempt.AttemptCount >= t.maxAttempts:
		outcome.Terminal = true
		outcome.Reason = ReasonRetryExhausted
	}

	var transitioned bool
	err = t.store.WithinTx(ctx, func(tx repository.Store) error {
		if sendErr == nil {
			messageID := resp.MessageID
			completed, err := tx.Attempts().Complete(ctx, attempt.ID, domain.AttemptSuccess, &messageID, nil, finishedAt)
			if err != nil {
				return err
			}
			if !completed {
				t.logger.Warn("attempt was resolved before the provider answered",
					zap.String("attemptId", attempt.ID),
				)
			}
			attempt.Status = domain.AttemptSuccess
			attempt.ProviderMessageID = &messageID
			transitioned, err = tx.Notifications().MarkSent(ctx, n.ID, &messageID, finishedAt)
			return err
		}

		errMsg := sendErr.Error()
		if _, err := tx.Attempts().Complete(ctx, attempt.ID, domain.AttemptFailed, nil, &errMsg, finishedAt); err != nil {
			return err
		}
		attempt.Status = domain.AttemptFailed
		attempt.Error = &errMsg
		if !outcome.Terminal {
			return nil
		}
		transitioned, err = tx.Notifications().MarkFailed(ctx, n.ID, errMsg, finishedAt)
		return err
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record attempt outcome: %w", err)
	}
	attempt.LastAttemptAt = &finishedAt

	t.publishAttempt(n, attempt, finishedAt.Sub(startedAt))
	if transitioned {
		if sendErr == nil {
			t.publish(events.Event{
				Type:              events.NotificationSent,
				NotificationID:    n.ID,
				TenantID:          n.TenantID,
				Channel:           n.Channel,
				AttemptCount:      attempt.AttemptCount,
				ProviderMessageID: resp.MessageID,
			})
		} else {
			t.publishFailed(n.ID, n.TenantID, n.Channel, outcome.Reason, sendErr.Error())
		}
	}

	return outcome, nil
}

// Block records the single failed attempt of a notification whose recipient
// disabled the channel, and fails the notification.
func (t *DeliveryTracker) Block(ctx context.Context, job queue.Job) error {
	var (
		n       *domain.Notification
		attempt *domain.DeliveryAttempt
		failed  bool
	)
	reason := domain.ErrPreferenceBlocked.Error()
	at := t.now().UTC()

	err := t.store.WithinTx(ctx, func(tx repository.Store) error {
		var err error
		n, err = tx.Notifications().GetByID(ctx, job.NotificationID)
		if err != nil {
			return err
		}
		if n.Status.IsTerminal() {
			return nil
		}

		count, err := tx.Attempts().CountByNotificationID(ctx, n.ID)
		if err != nil {
			return err
		}
		attempt = &domain.DeliveryAttempt{
			ID:             t.newID(),
			NotificationID: n.ID,
			Channel:        n.Channel,
			Status:         domain.AttemptFailed,
			AttemptCount:   count + 1,
			LastAttemptAt:  &at,
			Error:          &reason,
			CreatedAt:      at,
		}
		if err := tx.Attempts().Create(ctx, attempt); err != nil {
			return err
		}
		failed, err = tx.Notifications().MarkFailed(ctx, n.ID, reason, at)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record blocked delivery: %w", err)
	}

	if attempt != nil {
		t.publishAttempt(n, attempt, 0)
	}
	if failed {
		t.publishFailed(n.ID, n.TenantID, n.Channel, ReasonPreferenceBlocked, reason)
	}
	return nil
}

// FailExhausted fails a notification whose job the queue gave up on. It is a
// no-op when the notification already reached a terminal state.
func (t *DeliveryTracker) FailExhausted(ctx context.Context, job queue.Job, cause error) error {
	msg := domain.ErrDeliveryExhausted.Error()
	if cause != nil {
		msg = cause.Error()
	}
	return t.failByID(ctx, job.NotificationID, job.TenantID, job.Channel, ReasonQueueExhausted, msg)
}

// FailUnqueued fails a notification that could not be handed to its queue.
func (t *DeliveryTracker) FailUnqueued(ctx context.Context, n *domain.Notification, cause error) error {
	msg := "failed to enqueue notification"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	if err := t.fail(ctx, n, ReasonEnqueueFailed, msg); err != nil {
		return err
	}
	n.Status = domain.StatusFailed
	n.Error = &msg
	return nil
}

// Expire resolves an attempt that stayed pending past the reconcile threshold.
// It returns the notification when another attempt should be enqueued.
func (t *DeliveryTracker) Expire(ctx context.Context, stale domain.DeliveryAttempt) (*domain.Notification, error) {
	var (
		n         *domain.Notification
		expired   bool
		exhausted bool
		retry     bool
	)
	errMsg := staleAttemptError
	at := t.now().UTC()

	err := t.store.WithinTx(ctx, func(tx repository.Store) error {
		var err error
		expired, err = tx.Attempts().Complete(ctx, stale.ID, domain.AttemptFailed, nil, &errMsg, at)
		if err != nil || !expired {
			return err
		}

		n, err = tx.Notifications().GetByID(ctx, stale.NotificationID)
		if err != nil {
			return err
		}
		if n.Status.IsTerminal() {
			return nil
		}

		count, err := tx.Attempts().CountByNotificationID(ctx, n.ID)
		if err != nil {
			return err
		}
		if count < t.maxAttempts {
			retry = true
			return nil
		}
		exhausted, err = tx.Notifications().MarkFailed(ctx, n.ID, errMsg, at)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to expire stale attempt: %w", err)
	}
	if !expired || n == nil {
		return nil, nil
	}

	stale.Status = domain.AttemptFailed
	stale.Error = &errMsg
	t.publishAttempt(n, &stale, 0)
	if exhausted {
		t.publishFailed(n.ID, n.TenantID, n.Channel, ReasonStaleAttempt, errMsg)
	}
	if !retry {
		return nil, nil
	}
	return n, nil
}

func (t *DeliveryTracker) fail(ctx context.Context, n *domain.Notification, reason, msg string) error {
	return t.failByID(ctx, n.ID, n.TenantID, n.Channel, reason, msg)
}

func (t *DeliveryTracker) failByID(ctx context.Context, id, tenantID string, channel domain.Channel, reason, msg string) error {
	updated, err := t.store.Notifications().MarkFailed(ctx, id, msg, t.now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	if updated {
		t.publishFailed(id, tenantID, channel, reason, msg)
	}
	return nil
}

func (t *DeliveryTracker) publishAttempt(n *domain.Notification, a *domain.DeliveryAttempt, duration time.Duration) {
	e := events.Event{
		Type:           events.DeliveryAttempted,
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		Channel:        n.Channel,
		AttemptCount:   a.AttemptCount,
		Status:         a.Status.String(),
		DurationMs:     duration.Milliseconds(),
	}
	if a.Error != nil {
		e.Error = *a.Error
	}
	if a.ProviderMessageID != nil {
		e.ProviderMessageID = *a.ProviderMessageID
	}
	t.publish(e)
}

func (t *DeliveryTracker) publishFailed(id, tenantID string, channel domain.Channel, reason, msg string) {
	t.publish(events.Event{
		Type:           events.NotificationFailed,
		NotificationID: id,
		TenantID:       tenantID,
		Channel:        channel,
		Reason:         reason,
		Error:          msg,
	})
}

func (t *DeliveryTracker) publish(e events.Event) {
	if t.bus == nil {
		return
	}
	e.OccurredAt = t.now().UTC()
	t.bus.Publish(e)
}
