package repository

import (
	"context"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

type ListParams struct {
	TenantID string
	Status   *domain.Status
	Channel  *domain.Channel
	Page     int
	PageSize int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	// MarkSent and MarkFailed only move a pending notification; they report
	// false when the notification was already terminal.
	MarkSent(ctx context.Context, id string, providerMessageID *string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) (bool, error)
	// ListStalled returns pending notifications created before the cutoff that
	// have no pending attempt and no attempt activity since the cutoff.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]domain.Notification, error)
}

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	// Complete resolves a pending attempt; false means it was resolved already.
	Complete(ctx context.Context, id string, status domain.AttemptStatus, providerMessageID *string, errMsg *string, at time.Time) (bool, error)
	// DiscardPending removes a pending attempt that never reached an outcome.
	DiscardPending(ctx context.Context, id string) (bool, error)
	CountByNotificationID(ctx context.Context, notificationID string) (int, error)
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error)
	StatsByTenant(ctx context.Context, tenantID string) (domain.DeliveryStats, error)
}

type PreferenceRepository interface {
	Get(ctx context.Context, recipient string, channel domain.Channel) (*domain.ChannelPreference, error)
}

// Store groups the repositories and runs units of work atomically.
type Store interface {
	Notifications() NotificationRepository
	Attempts() AttemptRepository
	Preferences() PreferenceRepository
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}

func normalizePage(page, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	return page, min(pageSize, 100)
}

func statsFromCounts(counts map[domain.AttemptStatus]int64) domain.DeliveryStats {
	stats := domain.DeliveryStats{
		Sent:    counts[domain.AttemptSuccess],
		Failed:  counts[domain.AttemptFailed],
		Pending: counts[domain.AttemptPending],
	}
	stats.Total = stats.Sent + stats.Failed + stats.Pending
	return stats
}
