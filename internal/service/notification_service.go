package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opsdash/dispatch-engine/internal/cache"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/opsdash/dispatch-engine/internal/queue"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	statsCachePrefix = "stats:"
	statsCacheTTL    = 5 * time.Second
)

// SendRequest is a caller's intent to notify one recipient on one channel.
type SendRequest struct {
	TenantID      string
	Title         string
	Content       string
	Channel       string
	Priority      string
	Recipient     string
	Metadata      json.RawMessage
	TemplateID    *string
	CorrelationID string
}

// NotificationDetail is a notification with its ordered attempt history.
type NotificationDetail struct {
	Notification *domain.Notification
	Attempts     []domain.DeliveryAttempt
}

type NotificationService struct {
	store    repository.Store
	enqueuer Enqueuer
	tracker  *DeliveryTracker
	cache    *cache.Cache
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewNotificationService(
	store repository.Store,
	enqueuer Enqueuer,
	tracker *DeliveryTracker,
	statsCache *cache.Cache,
	bus *events.Bus,
	logger *zap.Logger,
) (*NotificationService, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		store:    store,
		enqueuer: enqueuer,
		tracker:  tracker,
		cache:    statsCache,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Send validates and persists the notification and schedules its delivery.
// It returns once the job is queued; delivery happens on the channel workers.
func (s *NotificationService) Send(ctx context.Context, req SendRequest) (*domain.Notification, error) {
	notification, err := s.buildNotification(req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Notifications().Create(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	job := queue.JobFromNotification(notification)
	job.CorrelationID = req.CorrelationID
	opts := queue.EnqueueOptions{
		Delay:    notification.Priority.Delay(),
		Priority: notification.Priority.Level(),
	}
	if _, err := s.enqueuer.Enqueue(ctx, job, opts); err != nil {
		s.logger.Error("failed to enqueue notification",
			zap.String("notificationId", notification.ID),
			zap.String("channel", notification.Channel.String()),
			zap.Error(err),
		)
		if failErr := s.tracker.FailUnqueued(ctx, notification, err); failErr != nil {
			return nil, fmt.Errorf("failed to enqueue notification: %w (failed to mark as failed: %v)", err, failErr)
		}
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	s.bus.Publish(events.Event{
		Type:           events.NotificationCreated,
		NotificationID: notification.ID,
		TenantID:       notification.TenantID,
		Channel:        notification.Channel,
		Priority:       notification.Priority.String(),
	})

	return notification, nil
}

// GetDeliveryStats aggregates the tenant's delivery attempts. Results are
// cached briefly so dashboards polling the endpoint stay cheap.
func (s *NotificationService) GetDeliveryStats(ctx context.Context, tenantID string) (domain.DeliveryStats, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.DeliveryStats{}, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}

	key := statsCachePrefix + tenantID
	if stats, ok := cache.GetJSON[domain.DeliveryStats](ctx, s.cache, key); ok {
		return stats, nil
	}

	stats, err := s.store.Attempts().StatsByTenant(ctx, tenantID)
	if err != nil {
		return domain.DeliveryStats{}, fmt.Errorf("failed to load delivery stats: %w", err)
	}

	if err := cache.SetJSON(ctx, s.cache, key, stats, statsCacheTTL); err != nil {
		s.logger.Warn("failed to cache delivery stats", zap.String("tenantId", tenantID), zap.Error(err))
	}
	return stats, nil
}

func (s *NotificationService) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if strings.TrimSpace(params.TenantID) == "" {
		return nil, 0, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	return s.store.Notifications().List(ctx, params)
}

// Get returns the tenant's notification and its attempts. Notifications of
// other tenants are reported as not found.
func (s *NotificationService) Get(ctx context.Context, tenantID, id string) (*NotificationDetail, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: notification %q", domain.ErrNotFound, id)
	}

	notification, err := s.store.Notifications().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if notification.TenantID != tenantID {
		return nil, fmt.Errorf("%w: notification %q", domain.ErrNotFound, id)
	}

	attempts, err := s.store.Attempts().GetByNotificationID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}

	return &NotificationDetail{Notification: notification, Attempts: attempts}, nil
}

func (s *NotificationService) buildNotification(req SendRequest) (*domain.Notification, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriorityFromString(req.Priority)
	if err != nil {
		return nil, err
	}

	metadata, err := normalizeMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	notification := &domain.Notification{
		ID:         s.newID(),
		TenantID:   strings.TrimSpace(req.TenantID),
		Title:      strings.TrimSpace(req.Title),
		Content:    req.Content,
		Channel:    channel,
		Status:     domain.StatusPending,
		Priority:   priority,
		Recipient:  strings.TrimSpace(req.Recipient),
		Metadata:   metadata,
		TemplateID: req.TemplateID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := notification.Validate(); err != nil {
		return nil, err
	}
	return notification, nil
}

func normalizeMetadata(raw json.RawMessage) (datatypes.JSON, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var object map[string]any
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return nil, fmt.Errorf("%w: metadata must be a JSON object", domain.ErrValidation)
	}
	return datatypes.JSON(trimmed), nil
}
