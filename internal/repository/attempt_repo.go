package repository

import (
	"context"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"gorm.io/gorm"
)

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) Complete(
	ctx context.Context,
	id string,
	status domain.AttemptStatus,
	providerMessageID *string,
	errMsg *string,
	at time.Time,
) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND status = ?", id, domain.AttemptPending).
		Updates(map[string]any{
			"status":              status,
			"provider_message_id": providerMessageID,
			"error":               errMsg,
			"last_attempt_at":     at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAttemptRepo) DiscardPending(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, domain.AttemptPending).
		Delete(&DeliveryAttemptModel{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAttemptRepo) CountByNotificationID(ctx context.Context, notificationID string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("notification_id = ?", notificationID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_count ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

func (r *GormAttemptRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.AttemptPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

type attemptStatusCount struct {
	Status domain.AttemptStatus `gorm:"column:status"`
	Count  int64                `gorm:"column:count"`
}

// StatsByTenant aggregates in one grouped query so the counts come from a
// single snapshot.
func (r *GormAttemptRepo) StatsByTenant(ctx context.Context, tenantID string) (domain.DeliveryStats, error) {
	var rows []attemptStatusCount
	err := r.db.WithContext(ctx).
		Table("delivery_attempts AS a").
		Select("a.status AS status, COUNT(*) AS count").
		Joins("JOIN notifications n ON n.id = a.notification_id").
		Where("n.tenant_id = ?", tenantID).
		Group("a.status").
		Scan(&rows).Error
	if err != nil {
		return domain.DeliveryStats{}, err
	}

	counts := make(map[domain.AttemptStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return statsFromCounts(counts), nil
}
