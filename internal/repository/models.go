package repository

import (
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"gorm.io/datatypes"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID                string          `gorm:"type:uuid;primaryKey"`
	TenantID          string          `gorm:"type:varchar(64);not null;index:idx_notifications_tenant_created,priority:1"`
	Title             string          `gorm:"type:varchar(255);not null"`
	Content           string          `gorm:"type:text;not null"`
	Channel           domain.Channel  `gorm:"type:varchar(10);not null"`
	Status            domain.Status   `gorm:"type:varchar(10);not null"`
	Priority          domain.Priority `gorm:"type:varchar(10);not null"`
	Recipient         string          `gorm:"type:varchar(255);not null"`
	Metadata          datatypes.JSON  `gorm:"type:jsonb"`
	TemplateID        *string         `gorm:"type:varchar(64)"`
	ProviderMessageID *string         `gorm:"type:varchar(255)"`
	CreatedAt         time.Time       `gorm:"index:idx_notifications_tenant_created,priority:2,sort:desc"`
	UpdatedAt         time.Time
	SentAt            *time.Time
	Error             *string `gorm:"type:text"`
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	NotificationID    string               `gorm:"type:uuid;not null;uniqueIndex:idx_attempts_notification_count,priority:1"`
	Channel           domain.Channel       `gorm:"type:varchar(10);not null"`
	Status            domain.AttemptStatus `gorm:"type:varchar(10);not null"`
	AttemptCount      int                  `gorm:"not null;uniqueIndex:idx_attempts_notification_count,priority:2"`
	LastAttemptAt     *time.Time
	Error             *string `gorm:"type:text"`
	ProviderMessageID *string `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// ChannelPreferenceModel is the persistence model for channel_preferences.
type ChannelPreferenceModel struct {
	Recipient string         `gorm:"type:varchar(255);primaryKey"`
	Channel   domain.Channel `gorm:"type:varchar(10);primaryKey"`
	Enabled   bool           `gorm:"not null;default:true"`
	UpdatedAt time.Time
}

func (ChannelPreferenceModel) TableName() string {
	return "channel_preferences"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:                n.ID,
		TenantID:          n.TenantID,
		Title:             n.Title,
		Content:           n.Content,
		Channel:           n.Channel,
		Status:            n.Status,
		Priority:          n.Priority,
		Recipient:         n.Recipient,
		Metadata:          n.Metadata,
		TemplateID:        n.TemplateID,
		ProviderMessageID: n.ProviderMessageID,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
		SentAt:            n.SentAt,
		Error:             n.Error,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:                m.ID,
		TenantID:          m.TenantID,
		Title:             m.Title,
		Content:           m.Content,
		Channel:           m.Channel,
		Status:            m.Status,
		Priority:          m.Priority,
		Recipient:         m.Recipient,
		Metadata:          m.Metadata,
		TemplateID:        m.TemplateID,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		SentAt:            m.SentAt,
		Error:             m.Error,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		NotificationID:    a.NotificationID,
		Channel:           a.Channel,
		Status:            a.Status,
		AttemptCount:      a.AttemptCount,
		LastAttemptAt:     a.LastAttemptAt,
		Error:             a.Error,
		ProviderMessageID: a.ProviderMessageID,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		NotificationID:    m.NotificationID,
		Channel:           m.Channel,
		Status:            m.Status,
		AttemptCount:      m.AttemptCount,
		LastAttemptAt:     m.LastAttemptAt,
		Error:             m.Error,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
	}
}

func preferenceModelToDomain(m *ChannelPreferenceModel) *domain.ChannelPreference {
	if m == nil {
		return nil
	}

	return &domain.ChannelPreference{
		Recipient: m.Recipient,
		Channel:   m.Channel,
		Enabled:   m.Enabled,
		UpdatedAt: m.UpdatedAt,
	}
}
