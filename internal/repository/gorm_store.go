package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

var _ Store = (*GormStore)(nil)

// GormStore is the postgres-backed Store.
type GormStore struct {
	db          *gorm.DB
	notifs      *GormNotificationRepo
	attempts    *GormAttemptRepo
	preferences *GormPreferenceRepo
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:          db,
		notifs:      NewGormNotificationRepo(db),
		attempts:    NewGormAttemptRepo(db),
		preferences: NewGormPreferenceRepo(db),
	}
}

func (s *GormStore) Notifications() NotificationRepository { return s.notifs }

func (s *GormStore) Attempts() AttemptRepository { return s.attempts }

func (s *GormStore) Preferences() PreferenceRepository { return s.preferences }

func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormStore(tx))
	})
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
