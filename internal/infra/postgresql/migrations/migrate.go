package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notifications",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications (channel, created_at) WHERE status = 'pending'`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.NotificationModel{})
			},
		},
		{
			ID: "000002_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_stale_pending ON delivery_attempts (created_at) WHERE status = 'pending'`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
			},
		},
		{
			ID: "000003_create_channel_preferences",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.ChannelPreferenceModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_channel_preferences_recipient_lower ON channel_preferences (LOWER(recipient), channel)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ChannelPreferenceModel{})
			},
		},
		{
			ID: "000004_index_pending_notifications_created",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_pending_created ON notifications (created_at) WHERE status = 'pending'`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_notifications_pending_created`).Error
			},
		},
	})

	return m.Migrate()
}
