package repository

import (
	"context"
	"errors"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"gorm.io/gorm"
)

type GormPreferenceRepo struct {
	db *gorm.DB
}

func NewGormPreferenceRepo(db *gorm.DB) *GormPreferenceRepo {
	return &GormPreferenceRepo{db: db}
}

func (r *GormPreferenceRepo) Get(ctx context.Context, recipient string, channel domain.Channel) (*domain.ChannelPreference, error) {
	var model ChannelPreferenceModel
	err := r.db.WithContext(ctx).
		Where("LOWER(recipient) = LOWER(?) AND channel = ?", recipient, channel).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return preferenceModelToDomain(&model), nil
}
