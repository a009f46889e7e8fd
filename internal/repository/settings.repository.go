package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"gorm.io/gorm"
)

// SettingsRepository wraps the GlobalSettings singleton row. Engines
// reread it per tick instead of caching in memory.
type SettingsRepository struct {
	*pg.DB
}

func NewSettingsRepository(db *pg.DB) *SettingsRepository {
	return &SettingsRepository{db}
}

// Get returns the singleton, creating the empty row on first use.
func (r *SettingsRepository) Get(ctx context.Context) (*model.GlobalSettings, error) {
	var s model.GlobalSettings
	err := r.Read(ctx).WithContext(ctx).First(&s).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	s = model.GlobalSettings{ID: 1}
	if err := r.Write(ctx).WithContext(ctx).Create(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// EnableResend stamps the resend enablement instant. Archives created
// before it are never resent.
func (r *SettingsRepository) EnableResend(ctx context.Context, now time.Time) error {
	s, err := r.Get(ctx)
	if err != nil {
		return err
	}
	s.PushNotificationResendEnabled = &now
	return r.Write(ctx).WithContext(ctx).Save(s).Error
}

// DisableResend nulls the enablement instant, making the loop inert.
func (r *SettingsRepository) DisableResend(ctx context.Context) error {
	s, err := r.Get(ctx)
	if err != nil {
		return err
	}
	s.PushNotificationResendEnabled = nil
	return r.Write(ctx).WithContext(ctx).Save(s).Error
}
