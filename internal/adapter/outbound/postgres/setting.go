package postgres

import (
	"context"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/outbound"
	"gorm.io/gorm"
)

// settingAdapter implements outbound.SettingDatabasePort.
type settingAdapter struct {
	db *gorm.DB
}

// NewSettingAdapter creates a new setting database adapter.
func NewSettingAdapter(db *gorm.DB) outbound.SettingDatabasePort {
	return &settingAdapter{db: db}
}

func (a *settingAdapter) List(ctx context.Context) ([]*model.Setting, error) {
	var settings []*model.Setting
	err := a.db.WithContext(ctx).Find(&settings).Error
	return settings, err
}

// Compile-time check
var _ outbound.SettingDatabasePort = (*settingAdapter)(nil)
