package postgres

import (
	"context"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/outbound"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// rateConfigAdapter implements outbound.RateConfigDatabasePort.
type rateConfigAdapter struct {
	db *gorm.DB
}

// NewRateConfigAdapter creates a new rate config database adapter.
func NewRateConfigAdapter(db *gorm.DB) outbound.RateConfigDatabasePort {
	return &rateConfigAdapter{db: db}
}

func (a *rateConfigAdapter) ListActive(ctx context.Context) ([]*model.RateConfig, error) {
	var rates []*model.RateConfig
	err := a.db.WithContext(ctx).
		Where("active = ?", true).
		Order("model_key ASC").
		Find(&rates).Error
	return rates, err
}

func (a *rateConfigAdapter) Upsert(ctx context.Context, rate *model.RateConfig) error {
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "model_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"input_usd_per_million", "output_usd_per_million", "flat_run_micros",
				"margin_percent", "active", "updated_at",
			}),
		}).
		Create(rate).Error
}

// Compile-time check
var _ outbound.RateConfigDatabasePort = (*rateConfigAdapter)(nil)
