package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/outbound"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// spendingLimitAdapter implements outbound.SpendingLimitDatabasePort.
type spendingLimitAdapter struct {
	db *gorm.DB
}

// NewSpendingLimitAdapter creates a new spending limit database adapter.
func NewSpendingLimitAdapter(db *gorm.DB) outbound.SpendingLimitDatabasePort {
	return &spendingLimitAdapter{db: db}
}

func (a *spendingLimitAdapter) GetByAccount(ctx context.Context, accountID uuid.UUID) (*model.SpendingLimitConfig, error) {
	var cfg model.SpendingLimitConfig
	err := a.db.WithContext(ctx).First(&cfg, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (a *spendingLimitAdapter) Upsert(ctx context.Context, cfg *model.SpendingLimitConfig) error {
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"monthly_cap_micros", "alert_threshold_percent", "hard_limit", "timezone", "updated_at",
			}),
		}).
		Create(cfg).Error
}

// AddMonthlySpend accumulates into the period counter, resetting it in the
// same statement when the stored period key is stale. Single upsert, so
// concurrent writers at a month boundary cannot double-reset.
func (a *spendingLimitAdapter) AddMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string, amountMicros int64) error {
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"current_month_spent_micros": gorm.Expr(
					"CASE WHEN spending_limit_configs.period_key = ? THEN spending_limit_configs.current_month_spent_micros + ? ELSE ? END",
					periodKey, amountMicros, amountMicros,
				),
				"period_key": periodKey,
				"updated_at": time.Now(),
			}),
		}).
		Create(&model.SpendingLimitConfig{
			AccountID:               accountID,
			AlertThresholdPercent:   80,
			CurrentMonthSpentMicros: amountMicros,
			PeriodKey:               periodKey,
			Timezone:                "UTC",
		}).Error
}

func (a *spendingLimitAdapter) TryMarkAlerted(ctx context.Context, accountID uuid.UUID, periodKey string) (bool, error) {
	res := a.db.WithContext(ctx).
		Model(&model.SpendingLimitConfig{}).
		Where("account_id = ? AND (alert_period_key IS NULL OR alert_period_key <> ?)", accountID, periodKey).
		Update("alert_period_key", periodKey)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Compile-time check
var _ outbound.SpendingLimitDatabasePort = (*spendingLimitAdapter)(nil)
