package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/outbound"
	"gorm.io/gorm"
)

// usageEventAdapter implements outbound.UsageEventDatabasePort.
type usageEventAdapter struct {
	db *gorm.DB
}

// NewUsageEventAdapter creates a new usage event database adapter.
func NewUsageEventAdapter(db *gorm.DB) outbound.UsageEventDatabasePort {
	return &usageEventAdapter{db: db}
}

func (a *usageEventAdapter) Create(ctx context.Context, event *model.UsageEvent) error {
	return a.db.WithContext(ctx).Create(event).Error
}

func (a *usageEventAdapter) GetByID(ctx context.Context, id int64) (*model.UsageEvent, error) {
	var event model.UsageEvent
	err := a.db.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (a *usageEventAdapter) SetChargeStatus(ctx context.Context, id int64, status model.ChargeStatus) error {
	return a.db.WithContext(ctx).
		Model(&model.UsageEvent{}).
		Where("id = ?", id).
		Update("charge_status", status).Error
}

func (a *usageEventAdapter) MarkBilled(ctx context.Context, id int64, at time.Time) error {
	return a.db.WithContext(ctx).
		Model(&model.UsageEvent{}).
		Where("id = ? AND billed_at IS NULL", id).
		Update("billed_at", at).Error
}

func (a *usageEventAdapter) GetStats(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*model.UsageStats, error) {
	var totals struct {
		TotalEvents      int64
		TotalInputUnits  int64
		TotalOutputUnits int64
		TotalCostMicros  int64
		TotalSellMicros  int64
	}

	err := a.db.WithContext(ctx).
		Model(&model.UsageEvent{}).
		Select("COUNT(*) as total_events, COALESCE(SUM(input_units), 0) as total_input_units, COALESCE(SUM(output_units), 0) as total_output_units, COALESCE(SUM(cost_micros), 0) as total_cost_micros, COALESCE(SUM(sell_micros), 0) as total_sell_micros").
		Where("account_id = ? AND success = true AND created_at >= ? AND created_at < ?", accountID, start, end).
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}

	var modelStats []struct {
		ModelKey        string
		TotalEvents     int64
		TotalUnits      int64
		TotalSellMicros int64
	}
	err = a.db.WithContext(ctx).
		Model(&model.UsageEvent{}).
		Select("model_key, COUNT(*) as total_events, COALESCE(SUM(input_units + output_units), 0) as total_units, COALESCE(SUM(sell_micros), 0) as total_sell_micros").
		Where("account_id = ? AND success = true AND created_at >= ? AND created_at < ?", accountID, start, end).
		Group("model_key").
		Scan(&modelStats).Error
	if err != nil {
		return nil, err
	}

	byModel := make(map[string]*model.ModelUsage, len(modelStats))
	for _, ms := range modelStats {
		byModel[ms.ModelKey] = &model.ModelUsage{
			ModelKey:        ms.ModelKey,
			TotalEvents:     ms.TotalEvents,
			TotalUnits:      ms.TotalUnits,
			TotalSellMicros: ms.TotalSellMicros,
		}
	}

	return &model.UsageStats{
		TotalEvents:      totals.TotalEvents,
		TotalInputUnits:  totals.TotalInputUnits,
		TotalOutputUnits: totals.TotalOutputUnits,
		TotalCostMicros:  totals.TotalCostMicros,
		TotalSellMicros:  totals.TotalSellMicros,
		ByModel:          byModel,
	}, nil
}

// Compile-time check
var _ outbound.UsageEventDatabasePort = (*usageEventAdapter)(nil)
