package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tallyhq/metering/internal/infra/events"
	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/inbound"
	"github.com/tallyhq/metering/internal/port/outbound"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

// ErrInvalidThreshold rejects alert thresholds outside (0, 100].
var ErrInvalidThreshold = errors.New("alert threshold must be between 1 and 100")

// periodKeyLayout keys monthly counters by calendar month.
const periodKeyLayout = "2006-01"

// Guard enforces monthly money-denominated spending caps. The check is
// advisory pre-flight: caps bound reported sell-price spend for the current
// calendar month in the account's billing timezone and are independent of
// the credit balance. Storage problems degrade to allowing the call; the
// guard never blocks usage because its own dependencies are down.
type Guard struct {
	limits  outbound.SpendingLimitDatabasePort
	cache   outbound.SpendCachePort // nil disables the read-path cache
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Compile-time interface check.
var _ inbound.LimitChecker = (*Guard)(nil)

// NewGuard creates a spending limit guard. cache may be nil.
func NewGuard(
	limits outbound.SpendingLimitDatabasePort,
	cache outbound.SpendCachePort,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Guard {
	return &Guard{
		limits:  limits,
		cache:   cache,
		bus:     bus,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckLimit answers whether an account may start a metered invocation.
// Only a hard limit at or past 100% denies; soft limits always allow and
// surface percentages for the caller to display.
func (g *Guard) CheckLimit(ctx context.Context, accountID uuid.UUID) (*inbound.LimitDecision, error) {
	cfg, err := g.limits.GetByAccount(ctx, accountID)
	if err != nil {
		g.logger.Warn("limit config read failed, allowing call",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		return g.decide(&inbound.LimitDecision{Allowed: true}), nil
	}
	if cfg == nil || !cfg.HasCap() {
		return g.decide(&inbound.LimitDecision{Allowed: true}), nil
	}

	periodKey := g.now().In(cfg.Location()).Format(periodKeyLayout)
	spent := g.spentMicros(ctx, accountID, cfg, periodKey)

	decision := &inbound.LimitDecision{
		Allowed:     true,
		CapMicros:   cfg.MonthlyCapMicros,
		SpentMicros: spent,
		PercentUsed: float64(spent) / float64(cfg.MonthlyCapMicros) * 100,
	}
	if remaining := cfg.MonthlyCapMicros - spent; remaining > 0 {
		decision.RemainingMicros = remaining
	}

	if spent >= cfg.MonthlyCapMicros {
		g.alertOnce(ctx, accountID, cfg, periodKey, spent)
		if cfg.HardLimit {
			decision.Allowed = false
			decision.Message = "monthly spending limit reached"
		} else {
			decision.Message = "monthly spending limit exceeded"
		}
	} else if decision.PercentUsed >= float64(cfg.AlertThresholdPercent) {
		decision.Message = fmt.Sprintf("%.0f%% of monthly spending limit used", decision.PercentUsed)
	}

	return g.decide(decision), nil
}

// GetConfig returns the limit config for an account, (nil, nil) when none
// is set.
func (g *Guard) GetConfig(ctx context.Context, accountID uuid.UUID) (*model.SpendingLimitConfig, error) {
	return g.limits.GetByAccount(ctx, accountID)
}

// SetLimit creates or replaces the limit config for an account. A zero cap
// removes the cap while keeping the row.
func (g *Guard) SetLimit(ctx context.Context, cfg *model.SpendingLimitConfig) error {
	if cfg.MonthlyCapMicros < 0 {
		return fmt.Errorf("monthly cap must not be negative")
	}
	if cfg.AlertThresholdPercent <= 0 || cfg.AlertThresholdPercent > 100 {
		return ErrInvalidThreshold
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}
	if err := g.limits.Upsert(ctx, cfg); err != nil {
		return fmt.Errorf("upsert limit config: %w", err)
	}
	g.logger.Info("spending limit updated",
		zap.String("account_id", cfg.AccountID.String()),
		zap.Int64("cap_micros", cfg.MonthlyCapMicros),
		zap.Bool("hard_limit", cfg.HardLimit),
	)
	return nil
}

// spentMicros reads the period spend, preferring the cache. A cache miss or
// error falls back to the config row; a row with a stale period key reads as
// zero (lazy month reset).
func (g *Guard) spentMicros(ctx context.Context, accountID uuid.UUID, cfg *model.SpendingLimitConfig, periodKey string) int64 {
	if g.cache != nil {
		spent, err := g.cache.GetMonthlySpend(ctx, accountID, periodKey)
		if err == nil {
			return spent
		}
		if !errors.Is(err, outbound.ErrCacheMiss) {
			g.logger.Warn("spend cache read failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
	return cfg.SpentForPeriod(periodKey)
}

// alertOnce fires the 100%-crossed event exactly once per account-period.
func (g *Guard) alertOnce(ctx context.Context, accountID uuid.UUID, cfg *model.SpendingLimitConfig, periodKey string, spent int64) {
	first, err := g.limits.TryMarkAlerted(ctx, accountID, periodKey)
	if err != nil {
		g.logger.Warn("limit alert stamp failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		return
	}
	if !first {
		return
	}

	if g.metrics != nil {
		g.metrics.LimitCrossingsTotal.Inc()
	}
	if g.bus != nil {
		g.bus.Publish(events.NewSpendingLimitCrossedEvent(
			accountID, cfg.MonthlyCapMicros, spent, periodKey, cfg.HardLimit,
		))
	}
	g.logger.Info("monthly spending limit crossed",
		zap.String("account_id", accountID.String()),
		zap.String("period", periodKey),
		zap.Int64("cap_micros", cfg.MonthlyCapMicros),
		zap.Int64("spent_micros", spent),
	)
}

func (g *Guard) decide(decision *inbound.LimitDecision) *inbound.LimitDecision {
	if g.metrics != nil {
		g.metrics.LimitChecksTotal.WithLabelValues(fmt.Sprintf("%t", decision.Allowed)).Inc()
	}
	return decision
}
