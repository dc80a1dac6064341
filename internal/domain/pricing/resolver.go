package pricing

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

// Source identifies where a quote's numbers came from.
type Source string

const (
	SourceRateTable Source = "rate_table"
	SourceFallback  Source = "fallback"
	SourceEstimate  Source = "estimate"
	SourceZero      Source = "zero"
)

// Request describes one invocation to price.
type Request struct {
	ModelKey    string
	InputUnits  int64
	OutputUnits int64

	// PerRun selects flat per-invocation pricing over token pricing.
	PerRun bool

	// EstimatedCostMicros is the caller-supplied cost estimate, used only
	// when no rate row and no fallback entry cover the model.
	EstimatedCostMicros int64
}

// Quote is a resolved price. CostMicros is the provider cost, SellMicros the
// margin-adjusted amount charged to the account. Both are micro-USD.
type Quote struct {
	CostMicros    int64
	SellMicros    int64
	MarginPercent float64
	Source        Source
}

// RateSource serves pricing rows and the platform default margin. Backed by
// the settings snapshot cache in production.
type RateSource interface {
	Rate(ctx context.Context, modelKey string) (*model.RateConfig, bool)
	DefaultMarginPercent(ctx context.Context) float64
}

// Resolver turns raw usage quantities into cost and sell prices. Resolution
// never fails: an unknown model with no estimate prices at zero so the usage
// event is still recorded.
type Resolver struct {
	rates   RateSource
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewResolver creates a pricing resolver.
func NewResolver(rates RateSource, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	return &Resolver{rates: rates, metrics: m, logger: logger}
}

// Quote prices one invocation. Lookup order: operator rate table, built-in
// fallback table, caller estimate, zero.
func (r *Resolver) Quote(ctx context.Context, req Request) *Quote {
	margin := r.rates.DefaultMarginPercent(ctx)

	if rate, ok := r.rates.Rate(ctx, req.ModelKey); ok {
		if rate.MarginPercent > 0 {
			margin = rate.MarginPercent
		}
		cost := rateCost(rate, req)
		return r.quote(cost, margin, SourceRateTable)
	}

	if fb, ok := fallbackRates[req.ModelKey]; ok {
		cost := fb.cost(req)
		r.logger.Debug("model not in rate table, using fallback pricing",
			zap.String("model", req.ModelKey),
		)
		return r.quote(cost, margin, SourceFallback)
	}

	if req.EstimatedCostMicros > 0 {
		return r.quote(req.EstimatedCostMicros, margin, SourceEstimate)
	}

	r.logger.Warn("no pricing available for model, recording at zero",
		zap.String("model", req.ModelKey),
	)
	return r.quote(0, margin, SourceZero)
}

func (r *Resolver) quote(costMicros int64, margin float64, source Source) *Quote {
	if r.metrics != nil {
		r.metrics.RateLookupsTotal.WithLabelValues(string(source)).Inc()
	}
	return &Quote{
		CostMicros:    costMicros,
		SellMicros:    applyMargin(costMicros, margin),
		MarginPercent: margin,
		Source:        source,
	}
}

// rateCost computes provider cost from a rate row. Token prices are USD per
// million units, numerically micro-USD per unit.
func rateCost(rate *model.RateConfig, req Request) int64 {
	if req.PerRun {
		return rate.FlatRunMicros
	}
	in := float64(req.InputUnits) * rate.InputUSDPerMillion
	out := float64(req.OutputUnits) * rate.OutputUSDPerMillion
	return int64(math.Round(in + out))
}

// applyMargin rounds the sell price up so fractional micros are never given
// away.
func applyMargin(costMicros int64, marginPercent float64) int64 {
	if costMicros <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(costMicros) * (1 + marginPercent/100)))
}
