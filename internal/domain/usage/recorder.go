package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/tallyhq/metering/internal/domain/pricing"
	"github.com/tallyhq/metering/internal/domain/reporting"
	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/inbound"
	"github.com/tallyhq/metering/internal/port/outbound"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

// detachedWriteTimeout bounds the durable write once it is decoupled from
// the caller's context.
const detachedWriteTimeout = 5 * time.Second

// Debitor is the slice of the ledger the recorder needs.
type Debitor interface {
	DebitUsage(ctx context.Context, accountID uuid.UUID, amountMicros int64, usageEventID int64, feature string) (model.ChargeStatus, error)
}

// ReportQueue accepts usage events for asynchronous external reporting.
type ReportQueue interface {
	Enqueue(job reporting.Job)
}

// Recorder is the single entry point for metering an AI invocation. The
// durable usage event is the anchor: it is written first, and every
// downstream step (debit, charge-status stamp, external report) is isolated
// so its failure can never lose the event or surface to the feature call
// site.
type Recorder struct {
	pricing  *pricing.Resolver
	events   outbound.UsageEventDatabasePort
	ledger   Debitor
	reporter ReportQueue // nil disables external reporting
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Compile-time interface checks.
var (
	_ inbound.UsageRecorder    = (*Recorder)(nil)
	_ inbound.UsageStatsReader = (*Recorder)(nil)
)

// NewRecorder creates a usage recorder.
func NewRecorder(
	resolver *pricing.Resolver,
	events outbound.UsageEventDatabasePort,
	ledger Debitor,
	reporter ReportQueue,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Recorder {
	return &Recorder{
		pricing:  resolver,
		events:   events,
		ledger:   ledger,
		reporter: reporter,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Record meters one invocation attempt and returns the usage event ID, or 0
// when the durable write failed. Failed invocations are recorded at zero
// cost and never charged. Pricing and the write both use a detached context
// so caller cancellation cannot lose the event or degrade its price.
func (r *Recorder) Record(ctx context.Context, in inbound.RecordUsageInput) int64 {
	start := r.now()

	writeCtx, cancel := context.WithTimeout(context.Background(), detachedWriteTimeout)
	defer cancel()

	quote := &pricing.Quote{}
	if in.Success {
		quote = r.pricing.Quote(writeCtx, pricing.Request{
			ModelKey:            in.ModelKey,
			InputUnits:          in.InputUnits,
			OutputUnits:         in.OutputUnits,
			PerRun:              in.PerRun,
			EstimatedCostMicros: in.EstimatedCostMicros,
		})
	}

	event := r.buildEvent(in, quote)

	if err := r.events.Create(writeCtx, event); err != nil {
		r.logger.Error("usage event write failed",
			zap.String("feature", in.Feature),
			zap.String("model", in.ModelKey),
			zap.Error(err),
		)
		return 0
	}

	r.observeEvent(in)

	if in.Success && event.Attributed() {
		// The ledger answers zero-sell debits with a "skipped" stamp, keeping
		// the reconciliation signal on the event.
		r.charge(writeCtx, event)
		if event.SellMicros > 0 {
			r.report(event)
		}
	}

	if r.metrics != nil {
		r.metrics.RecordDurationSeconds.Observe(r.now().Sub(start).Seconds())
	}
	return event.ID
}

// GetStats aggregates successful usage for an account over [start, end).
func (r *Recorder) GetStats(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*model.UsageStats, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid stats window")
	}
	return r.events.GetStats(ctx, accountID, start, end)
}

func (r *Recorder) buildEvent(in inbound.RecordUsageInput, quote *pricing.Quote) *model.UsageEvent {
	role := in.AccountRole
	if role == "" {
		role = model.AccountRoleUser
	}

	event := &model.UsageEvent{
		AccountID:    in.AccountID,
		AccountRole:  role,
		Feature:      in.Feature,
		ModelKey:     in.ModelKey,
		Provider:     in.Provider,
		InputUnits:   in.InputUnits,
		OutputUnits:  in.OutputUnits,
		CostMicros:   quote.CostMicros,
		SellMicros:   quote.SellMicros,
		Success:      in.Success,
		LatencyMs:    in.LatencyMs,
		ChargeStatus: model.ChargeStatusNone,
		CreatedAt:    r.now(),
	}
	if in.ErrorText != "" {
		text := in.ErrorText
		event.ErrorText = &text
	}
	if quote.Source != "" {
		event.Metadata = datatypes.JSONMap{
			model.MetaPricingSource: string(quote.Source),
			model.MetaMarginPercent: quote.MarginPercent,
		}
		if in.PerRun {
			event.Metadata[model.MetaPerRun] = true
		}
	}
	return event
}

// charge debits the account and stamps the outcome on the event. A debit
// failure leaves the event with charge status "none"; the event itself is
// never rolled back.
func (r *Recorder) charge(ctx context.Context, event *model.UsageEvent) {
	status, err := r.ledger.DebitUsage(ctx, *event.AccountID, event.SellMicros, event.ID, event.Feature)
	if err != nil {
		r.logger.Error("usage debit failed",
			zap.Int64("usage_event_id", event.ID),
			zap.String("account_id", event.AccountID.String()),
			zap.Error(err),
		)
		return
	}

	event.ChargeStatus = status
	if err := r.events.SetChargeStatus(ctx, event.ID, status); err != nil {
		r.logger.Warn("charge status stamp failed",
			zap.Int64("usage_event_id", event.ID),
			zap.Error(err),
		)
	}
}

// report queues the event for monthly spend accumulation and external
// billing. Insufficient-balance events still report: the usage happened and
// the processor bills it.
func (r *Recorder) report(event *model.UsageEvent) {
	if r.reporter == nil {
		return
	}
	r.reporter.Enqueue(reporting.Job{
		UsageEventID: event.ID,
		AccountID:    *event.AccountID,
		SellMicros:   event.SellMicros,
		OccurredAt:   event.CreatedAt,
		ModelKey:     event.ModelKey,
		Feature:      event.Feature,
	})
}

func (r *Recorder) observeEvent(in inbound.RecordUsageInput) {
	if r.metrics == nil {
		return
	}
	r.metrics.UsageEventsTotal.WithLabelValues(in.Feature, in.ModelKey, strconv.FormatBool(in.Success)).Inc()
	if in.InputUnits > 0 {
		r.metrics.UsageUnitsTotal.WithLabelValues(in.ModelKey, "input").Add(float64(in.InputUnits))
	}
	if in.OutputUnits > 0 {
		r.metrics.UsageUnitsTotal.WithLabelValues(in.ModelKey, "output").Add(float64(in.OutputUnits))
	}
}
