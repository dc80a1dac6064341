package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"

	"github.com/tallyhq/metering/internal/port/outbound"
)

// processorAdapter implements outbound.BillingProcessorPort against Stripe
// metered billing. Each report becomes a usage record on the account's
// metered subscription item; the idempotency key makes retries safe.
type processorAdapter struct {
	logger *zap.Logger
}

// NewProcessorAdapter creates a Stripe billing processor adapter. apiKey
// sets the package-level Stripe key.
func NewProcessorAdapter(apiKey string, logger *zap.Logger) outbound.BillingProcessorPort {
	stripe.Key = apiKey
	return &processorAdapter{logger: logger}
}

func (a *processorAdapter) ReportUsage(ctx context.Context, report outbound.UsageReport) error {
	params := &stripe.UsageRecordParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(report.IdempotencyKey),
		},
		SubscriptionItem: stripe.String(report.ItemRef),
		Quantity:         stripe.Int64(report.Quantity),
		Timestamp:        stripe.Int64(report.Timestamp.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}

	record, err := usagerecord.New(params)
	if err != nil {
		return fmt.Errorf("create usage record: %w", err)
	}

	a.logger.Debug("usage record reported",
		zap.String("usage_record_id", record.ID),
		zap.String("subscription_item", report.ItemRef),
		zap.Int64("quantity", report.Quantity),
	)
	return nil
}

// Compile-time check
var _ outbound.BillingProcessorPort = (*processorAdapter)(nil)
