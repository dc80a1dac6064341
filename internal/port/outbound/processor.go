package outbound

import (
	"context"
	"time"
)

// UsageReport is one metered usage quantity reported to the external
// billing processor. Quantity is in credit cents (hundredths of a USD of
// sell price) against the account's metered subscription item.
type UsageReport struct {
	CustomerRef    string
	ItemRef        string
	Quantity       int64
	Timestamp      time.Time
	IdempotencyKey string
	Metadata       map[string]string
}

// BillingProcessorPort defines the external metered-billing processor.
type BillingProcessorPort interface {
	// ReportUsage reports a usage quantity against a metered item. The call
	// must be idempotent under the report's idempotency key.
	ReportUsage(ctx context.Context, report UsageReport) error
}
