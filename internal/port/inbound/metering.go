package inbound

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/metering/internal/model"
)

// RecordUsageInput carries one AI invocation attempt into the recorder.
// AccountID may be nil for system-initiated, unattributed usage.
type RecordUsageInput struct {
	AccountID           *uuid.UUID        `json:"account_id,omitempty"`
	AccountRole         model.AccountRole `json:"account_role,omitempty"`
	Feature             string            `json:"feature"`
	ModelKey            string            `json:"model_key"`
	Provider            string            `json:"provider"`
	InputUnits          int64             `json:"input_units"`
	OutputUnits         int64             `json:"output_units"`
	PerRun              bool              `json:"per_run"`
	EstimatedCostMicros int64             `json:"estimated_cost_micros,omitempty"`
	LatencyMs           int               `json:"latency_ms"`
	Success             bool              `json:"success"`
	ErrorText           string            `json:"error_text,omitempty"`
}

// LimitDecision is the guard's pre-flight answer.
type LimitDecision struct {
	Allowed         bool    `json:"allowed"`
	Message         string  `json:"message,omitempty"`
	PercentUsed     float64 `json:"percent_used"`
	RemainingMicros int64   `json:"remaining_micros"`
	CapMicros       int64   `json:"cap_micros"`
	SpentMicros     int64   `json:"spent_micros"`
}

// Balance is the ledger's view of an account.
type Balance struct {
	BalanceMicros           int64 `json:"balance_micros"`
	LifetimeUsedMicros      int64 `json:"lifetime_used_micros"`
	LifetimePurchasedMicros int64 `json:"lifetime_purchased_micros"`
	Unlimited               bool  `json:"unlimited"`
}

// UsageRecorder records one invocation attempt. The returned event ID is 0
// when the durable write failed; the recorder never returns an error to the
// feature call site.
type UsageRecorder interface {
	Record(ctx context.Context, in RecordUsageInput) int64
}

// LimitChecker is the pre-flight spending limit guard.
type LimitChecker interface {
	CheckLimit(ctx context.Context, accountID uuid.UUID) (*LimitDecision, error)
}

// LedgerService exposes balance reads and the credit paths used by
// purchase/grant flows.
type LedgerService interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (*Balance, error)
	Credit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entryType model.LedgerEntryType, description string) error
	ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error)
}

// UsageStatsReader serves aggregate usage queries.
type UsageStatsReader interface {
	GetStats(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*model.UsageStats, error)
}

// ConfigInvalidator is the operator-facing cache invalidation hook for
// rate-table edits.
type ConfigInvalidator interface {
	Invalidate()
}
