package events

import "github.com/google/uuid"

// Event type names.
const (
	EventTypeSpendingLimitCrossed = "SpendingLimitCrossed"
	EventTypeCreditsApplied       = "CreditsApplied"
)

// SpendingLimitCrossedEvent fires the first time an account's monthly spend
// reaches 100% of its cap in a given period.
type SpendingLimitCrossedEvent struct {
	BaseEvent
	CapMicros   int64  `json:"cap_micros"`
	SpentMicros int64  `json:"spent_micros"`
	PeriodKey   string `json:"period_key"`
	HardLimit   bool   `json:"hard_limit"`
}

// NewSpendingLimitCrossedEvent creates a new SpendingLimitCrossedEvent.
func NewSpendingLimitCrossedEvent(accountID uuid.UUID, capMicros, spentMicros int64, periodKey string, hardLimit bool) *SpendingLimitCrossedEvent {
	return &SpendingLimitCrossedEvent{
		BaseEvent:   NewBaseEvent(EventTypeSpendingLimitCrossed, accountID),
		CapMicros:   capMicros,
		SpentMicros: spentMicros,
		PeriodKey:   periodKey,
		HardLimit:   hardLimit,
	}
}

// CreditsAppliedEvent fires after a successful balance credit.
type CreditsAppliedEvent struct {
	BaseEvent
	AmountMicros int64  `json:"amount_micros"`
	EntryType    string `json:"entry_type"`
}

// NewCreditsAppliedEvent creates a new CreditsAppliedEvent.
func NewCreditsAppliedEvent(accountID uuid.UUID, amountMicros int64, entryType string) *CreditsAppliedEvent {
	return &CreditsAppliedEvent{
		BaseEvent:    NewBaseEvent(EventTypeCreditsApplied, accountID),
		AmountMicros: amountMicros,
		EntryType:    entryType,
	}
}
