package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AccountRole classifies who triggered a metered invocation.
type AccountRole string

const (
	AccountRoleUser   AccountRole = "user"
	AccountRoleTeam   AccountRole = "team"
	AccountRoleAdmin  AccountRole = "admin"
	AccountRoleSystem AccountRole = "system"
)

// String returns the string representation of the role.
func (r AccountRole) String() string {
	return string(r)
}

// ChargeStatus records the outcome of the ledger debit for a usage event.
// It is stamped on the event after the debit attempt; "none" means no debit
// was attempted (failed invocation, unattributed usage, or zero sell price).
type ChargeStatus string

const (
	ChargeStatusNone         ChargeStatus = "none"
	ChargeStatusCharged      ChargeStatus = "charged"
	ChargeStatusInsufficient ChargeStatus = "insufficient"
	ChargeStatusUnlimited    ChargeStatus = "unlimited"
	ChargeStatusSkipped      ChargeStatus = "skipped"
)

// LedgerEntryType classifies balance-affecting operations.
type LedgerEntryType string

const (
	LedgerEntryUsageDebit     LedgerEntryType = "usage_debit"
	LedgerEntryPurchaseCredit LedgerEntryType = "purchase_credit"
	LedgerEntryGrant          LedgerEntryType = "grant"
	LedgerEntryRefund         LedgerEntryType = "refund"
)

// String returns the string representation of the entry type.
func (t LedgerEntryType) String() string {
	return string(t)
}

// IsValid checks if the entry type is valid.
func (t LedgerEntryType) IsValid() bool {
	switch t {
	case LedgerEntryUsageDebit, LedgerEntryPurchaseCredit, LedgerEntryGrant, LedgerEntryRefund:
		return true
	}
	return false
}

// IsCredit reports whether the entry type increases the balance.
func (t LedgerEntryType) IsCredit() bool {
	switch t {
	case LedgerEntryPurchaseCredit, LedgerEntryGrant, LedgerEntryRefund:
		return true
	}
	return false
}

// Metadata keys stamped on usage events and ledger entries.
const (
	MetaFeature           = "feature"
	MetaPricingSource     = "pricing_source"
	MetaMarginPercent     = "margin_percent"
	MetaCreditAmountMicro = "credit_amount_micros"
	MetaPerRun            = "per_run"
	MetaUnlimited         = "unlimited"
	MetaNominalMicros     = "nominal_amount_micros"
)

// UsageEvent is one immutable record of an attempted AI invocation.
// All monetary columns are micro-USD (1_000_000 micros = $1).
// Rows are never updated after insert except for the charge-status stamp
// and the billed flag flip.
type UsageEvent struct {
	ID           int64             `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID    *uuid.UUID        `json:"account_id,omitempty" gorm:"type:uuid;index"`
	AccountRole  AccountRole       `json:"account_role" gorm:"not null;default:user"`
	Feature      string            `json:"feature" gorm:"not null;index"`
	ModelKey     string            `json:"model_key" gorm:"not null"`
	Provider     string            `json:"provider" gorm:"not null"`
	InputUnits   int64             `json:"input_units" gorm:"not null;default:0"`
	OutputUnits  int64             `json:"output_units" gorm:"not null;default:0"`
	CostMicros   int64             `json:"cost_micros" gorm:"not null;default:0"`
	SellMicros   int64             `json:"sell_micros" gorm:"not null;default:0"`
	Success      bool              `json:"success" gorm:"not null"`
	ErrorText    *string           `json:"error_text,omitempty"`
	LatencyMs    int               `json:"latency_ms" gorm:"not null;default:0"`
	ChargeStatus ChargeStatus      `json:"charge_status" gorm:"not null;default:none"`
	BilledAt     *time.Time        `json:"billed_at,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null;index"`
}

// TableName returns the database table name.
func (UsageEvent) TableName() string {
	return "usage_events"
}

// Attributed reports whether the event belongs to a billable account.
func (e *UsageEvent) Attributed() bool {
	return e.AccountID != nil && *e.AccountID != uuid.Nil
}

// CreditAccount is the per-account balance aggregate. It is created lazily
// on first usage or first purchase and never deleted.
type CreditAccount struct {
	AccountID               uuid.UUID `json:"account_id" gorm:"type:uuid;primaryKey"`
	BalanceMicros           int64     `json:"balance_micros" gorm:"not null;default:0"`
	LifetimeUsedMicros      int64     `json:"lifetime_used_micros" gorm:"not null;default:0"`
	LifetimePurchasedMicros int64     `json:"lifetime_purchased_micros" gorm:"not null;default:0"`
	Unlimited               bool      `json:"unlimited" gorm:"not null;default:false"`

	// Billing processor references. Empty for trial/unbilled accounts.
	BillingCustomerRef string `json:"billing_customer_ref,omitempty"`
	BillingItemRef     string `json:"billing_item_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// HasSufficientBalance checks if the account can cover amountMicros.
func (a *CreditAccount) HasSufficientBalance(amountMicros int64) bool {
	return a.Unlimited || a.BalanceMicros >= amountMicros
}

// HasBillingSubscription reports whether usage can be reported to the
// external billing processor for this account.
func (a *CreditAccount) HasBillingSubscription() bool {
	return a.BillingCustomerRef != "" && a.BillingItemRef != ""
}

// LedgerEntry is one immutable record of a balance-affecting operation.
// Amounts are signed micro-USD: debits negative, credits positive. Replaying
// all amounts in creation order from zero reproduces the account balance.
type LedgerEntry struct {
	ID                  int64             `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID           uuid.UUID         `json:"account_id" gorm:"type:uuid;not null;index"`
	Type                LedgerEntryType   `json:"type" gorm:"not null"`
	AmountMicros        int64             `json:"amount_micros" gorm:"not null"`
	BalanceBeforeMicros int64             `json:"balance_before_micros" gorm:"not null"`
	BalanceAfterMicros  int64             `json:"balance_after_micros" gorm:"not null"`
	Description         string            `json:"description"`
	UsageEventID        *int64            `json:"usage_event_id,omitempty" gorm:"index"`
	Metadata            datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at" gorm:"not null;index"`
}

// TableName returns the database table name.
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// SpendingLimitConfig holds the monthly money-denominated cap for an
// account. The period key is the calendar month ("2006-01") in the
// account's billing timezone; a stale key means the counter has not been
// touched since a month boundary and reads as zero.
type SpendingLimitConfig struct {
	AccountID               uuid.UUID `json:"account_id" gorm:"type:uuid;primaryKey"`
	MonthlyCapMicros        int64     `json:"monthly_cap_micros" gorm:"not null;default:0"`
	AlertThresholdPercent   int       `json:"alert_threshold_percent" gorm:"not null;default:80"`
	HardLimit               bool      `json:"hard_limit" gorm:"not null;default:false"`
	CurrentMonthSpentMicros int64     `json:"current_month_spent_micros" gorm:"not null;default:0"`
	PeriodKey               string    `json:"period_key" gorm:"not null;default:''"`
	AlertPeriodKey          *string   `json:"alert_period_key,omitempty"`
	Timezone                string    `json:"timezone" gorm:"not null;default:UTC"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (SpendingLimitConfig) TableName() string {
	return "spending_limit_configs"
}

// HasCap reports whether a positive monthly cap is configured.
func (c *SpendingLimitConfig) HasCap() bool {
	return c.MonthlyCapMicros > 0
}

// SpentForPeriod returns the accumulated spend if the row is still in the
// given period, zero otherwise.
func (c *SpendingLimitConfig) SpentForPeriod(periodKey string) int64 {
	if c.PeriodKey != periodKey {
		return 0
	}
	return c.CurrentMonthSpentMicros
}

// Location resolves the account's billing timezone, defaulting to UTC.
func (c *SpendingLimitConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RateConfig is one operator-editable pricing row. Token prices are USD per
// million units, which is numerically micro-USD per unit; flat per-run
// prices are micro-USD per invocation.
type RateConfig struct {
	ModelKey            string    `json:"model_key" gorm:"primaryKey"`
	InputUSDPerMillion  float64   `json:"input_usd_per_million" gorm:"not null;default:0"`
	OutputUSDPerMillion float64   `json:"output_usd_per_million" gorm:"not null;default:0"`
	FlatRunMicros       int64     `json:"flat_run_micros" gorm:"not null;default:0"`
	MarginPercent       float64   `json:"margin_percent" gorm:"not null;default:0"`
	Active              bool      `json:"active" gorm:"not null;default:true"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (RateConfig) TableName() string {
	return "rate_configs"
}

// Setting is one platform-level configuration row (feature flags, default
// margin, billing credentials references). Values are raw JSON.
type Setting struct {
	Key       string         `json:"key" gorm:"primaryKey"`
	Value     datatypes.JSON `json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName returns the database table name.
func (Setting) TableName() string {
	return "settings"
}

// UsageStats is an aggregated usage summary for an account and window.
type UsageStats struct {
	TotalEvents      int64                  `json:"total_events"`
	TotalInputUnits  int64                  `json:"total_input_units"`
	TotalOutputUnits int64                  `json:"total_output_units"`
	TotalCostMicros  int64                  `json:"total_cost_micros"`
	TotalSellMicros  int64                  `json:"total_sell_micros"`
	ByModel          map[string]*ModelUsage `json:"by_model"`
}

// ModelUsage is the per-model slice of UsageStats.
type ModelUsage struct {
	ModelKey        string `json:"model_key"`
	TotalEvents     int64  `json:"total_events"`
	TotalUnits      int64  `json:"total_units"`
	TotalSellMicros int64  `json:"total_sell_micros"`
}
