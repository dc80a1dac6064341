package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/metering/internal/model"
)

var ErrCacheMiss = errors.New("cache miss")

// UsageEventDatabasePort defines usage event persistence operations.
type UsageEventDatabasePort interface {
	// Create inserts a new usage event and fills its ID.
	Create(ctx context.Context, event *model.UsageEvent) error

	// GetByID gets a usage event by ID, (nil, nil) when absent.
	GetByID(ctx context.Context, id int64) (*model.UsageEvent, error)

	// SetChargeStatus stamps the ledger outcome on an existing event.
	SetChargeStatus(ctx context.Context, id int64, status model.ChargeStatus) error

	// MarkBilled flips the billed flag after a successful processor report.
	MarkBilled(ctx context.Context, id int64, at time.Time) error

	// GetStats aggregates successful usage for an account over [start, end).
	GetStats(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*model.UsageStats, error)
}

// CreditLedgerDatabasePort defines the credit account and ledger entry
// persistence operations. Every balance mutation is atomic with the ledger
// entry that records it: the adapter performs the conditional balance update
// and the entry insert in one transaction, filling the entry's
// balance-before/after from the locked row.
type CreditLedgerDatabasePort interface {
	// GetAccount gets an account, (nil, nil) when absent.
	GetAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error)

	// GetOrCreateAccount lazily creates a zero-balance account.
	GetOrCreateAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error)

	// TryDebit deducts amountMicros if the balance is sufficient (atomic
	// conditional update, never read-then-write). Returns (true, nil) when
	// the debit and its ledger entry were applied, (false, nil) when the
	// balance was insufficient.
	TryDebit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) (bool, error)

	// DebitUnlimited records usage against an unlimited account: balance is
	// untouched, lifetime-used grows by amountMicros, and a zero-amount
	// ledger entry is written.
	DebitUnlimited(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) error

	// Credit increases the balance and lifetime-purchased by amountMicros.
	Credit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) error

	// ListEntries returns ledger entries for an account, newest first.
	ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error)

	// SetBillingRefs updates the processor customer/item references.
	SetBillingRefs(ctx context.Context, accountID uuid.UUID, customerRef, itemRef string) error
}

// SpendingLimitDatabasePort defines spending limit persistence operations.
type SpendingLimitDatabasePort interface {
	// GetByAccount gets the limit config, (nil, nil) when absent.
	GetByAccount(ctx context.Context, accountID uuid.UUID) (*model.SpendingLimitConfig, error)

	// Upsert creates or replaces the limit config for an account.
	Upsert(ctx context.Context, cfg *model.SpendingLimitConfig) error

	// AddMonthlySpend accumulates reported spend for the given period,
	// resetting the counter first when the row's period key differs
	// (lazy month-boundary reset, single upsert statement).
	AddMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string, amountMicros int64) error

	// TryMarkAlerted stamps the 100%-crossed alert for a period. Returns
	// (true, nil) only for the first caller in that period.
	TryMarkAlerted(ctx context.Context, accountID uuid.UUID, periodKey string) (bool, error)
}

// RateConfigDatabasePort defines rate table read/write operations.
type RateConfigDatabasePort interface {
	// ListActive lists all active pricing rows.
	ListActive(ctx context.Context) ([]*model.RateConfig, error)

	// Upsert creates or replaces a pricing row.
	Upsert(ctx context.Context, rate *model.RateConfig) error
}

// SettingDatabasePort defines platform setting read operations.
type SettingDatabasePort interface {
	// List lists all settings rows.
	List(ctx context.Context) ([]*model.Setting, error)
}

// SpendCachePort defines the period-keyed monthly spend counters (Redis).
// The cache is an accelerator for the guard's read path; the limit config
// row remains the source of truth.
type SpendCachePort interface {
	// GetMonthlySpend gets the cached spend for a period, ErrCacheMiss when
	// the key is absent.
	GetMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string) (int64, error)

	// AddMonthlySpend increments the cached spend, setting expiry past the
	// period end. Returns the new value.
	AddMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string, periodEnd time.Time, amountMicros int64) (int64, error)

	// ResetMonthlySpend deletes the counter for a period.
	ResetMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string) error
}
