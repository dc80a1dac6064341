package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/tallyhq/metering/internal/infra/events"
	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/inbound"
	"github.com/tallyhq/metering/internal/port/outbound"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidEntryType = errors.New("invalid ledger entry type")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Ledger owns credit account balances. Every balance mutation goes through
// the database port's atomic operations and leaves an immutable ledger entry;
// replaying entry amounts in order reproduces the balance.
type Ledger struct {
	accounts outbound.CreditLedgerDatabasePort
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Compile-time interface check.
var _ inbound.LedgerService = (*Ledger)(nil)

// New creates a ledger service.
func New(
	accounts outbound.CreditLedgerDatabasePort,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Ledger {
	return &Ledger{
		accounts: accounts,
		bus:      bus,
		metrics:  m,
		logger:   logger,
	}
}

// DebitUsage charges an account for one usage event and returns the charge
// outcome. An insufficient balance is not an error: the usage already
// happened, so the caller records the shortfall and moves on. Unlimited
// accounts get a zero-amount entry carrying the nominal price.
func (l *Ledger) DebitUsage(ctx context.Context, accountID uuid.UUID, amountMicros int64, usageEventID int64, feature string) (model.ChargeStatus, error) {
	if amountMicros <= 0 {
		l.observeDebit(model.ChargeStatusSkipped)
		return model.ChargeStatusSkipped, nil
	}

	account, err := l.accounts.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return model.ChargeStatusNone, fmt.Errorf("get account: %w", err)
	}

	if account.Unlimited {
		entry := &model.LedgerEntry{
			AccountID:    accountID,
			Type:         model.LedgerEntryUsageDebit,
			AmountMicros: 0,
			Description:  fmt.Sprintf("usage: %s", feature),
			UsageEventID: &usageEventID,
			Metadata: datatypes.JSONMap{
				model.MetaUnlimited:     true,
				model.MetaNominalMicros: amountMicros,
				model.MetaFeature:       feature,
			},
		}
		if err := l.accounts.DebitUnlimited(ctx, accountID, amountMicros, entry); err != nil {
			return model.ChargeStatusNone, fmt.Errorf("debit unlimited: %w", err)
		}
		l.observeDebit(model.ChargeStatusUnlimited)
		return model.ChargeStatusUnlimited, nil
	}

	entry := &model.LedgerEntry{
		AccountID:    accountID,
		Type:         model.LedgerEntryUsageDebit,
		Description:  fmt.Sprintf("usage: %s", feature),
		UsageEventID: &usageEventID,
		Metadata: datatypes.JSONMap{
			model.MetaFeature: feature,
		},
	}

	ok, err := l.accounts.TryDebit(ctx, accountID, amountMicros, entry)
	if err != nil {
		return model.ChargeStatusNone, fmt.Errorf("debit: %w", err)
	}
	if !ok {
		l.logger.Warn("insufficient balance for usage debit",
			zap.String("account_id", accountID.String()),
			zap.Int64("amount_micros", amountMicros),
			zap.Int64("usage_event_id", usageEventID),
		)
		l.observeDebit(model.ChargeStatusInsufficient)
		return model.ChargeStatusInsufficient, nil
	}

	l.observeDebit(model.ChargeStatusCharged)
	return model.ChargeStatusCharged, nil
}

// Credit increases an account balance (purchase, grant or refund).
func (l *Ledger) Credit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entryType model.LedgerEntryType, description string) error {
	if amountMicros <= 0 {
		return ErrInvalidAmount
	}
	if !entryType.IsValid() || !entryType.IsCredit() {
		return ErrInvalidEntryType
	}

	entry := &model.LedgerEntry{
		AccountID:   accountID,
		Type:        entryType,
		Description: description,
		Metadata: datatypes.JSONMap{
			model.MetaCreditAmountMicro: amountMicros,
		},
	}

	if err := l.accounts.Credit(ctx, accountID, amountMicros, entry); err != nil {
		return fmt.Errorf("credit account: %w", err)
	}

	if l.metrics != nil {
		l.metrics.CreditsTotal.WithLabelValues(entryType.String()).Inc()
	}
	if l.bus != nil {
		l.bus.Publish(events.NewCreditsAppliedEvent(accountID, amountMicros, entryType.String()))
	}

	l.logger.Info("credits applied",
		zap.String("account_id", accountID.String()),
		zap.Int64("amount_micros", amountMicros),
		zap.String("type", entryType.String()),
	)
	return nil
}

// GetBalance returns the balance view for an account. Accounts are created
// lazily, so an unknown account reads as a zero balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID uuid.UUID) (*inbound.Balance, error) {
	account, err := l.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil {
		return &inbound.Balance{}, nil
	}
	return &inbound.Balance{
		BalanceMicros:           account.BalanceMicros,
		LifetimeUsedMicros:      account.LifetimeUsedMicros,
		LifetimePurchasedMicros: account.LifetimePurchasedMicros,
		Unlimited:               account.Unlimited,
	}, nil
}

// ListEntries returns ledger entries for an account, newest first.
func (l *Ledger) ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return l.accounts.ListEntries(ctx, accountID, limit, offset)
}

func (l *Ledger) observeDebit(status model.ChargeStatus) {
	if l.metrics != nil {
		l.metrics.DebitsTotal.WithLabelValues(string(status)).Inc()
	}
}
