package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/outbound"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// creditLedgerAdapter implements outbound.CreditLedgerDatabasePort.
//
// Balance mutations are conditional UPDATE statements, never read-modify-
// write, so concurrent debits cannot overdraw. The entry insert happens in
// the same transaction and copies before/after balances from the updated
// row, which stays locked until commit.
type creditLedgerAdapter struct {
	db *gorm.DB
}

// NewCreditLedgerAdapter creates a new credit ledger database adapter.
func NewCreditLedgerAdapter(db *gorm.DB) outbound.CreditLedgerDatabasePort {
	return &creditLedgerAdapter{db: db}
}

func (a *creditLedgerAdapter) GetAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := a.db.WithContext(ctx).First(&account, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (a *creditLedgerAdapter) GetOrCreateAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error) {
	account := &model.CreditAccount{AccountID: accountID}
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(account).Error
	if err != nil {
		return nil, err
	}
	// Re-read: the insert may have been a no-op against an existing row.
	var existing model.CreditAccount
	if err := a.db.WithContext(ctx).First(&existing, "account_id = ?", accountID).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (a *creditLedgerAdapter) TryDebit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) (bool, error) {
	applied := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.CreditAccount{}).
			Where("account_id = ? AND unlimited = ? AND balance_micros >= ?", accountID, false, amountMicros).
			UpdateColumns(map[string]interface{}{
				"balance_micros":       gorm.Expr("balance_micros - ?", amountMicros),
				"lifetime_used_micros": gorm.Expr("lifetime_used_micros + ?", amountMicros),
				"updated_at":           time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Insufficient balance (or unlimited account), not an error.
			return nil
		}

		var account model.CreditAccount
		if err := tx.First(&account, "account_id = ?", accountID).Error; err != nil {
			return err
		}

		entry.AccountID = accountID
		entry.AmountMicros = -amountMicros
		entry.BalanceAfterMicros = account.BalanceMicros
		entry.BalanceBeforeMicros = account.BalanceMicros + amountMicros
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (a *creditLedgerAdapter) DebitUnlimited(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.CreditAccount{}).
			Where("account_id = ? AND unlimited = ?", accountID, true).
			UpdateColumns(map[string]interface{}{
				"lifetime_used_micros": gorm.Expr("lifetime_used_micros + ?", amountMicros),
				"updated_at":           time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("account is not unlimited")
		}

		var account model.CreditAccount
		if err := tx.First(&account, "account_id = ?", accountID).Error; err != nil {
			return err
		}

		entry.AccountID = accountID
		entry.AmountMicros = 0
		entry.BalanceBeforeMicros = account.BalanceMicros
		entry.BalanceAfterMicros = account.BalanceMicros
		return tx.Create(entry).Error
	})
}

func (a *creditLedgerAdapter) Credit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.CreditAccount{AccountID: accountID}).Error; err != nil {
			return err
		}

		res := tx.Model(&model.CreditAccount{}).
			Where("account_id = ?", accountID).
			UpdateColumns(map[string]interface{}{
				"balance_micros":            gorm.Expr("balance_micros + ?", amountMicros),
				"lifetime_purchased_micros": gorm.Expr("lifetime_purchased_micros + ?", amountMicros),
				"updated_at":                time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}

		var account model.CreditAccount
		if err := tx.First(&account, "account_id = ?", accountID).Error; err != nil {
			return err
		}

		entry.AccountID = accountID
		entry.AmountMicros = amountMicros
		entry.BalanceAfterMicros = account.BalanceMicros
		entry.BalanceBeforeMicros = account.BalanceMicros - amountMicros
		return tx.Create(entry).Error
	})
}

func (a *creditLedgerAdapter) ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := a.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, err
}

func (a *creditLedgerAdapter) SetBillingRefs(ctx context.Context, accountID uuid.UUID, customerRef, itemRef string) error {
	return a.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"billing_customer_ref": customerRef,
			"billing_item_ref":     itemRef,
		}).Error
}

// Compile-time check
var _ outbound.CreditLedgerDatabasePort = (*creditLedgerAdapter)(nil)
