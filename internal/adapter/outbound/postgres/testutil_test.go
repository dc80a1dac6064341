package postgres

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tallyhq/metering/internal/model"
)

// newTestDB opens an isolated in-memory database with the metering schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.UsageEvent{},
		&model.CreditAccount{},
		&model.LedgerEntry{},
		&model.SpendingLimitConfig{},
		&model.RateConfig{},
		&model.Setting{},
	))
	return db
}
