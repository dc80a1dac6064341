package reporting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/outbound"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*model.CreditAccount
}

func (f *fakeAccounts) GetAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[accountID]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

func (f *fakeAccounts) GetOrCreateAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error) {
	return f.GetAccount(ctx, accountID)
}

func (f *fakeAccounts) TryDebit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) (bool, error) {
	return false, nil
}

func (f *fakeAccounts) DebitUnlimited(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) error {
	return nil
}

func (f *fakeAccounts) Credit(ctx context.Context, accountID uuid.UUID, amountMicros int64, entry *model.LedgerEntry) error {
	return nil
}

func (f *fakeAccounts) ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.LedgerEntry, error) {
	return nil, nil
}

func (f *fakeAccounts) SetBillingRefs(ctx context.Context, accountID uuid.UUID, customerRef, itemRef string) error {
	return nil
}

type fakeLimits struct {
	mu      sync.Mutex
	configs map[uuid.UUID]*model.SpendingLimitConfig
	spend   map[string]int64
}

func newFakeLimits() *fakeLimits {
	return &fakeLimits{
		configs: make(map[uuid.UUID]*model.SpendingLimitConfig),
		spend:   make(map[string]int64),
	}
}

func (f *fakeLimits) GetByAccount(ctx context.Context, accountID uuid.UUID) (*model.SpendingLimitConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[accountID]
	if !ok {
		return nil, nil
	}
	copied := *cfg
	return &copied, nil
}

func (f *fakeLimits) Upsert(ctx context.Context, cfg *model.SpendingLimitConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *cfg
	f.configs[cfg.AccountID] = &copied
	return nil
}

func (f *fakeLimits) AddMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string, amountMicros int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spend[accountID.String()+":"+periodKey] += amountMicros
	return nil
}

func (f *fakeLimits) TryMarkAlerted(ctx context.Context, accountID uuid.UUID, periodKey string) (bool, error) {
	return false, nil
}

type fakeUsageDB struct {
	mu     sync.Mutex
	billed []int64
}

func (f *fakeUsageDB) Create(ctx context.Context, event *model.UsageEvent) error { return nil }

func (f *fakeUsageDB) GetByID(ctx context.Context, id int64) (*model.UsageEvent, error) {
	return nil, nil
}

func (f *fakeUsageDB) SetChargeStatus(ctx context.Context, id int64, status model.ChargeStatus) error {
	return nil
}

func (f *fakeUsageDB) MarkBilled(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.billed = append(f.billed, id)
	return nil
}

func (f *fakeUsageDB) GetStats(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*model.UsageStats, error) {
	return nil, nil
}

type fakeProcessor struct {
	mu      sync.Mutex
	reports []outbound.UsageReport
	err     error
}

func (f *fakeProcessor) ReportUsage(ctx context.Context, report outbound.UsageReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reports = append(f.reports, report)
	return nil
}

type staticKillSwitch bool

func (s staticKillSwitch) ReportingDisabled(ctx context.Context) bool { return bool(s) }

type reporterFixture struct {
	accounts  *fakeAccounts
	limits    *fakeLimits
	usage     *fakeUsageDB
	processor *fakeProcessor
	reporter  *Reporter
}

func newReporterFixture(t *testing.T, disabled bool) *reporterFixture {
	t.Helper()
	f := &reporterFixture{
		accounts:  &fakeAccounts{accounts: make(map[uuid.UUID]*model.CreditAccount)},
		limits:    newFakeLimits(),
		usage:     &fakeUsageDB{},
		processor: &fakeProcessor{},
	}
	f.reporter = NewReporter(
		f.processor, f.accounts, f.limits, nil, f.usage,
		staticKillSwitch(disabled),
		16, time.Second,
		metrics.New("metering", prometheus.NewRegistry()),
		zap.NewNop(),
	)
	return f
}

func (f *reporterFixture) billableAccount() uuid.UUID {
	accountID := uuid.New()
	f.accounts.accounts[accountID] = &model.CreditAccount{
		AccountID:          accountID,
		BillingCustomerRef: "cus_123",
		BillingItemRef:     "si_456",
	}
	f.limits.configs[accountID] = &model.SpendingLimitConfig{
		AccountID:             accountID,
		MonthlyCapMicros:      100_000_000,
		AlertThresholdPercent: 80,
		Timezone:              "UTC",
	}
	return accountID
}

func TestReporterReportsUsage(t *testing.T) {
	f := newReporterFixture(t, false)
	accountID := f.billableAccount()
	occurred := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	f.reporter.Enqueue(Job{
		UsageEventID: 42,
		AccountID:    accountID,
		SellMicros:   9750,
		OccurredAt:   occurred,
		ModelKey:     "gpt-4o",
		Feature:      "chat",
	})
	f.reporter.Close()

	require.Len(t, f.processor.reports, 1)
	report := f.processor.reports[0]
	assert.Equal(t, "cus_123", report.CustomerRef)
	assert.Equal(t, "si_456", report.ItemRef)
	assert.Equal(t, int64(1), report.Quantity, "9750 micros rounds up to one cent")
	assert.Equal(t, "usage-42", report.IdempotencyKey)
	assert.Equal(t, "gpt-4o", report.Metadata["model"])

	assert.Equal(t, []int64{42}, f.usage.billed)
	assert.Equal(t, int64(9750), f.limits.spend[accountID.String()+":2026-08"])
}

func TestReporterQuantityRounding(t *testing.T) {
	f := newReporterFixture(t, false)
	accountID := f.billableAccount()

	f.reporter.Enqueue(Job{UsageEventID: 1, AccountID: accountID, SellMicros: 15_000, OccurredAt: time.Now()})
	f.reporter.Enqueue(Job{UsageEventID: 2, AccountID: accountID, SellMicros: 20_000, OccurredAt: time.Now()})
	f.reporter.Close()

	require.Len(t, f.processor.reports, 2)
	assert.Equal(t, int64(2), f.processor.reports[0].Quantity)
	assert.Equal(t, int64(2), f.processor.reports[1].Quantity)
}

func TestReporterSkipsWithoutBillingRefs(t *testing.T) {
	f := newReporterFixture(t, false)
	accountID := uuid.New()
	f.accounts.accounts[accountID] = &model.CreditAccount{AccountID: accountID}
	f.limits.configs[accountID] = &model.SpendingLimitConfig{
		AccountID:             accountID,
		MonthlyCapMicros:      100_000_000,
		AlertThresholdPercent: 80,
		Timezone:              "UTC",
	}
	occurred := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	f.reporter.Enqueue(Job{UsageEventID: 7, AccountID: accountID, SellMicros: 5000, OccurredAt: occurred})
	f.reporter.Close()

	assert.Empty(t, f.processor.reports)
	assert.Empty(t, f.usage.billed)
	// Spend still accumulates for the limit guard.
	assert.Equal(t, int64(5000), f.limits.spend[accountID.String()+":2026-08"])
}

func TestReporterProcessorFailureIsolated(t *testing.T) {
	f := newReporterFixture(t, false)
	accountID := f.billableAccount()
	f.processor.err = assert.AnError
	occurred := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	f.reporter.Enqueue(Job{UsageEventID: 9, AccountID: accountID, SellMicros: 5000, OccurredAt: occurred})
	f.reporter.Close()

	assert.Empty(t, f.usage.billed)
	assert.Equal(t, int64(5000), f.limits.spend[accountID.String()+":2026-08"])
}

func TestReporterKillSwitch(t *testing.T) {
	f := newReporterFixture(t, true)
	accountID := f.billableAccount()
	occurred := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	f.reporter.Enqueue(Job{UsageEventID: 3, AccountID: accountID, SellMicros: 5000, OccurredAt: occurred})
	f.reporter.Close()

	assert.Empty(t, f.processor.reports)
	assert.Equal(t, int64(5000), f.limits.spend[accountID.String()+":2026-08"])
}

func TestReporterUnknownAccountSkipped(t *testing.T) {
	f := newReporterFixture(t, false)

	f.reporter.Enqueue(Job{UsageEventID: 5, AccountID: uuid.New(), SellMicros: 5000, OccurredAt: time.Now()})
	f.reporter.Close()

	assert.Empty(t, f.processor.reports)
	assert.Empty(t, f.limits.spend)
}

func TestReporterTimezonePeriodKey(t *testing.T) {
	// 2026-09-01 02:00 UTC is still August in New York.
	f := newReporterFixture(t, false)
	accountID := f.billableAccount()
	f.limits.configs[accountID].Timezone = "America/New_York"
	occurred := time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC)

	f.reporter.Enqueue(Job{UsageEventID: 11, AccountID: accountID, SellMicros: 1000, OccurredAt: occurred})
	f.reporter.Close()

	assert.Equal(t, int64(1000), f.limits.spend[accountID.String()+":2026-08"])
}

func TestReporterEnqueueAfterClose(t *testing.T) {
	f := newReporterFixture(t, false)
	f.reporter.Close()

	// Must not panic or block.
	f.reporter.Enqueue(Job{UsageEventID: 1, AccountID: uuid.New()})
}

func TestReporterConcurrentEnqueueAndClose(t *testing.T) {
	// Producers racing a shutdown must never panic: the buffer channel stays
	// open and late sends are simply dropped once the drain is done.
	f := newReporterFixture(t, false)
	accountID := f.billableAccount()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				f.reporter.Enqueue(Job{
					UsageEventID: int64(worker*1000 + i),
					AccountID:    accountID,
					SellMicros:   100,
					OccurredAt:   time.Now(),
				})
			}
		}(w)
	}

	close(start)
	f.reporter.Close()
	wg.Wait()

	// Closing twice is a no-op.
	f.reporter.Close()
}
