package usage

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

	"github.com/tallyhq/metering/internal/domain/pricing"
	"github.com/tallyhq/metering/internal/domain/reporting"
	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/inbound"
	"github.com/tallyhq/metering/internal/utils/metrics"
)

type fakeEventDB struct {
	mu        sync.Mutex
	events    map[int64]*model.UsageEvent
	nextID    int64
	createErr error
}

func newFakeEventDB() *fakeEventDB {
	return &fakeEventDB{events: make(map[int64]*model.UsageEvent)}
}

func (f *fakeEventDB) Create(ctx context.Context, event *model.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	event.ID = f.nextID
	copied := *event
	f.events[event.ID] = &copied
	return nil
}

func (f *fakeEventDB) GetByID(ctx context.Context, id int64) (*model.UsageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return nil, nil
	}
	copied := *event
	return &copied, nil
}

func (f *fakeEventDB) SetChargeStatus(ctx context.Context, id int64, status model.ChargeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event, ok := f.events[id]; ok {
		event.ChargeStatus = status
	}
	return nil
}

func (f *fakeEventDB) MarkBilled(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event, ok := f.events[id]; ok {
		event.BilledAt = &at
	}
	return nil
}

func (f *fakeEventDB) GetStats(ctx context.Context, accountID uuid.UUID, start, end time.Time) (*model.UsageStats, error) {
	return &model.UsageStats{}, nil
}

type fakeDebitor struct {
	mu     sync.Mutex
	status model.ChargeStatus
	err    error
	calls  []int64 // amounts
}

func (f *fakeDebitor) DebitUsage(ctx context.Context, accountID uuid.UUID, amountMicros int64, usageEventID int64, feature string) (model.ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.ChargeStatusNone, f.err
	}
	if amountMicros <= 0 {
		return model.ChargeStatusSkipped, nil
	}
	f.calls = append(f.calls, amountMicros)
	return f.status, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []reporting.Job
}

func (f *fakeQueue) Enqueue(job reporting.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

type staticRates struct{}

func (staticRates) Rate(ctx context.Context, modelKey string) (*model.RateConfig, bool) {
	if modelKey == "gpt-4o" {
		return &model.RateConfig{
			ModelKey:            "gpt-4o",
			InputUSDPerMillion:  2.5,
			OutputUSDPerMillion: 10,
			Active:              true,
		}, true
	}
	return nil, false
}

func (staticRates) DefaultMarginPercent(ctx context.Context) float64 { return 30 }

type recorderFixture struct {
	db       *fakeEventDB
	debitor  *fakeDebitor
	queue    *fakeQueue
	recorder *Recorder
}

func newRecorderFixture(t *testing.T) *recorderFixture {
	t.Helper()
	f := &recorderFixture{
		db:      newFakeEventDB(),
		debitor: &fakeDebitor{status: model.ChargeStatusCharged},
		queue:   &fakeQueue{},
	}
	m := metrics.New("metering", prometheus.NewRegistry())
	resolver := pricing.NewResolver(staticRates{}, m, zap.NewNop())
	f.recorder = NewRecorder(resolver, f.db, f.debitor, f.queue, m, zap.NewNop())
	return f
}

func successInput(accountID *uuid.UUID) inbound.RecordUsageInput {
	return inbound.RecordUsageInput{
		AccountID:   accountID,
		Feature:     "chat",
		ModelKey:    "gpt-4o",
		Provider:    "openai",
		InputUnits:  1000,
		OutputUnits: 500,
		LatencyMs:   420,
		Success:     true,
	}
}

func TestRecordSuccessChargesAndReports(t *testing.T) {
	f := newRecorderFixture(t)
	accountID := uuid.New()

	id := f.recorder.Record(context.Background(), successInput(&accountID))
	require.NotZero(t, id)

	event := f.db.events[id]
	require.NotNil(t, event)
	assert.Equal(t, int64(7500), event.CostMicros)
	assert.Equal(t, int64(9750), event.SellMicros)
	assert.Equal(t, model.ChargeStatusCharged, event.ChargeStatus)
	assert.Equal(t, string(pricing.SourceRateTable), event.Metadata[model.MetaPricingSource])

	require.Len(t, f.debitor.calls, 1)
	assert.Equal(t, int64(9750), f.debitor.calls[0], "debit is the sell price")

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, id, f.queue.jobs[0].UsageEventID)
	assert.Equal(t, int64(9750), f.queue.jobs[0].SellMicros)
}

func TestRecordFailedInvocationZeroCost(t *testing.T) {
	f := newRecorderFixture(t)
	accountID := uuid.New()
	in := successInput(&accountID)
	in.Success = false
	in.ErrorText = "provider timeout"

	id := f.recorder.Record(context.Background(), in)
	require.NotZero(t, id)

	event := f.db.events[id]
	assert.Zero(t, event.CostMicros)
	assert.Zero(t, event.SellMicros)
	assert.Equal(t, model.ChargeStatusNone, event.ChargeStatus)
	require.NotNil(t, event.ErrorText)
	assert.Equal(t, "provider timeout", *event.ErrorText)

	assert.Empty(t, f.debitor.calls, "failed invocations are never charged")
	assert.Empty(t, f.queue.jobs)
}

func TestRecordWriteFailureReturnsZero(t *testing.T) {
	f := newRecorderFixture(t)
	f.db.createErr = assert.AnError
	accountID := uuid.New()

	id := f.recorder.Record(context.Background(), successInput(&accountID))
	assert.Zero(t, id)
	assert.Empty(t, f.debitor.calls)
	assert.Empty(t, f.queue.jobs)
}

func TestRecordDebitFailureKeepsEvent(t *testing.T) {
	f := newRecorderFixture(t)
	f.debitor.err = assert.AnError
	accountID := uuid.New()

	id := f.recorder.Record(context.Background(), successInput(&accountID))
	require.NotZero(t, id)

	event := f.db.events[id]
	assert.Equal(t, model.ChargeStatusNone, event.ChargeStatus)
	// Reporting is independent of the debit outcome.
	assert.Len(t, f.queue.jobs, 1)
}

func TestRecordInsufficientStillReports(t *testing.T) {
	f := newRecorderFixture(t)
	f.debitor.status = model.ChargeStatusInsufficient
	accountID := uuid.New()

	id := f.recorder.Record(context.Background(), successInput(&accountID))
	require.NotZero(t, id)

	assert.Equal(t, model.ChargeStatusInsufficient, f.db.events[id].ChargeStatus)
	assert.Len(t, f.queue.jobs, 1)
}

func TestRecordUnattributedSkipsChargeAndReport(t *testing.T) {
	f := newRecorderFixture(t)

	in := successInput(nil)
	in.AccountRole = model.AccountRoleSystem

	id := f.recorder.Record(context.Background(), in)
	require.NotZero(t, id)

	event := f.db.events[id]
	assert.Nil(t, event.AccountID)
	assert.Equal(t, int64(9750), event.SellMicros, "unattributed usage is still priced")
	assert.Empty(t, f.debitor.calls)
	assert.Empty(t, f.queue.jobs)
}

func TestRecordZeroSellStampsSkipped(t *testing.T) {
	f := newRecorderFixture(t)
	accountID := uuid.New()
	in := successInput(&accountID)
	in.ModelKey = "unknown-model"
	in.EstimatedCostMicros = 0

	id := f.recorder.Record(context.Background(), in)
	require.NotZero(t, id)

	event := f.db.events[id]
	assert.Zero(t, event.SellMicros)
	assert.Equal(t, model.ChargeStatusSkipped, event.ChargeStatus)
	assert.Empty(t, f.debitor.calls, "zero-sell events never touch the balance")
	assert.Empty(t, f.queue.jobs)
}

func TestRecordCanceledContextStillWrites(t *testing.T) {
	f := newRecorderFixture(t)
	accountID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := f.recorder.Record(ctx, successInput(&accountID))
	assert.NotZero(t, id, "durable write must survive caller cancellation")
}

// ctxAwareRates degrades like a rate source whose backing reads honor
// context cancellation.
type ctxAwareRates struct{}

func (ctxAwareRates) Rate(ctx context.Context, modelKey string) (*model.RateConfig, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	return staticRates{}.Rate(ctx, modelKey)
}

func (ctxAwareRates) DefaultMarginPercent(ctx context.Context) float64 { return 30 }

func TestRecordCanceledContextStillPrices(t *testing.T) {
	db := newFakeEventDB()
	m := metrics.New("metering", prometheus.NewRegistry())
	resolver := pricing.NewResolver(ctxAwareRates{}, m, zap.NewNop())
	recorder := NewRecorder(resolver, db, &fakeDebitor{status: model.ChargeStatusCharged}, &fakeQueue{}, m, zap.NewNop())
	accountID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := recorder.Record(ctx, successInput(&accountID))
	require.NotZero(t, id)
	assert.Equal(t, int64(9750), db.events[id].SellMicros, "pricing must not degrade on caller cancellation")
}

func TestRecordDefaultsRole(t *testing.T) {
	f := newRecorderFixture(t)
	accountID := uuid.New()
	in := successInput(&accountID)
	in.AccountRole = ""

	id := f.recorder.Record(context.Background(), in)
	assert.Equal(t, model.AccountRoleUser, f.db.events[id].AccountRole)
}

func TestGetStatsWindowValidation(t *testing.T) {
	f := newRecorderFixture(t)
	now := time.Now()

	_, err := f.recorder.GetStats(context.Background(), uuid.New(), now, now)
	assert.Error(t, err)

	_, err = f.recorder.GetStats(context.Background(), uuid.New(), now.Add(-time.Hour), now)
	assert.NoError(t, err)
}
