package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/tallyhq/metering/internal/model"
)

type fakeRatePort struct {
	mu    sync.Mutex
	rates []*model.RateConfig
	err   error
	calls int
}

func (f *fakeRatePort) ListActive(ctx context.Context) ([]*model.RateConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

func (f *fakeRatePort) Upsert(ctx context.Context, rate *model.RateConfig) error {
	return nil
}

type fakeSettingPort struct {
	rows []*model.Setting
	err  error
}

func (f *fakeSettingPort) List(ctx context.Context) ([]*model.Setting, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func TestCacheRateLookup(t *testing.T) {
	rates := &fakeRatePort{rates: []*model.RateConfig{
		{ModelKey: "gpt-4o", InputUSDPerMillion: 2.5, OutputUSDPerMillion: 10, Active: true},
	}}
	cache := NewCache(rates, &fakeSettingPort{}, 30, 5*time.Minute, zap.NewNop())

	rate, ok := cache.Rate(context.Background(), "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 2.5, rate.InputUSDPerMillion)

	_, ok = cache.Rate(context.Background(), "unknown-model")
	assert.False(t, ok)
}

func TestCacheSnapshotReuse(t *testing.T) {
	rates := &fakeRatePort{}
	cache := NewCache(rates, &fakeSettingPort{}, 30, 5*time.Minute, zap.NewNop())

	for i := 0; i < 10; i++ {
		cache.Rate(context.Background(), "gpt-4o")
	}

	assert.Equal(t, 1, rates.calls, "reads within the TTL must serve the snapshot")
}

func TestCacheTTLExpiry(t *testing.T) {
	rates := &fakeRatePort{}
	cache := NewCache(rates, &fakeSettingPort{}, 30, 5*time.Minute, zap.NewNop())

	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Rate(context.Background(), "gpt-4o")
	now = now.Add(6 * time.Minute)
	cache.Rate(context.Background(), "gpt-4o")

	assert.Equal(t, 2, rates.calls)
}

func TestCacheInvalidate(t *testing.T) {
	rates := &fakeRatePort{}
	cache := NewCache(rates, &fakeSettingPort{}, 30, 5*time.Minute, zap.NewNop())

	cache.Rate(context.Background(), "gpt-4o")
	cache.Invalidate()
	cache.Rate(context.Background(), "gpt-4o")

	assert.Equal(t, 2, rates.calls)
}

func TestCacheStaleOnError(t *testing.T) {
	rates := &fakeRatePort{rates: []*model.RateConfig{
		{ModelKey: "gpt-4o", InputUSDPerMillion: 2.5, Active: true},
	}}
	cache := NewCache(rates, &fakeSettingPort{}, 30, 5*time.Minute, zap.NewNop())

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, ok := cache.Rate(context.Background(), "gpt-4o")
	require.True(t, ok)

	// Refresh fails after expiry; the stale snapshot keeps serving.
	rates.err = assert.AnError
	now = now.Add(6 * time.Minute)

	rate, ok := cache.Rate(context.Background(), "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 2.5, rate.InputUSDPerMillion)
}

func TestCacheSettingOverrides(t *testing.T) {
	settings := &fakeSettingPort{rows: []*model.Setting{
		{Key: KeyDefaultMarginPercent, Value: datatypes.JSON(`45.5`)},
		{Key: KeyReportingDisabled, Value: datatypes.JSON(`true`)},
	}}
	cache := NewCache(&fakeRatePort{}, settings, 30, 5*time.Minute, zap.NewNop())

	assert.Equal(t, 45.5, cache.DefaultMarginPercent(context.Background()))
	assert.True(t, cache.ReportingDisabled(context.Background()))
}

func TestCacheSettingDefaults(t *testing.T) {
	cache := NewCache(&fakeRatePort{}, &fakeSettingPort{}, 30, 5*time.Minute, zap.NewNop())

	assert.Equal(t, float64(30), cache.DefaultMarginPercent(context.Background()))
	assert.False(t, cache.ReportingDisabled(context.Background()))
}
