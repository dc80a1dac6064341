package settings

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/outbound"
)

// Setting keys read from the settings table.
const (
	KeyDefaultMarginPercent = "billing.default_margin_percent"
	KeyReportingDisabled    = "billing.reporting_disabled"
)

type snapshot struct {
	fetchedAt time.Time
	rates     map[string]*model.RateConfig
	values    map[string]json.RawMessage
}

// Cache is a read-through snapshot cache over the rate table and the
// settings table. Reads are lock-free; a stale snapshot triggers one
// refresh under a mutex while concurrent readers keep serving the old
// snapshot. Refresh failures degrade to the last good snapshot.
type Cache struct {
	rates    outbound.RateConfigDatabasePort
	settings outbound.SettingDatabasePort
	logger   *zap.Logger

	defaultMargin float64
	ttl           time.Duration
	now           func() time.Time
	refreshes     prometheus.Counter

	current atomic.Value // *snapshot
	mu      sync.Mutex
}

// SetRefreshCounter wires an optional counter incremented on each
// successful snapshot refresh.
func (c *Cache) SetRefreshCounter(counter prometheus.Counter) {
	c.refreshes = counter
}

// NewCache creates a settings cache. defaultMargin is the configured
// fallback margin used when the settings table has no override.
func NewCache(
	rates outbound.RateConfigDatabasePort,
	settings outbound.SettingDatabasePort,
	defaultMargin float64,
	ttl time.Duration,
	logger *zap.Logger,
) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		rates:         rates,
		settings:      settings,
		logger:        logger,
		defaultMargin: defaultMargin,
		ttl:           ttl,
		now:           time.Now,
	}
}

// Rate returns the active pricing row for a model key, if present.
func (c *Cache) Rate(ctx context.Context, modelKey string) (*model.RateConfig, bool) {
	snap := c.get(ctx)
	if snap == nil {
		return nil, false
	}
	rate, ok := snap.rates[modelKey]
	return rate, ok
}

// DefaultMarginPercent returns the platform default margin, preferring the
// settings table override over the configured value.
func (c *Cache) DefaultMarginPercent(ctx context.Context) float64 {
	snap := c.get(ctx)
	if snap == nil {
		return c.defaultMargin
	}
	if raw, ok := snap.values[KeyDefaultMarginPercent]; ok {
		var margin float64
		if err := json.Unmarshal(raw, &margin); err == nil && margin >= 0 {
			return margin
		}
	}
	return c.defaultMargin
}

// ReportingDisabled reports whether the external billing reporting kill
// switch is set.
func (c *Cache) ReportingDisabled(ctx context.Context) bool {
	snap := c.get(ctx)
	if snap == nil {
		return false
	}
	if raw, ok := snap.values[KeyReportingDisabled]; ok {
		var disabled bool
		if err := json.Unmarshal(raw, &disabled); err == nil {
			return disabled
		}
	}
	return false
}

// Invalidate drops the cached snapshot so the next read refreshes. Called
// after operator edits to the rate table or settings.
func (c *Cache) Invalidate() {
	c.current.Store((*snapshot)(nil))
}

func (c *Cache) get(ctx context.Context) *snapshot {
	if snap, ok := c.current.Load().(*snapshot); ok && snap != nil {
		if c.now().Sub(snap.fetchedAt) < c.ttl {
			return snap
		}
	}
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) *snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if snap, ok := c.current.Load().(*snapshot); ok && snap != nil {
		if c.now().Sub(snap.fetchedAt) < c.ttl {
			return snap
		}
	}

	fresh, err := c.load(ctx)
	if err != nil {
		c.logger.Warn("settings refresh failed, serving stale snapshot", zap.Error(err))
		if snap, ok := c.current.Load().(*snapshot); ok && snap != nil {
			return snap
		}
		return nil
	}

	c.current.Store(fresh)
	if c.refreshes != nil {
		c.refreshes.Inc()
	}
	return fresh
}

func (c *Cache) load(ctx context.Context) (*snapshot, error) {
	rates, err := c.rates.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := c.settings.List(ctx)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		fetchedAt: c.now(),
		rates:     make(map[string]*model.RateConfig, len(rates)),
		values:    make(map[string]json.RawMessage, len(rows)),
	}
	for _, rate := range rates {
		snap.rates[rate.ModelKey] = rate
	}
	for _, row := range rows {
		snap.values[row.Key] = json.RawMessage(row.Value)
	}
	return snap, nil
}
