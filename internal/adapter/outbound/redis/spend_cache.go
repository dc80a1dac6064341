package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tallyhq/metering/internal/port/outbound"
)

// keyTTLSlack keeps counters alive past the period end so late writes at a
// month boundary still land on the old key.
const keyTTLSlack = 24 * time.Hour

// spendCacheAdapter implements outbound.SpendCachePort on period-keyed
// Redis counters.
type spendCacheAdapter struct {
	client *redis.Client
}

// NewSpendCacheAdapter creates a new spend cache adapter.
func NewSpendCacheAdapter(client *redis.Client) outbound.SpendCachePort {
	return &spendCacheAdapter{client: client}
}

func (a *spendCacheAdapter) key(accountID uuid.UUID, periodKey string) string {
	return fmt.Sprintf("spend:%s:%s", accountID, periodKey)
}

func (a *spendCacheAdapter) GetMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string) (int64, error) {
	val, err := a.client.Get(ctx, a.key(accountID, periodKey)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, outbound.ErrCacheMiss
		}
		return 0, err
	}
	return val, nil
}

func (a *spendCacheAdapter) AddMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string, periodEnd time.Time, amountMicros int64) (int64, error) {
	key := a.key(accountID, periodKey)

	val, err := a.client.IncrBy(ctx, key, amountMicros).Result()
	if err != nil {
		return 0, err
	}

	if ttl := time.Until(periodEnd.Add(keyTTLSlack)); ttl > 0 {
		if err := a.client.Expire(ctx, key, ttl).Err(); err != nil {
			return val, err
		}
	}
	return val, nil
}

func (a *spendCacheAdapter) ResetMonthlySpend(ctx context.Context, accountID uuid.UUID, periodKey string) error {
	return a.client.Del(ctx, a.key(accountID, periodKey)).Err()
}

// Compile-time check
var _ outbound.SpendCachePort = (*spendCacheAdapter)(nil)
