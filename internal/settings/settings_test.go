package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenYield-Rebalancer/internal/domain"
)

func TestMemoryStoreDefaultsAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSettings(), got)

	update := domain.DefaultSettings()
	update.ThresholdBps = 300
	saved, err := store.Update(ctx, "p1", update)
	require.NoError(t, err)
	assert.Equal(t, fixed, saved.UpdatedAt)

	got, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.BasisPoints(300), got.ThresholdBps)

	other, err := store.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.BasisPoints(500), other.ThresholdBps)
}

func TestMemoryStoreRejectsInvalidSettings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	bad := domain.DefaultSettings()
	bad.MaxSlippageBps = 5
	_, err := store.Update(ctx, "p1", bad)
	require.True(t, domain.IsConfigError(err))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSettings().MaxSlippageBps, got.MaxSlippageBps)

	_, err = store.Get(ctx, "")
	require.True(t, domain.IsValidationError(err))
}

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, portfolioID string) (domain.RebalanceSettings, error) {
	c.gets++
	return c.Store.Get(ctx, portfolioID)
}

func newCache(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backing := &countingStore{Store: NewMemoryStore(nil)}
	return NewCachedStore(backing, client, CacheOptions{TTL: time.Minute}), backing, mr
}

func TestCachedStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newCache(t)

	first, err := cache.Get(ctx, "p1")
	require.NoError(t, err)
	second, err := cache.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.ThresholdBps, second.ThresholdBps)
	assert.Equal(t, first.Frequency, second.Frequency)
	assert.True(t, first.MaxGasCost.Equal(second.MaxGasCost))
	assert.Equal(t, 1, backing.gets)
	assert.True(t, mr.Exists("rebalancer:settings:p1"))

	mr.FastForward(2 * time.Minute)
	_, err = cache.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.gets)
}

func TestCachedStoreUpdateRefreshesCache(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newCache(t)

	_, err := cache.Get(ctx, "p1")
	require.NoError(t, err)

	update := domain.DefaultSettings()
	update.EmergencyStop = true
	_, err = cache.Update(ctx, "p1", update)
	require.NoError(t, err)

	raw, err := mr.Get("rebalancer:settings:p1")
	require.NoError(t, err)
	var cached domain.RebalanceSettings
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.True(t, cached.EmergencyStop)

	got, err := cache.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.EmergencyStop)
	assert.Equal(t, 1, backing.gets)
}

func TestCachedStoreFallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newCache(t)
	mr.Close()

	got, err := cache.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSettings(), got)
	assert.Equal(t, 1, backing.gets)

	bad := domain.DefaultSettings()
	bad.ThresholdBps = 1
	_, err = cache.Update(ctx, "p1", bad)
	require.True(t, domain.IsConfigError(err))
}
