package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/pkg/logger"
)

// CacheOptions 控制 Redis 读穿缓存。
type CacheOptions struct {
	Prefix string
	TTL    time.Duration
}

// CachedStore 在下游 Store 之前增加 Redis 读穿缓存，缓存故障时直接回源。
type CachedStore struct {
	next   Store
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// NewCachedStore 创建 CachedStore。
func NewCachedStore(next Store, client redis.UniversalClient, opts CacheOptions) *CachedStore {
	if opts.Prefix == "" {
		opts.Prefix = "rebalancer:settings"
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	return &CachedStore{
		next:   next,
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		log:    logger.Named("settings.cache"),
	}
}

func (c *CachedStore) key(portfolioID string) string {
	return c.prefix + ":" + portfolioID
}

// Get 实现 Store。
func (c *CachedStore) Get(ctx context.Context, portfolioID string) (domain.RebalanceSettings, error) {
	raw, err := c.client.Get(ctx, c.key(portfolioID)).Bytes()
	switch {
	case err == nil:
		var cached domain.RebalanceSettings
		if decodeErr := json.Unmarshal(raw, &cached); decodeErr == nil {
			return cached, nil
		}
		c.log.Warn("缓存内容无法解析，回源读取", slog.String("portfolio_id", portfolioID))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("读取配置缓存失败", slog.String("portfolio_id", portfolioID), slog.Any("error", err))
	}

	settings, err := c.next.Get(ctx, portfolioID)
	if err != nil {
		return domain.RebalanceSettings{}, err
	}
	c.store(ctx, portfolioID, settings)
	return settings, nil
}

// Update 实现 Store。
func (c *CachedStore) Update(ctx context.Context, portfolioID string, settings domain.RebalanceSettings) (domain.RebalanceSettings, error) {
	saved, err := c.next.Update(ctx, portfolioID, settings)
	if err != nil {
		return domain.RebalanceSettings{}, err
	}
	c.store(ctx, portfolioID, saved)
	return saved, nil
}

func (c *CachedStore) store(ctx context.Context, portfolioID string, settings domain.RebalanceSettings) {
	payload, err := json.Marshal(settings)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(portfolioID), payload, c.ttl).Err(); err != nil {
		c.log.Warn("写入配置缓存失败", slog.String("portfolio_id", portfolioID), slog.Any("error", err))
		// 写缓存失败时删除旧值，避免读到过期配置。
		_ = c.client.Del(ctx, c.key(portfolioID)).Err()
	}
}
