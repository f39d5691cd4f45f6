// Package settings 管理每个组合的再平衡配置。
package settings

import (
	"context"
	"sync"
	"time"

	"OpenYield-Rebalancer/internal/domain"
)

// Store 读写组合的再平衡配置。
type Store interface {
	// Get 返回组合配置，未保存过时返回默认配置。
	Get(ctx context.Context, portfolioID string) (domain.RebalanceSettings, error)
	// Update 校验并保存配置，返回实际写入的值。
	Update(ctx context.Context, portfolioID string, settings domain.RebalanceSettings) (domain.RebalanceSettings, error)
}

// Prepare 校验配置并写入更新时间。
func Prepare(portfolioID string, settings domain.RebalanceSettings, now time.Time) (domain.RebalanceSettings, error) {
	if portfolioID == "" {
		return domain.RebalanceSettings{}, domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	if err := settings.Validate(); err != nil {
		return domain.RebalanceSettings{}, err
	}
	settings.UpdatedAt = now.UTC()
	return settings, nil
}

// MemoryStore 以内存方式保存配置。
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]domain.RebalanceSettings
	defaults domain.RebalanceSettings
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore，defaults 为空时使用 domain.DefaultSettings。
func NewMemoryStore(defaults *domain.RebalanceSettings) *MemoryStore {
	d := domain.DefaultSettings()
	if defaults != nil {
		d = *defaults
	}
	return &MemoryStore{
		settings: make(map[string]domain.RebalanceSettings),
		defaults: d,
		now:      time.Now,
	}
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, portfolioID string) (domain.RebalanceSettings, error) {
	if portfolioID == "" {
		return domain.RebalanceSettings{}, domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.settings[portfolioID]; ok {
		return s, nil
	}
	return m.defaults, nil
}

// Update 实现 Store。
func (m *MemoryStore) Update(_ context.Context, portfolioID string, settings domain.RebalanceSettings) (domain.RebalanceSettings, error) {
	prepared, err := Prepare(portfolioID, settings, m.now())
	if err != nil {
		return domain.RebalanceSettings{}, err
	}
	m.mu.Lock()
	m.settings[portfolioID] = prepared
	m.mu.Unlock()
	return prepared, nil
}
