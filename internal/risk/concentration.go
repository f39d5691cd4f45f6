// Package risk 提供本地已知的集中度约束检查。
package risk

import (
	"sort"

	"OpenYield-Rebalancer/internal/domain"
)

// DefaultConcentrationCap 单一策略最大占比 35%。
const DefaultConcentrationCap domain.BasisPoints = 3500

// Violation 描述一次集中度超限。
type Violation struct {
	StrategyID    string             `json:"strategyId"`
	AllocationBps domain.BasisPoints `json:"allocationBps"`
	CapBps        domain.BasisPoints `json:"capBps"`
}

// Manager 对目标配置进行风险检查。
type Manager interface {
	CheckConcentration(allocation map[string]domain.BasisPoints) []Violation
}

// CapChecker 使用全局上限与按策略覆盖的上限检查集中度。
type CapChecker struct {
	defaultCap domain.BasisPoints
	overrides  map[string]domain.BasisPoints
}

// Option 配置 CapChecker。
type Option func(*CapChecker)

// WithStrategyCap 为单个策略设置独立上限。
func WithStrategyCap(strategyID string, limit domain.BasisPoints) Option {
	return func(c *CapChecker) {
		if limit > 0 {
			c.overrides[strategyID] = limit
		}
	}
}

// NewCapChecker 创建检查器，limit 非正时使用默认上限。
func NewCapChecker(limit domain.BasisPoints, opts ...Option) *CapChecker {
	if limit <= 0 {
		limit = DefaultConcentrationCap
	}
	c := &CapChecker{defaultCap: limit, overrides: map[string]domain.BasisPoints{}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CheckConcentration 返回按策略 ID 排序的超限列表。
func (c *CapChecker) CheckConcentration(allocation map[string]domain.BasisPoints) []Violation {
	var violations []Violation
	for id, bps := range allocation {
		limit := c.defaultCap
		if override, ok := c.overrides[id]; ok {
			limit = override
		}
		if bps > limit {
			violations = append(violations, Violation{StrategyID: id, AllocationBps: bps, CapBps: limit})
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].StrategyID < violations[j].StrategyID })
	return violations
}

var _ Manager = (*CapChecker)(nil)
