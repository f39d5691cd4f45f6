// Package optimizer 调用外部收益优化服务获取组合的目标配置。
package optimizer

import (
	"context"

	"OpenYield-Rebalancer/internal/domain"
)

// Constraints 是传给优化服务的组合偏好。
type Constraints struct {
	RiskTolerance       domain.RiskTolerance
	MaxConcentrationBps domain.BasisPoints
	Frequency           domain.Frequency
}

// Client 定义获取建议配置的统一接口。
type Client interface {
	SuggestAllocation(ctx context.Context, portfolio domain.Portfolio, constraints Constraints) (domain.SuggestedAllocation, error)
}

// Static 返回固定的建议配置，用于本地调试和测试。
type Static struct {
	Suggestions map[string]domain.SuggestedAllocation
}

// SuggestAllocation 实现 Client。
func (s Static) SuggestAllocation(_ context.Context, portfolio domain.Portfolio, _ Constraints) (domain.SuggestedAllocation, error) {
	suggestion, ok := s.Suggestions[portfolio.ID]
	if !ok {
		return domain.SuggestedAllocation{}, domain.NewValidationError("portfolio_id", "组合 %s 没有可用的建议配置", portfolio.ID)
	}
	return suggestion, nil
}
