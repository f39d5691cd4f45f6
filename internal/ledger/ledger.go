// Package ledger 保存已结束的再平衡执行记录，供历史查询与审计使用。
package ledger

import (
	"context"

	"OpenYield-Rebalancer/internal/domain"
)

// Ledger 是只追加的执行历史。
type Ledger interface {
	// Append 写入一条终态执行记录，同一 ID 重复写入返回冲突错误。
	Append(ctx context.Context, execution *domain.RebalanceExecution) error
	Query(ctx context.Context, portfolioID string, opts ...QueryOption) (Page, error)
}

// Page 是一页查询结果。
type Page struct {
	Items  []*domain.RebalanceExecution `json:"items"`
	Total  int                          `json:"total"`
	Limit  int                          `json:"limit"`
	Offset int                          `json:"offset"`
}

// Latest 返回组合最近一次完成的执行，没有记录时返回 nil。
func Latest(ctx context.Context, l Ledger, portfolioID string) (*domain.RebalanceExecution, error) {
	page, err := l.Query(ctx, portfolioID, WithLimit(1), WithSortOrder(SortByCompletedDesc))
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return page.Items[0], nil
}

// ValidateEntry 校验写入账本的执行记录。
func ValidateEntry(execution *domain.RebalanceExecution) error {
	if execution == nil {
		return domain.NewValidationError("execution", "执行记录不能为空")
	}
	if execution.ID == "" {
		return domain.NewValidationError("id", "执行 ID 不能为空")
	}
	if execution.PortfolioID == "" {
		return domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	if !execution.Status.IsTerminal() {
		return domain.NewValidationError("status", "仅允许写入终态执行，当前状态 %s", execution.Status)
	}
	return nil
}
