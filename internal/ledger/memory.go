package ledger

import (
	"context"
	"sort"
	"sync"

	"OpenYield-Rebalancer/internal/domain"
)

// MemoryLedger 在内存中保存执行历史，主要用于测试与单机部署。
type MemoryLedger struct {
	mu          sync.RWMutex
	byID        map[string]struct{}
	byPortfolio map[string][]*domain.RebalanceExecution
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:        make(map[string]struct{}),
		byPortfolio: make(map[string][]*domain.RebalanceExecution),
	}
}

// Append 实现 Ledger。
func (m *MemoryLedger) Append(_ context.Context, execution *domain.RebalanceExecution) error {
	if err := ValidateEntry(execution); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[execution.ID]; ok {
		return domain.NewExecutionConflict("执行 %s 已写入账本", execution.ID)
	}
	m.byID[execution.ID] = struct{}{}
	m.byPortfolio[execution.PortfolioID] = append(m.byPortfolio[execution.PortfolioID], execution.Clone())
	return nil
}

// Query 实现 Ledger。
func (m *MemoryLedger) Query(_ context.Context, portfolioID string, opts ...QueryOption) (Page, error) {
	options := BuildQueryOptions(opts)

	m.mu.RLock()
	matched := make([]*domain.RebalanceExecution, 0, len(m.byPortfolio[portfolioID]))
	for _, execution := range m.byPortfolio[portfolioID] {
		if options.Matches(execution) {
			matched = append(matched, execution)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		left, right := CompletedAt(matched[i]), CompletedAt(matched[j])
		if left.Equal(right) {
			if options.Order == SortByCompletedAsc {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].ID > matched[j].ID
		}
		if options.Order == SortByCompletedAsc {
			return left.Before(right)
		}
		return left.After(right)
	})

	page := Page{Total: len(matched), Limit: options.Limit, Offset: options.Offset}
	if options.Offset >= len(matched) {
		page.Items = []*domain.RebalanceExecution{}
		return page, nil
	}
	end := options.Offset + options.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Items = make([]*domain.RebalanceExecution, 0, end-options.Offset)
	for _, execution := range matched[options.Offset:end] {
		page.Items = append(page.Items, execution.Clone())
	}
	return page, nil
}
