package execution

import (
	"context"
	"sort"
	"sync"

	"OpenYield-Rebalancer/internal/domain"
)

// Store 持久化执行状态机，每次状态或步骤变化后都会调用 Save。
type Store interface {
	Create(ctx context.Context, execution *domain.RebalanceExecution) error
	Get(ctx context.Context, id string) (*domain.RebalanceExecution, error)
	// Save 覆盖执行快照并追加尚未持久化的迁移记录；已写入的取消标记不会被覆盖。
	Save(ctx context.Context, execution *domain.RebalanceExecution) error
	// RequestCancel 只写入取消标记。执行不存在时返回 ErrExecutionNotFound，已结束时返回 false。
	RequestCancel(ctx context.Context, id string) (bool, error)
	// ListOpen 返回所有非终态执行，按创建时间排序。
	ListOpen(ctx context.Context) ([]*domain.RebalanceExecution, error)
	// FindOpen 返回组合当前未结束的执行，没有时返回 nil。
	FindOpen(ctx context.Context, portfolioID string) (*domain.RebalanceExecution, error)
}

// MemoryStore 以内存方式保存执行状态。
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*domain.RebalanceExecution
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*domain.RebalanceExecution)}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, execution *domain.RebalanceExecution) error {
	if execution == nil || execution.ID == "" {
		return domain.NewValidationError("id", "执行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[execution.ID]; ok {
		return domain.NewExecutionConflict("执行 %s 已存在", execution.ID)
	}
	m.executions[execution.ID] = execution.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.RebalanceExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	execution, ok := m.executions[id]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	return execution.Clone(), nil
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, execution *domain.RebalanceExecution) error {
	if execution == nil {
		return domain.NewValidationError("execution", "执行记录不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.executions[execution.ID]
	if !ok {
		return domain.ErrExecutionNotFound
	}
	next := execution.Clone()
	next.CancelRequested = next.CancelRequested || stored.CancelRequested
	m.executions[execution.ID] = next
	return nil
}

// RequestCancel 实现 Store。
func (m *MemoryStore) RequestCancel(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return false, domain.ErrExecutionNotFound
	}
	if execution.Status.IsTerminal() {
		return false, nil
	}
	execution.CancelRequested = true
	return true, nil
}

// ListOpen 实现 Store。
func (m *MemoryStore) ListOpen(_ context.Context) ([]*domain.RebalanceExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []*domain.RebalanceExecution
	for _, execution := range m.executions {
		if !execution.Status.IsTerminal() {
			open = append(open, execution.Clone())
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open, nil
}

// FindOpen 实现 Store。
func (m *MemoryStore) FindOpen(_ context.Context, portfolioID string) (*domain.RebalanceExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, execution := range m.executions {
		if execution.PortfolioID == portfolioID && !execution.Status.IsTerminal() {
			return execution.Clone(), nil
		}
	}
	return nil, nil
}
