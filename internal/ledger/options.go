package ledger

import (
	"time"

	"OpenYield-Rebalancer/internal/domain"
)

// SortOrder 控制历史记录的排序方式。
type SortOrder int

const (
	// SortByCompletedDesc 按完成时间倒序（最新在前）。
	SortByCompletedDesc SortOrder = iota
	// SortByCompletedAsc 按完成时间正序。
	SortByCompletedAsc
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// QueryOptions 描述历史查询条件。
type QueryOptions struct {
	Limit          int
	Offset         int
	Statuses       []domain.Status
	CompletedSince time.Time
	CompletedUntil time.Time
	Order          SortOrder
}

func (opts *QueryOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Limit > MaxLimit {
		opts.Limit = MaxLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCompletedAsc {
		opts.Order = SortByCompletedDesc
	}
}

// Matches 判断执行记录是否满足过滤条件（不含分页）。
func (opts QueryOptions) Matches(execution *domain.RebalanceExecution) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if execution.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	completed := CompletedAt(execution)
	if !opts.CompletedSince.IsZero() && completed.Before(opts.CompletedSince) {
		return false
	}
	if !opts.CompletedUntil.IsZero() && completed.After(opts.CompletedUntil) {
		return false
	}
	return true
}

// QueryOption 修改 QueryOptions。
type QueryOption func(*QueryOptions)

// WithLimit 限制返回条数。
func WithLimit(limit int) QueryOption {
	return func(opts *QueryOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) QueryOption {
	return func(opts *QueryOptions) {
		opts.Offset = offset
	}
}

// WithStatuses 按终态过滤。
func WithStatuses(statuses ...domain.Status) QueryOption {
	return func(opts *QueryOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCompletedSince 仅返回在 ts 及之后完成的记录。
func WithCompletedSince(ts time.Time) QueryOption {
	return func(opts *QueryOptions) {
		opts.CompletedSince = ts
	}
}

// WithCompletedUntil 仅返回在 ts 及之前完成的记录。
func WithCompletedUntil(ts time.Time) QueryOption {
	return func(opts *QueryOptions) {
		opts.CompletedUntil = ts
	}
}

// WithSortOrder 修改排序方式。
func WithSortOrder(order SortOrder) QueryOption {
	return func(opts *QueryOptions) {
		opts.Order = order
	}
}

// BuildQueryOptions 在默认值之上应用选项，供各存储实现复用。
func BuildQueryOptions(opts []QueryOption) QueryOptions {
	options := QueryOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// CompletedAt 返回执行的完成时间，缺失时回退到最后更新时间。
func CompletedAt(execution *domain.RebalanceExecution) time.Time {
	if execution.CompletedAt != nil {
		return *execution.CompletedAt
	}
	return execution.UpdatedAt
}

func normalizeStatuses(input []domain.Status) []domain.Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[domain.Status]struct{}, len(input))
	result := make([]domain.Status, 0, len(input))
	for _, status := range input {
		if !domain.IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
