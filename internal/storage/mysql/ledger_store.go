package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/internal/ledger"
)

var _ ledger.Ledger = (*LedgerStore)(nil)

// LedgerStore 使用 MySQL 保存只追加的执行历史。
type LedgerStore struct {
	db  *sql.DB
	now func() time.Time
}

// Ledger 返回历史账本存储。
func (d *DB) Ledger() *LedgerStore {
	return &LedgerStore{db: d.db, now: d.now}
}

// Append 实现 ledger.Ledger。
func (s *LedgerStore) Append(ctx context.Context, execution *domain.RebalanceExecution) error {
	if err := ledger.ValidateEntry(execution); err != nil {
		return err
	}
	payload, err := json.Marshal(execution)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码执行记录失败")
	}

	const stmt = `INSERT INTO rebalance_history
        (id, portfolio_id, status, completed_at, payload, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		execution.ID,
		execution.PortfolioID,
		string(execution.Status),
		millis(ledger.CompletedAt(execution)),
		string(payload),
		millis(s.now()),
	)
	if err != nil {
		if _, dup := duplicateKey(err); dup {
			return domain.NewExecutionConflict("执行 %s 已写入账本", execution.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史账本失败")
	}
	return nil
}

// Query 实现 ledger.Ledger。
func (s *LedgerStore) Query(ctx context.Context, portfolioID string, opts ...ledger.QueryOption) (ledger.Page, error) {
	options := ledger.BuildQueryOptions(opts)
	where, args := historyFilter(portfolioID, options)

	page := ledger.Page{Limit: options.Limit, Offset: options.Offset, Items: []*domain.RebalanceExecution{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rebalance_history WHERE `+where, args...).Scan(&page.Total); err != nil {
		return ledger.Page{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计历史记录失败")
	}
	if page.Total == 0 || options.Offset >= page.Total {
		return page, nil
	}

	order := "completed_at DESC, id DESC"
	if options.Order == ledger.SortByCompletedAsc {
		order = "completed_at ASC, id ASC"
	}
	query := `SELECT payload FROM rebalance_history WHERE ` + where + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, options.Limit, options.Offset)...)
	if err != nil {
		return ledger.Page{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询历史记录失败")
	}
	defer rows.Close()

	items, err := scanExecutions(rows)
	if err != nil {
		return ledger.Page{}, err
	}
	if items != nil {
		page.Items = items
	}
	return page, nil
}

func historyFilter(portfolioID string, options ledger.QueryOptions) (string, []any) {
	clauses := []string{"portfolio_id = ?"}
	args := []any{portfolioID}
	if len(options.Statuses) > 0 {
		marks := make([]string, len(options.Statuses))
		for i, status := range options.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !options.CompletedSince.IsZero() {
		clauses = append(clauses, "completed_at >= ?")
		args = append(args, millis(options.CompletedSince))
	}
	if !options.CompletedUntil.IsZero() {
		clauses = append(clauses, "completed_at <= ?")
		args = append(args, millis(options.CompletedUntil))
	}
	return strings.Join(clauses, " AND "), args
}
