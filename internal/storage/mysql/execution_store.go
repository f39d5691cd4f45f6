package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/internal/execution"
)

const openKeyIndex = "uk_rebalance_open"

var _ execution.Store = (*ExecutionStore)(nil)

// ExecutionStore 使用 MySQL 持久化执行状态机。
//
// 执行快照以 JSON 保存在 rebalance_executions.payload，迁移记录另存一张只追加的表。
// 非终态执行的 open_key 为组合 ID，唯一索引保证每个组合最多一个未结束执行。
// 取消标记单独存于 cancel_requested 列，Save 覆盖快照时不会清除。
type ExecutionStore struct {
	db *sql.DB
}

// Executions 返回执行状态存储。
func (d *DB) Executions() *ExecutionStore {
	return &ExecutionStore{db: d.db}
}

func openKey(execution *domain.RebalanceExecution) sql.NullString {
	if execution.Status.IsTerminal() {
		return sql.NullString{}
	}
	return sql.NullString{String: execution.PortfolioID, Valid: true}
}

// Create 实现 execution.Store。
func (s *ExecutionStore) Create(ctx context.Context, execution *domain.RebalanceExecution) error {
	if execution == nil || strings.TrimSpace(execution.ID) == "" {
		return domain.NewValidationError("id", "执行 ID 不能为空")
	}
	payload, err := json.Marshal(execution)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码执行记录失败")
	}

	const stmt = `INSERT INTO rebalance_executions
        (id, portfolio_id, status, open_key, payload, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		execution.ID,
		execution.PortfolioID,
		string(execution.Status),
		openKey(execution),
		string(payload),
		millis(execution.CreatedAt),
		millis(execution.UpdatedAt),
	)
	if err != nil {
		if msg, dup := duplicateKey(err); dup {
			if strings.Contains(msg, openKeyIndex) {
				return xerrors.New(domain.CodeConcurrentExecution,
					fmt.Sprintf("组合 %s 已有未结束的再平衡执行", execution.PortfolioID),
					xerrors.WithMetadata("portfolio_id", execution.PortfolioID))
			}
			return domain.NewExecutionConflict("执行 %s 已存在", execution.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

// Get 实现 execution.Store。
func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.RebalanceExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload, cancel_requested FROM rebalance_executions WHERE id = ?`, id)
	var (
		payload   string
		cancelled bool
	)
	if err := row.Scan(&payload, &cancelled); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return decodeExecution(payload, cancelled)
}

// RequestCancel 只更新 cancel_requested 列，与并发的 Save 互不覆盖。
func (s *ExecutionStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE rebalance_executions SET cancel_requested = 1
        WHERE id = ? AND open_key IS NOT NULL`, id)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入取消标记失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return true, nil
	}

	// 0 行可能是记录不存在、已结束或标记早已写入。
	var open bool
	row := s.db.QueryRowContext(ctx, `SELECT open_key IS NOT NULL FROM rebalance_executions WHERE id = ?`, id)
	if err := row.Scan(&open); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrExecutionNotFound
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return open, nil
}

// Save 在一个事务中覆盖快照并追加新的迁移记录。
func (s *ExecutionStore) Save(ctx context.Context, execution *domain.RebalanceExecution) error {
	if execution == nil {
		return domain.NewValidationError("execution", "执行记录不能为空")
	}
	payload, err := json.Marshal(execution)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码执行记录失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := s.saveTx(ctx, tx, execution, string(payload)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func (s *ExecutionStore) saveTx(ctx context.Context, tx *sql.Tx, execution *domain.RebalanceExecution, payload string) error {
	const update = `UPDATE rebalance_executions SET status = ?, open_key = ?, payload = ?, updated_at = ?
        WHERE id = ?`
	res, err := tx.ExecContext(ctx, update,
		string(execution.Status),
		openKey(execution),
		payload,
		millis(execution.UpdatedAt),
		execution.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	if affected == 0 {
		// 内容未变化时 MySQL 同样返回 0 行，需要再确认记录是否存在。
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rebalance_executions WHERE id = ?`, execution.ID).Scan(&exists); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
		}
		if exists == 0 {
			return domain.ErrExecutionNotFound
		}
	}

	var persisted int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rebalance_transitions WHERE execution_id = ?`, execution.ID)
	if err := row.Scan(&persisted); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询迁移记录失败")
	}
	if persisted >= len(execution.Transitions) {
		return nil
	}

	pending := execution.Transitions[persisted:]
	placeholders := make([]string, 0, len(pending))
	args := make([]any, 0, len(pending)*6)
	for i, tr := range pending {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?)")
		args = append(args, execution.ID, persisted+i+1, string(tr.From), string(tr.To), tr.Reason, millis(tr.At))
	}
	stmt := `INSERT INTO rebalance_transitions (execution_id, seq, from_status, to_status, reason, occurred_at) VALUES ` +
		strings.Join(placeholders, ", ")
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入迁移记录失败")
	}
	return nil
}

// ListOpen 实现 execution.Store。
func (s *ExecutionStore) ListOpen(ctx context.Context) ([]*domain.RebalanceExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, cancel_requested FROM rebalance_executions
        WHERE open_key IS NOT NULL ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未结束执行失败")
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// FindOpen 实现 execution.Store。
func (s *ExecutionStore) FindOpen(ctx context.Context, portfolioID string) (*domain.RebalanceExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload, cancel_requested FROM rebalance_executions WHERE open_key = ?`, portfolioID)
	var (
		payload   string
		cancelled bool
	)
	if err := row.Scan(&payload, &cancelled); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未结束执行失败")
	}
	return decodeExecution(payload, cancelled)
}

// Transitions 返回执行的完整迁移日志，用于审计查询。
func (s *ExecutionStore) Transitions(ctx context.Context, executionID string) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_status, to_status, reason, occurred_at
        FROM rebalance_transitions WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询迁移记录失败")
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var (
			from, to, reason string
			at               int64
		)
		if err := rows.Scan(&from, &to, &reason, &at); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析迁移记录失败")
		}
		out = append(out, domain.Transition{
			From:   domain.Status(from),
			To:     domain.Status(to),
			Reason: reason,
			At:     fromMillis(at),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历迁移记录失败")
	}
	return out, nil
}

func scanExecutions(rows *sql.Rows) ([]*domain.RebalanceExecution, error) {
	var out []*domain.RebalanceExecution
	for rows.Next() {
		var (
			payload   string
			cancelled bool
		)
		if err := rows.Scan(&payload, &cancelled); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		execution, err := decodeExecution(payload, cancelled)
		if err != nil {
			return nil, err
		}
		out = append(out, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return out, nil
}

func decodeExecution(payload string, cancelled bool) (*domain.RebalanceExecution, error) {
	var execution domain.RebalanceExecution
	if err := json.Unmarshal([]byte(payload), &execution); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
	}
	execution.CancelRequested = execution.CancelRequested || cancelled
	return &execution, nil
}
