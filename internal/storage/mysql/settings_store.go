package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/internal/settings"
	"OpenYield-Rebalancer/pkg/logger"
)

var _ settings.Store = (*SettingsStore)(nil)

// SettingsStore 使用 MySQL 保存组合配置，未保存过的组合返回默认值。
type SettingsStore struct {
	db       *sql.DB
	defaults domain.RebalanceSettings
	now      func() time.Time
}

// Settings 返回组合配置存储，defaults 为空时使用 domain.DefaultSettings。
func (d *DB) Settings(defaults *domain.RebalanceSettings) *SettingsStore {
	s := &SettingsStore{db: d.db, defaults: domain.DefaultSettings(), now: d.now}
	if defaults != nil {
		s.defaults = *defaults
	}
	return s
}

// Get 实现 settings.Store。
func (s *SettingsStore) Get(ctx context.Context, portfolioID string) (domain.RebalanceSettings, error) {
	if portfolioID == "" {
		return domain.RebalanceSettings{}, domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM rebalance_settings WHERE portfolio_id = ?`, portfolioID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return s.defaults, nil
		}
		return domain.RebalanceSettings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询组合配置失败")
	}
	var out domain.RebalanceSettings
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return domain.RebalanceSettings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析组合配置失败")
	}
	return out, nil
}

// Update 实现 settings.Store。
func (s *SettingsStore) Update(ctx context.Context, portfolioID string, next domain.RebalanceSettings) (domain.RebalanceSettings, error) {
	prepared, err := settings.Prepare(portfolioID, next, s.now())
	if err != nil {
		return domain.RebalanceSettings{}, err
	}
	payload, err := json.Marshal(prepared)
	if err != nil {
		return domain.RebalanceSettings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码组合配置失败")
	}

	const stmt = `INSERT INTO rebalance_settings (portfolio_id, payload, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, portfolioID, string(payload), millis(prepared.UpdatedAt)); err != nil {
		return domain.RebalanceSettings{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存组合配置失败")
	}
	logger.L().Debug("组合配置已写入 MySQL", "portfolio_id", portfolioID)
	return prepared, nil
}
