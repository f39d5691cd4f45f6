package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency 描述自动再平衡的最小间隔。
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Interval 返回频率对应的时间间隔。
func (f Frequency) Interval() (time.Duration, bool) {
	switch f {
	case FrequencyHourly:
		return time.Hour, true
	case FrequencyDaily:
		return 24 * time.Hour, true
	case FrequencyWeekly:
		return 7 * 24 * time.Hour, true
	case FrequencyMonthly:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

const (
	MinThresholdBps BasisPoints = 100
	MaxThresholdBps BasisPoints = 2000
	MinSlippageBps  BasisPoints = 10
	MaxSlippageBps  BasisPoints = 500
)

// RebalanceSettings 是单个组合的再平衡配置。
type RebalanceSettings struct {
	Enabled         bool            `json:"enabled"`
	ThresholdBps    BasisPoints     `json:"thresholdBps"`
	Frequency       Frequency       `json:"frequency"`
	MaxSlippageBps  BasisPoints     `json:"maxSlippageBps"`
	MinGasPriceGwei decimal.Decimal `json:"minGasPriceGwei"`
	MaxGasPriceGwei decimal.Decimal `json:"maxGasPriceGwei"`
	// MaxGasCost 为零表示不限制整笔计划的 gas 成本。
	MaxGasCost    decimal.Decimal `json:"maxGasCost"`
	EmergencyStop bool            `json:"emergencyStop"`
	UpdatedAt     time.Time       `json:"updatedAt,omitempty"`
}

// DefaultSettings 返回未配置组合使用的默认值。
func DefaultSettings() RebalanceSettings {
	return RebalanceSettings{
		Enabled:         true,
		ThresholdBps:    500,
		Frequency:       FrequencyDaily,
		MaxSlippageBps:  50,
		MinGasPriceGwei: decimal.Zero,
		MaxGasPriceGwei: decimal.NewFromInt(200),
		MaxGasCost:      decimal.Zero,
	}
}

// Validate 校验配置是否在允许范围内，失败时返回 ConfigError。
func (s RebalanceSettings) Validate() error {
	if s.ThresholdBps < MinThresholdBps || s.ThresholdBps > MaxThresholdBps {
		return NewConfigError("threshold_bps", "阈值 %s 超出允许范围 [%s, %s]", s.ThresholdBps, MinThresholdBps, MaxThresholdBps)
	}
	if s.MaxSlippageBps < MinSlippageBps || s.MaxSlippageBps > MaxSlippageBps {
		return NewConfigError("max_slippage_bps", "最大滑点 %s 超出允许范围 [%s, %s]", s.MaxSlippageBps, MinSlippageBps, MaxSlippageBps)
	}
	if _, ok := s.Frequency.Interval(); !ok {
		return NewConfigError("frequency", "不支持的再平衡频率 %q", s.Frequency)
	}
	if s.MinGasPriceGwei.IsNegative() {
		return NewConfigError("min_gas_price_gwei", "最低 gas 价格不能为负数")
	}
	if !s.MaxGasPriceGwei.IsPositive() {
		return NewConfigError("max_gas_price_gwei", "最高 gas 价格必须大于零")
	}
	if s.MinGasPriceGwei.GreaterThan(s.MaxGasPriceGwei) {
		return NewConfigError("gas_price_bounds", "最低 gas 价格 %s 高于最高 gas 价格 %s", s.MinGasPriceGwei, s.MaxGasPriceGwei)
	}
	if s.MaxGasCost.IsNegative() {
		return NewConfigError("max_gas_cost", "gas 成本上限不能为负数")
	}
	return nil
}
