package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction 表示再平衡步骤的资金方向。
type Direction string

const (
	DirectionWithdraw Direction = "withdraw"
	DirectionDeposit  Direction = "deposit"
)

// Valid 判断方向是否为已知取值。
func (d Direction) Valid() bool {
	return d == DirectionWithdraw || d == DirectionDeposit
}

// RebalanceStep 是计划中的一次链上操作。
type RebalanceStep struct {
	StrategyID           string          `json:"strategyId"`
	Direction            Direction       `json:"direction"`
	Amount               decimal.Decimal `json:"amount"`
	EstimatedGasCost     decimal.Decimal `json:"estimatedGasCost"`
	MaxSlippageBps       BasisPoints     `json:"maxSlippageBps"`
	EstimatedSlippageBps BasisPoints     `json:"estimatedSlippageBps"`
}

// RebalancePlan 是有序、构建后不可变的步骤序列。
type RebalancePlan struct {
	PortfolioID string          `json:"portfolioId"`
	Steps       []RebalanceStep `json:"steps"`
	// StrategyIDs 为规划时组合的全部活跃策略，终态时据此重新计算配比。
	StrategyIDs               []string        `json:"strategyIds,omitempty"`
	TotalValue                decimal.Decimal `json:"totalValue"`
	ExpectedAPYImprovementBps BasisPoints     `json:"expectedApyImprovementBps"`
	// Horizon 为净收益评估所用的持有周期，通常等于再平衡频率。
	Horizon     Frequency `json:"horizon"`
	Deadline    time.Time `json:"deadline"`
	CreatedAt   time.Time `json:"createdAt"`
	Fingerprint string    `json:"fingerprint"`
}

// Clone 返回计划的深拷贝。
func (p *RebalancePlan) Clone() *RebalancePlan {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.Steps = append([]RebalanceStep(nil), p.Steps...)
	cloned.StrategyIDs = append([]string(nil), p.StrategyIDs...)
	return &cloned
}

// Volume 返回全部步骤金额之和。
func (p *RebalancePlan) Volume() decimal.Decimal {
	total := decimal.Zero
	if p == nil {
		return total
	}
	for _, step := range p.Steps {
		total = total.Add(step.Amount)
	}
	return total
}

// Validate 检查计划的结构完整性。
func (p *RebalancePlan) Validate() error {
	if p == nil {
		return NewValidationError("plan", "再平衡计划不能为空")
	}
	if strings.TrimSpace(p.PortfolioID) == "" {
		return NewValidationError("portfolio_id", "计划缺少组合 ID")
	}
	if len(p.Steps) == 0 {
		return NewValidationError("steps", "计划不包含任何步骤")
	}
	for i, step := range p.Steps {
		if strings.TrimSpace(step.StrategyID) == "" {
			return NewValidationError("steps", "第 %d 步缺少策略 ID", i+1)
		}
		if !step.Direction.Valid() {
			return NewValidationError("steps", "第 %d 步方向 %q 非法", i+1, step.Direction)
		}
		if !step.Amount.IsPositive() {
			return NewValidationError("steps", "第 %d 步金额必须大于零", i+1)
		}
	}
	if p.Deadline.IsZero() {
		return NewValidationError("deadline", "计划缺少截止时间")
	}
	if p.Fingerprint != "" && p.Fingerprint != Fingerprint(p.PortfolioID, p.Steps) {
		return NewValidationError("fingerprint", "计划指纹与步骤不一致")
	}
	return nil
}

// Fingerprint 对组合 ID 与步骤做规范化编码后计算 sha256。
func Fingerprint(portfolioID string, steps []RebalanceStep) string {
	var b strings.Builder
	b.WriteString(portfolioID)
	b.WriteByte('\n')
	for _, step := range steps {
		b.WriteString(step.StrategyID)
		b.WriteByte('|')
		b.WriteString(string(step.Direction))
		b.WriteByte('|')
		b.WriteString(step.Amount.String())
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
