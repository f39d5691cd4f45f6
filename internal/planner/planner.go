// Package planner 将目标配置与当前持仓转换为确定性的有序再平衡步骤。
package planner

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/risk"
)

// Config 控制计划生成的参数。
type Config struct {
	// BaseSlippageBps 为流动性未知时的最低滑点估计。
	BaseSlippageBps domain.BasisPoints `yaml:"base_slippage_bps"`
	// AmountPrecision 为金额保留的小数位。
	AmountPrecision       int32           `yaml:"amount_precision"`
	ExecutionTimeout      time.Duration   `yaml:"execution_timeout"`
	WithdrawGasUnits      uint64          `yaml:"withdraw_gas_units"`
	DepositGasUnits       uint64          `yaml:"deposit_gas_units"`
	ReferenceGasPriceGwei decimal.Decimal `yaml:"reference_gas_price_gwei"`
	// NativeTokenPrice 将原生代币计价的 gas 成本换算为组合记账资产。
	NativeTokenPrice decimal.Decimal `yaml:"native_token_price"`
}

func (c *Config) applyDefaults() {
	if c.BaseSlippageBps <= 0 {
		c.BaseSlippageBps = 5
	}
	if c.AmountPrecision <= 0 {
		c.AmountPrecision = 6
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 30 * time.Minute
	}
	if c.WithdrawGasUnits == 0 {
		c.WithdrawGasUnits = 250_000
	}
	if c.DepositGasUnits == 0 {
		c.DepositGasUnits = 200_000
	}
	if !c.ReferenceGasPriceGwei.IsPositive() {
		c.ReferenceGasPriceGwei = decimal.NewFromInt(20)
	}
	if !c.NativeTokenPrice.IsPositive() {
		c.NativeTokenPrice = decimal.NewFromInt(1)
	}
}

// Planner 生成再平衡计划。
type Planner struct {
	cfg  Config
	risk risk.Manager
	now  func() time.Time
}

// Option 配置 Planner。
type Option func(*Planner)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRiskManager 指定集中度检查器。
func WithRiskManager(m risk.Manager) Option {
	return func(p *Planner) {
		if m != nil {
			p.risk = m
		}
	}
}

// New 创建 Planner。
func New(cfg Config, opts ...Option) *Planner {
	cfg.applyDefaults()
	p := &Planner{cfg: cfg, risk: risk.NewCapChecker(0), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type delta struct {
	strategy domain.Strategy
	amount   decimal.Decimal
	dir      domain.Direction
}

var gweiToNative = decimal.New(1, -9)

// BuildPlan 根据当前持仓、建议配置与设置生成计划。
//
// 相同输入（含时钟）总是得到相同的步骤顺序与金额。
func (p *Planner) BuildPlan(current domain.Portfolio, suggested domain.SuggestedAllocation, settings domain.RebalanceSettings) (*domain.RebalancePlan, error) {
	if strings.TrimSpace(current.ID) == "" {
		return nil, domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	if suggested.PortfolioID != "" && suggested.PortfolioID != current.ID {
		return nil, domain.NewValidationError("portfolio_id", "建议配置属于组合 %s 而非 %s", suggested.PortfolioID, current.ID)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	now := p.now()
	if suggested.IsStale(now) {
		return nil, domain.NewPlanningError(domain.CodeStaleSuggestion, "", "建议配置已于 %s 过期", suggested.ValidUntil.Format(time.RFC3339))
	}
	if err := p.checkTargets(current, suggested); err != nil {
		return nil, err
	}

	deltas := p.computeDeltas(current, suggested)
	steps := make([]domain.RebalanceStep, 0, len(deltas))
	for _, d := range deltas {
		step, err := p.buildStep(d, settings)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	orderSteps(steps)

	horizon := settings.Frequency
	if _, ok := suggested.Frequency.Interval(); ok {
		horizon = suggested.Frequency
	}
	active := current.ActiveStrategies()
	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)

	return &domain.RebalancePlan{
		PortfolioID:               current.ID,
		Steps:                     steps,
		StrategyIDs:               ids,
		TotalValue:                current.TotalValue,
		ExpectedAPYImprovementBps: suggested.ExpectedAPYImprovementBps,
		Horizon:                   horizon,
		Deadline:                  now.Add(p.cfg.ExecutionTimeout),
		CreatedAt:                 now,
		Fingerprint:               domain.Fingerprint(current.ID, steps),
	}, nil
}

func (p *Planner) checkTargets(current domain.Portfolio, suggested domain.SuggestedAllocation) error {
	if len(suggested.Targets) == 0 {
		return domain.NewPlanningError(domain.CodeConstraintViolation, "", "建议配置不包含任何目标")
	}
	total := suggested.Total()
	if (total - domain.FullAllocation).Abs() > domain.AllocationTolerance {
		return domain.NewPlanningError(domain.CodeConstraintViolation, "", "目标占比合计为 %s，应为 100%%", total)
	}
	for _, id := range suggested.StrategyIDs() {
		bps := suggested.Targets[id]
		if bps < 0 {
			return domain.NewPlanningError(domain.CodeConstraintViolation, id, "策略 %s 的目标占比为负数", id)
		}
		s, ok := current.Strategy(id)
		if bps > 0 && (!ok || !s.Active) {
			return domain.NewPlanningError(domain.CodeConstraintViolation, id, "目标配置引用了未激活的策略 %s", id)
		}
	}
	if violations := p.risk.CheckConcentration(suggested.Targets); len(violations) > 0 {
		v := violations[0]
		return domain.NewPlanningError(domain.CodeConstraintViolation, v.StrategyID,
			"策略 %s 目标占比 %s 超过集中度上限 %s", v.StrategyID, v.AllocationBps, v.CapBps)
	}
	return nil
}

func (p *Planner) computeDeltas(current domain.Portfolio, suggested domain.SuggestedAllocation) []delta {
	var deltas []delta
	for _, s := range current.ActiveStrategies() {
		target := suggested.Targets[s.ID].Of(current.TotalValue, p.cfg.AmountPrecision)
		diff := target.Sub(s.Value).Truncate(p.cfg.AmountPrecision)
		switch {
		case diff.IsNegative():
			deltas = append(deltas, delta{strategy: s, amount: diff.Abs(), dir: domain.DirectionWithdraw})
		case diff.IsPositive():
			deltas = append(deltas, delta{strategy: s, amount: diff, dir: domain.DirectionDeposit})
		}
	}
	return deltas
}

func (p *Planner) buildStep(d delta, settings domain.RebalanceSettings) (domain.RebalanceStep, error) {
	available := d.strategy.AvailableLiquidity
	if d.dir == domain.DirectionWithdraw && available.IsPositive() && d.amount.GreaterThan(available) {
		return domain.RebalanceStep{}, domain.NewPlanningError(domain.CodeInsufficientLiquidity, d.strategy.ID,
			"策略 %s 可提取流动性 %s 不足以提取 %s", d.strategy.ID, available, d.amount)
	}

	// 价格冲击相对资金池总量计算，账户自身的可提取额度只用于上面的提取校验。
	slippage := p.estimateSlippage(d.amount, d.strategy.PoolLiquidity)
	if settings.MaxSlippageBps < slippage {
		return domain.RebalanceStep{}, domain.NewPlanningError(domain.CodeConstraintViolation, d.strategy.ID,
			"策略 %s 预估最低滑点 %s 高于允许的最大滑点 %s", d.strategy.ID, slippage, settings.MaxSlippageBps)
	}

	units := p.cfg.DepositGasUnits
	if d.dir == domain.DirectionWithdraw {
		units = p.cfg.WithdrawGasUnits
	}
	gasCost := decimal.NewFromInt(int64(units)).
		Mul(p.cfg.ReferenceGasPriceGwei).
		Mul(gweiToNative).
		Mul(p.cfg.NativeTokenPrice).
		Round(p.cfg.AmountPrecision)

	return domain.RebalanceStep{
		StrategyID:           d.strategy.ID,
		Direction:            d.dir,
		Amount:               d.amount,
		EstimatedGasCost:     gasCost,
		MaxSlippageBps:       settings.MaxSlippageBps,
		EstimatedSlippageBps: slippage,
	}, nil
}

// estimateSlippage 线性价格冲击模型：base + ceil(amount/pool * 10000)。
func (p *Planner) estimateSlippage(amount, liquidity decimal.Decimal) domain.BasisPoints {
	if !liquidity.IsPositive() {
		return p.cfg.BaseSlippageBps
	}
	impact := amount.Mul(decimal.NewFromInt(int64(domain.FullAllocation))).Div(liquidity).Ceil()
	return p.cfg.BaseSlippageBps + domain.BasisPoints(impact.IntPart())
}

// orderSteps 先提取（金额降序）后存入（金额升序），金额相同按策略 ID 升序。
func orderSteps(steps []domain.RebalanceStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		if a.Direction != b.Direction {
			return a.Direction == domain.DirectionWithdraw
		}
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			if a.Direction == domain.DirectionWithdraw {
				return c > 0
			}
			return c < 0
		}
		return a.StrategyID < b.StrategyID
	})
}
