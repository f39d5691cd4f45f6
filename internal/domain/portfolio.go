package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RiskTolerance 表示组合的风险偏好。
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// Strategy 是组合中的一个收益策略头寸。
type Strategy struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Token    string `json:"token"`
	// Value 以组合记账资产计价的当前价值。
	Value         decimal.Decimal `json:"value"`
	AllocationBps BasisPoints     `json:"allocationBps"`
	// AvailableLiquidity 为当前账户可提取的上限，零表示未知。
	AvailableLiquidity decimal.Decimal `json:"availableLiquidity"`
	// PoolLiquidity 为策略资金池的总流动性，用于估算价格冲击，零表示未知。
	PoolLiquidity decimal.Decimal `json:"poolLiquidity"`
	Active        bool            `json:"active"`
}

// Portfolio 是某一时刻的链上组合快照。
type Portfolio struct {
	ID            string          `json:"id"`
	Strategies    []Strategy      `json:"strategies"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	RiskTolerance RiskTolerance   `json:"riskTolerance"`
	ObservedAt    time.Time       `json:"observedAt"`
}

// Recalculate 根据活跃策略的价值刷新总价值与各策略占比，并按 ID 排序策略。
func (p *Portfolio) Recalculate() {
	sort.Slice(p.Strategies, func(i, j int) bool { return p.Strategies[i].ID < p.Strategies[j].ID })
	values := make(map[string]decimal.Decimal, len(p.Strategies))
	total := decimal.Zero
	for _, s := range p.Strategies {
		if !s.Active {
			continue
		}
		values[s.ID] = s.Value
		if s.Value.IsPositive() {
			total = total.Add(s.Value)
		}
	}
	allocation := AllocationFromValues(values)
	for i := range p.Strategies {
		p.Strategies[i].AllocationBps = allocation[p.Strategies[i].ID]
	}
	p.TotalValue = total
}

// ActiveStrategies 返回活跃策略。
func (p Portfolio) ActiveStrategies() []Strategy {
	active := make([]Strategy, 0, len(p.Strategies))
	for _, s := range p.Strategies {
		if s.Active {
			active = append(active, s)
		}
	}
	return active
}

// Strategy 按 ID 查找策略。
func (p Portfolio) Strategy(id string) (Strategy, bool) {
	for _, s := range p.Strategies {
		if s.ID == id {
			return s, true
		}
	}
	return Strategy{}, false
}

// CurrentAllocation 返回活跃策略的当前占比。
func (p Portfolio) CurrentAllocation() map[string]BasisPoints {
	allocation := make(map[string]BasisPoints, len(p.Strategies))
	for _, s := range p.Strategies {
		if s.Active {
			allocation[s.ID] = s.AllocationBps
		}
	}
	return allocation
}
