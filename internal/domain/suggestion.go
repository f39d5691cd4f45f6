package domain

import (
	"sort"
	"time"
)

// SuggestedAllocation 是优化器给出的目标配置，对本核心只读。
type SuggestedAllocation struct {
	PortfolioID               string                 `json:"portfolioId"`
	Targets                   map[string]BasisPoints `json:"targets"`
	ExpectedAPYImprovementBps BasisPoints            `json:"expectedApyImprovementBps"`
	Confidence                float64                `json:"confidence"`
	RiskScore                 float64                `json:"riskScore"`
	Frequency                 Frequency              `json:"frequency,omitempty"`
	GeneratedAt               time.Time              `json:"generatedAt"`
	ValidUntil                time.Time              `json:"validUntil"`
}

// Total 返回目标占比合计。
func (s SuggestedAllocation) Total() BasisPoints {
	return SumBasisPoints(s.Targets)
}

// IsStale 判断建议在 now 时刻是否已经过期。
func (s SuggestedAllocation) IsStale(now time.Time) bool {
	return now.After(s.ValidUntil)
}

// StrategyIDs 返回按字典序排列的目标策略 ID。
func (s SuggestedAllocation) StrategyIDs() []string {
	ids := make([]string, 0, len(s.Targets))
	for id := range s.Targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
