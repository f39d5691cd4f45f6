// Package tracker 计算组合配置偏离并决定是否触发再平衡。
package tracker

import (
	"fmt"
	"sort"
	"time"

	"OpenYield-Rebalancer/internal/domain"
)

// 决策原因。
const (
	ReasonEmergencyStop     = "emergency stop engaged"
	ReasonDisabled          = "auto-rebalancing disabled"
	ReasonNoStrategies      = "no active strategies"
	ReasonZeroValue         = "portfolio value is zero"
	ReasonTooSoon           = "minimum rebalance interval not elapsed"
	ReasonBelowThreshold    = "deviation below threshold"
	ReasonThresholdExceeded = "deviation exceeds threshold"
	ReasonForced            = "forced rebalance"
	ReasonInProgress        = "execution in progress"
)

// Input 是一次评估所需的全部输入。
type Input struct {
	Portfolio  domain.Portfolio
	Suggestion domain.SuggestedAllocation
	Settings   domain.RebalanceSettings
	// LastExecutionAt 为零表示从未执行过。
	LastExecutionAt time.Time
	Now             time.Time
	Force           bool
}

// Tracker 是无状态的评估器。
type Tracker struct{}

// New 创建 Tracker。
func New() *Tracker {
	return &Tracker{}
}

// Evaluate 返回触发决策，不产生任何副作用。
func (t *Tracker) Evaluate(in Input) domain.TriggerDecision {
	decision := domain.TriggerDecision{PortfolioID: in.Portfolio.ID}
	active := in.Portfolio.ActiveStrategies()
	if len(active) > 0 && in.Portfolio.TotalValue.IsPositive() {
		decision.DeviationBps, decision.StrategyID = Deviation(in.Portfolio.CurrentAllocation(), in.Suggestion.Targets)
	}

	switch {
	case in.Settings.EmergencyStop:
		decision.Reason = ReasonEmergencyStop
		return decision
	case !in.Settings.Enabled:
		decision.Reason = ReasonDisabled
		return decision
	case len(active) == 0:
		decision.Reason = ReasonNoStrategies
		return decision
	case !in.Portfolio.TotalValue.IsPositive():
		decision.Reason = ReasonZeroValue
		return decision
	}

	if in.Force {
		decision.Trigger = true
		decision.Reason = ReasonForced
		return decision
	}

	if interval, ok := in.Settings.Frequency.Interval(); ok && !in.LastExecutionAt.IsZero() {
		if elapsed := in.Now.Sub(in.LastExecutionAt); elapsed < interval {
			decision.Reason = fmt.Sprintf("%s (%s remaining)", ReasonTooSoon, (interval - elapsed).Truncate(time.Second))
			return decision
		}
	}

	if decision.DeviationBps < in.Settings.ThresholdBps {
		decision.Reason = ReasonBelowThreshold
		return decision
	}
	decision.Trigger = true
	decision.Reason = ReasonThresholdExceeded
	return decision
}

// Deviation 返回当前与目标占比间最大的绝对偏离及对应策略。
//
// 遍历两边策略的并集，缺失一侧按 0 计；偏离相同时取 ID 较小者。
func Deviation(current, target map[string]domain.BasisPoints) (domain.BasisPoints, string) {
	ids := make(map[string]struct{}, len(current)+len(target))
	for id := range current {
		ids[id] = struct{}{}
	}
	for id := range target {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var (
		maxDeviation domain.BasisPoints
		maxID        string
	)
	for _, id := range sorted {
		d := (current[id] - target[id]).Abs()
		if d > maxDeviation {
			maxDeviation = d
			maxID = id
		}
	}
	return maxDeviation, maxID
}
