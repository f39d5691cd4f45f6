package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 表示一次执行在状态机中的位置。
type Status string

const (
	StatusPending            Status = "pending"
	StatusEstimating         Status = "estimating"
	StatusExecuting          Status = "executing"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusCancelled          Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusEstimating, StatusFailed, StatusCancelled},
	StatusEstimating: {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:  {StatusCompleted, StatusFailed, StatusPartiallyCompleted, StatusCancelled},
}

// IsTerminal 判断是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartiallyCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusEstimating, StatusExecuting,
		StatusCompleted, StatusFailed, StatusPartiallyCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition 判断 from -> to 是否合法。
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StepStatus 表示单个步骤的结果。
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult 记录一个步骤的执行情况。
type StepResult struct {
	StrategyID string          `json:"strategyId"`
	Direction  Direction       `json:"direction"`
	Amount     decimal.Decimal `json:"amount"`
	Status     StepStatus      `json:"status"`
	RetryCount int             `json:"retryCount"`
	TxHash     string          `json:"txHash,omitempty"`
	Error      string          `json:"error,omitempty"`
	GasUsed    uint64          `json:"gasUsed,omitempty"`
	GasCost    decimal.Decimal `json:"gasCost"`
}

// Transition 是状态迁移日志中的一条记录。
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Outcome 是执行到达终态后基于链上余额重新计算的结果。
type Outcome struct {
	ResultingAllocation map[string]BasisPoints `json:"resultingAllocation"`
	RealizedGasCost     decimal.Decimal        `json:"realizedGasCost"`
	ExecutedVolume      decimal.Decimal        `json:"executedVolume"`
	APYImprovementBps   BasisPoints            `json:"apyImprovementBps"`
}

// RebalanceExecution 是一次再平衡的权威审计记录。
type RebalanceExecution struct {
	ID              string         `json:"id"`
	PortfolioID     string         `json:"portfolioId"`
	Status          Status         `json:"status"`
	Steps           []StepResult   `json:"steps"`
	Plan            *RebalancePlan `json:"plan,omitempty"`
	RetryCount      int            `json:"retryCount"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CancelRequested bool           `json:"cancelRequested,omitempty"`
	Outcome         *Outcome       `json:"outcome,omitempty"`
	Transitions     []Transition   `json:"transitions,omitempty"`
}

// NewExecution 基于计划快照创建处于 pending 状态的执行记录。
func NewExecution(id string, plan *RebalancePlan, now time.Time) *RebalanceExecution {
	snapshot := plan.Clone()
	steps := make([]StepResult, len(snapshot.Steps))
	for i, step := range snapshot.Steps {
		steps[i] = StepResult{
			StrategyID: step.StrategyID,
			Direction:  step.Direction,
			Amount:     step.Amount,
			Status:     StepPending,
			GasCost:    decimal.Zero,
		}
	}
	return &RebalanceExecution{
		ID:          id,
		PortfolioID: snapshot.PortfolioID,
		Status:      StatusPending,
		Steps:       steps,
		Plan:        snapshot,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TransitionTo 迁移状态并追加迁移日志，非法迁移返回 ExecutionConflict。
func (e *RebalanceExecution) TransitionTo(to Status, at time.Time, reason string) error {
	if !CanTransition(e.Status, to) {
		return NewExecutionConflict("执行 %s 不能从 %s 迁移到 %s", e.ID, e.Status, to)
	}
	e.Transitions = append(e.Transitions, Transition{From: e.Status, To: to, At: at, Reason: reason})
	e.Status = to
	e.UpdatedAt = at
	if to == StatusEstimating && e.StartedAt == nil {
		started := at
		e.StartedAt = &started
	}
	if to.IsTerminal() {
		completed := at
		e.CompletedAt = &completed
	}
	return nil
}

// SkipRemaining 将 from 之后仍为 pending 的步骤标记为跳过。
func (e *RebalanceExecution) SkipRemaining(from int, reason string) {
	for i := from; i < len(e.Steps); i++ {
		if e.Steps[i].Status == StepPending {
			e.Steps[i].Status = StepSkipped
			e.Steps[i].Error = reason
		}
	}
}

// SucceededSteps 返回成功步骤数。
func (e *RebalanceExecution) SucceededSteps() int {
	n := 0
	for _, step := range e.Steps {
		if step.Status == StepSucceeded {
			n++
		}
	}
	return n
}

// InterruptedStatus 在提前终止时给出终态：有成功步骤为部分完成，否则为 fallback。
func (e *RebalanceExecution) InterruptedStatus(fallback Status) Status {
	if e.SucceededSteps() > 0 {
		return StatusPartiallyCompleted
	}
	return fallback
}

// Clone 返回执行记录的深拷贝。
func (e *RebalanceExecution) Clone() *RebalanceExecution {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Steps = append([]StepResult(nil), e.Steps...)
	cloned.Transitions = append([]Transition(nil), e.Transitions...)
	cloned.Plan = e.Plan.Clone()
	if e.StartedAt != nil {
		v := *e.StartedAt
		cloned.StartedAt = &v
	}
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		cloned.CompletedAt = &v
	}
	if e.Outcome != nil {
		o := *e.Outcome
		o.ResultingAllocation = make(map[string]BasisPoints, len(e.Outcome.ResultingAllocation))
		for k, v := range e.Outcome.ResultingAllocation {
			o.ResultingAllocation[k] = v
		}
		cloned.Outcome = &o
	}
	return &cloned
}

// TriggerDecision 是 evaluate 的结果。
type TriggerDecision struct {
	PortfolioID  string      `json:"portfolioId"`
	Trigger      bool        `json:"trigger"`
	DeviationBps BasisPoints `json:"deviationBps"`
	// StrategyID 为偏离最大的策略。
	StrategyID  string `json:"strategyId,omitempty"`
	Reason      string `json:"reason"`
	ExecutionID string `json:"executionId,omitempty"`
}
