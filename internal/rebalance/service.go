package rebalance

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/internal/ledger"
	"OpenYield-Rebalancer/internal/optimizer"
	"OpenYield-Rebalancer/internal/planner"
	"OpenYield-Rebalancer/internal/settings"
	"OpenYield-Rebalancer/internal/tracker"
	"OpenYield-Rebalancer/pkg/logger"
)

// ReasonNoSteps 表示偏离已触发但当前持仓已满足目标，无需链上操作。
const ReasonNoSteps = "no steps required"

// defaultMaxConcentration 与规划器的默认集中度上限一致。
const defaultMaxConcentration domain.BasisPoints = 3500

// PortfolioSource 提供受管组合及其链上快照。
type PortfolioSource interface {
	IDs() []string
	Snapshot(ctx context.Context, portfolioID string) (domain.Portfolio, error)
}

// Executor 是执行协调器对外暴露的操作，*execution.Coordinator 满足该接口。
type Executor interface {
	Execute(ctx context.Context, portfolioID string, plan *domain.RebalancePlan, settings domain.RebalanceSettings) (string, error)
	GetStatus(ctx context.Context, executionID string) (*domain.RebalanceExecution, error)
	Cancel(ctx context.Context, executionID string) (bool, error)
	OpenExecution(ctx context.Context, portfolioID string) (*domain.RebalanceExecution, error)
}

// Recorder 接收评估相关的指标。
type Recorder interface {
	TriggerEvaluated(decision domain.TriggerDecision)
}

type noopRecorder struct{}

func (noopRecorder) TriggerEvaluated(domain.TriggerDecision) {}

// CycleResult 是一次完整评估与执行尝试的结果。
type CycleResult struct {
	Decision    domain.TriggerDecision `json:"decision"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Plan        *domain.RebalancePlan  `json:"plan,omitempty"`
}

// Service 协调评估、规划与执行。
type Service struct {
	portfolios       PortfolioSource
	optimizer        optimizer.Client
	settings         settings.Store
	history          ledger.Ledger
	executor         Executor
	planner          *planner.Planner
	tracker          *tracker.Tracker
	metrics          Recorder
	maxConcentration domain.BasisPoints
	optimizerTimeout time.Duration
	now              func() time.Time
	log              *slog.Logger
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithMetrics 注册评估指标。
func WithMetrics(recorder Recorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOptimizerTimeout 设置单次获取建议配置的超时时间。
func WithOptimizerTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout < 0 {
			timeout = 0
		}
		s.optimizerTimeout = timeout
	}
}

// WithMaxConcentration 设置传给优化服务的单策略集中度上限。
func WithMaxConcentration(limit domain.BasisPoints) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxConcentration = limit
		}
	}
}

// New 创建 Service。
func New(portfolios PortfolioSource, opt optimizer.Client, store settings.Store, history ledger.Ledger, executor Executor, pl *planner.Planner, opts ...Option) *Service {
	s := &Service{
		portfolios:       portfolios,
		optimizer:        opt,
		settings:         store,
		history:          history,
		executor:         executor,
		planner:          pl,
		tracker:          tracker.New(),
		metrics:          noopRecorder{},
		maxConcentration: defaultMaxConcentration,
		now:              time.Now,
		log:              logger.Named("rebalance"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Portfolios 返回全部受管组合 ID。
func (s *Service) Portfolios() []string {
	return s.portfolios.IDs()
}

func (s *Service) requireManaged(portfolioID string) error {
	if strings.TrimSpace(portfolioID) == "" {
		return domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	if !slices.Contains(s.portfolios.IDs(), portfolioID) {
		return domain.ErrPortfolioNotFound
	}
	return nil
}

// assessment 汇总一次评估的输入与结论。
type assessment struct {
	decision   domain.TriggerDecision
	portfolio  domain.Portfolio
	suggestion domain.SuggestedAllocation
	settings   domain.RebalanceSettings
}

// Evaluate 判断组合是否需要再平衡，不产生链上副作用。
//
// 组合存在未结束的执行时直接返回不触发的决策并附带该执行 ID。
func (s *Service) Evaluate(ctx context.Context, portfolioID string, force bool) (domain.TriggerDecision, error) {
	a, err := s.assess(ctx, portfolioID, force)
	if err != nil {
		return domain.TriggerDecision{}, err
	}
	return a.decision, nil
}

func (s *Service) assess(ctx context.Context, portfolioID string, force bool) (*assessment, error) {
	portfolioID = strings.TrimSpace(portfolioID)
	if portfolioID == "" {
		return nil, domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}

	open, err := s.executor.OpenExecution(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return s.decided(&assessment{decision: domain.TriggerDecision{
			PortfolioID: portfolioID,
			Reason:      tracker.ReasonInProgress,
			ExecutionID: open.ID,
		}}), nil
	}

	current, err := s.settings.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	// 紧急停止与关闭自动再平衡时不读取链上数据，也不调用优化服务。
	switch {
	case current.EmergencyStop:
		return s.decided(&assessment{settings: current, decision: domain.TriggerDecision{
			PortfolioID: portfolioID, Reason: tracker.ReasonEmergencyStop,
		}}), nil
	case !current.Enabled:
		return s.decided(&assessment{settings: current, decision: domain.TriggerDecision{
			PortfolioID: portfolioID, Reason: tracker.ReasonDisabled,
		}}), nil
	}

	snapshot, err := s.portfolios.Snapshot(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	suggestion, err := s.suggest(ctx, snapshot, current)
	if err != nil {
		return nil, err
	}

	last, err := s.lastExecutionAt(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	decision := s.tracker.Evaluate(tracker.Input{
		Portfolio:       snapshot,
		Suggestion:      suggestion,
		Settings:        current,
		LastExecutionAt: last,
		Now:             s.now(),
		Force:           force,
	})
	return s.decided(&assessment{
		decision:   decision,
		portfolio:  snapshot,
		suggestion: suggestion,
		settings:   current,
	}), nil
}

func (s *Service) decided(a *assessment) *assessment {
	s.metrics.TriggerEvaluated(a.decision)
	s.log.Debug("完成偏离评估",
		slog.String("portfolio_id", a.decision.PortfolioID),
		slog.Bool("trigger", a.decision.Trigger),
		slog.Int64("deviation_bps", int64(a.decision.DeviationBps)),
		slog.String("strategy_id", a.decision.StrategyID),
		slog.String("reason", a.decision.Reason))
	return a
}

func (s *Service) suggest(ctx context.Context, p domain.Portfolio, current domain.RebalanceSettings) (domain.SuggestedAllocation, error) {
	if s.optimizer == nil {
		return domain.SuggestedAllocation{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置优化服务客户端")
	}
	callCtx := ctx
	if s.optimizerTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.optimizerTimeout)
		defer cancel()
	}
	suggestion, err := s.optimizer.SuggestAllocation(callCtx, p, optimizer.Constraints{
		RiskTolerance:       p.RiskTolerance,
		MaxConcentrationBps: s.maxConcentration,
		Frequency:           current.Frequency,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return domain.SuggestedAllocation{}, xerrors.Wrap(xerrors.CodeTimeout, err, "获取建议配置超时")
		}
		return domain.SuggestedAllocation{}, err
	}
	if suggestion.PortfolioID == "" {
		suggestion.PortfolioID = p.ID
	}
	return suggestion, nil
}

// lastExecutionAt 返回最近一次实际移动过资金的执行完成时间。
func (s *Service) lastExecutionAt(ctx context.Context, portfolioID string) (time.Time, error) {
	page, err := s.history.Query(ctx, portfolioID,
		ledger.WithLimit(1),
		ledger.WithStatuses(domain.StatusCompleted, domain.StatusPartiallyCompleted),
		ledger.WithSortOrder(ledger.SortByCompletedDesc))
	if err != nil {
		return time.Time{}, err
	}
	if len(page.Items) == 0 {
		return time.Time{}, nil
	}
	return ledger.CompletedAt(page.Items[0]), nil
}

// RunCycle 评估组合，需要时生成计划并提交执行。
//
// 计划无需任何步骤时返回不触发的决策，原因为 ReasonNoSteps。
func (s *Service) RunCycle(ctx context.Context, portfolioID string, force bool) (*CycleResult, error) {
	a, err := s.assess(ctx, portfolioID, force)
	if err != nil {
		return nil, err
	}
	result := &CycleResult{Decision: a.decision}
	if !a.decision.Trigger {
		return result, nil
	}

	plan, err := s.planner.BuildPlan(a.portfolio, a.suggestion, a.settings)
	if err != nil {
		s.log.Warn("生成再平衡计划失败",
			slog.String("portfolio_id", a.portfolio.ID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return result, err
	}
	if len(plan.Steps) == 0 {
		result.Decision.Trigger = false
		result.Decision.Reason = ReasonNoSteps
		return result, nil
	}
	result.Plan = plan

	id, err := s.executor.Execute(ctx, a.portfolio.ID, plan, a.settings)
	if err != nil {
		return result, err
	}
	result.ExecutionID = id
	result.Decision.ExecutionID = id
	s.log.Info("已提交再平衡执行",
		slog.String("portfolio_id", a.portfolio.ID),
		slog.String("execution_id", id),
		slog.Int("steps", len(plan.Steps)),
		slog.Int64("deviation_bps", int64(a.decision.DeviationBps)))
	return result, nil
}

// Execute 使用组合当前设置执行一个已生成的计划。
func (s *Service) Execute(ctx context.Context, portfolioID string, plan *domain.RebalancePlan) (string, error) {
	current, err := s.settings.Get(ctx, portfolioID)
	if err != nil {
		return "", err
	}
	return s.executor.Execute(ctx, portfolioID, plan, current)
}

// GetStatus 返回执行快照。
func (s *Service) GetStatus(ctx context.Context, executionID string) (*domain.RebalanceExecution, error) {
	return s.executor.GetStatus(ctx, executionID)
}

// Cancel 请求取消执行。
func (s *Service) Cancel(ctx context.Context, executionID string) (bool, error) {
	if strings.TrimSpace(executionID) == "" {
		return false, domain.NewValidationError("execution_id", "执行 ID 不能为空")
	}
	return s.executor.Cancel(ctx, executionID)
}

// History 分页查询组合的历史执行。
func (s *Service) History(ctx context.Context, portfolioID string, opts ...ledger.QueryOption) (ledger.Page, error) {
	if strings.TrimSpace(portfolioID) == "" {
		return ledger.Page{}, domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	return s.history.Query(ctx, portfolioID, opts...)
}

// Settings 返回组合的再平衡设置。
func (s *Service) Settings(ctx context.Context, portfolioID string) (domain.RebalanceSettings, error) {
	if err := s.requireManaged(portfolioID); err != nil {
		return domain.RebalanceSettings{}, err
	}
	return s.settings.Get(ctx, portfolioID)
}

// UpdateSettings 校验并保存组合设置，只接受受管组合。
func (s *Service) UpdateSettings(ctx context.Context, portfolioID string, next domain.RebalanceSettings) (domain.RebalanceSettings, error) {
	if err := s.requireManaged(portfolioID); err != nil {
		return domain.RebalanceSettings{}, err
	}
	saved, err := s.settings.Update(ctx, portfolioID, next)
	if err != nil {
		return domain.RebalanceSettings{}, err
	}
	logger.Audit().Info("再平衡设置已更新",
		slog.String("portfolio_id", portfolioID),
		slog.Bool("enabled", saved.Enabled),
		slog.Bool("emergency_stop", saved.EmergencyStop),
		slog.Int64("threshold_bps", int64(saved.ThresholdBps)),
		slog.String("frequency", string(saved.Frequency)),
		slog.Int64("max_slippage_bps", int64(saved.MaxSlippageBps)))
	return saved, nil
}
