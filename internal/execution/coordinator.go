// Package execution 驱动再平衡计划在链上执行直至终态。
//
// 每个组合同一时间最多存在一个未结束的执行；执行在有界的协程池中异步运行，
// 每次状态或步骤变化都会写入 Store，终态记录追加到历史账本。
package execution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"OpenYield-Rebalancer/internal/chain"
	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/internal/ledger"
	"OpenYield-Rebalancer/internal/observability/alerting"
	"OpenYield-Rebalancer/pkg/logger"
)

const (
	reasonDeadline    = "deadline exceeded"
	reasonCancelled   = "cancelled"
	reasonStepFailed  = "previous step failed"
	reasonEstimate    = "estimation failed"
	reasonInterrupted = "interrupted"
)

// Config 控制执行协调器。
type Config struct {
	MaxConcurrent   int64         `yaml:"max_concurrent"`
	Confirmations   uint64        `yaml:"confirmations"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout"`
	EstimateTimeout time.Duration `yaml:"estimate_timeout"`
	LockGrace       time.Duration `yaml:"lock_grace"`
	Retry           RetryPolicy   `yaml:"retry"`
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.EstimateTimeout <= 0 {
		c.EstimateTimeout = 30 * time.Second
	}
	if c.LockGrace <= 0 {
		c.LockGrace = time.Minute
	}
	c.Retry.applyDefaults()
}

// Recorder 接收执行相关的指标。
type Recorder interface {
	ExecutionStarted(portfolioID string)
	ExecutionFinished(execution *domain.RebalanceExecution, duration time.Duration)
	StepRetried(portfolioID string, direction domain.Direction)
}

type noopRecorder struct{}

func (noopRecorder) ExecutionStarted(string)                                     {}
func (noopRecorder) ExecutionFinished(*domain.RebalanceExecution, time.Duration) {}
func (noopRecorder) StepRetried(string, domain.Direction)                        {}

// Option 配置 Coordinator。
type Option func(*Coordinator)

// WithLocker 替换组合锁实现，默认为进程内锁。
func WithLocker(locker Locker) Option {
	return func(c *Coordinator) {
		if locker != nil {
			c.locker = locker
		}
	}
}

// WithMetrics 配置指标记录器。
func WithMetrics(recorder Recorder) Option {
	return func(c *Coordinator) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(c *Coordinator) {
		c.alerter = dispatcher
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator 替换执行 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

type run struct {
	id          string
	portfolioID string
	settings    domain.RebalanceSettings
	lock        Lock
	acceptedAt  time.Time
	cancelled   atomic.Bool
	err         error
}

// Coordinator 是执行状态机的唯一驱动者。
type Coordinator struct {
	cfg     Config
	chain   chain.Client
	store   Store
	ledger  ledger.Ledger
	locker  Locker
	metrics Recorder
	alerter alerting.Dispatcher
	now     func() time.Time
	newID   func() string
	sem     *semaphore.Weighted
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator 创建 Coordinator。
func NewCoordinator(client chain.Client, store Store, history ledger.Ledger, cfg Config, opts ...Option) (*Coordinator, error) {
	if client == nil || store == nil || history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行协调器缺少链客户端、存储或历史账本")
	}
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:     cfg,
		chain:   client,
		store:   store,
		ledger:  history,
		locker:  NewLocalLocker(),
		metrics: noopRecorder{},
		now:     time.Now,
		newID:   uuid.NewString,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		log:     logger.Named("execution"),
		active:  make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Execute 受理计划并异步执行，返回执行 ID。
//
// 同一组合已有未结束的执行时返回 ConcurrentExecutionError。
func (c *Coordinator) Execute(ctx context.Context, portfolioID string, plan *domain.RebalancePlan, settings domain.RebalanceSettings) (string, error) {
	if strings.TrimSpace(portfolioID) == "" {
		return "", domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	if err := plan.Validate(); err != nil {
		return "", err
	}
	if plan.PortfolioID != portfolioID {
		return "", domain.NewValidationError("portfolio_id", "计划属于组合 %s 而非 %s", plan.PortfolioID, portfolioID)
	}
	if err := settings.Validate(); err != nil {
		return "", err
	}
	if settings.EmergencyStop {
		return "", domain.NewValidationError("emergency_stop", "组合 %s 已开启紧急停止", portfolioID)
	}
	now := c.now()
	if !now.Before(plan.Deadline) {
		return "", domain.NewValidationError("deadline", "计划截止时间 %s 已过", plan.Deadline.Format(time.RFC3339))
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "执行协调器已关闭")
	}

	lock, ok, err := c.locker.TryAcquire(ctx, portfolioID, plan.Deadline.Sub(now)+c.cfg.LockGrace)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取组合锁失败")
	}
	if !ok {
		return "", concurrentError(portfolioID)
	}

	open, err := c.store.FindOpen(ctx, portfolioID)
	if err != nil {
		c.releaseLock(lock, portfolioID)
		return "", err
	}
	if open != nil {
		c.releaseLock(lock, portfolioID)
		return "", concurrentError(portfolioID)
	}

	execution := domain.NewExecution(c.newID(), plan, now)
	if err := c.store.Create(ctx, execution); err != nil {
		c.releaseLock(lock, portfolioID)
		return "", err
	}

	r := &run{
		id:          execution.ID,
		portfolioID: portfolioID,
		settings:    settings,
		lock:        lock,
		acceptedAt:  now,
	}
	if !c.register(r) {
		c.releaseLock(lock, portfolioID)
		return "", xerrors.New(xerrors.CodeInitializationFailure, "执行协调器已关闭")
	}
	c.metrics.ExecutionStarted(portfolioID)
	logger.Audit().Info("再平衡执行已受理",
		slog.String("execution_id", execution.ID),
		slog.String("portfolio_id", portfolioID),
		slog.Int("steps", len(plan.Steps)),
		slog.String("fingerprint", plan.Fingerprint),
		slog.Time("deadline", plan.Deadline))

	go c.run(r, execution, c.drive)
	return execution.ID, nil
}

func concurrentError(portfolioID string) error {
	return xerrors.New(domain.CodeConcurrentExecution,
		fmt.Sprintf("组合 %s 已有未结束的再平衡执行", portfolioID),
		xerrors.WithMetadata("portfolio_id", portfolioID))
}

func (c *Coordinator) register(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.active[r.id] = r
	c.wg.Add(1)
	return true
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func (c *Coordinator) lookup(id string) (*run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[id]
	return r, ok
}

// run 在协程池中运行 body 并完成终态处理；执行不受调用方 ctx 取消影响。
func (c *Coordinator) run(r *run, execution *domain.RebalanceExecution, body func(context.Context, *run, *domain.RebalanceExecution)) {
	defer c.wg.Done()
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.log.Error("获取执行槽位失败", slog.String("execution_id", r.id), slog.Any("error", err))
		return
	}
	defer c.sem.Release(1)

	body(ctx, r, execution)
	c.finalize(ctx, r, execution)
}

func (c *Coordinator) drive(ctx context.Context, r *run, execution *domain.RebalanceExecution) {
	if c.cancelRequested(ctx, r, execution) {
		execution.SkipRemaining(0, reasonCancelled)
		c.transition(ctx, execution, domain.StatusCancelled, "cancel requested before start")
		return
	}

	c.transition(ctx, execution, domain.StatusEstimating, "")
	if err := c.estimate(ctx, r, execution); err != nil {
		r.err = err
		execution.ErrorMessage = err.Error()
		execution.SkipRemaining(0, reasonEstimate)
		c.transition(ctx, execution, domain.StatusFailed, reasonEstimate)
		return
	}
	if c.cancelRequested(ctx, r, execution) {
		execution.SkipRemaining(0, reasonCancelled)
		c.transition(ctx, execution, domain.StatusCancelled, "cancel requested before execution")
		return
	}

	c.transition(ctx, execution, domain.StatusExecuting, "")
	for i := range execution.Steps {
		if c.cancelRequested(ctx, r, execution) {
			execution.SkipRemaining(i, reasonCancelled)
			c.transition(ctx, execution, execution.InterruptedStatus(domain.StatusCancelled), "cancel requested")
			return
		}
		if !c.now().Before(execution.Plan.Deadline) {
			r.err = xerrors.New(domain.CodeDeadlineExceeded, fmt.Sprintf("执行在第 %d 步前超过截止时间", i+1))
			execution.ErrorMessage = reasonDeadline
			execution.SkipRemaining(i, reasonDeadline)
			c.transition(ctx, execution, execution.InterruptedStatus(domain.StatusFailed), reasonDeadline)
			return
		}

		err := c.executeStep(ctx, execution, i)
		c.save(ctx, execution)
		if err != nil {
			r.err = err
			execution.ErrorMessage = fmt.Sprintf("第 %d 步 (%s %s) 失败: %v",
				i+1, execution.Steps[i].Direction, execution.Steps[i].StrategyID, err)
			execution.SkipRemaining(i+1, reasonStepFailed)
			c.transition(ctx, execution, execution.InterruptedStatus(domain.StatusFailed), "step failed")
			return
		}
	}
	c.transition(ctx, execution, domain.StatusCompleted, "")
}

// estimate 逐步估算 gas 并校验价格区间、成本上限与净收益。
func (c *Coordinator) estimate(ctx context.Context, r *run, execution *domain.RebalanceExecution) error {
	plan := execution.Plan
	settings := r.settings
	total := decimal.Zero
	var (
		last      *chain.GasEstimate
		withdrawn bool
	)
	for i, step := range plan.Steps {
		estimate, retries, err := retryTransient(ctx, c.cfg.Retry, func() (chain.GasEstimate, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.EstimateTimeout)
			defer cancel()
			return c.chain.EstimateGas(callCtx, step)
		}, c.retryNotifier(execution, i))
		execution.Steps[i].RetryCount += retries
		execution.RetryCount += retries
		if err != nil && dependsOnEarlierSteps(step, withdrawn) && last != nil && !domain.IsTransient(err) {
			// 前序提取尚未上链时模拟执行会回滚，退回规划器的 gas 估算。
			c.log.Info("存入步骤依赖前序提取，使用规划时的 gas 估算",
				slog.String("execution_id", execution.ID),
				slog.Int("step", i+1),
				slog.String("strategy_id", step.StrategyID),
				slog.Any("error", err))
			estimate = chain.GasEstimate{
				GasPriceWei:  last.GasPriceWei,
				GasPriceGwei: last.GasPriceGwei,
				Cost:         step.EstimatedGasCost,
			}
			err = nil
		}
		if err != nil {
			return fmt.Errorf("第 %d 步 gas 估算失败: %w", i+1, err)
		}
		last = &estimate
		if step.Direction == domain.DirectionWithdraw {
			withdrawn = true
		}
		if settings.MinGasPriceGwei.IsPositive() && estimate.GasPriceGwei.LessThan(settings.MinGasPriceGwei) {
			return domain.NewPlanningError(domain.CodeConstraintViolation, step.StrategyID,
				"gas 价格 %s gwei 低于下限 %s gwei", estimate.GasPriceGwei, settings.MinGasPriceGwei)
		}
		if estimate.GasPriceGwei.GreaterThan(settings.MaxGasPriceGwei) {
			return domain.NewPlanningError(domain.CodeConstraintViolation, step.StrategyID,
				"gas 价格 %s gwei 高于上限 %s gwei", estimate.GasPriceGwei, settings.MaxGasPriceGwei)
		}
		total = total.Add(estimate.Cost)
	}

	if settings.MaxGasCost.IsPositive() && total.GreaterThan(settings.MaxGasCost) {
		return domain.NewPlanningError(domain.CodeConstraintViolation, "",
			"预估 gas 成本 %s 超过上限 %s", total, settings.MaxGasCost)
	}
	if benefit := expectedBenefit(plan); benefit.LessThan(total) {
		return domain.NewPlanningError(domain.CodeConstraintViolation, "",
			"预期收益 %s 不足以覆盖预估 gas 成本 %s", benefit.StringFixed(6), total)
	}
	return nil
}

// dependsOnEarlierSteps 判断存入步骤的资金是否来自同一计划中尚未执行的提取。
func dependsOnEarlierSteps(step domain.RebalanceStep, withdrawn bool) bool {
	return step.Direction == domain.DirectionDeposit && withdrawn
}

var hoursPerYear = decimal.NewFromInt(365 * 24)

// expectedBenefit 返回一个持有周期内 APY 提升带来的预期收益。
func expectedBenefit(plan *domain.RebalancePlan) decimal.Decimal {
	interval, ok := plan.Horizon.Interval()
	if !ok || plan.ExpectedAPYImprovementBps <= 0 {
		return decimal.Zero
	}
	annual := plan.ExpectedAPYImprovementBps.Of(plan.TotalValue, 18)
	return annual.Mul(decimal.NewFromInt(int64(interval / time.Hour))).Div(hoursPerYear)
}

// executeStep 提交并确认一个步骤；已记录交易哈希时只轮询回执，绝不重复提交。
func (c *Coordinator) executeStep(ctx context.Context, execution *domain.RebalanceExecution, i int) error {
	step := execution.Plan.Steps[i]
	result := &execution.Steps[i]

	// uncertain 表示交易已签名但广播结果未知，重试时重发同一笔交易。
	uncertain := false
	receipt, retries, err := retryTransient(ctx, c.cfg.Retry, func() (*chain.Receipt, error) {
		switch {
		case result.TxHash == "":
			hash, err := c.chain.SubmitTransaction(ctx, step)
			if hash != "" {
				result.TxHash = hash
				c.save(ctx, execution)
			}
			if err != nil {
				uncertain = hash != ""
				return nil, err
			}
		case uncertain:
			settled, err := c.rebroadcast(ctx, execution, i, result.TxHash)
			if err != nil {
				return nil, err
			}
			uncertain = !settled
		}
		return c.awaitReceipt(ctx, result.TxHash)
	}, c.retryNotifier(execution, i))
	result.RetryCount += retries
	execution.RetryCount += retries

	if receipt != nil {
		result.GasUsed = receipt.GasUsed
		result.GasCost = receipt.Cost
	}
	if err != nil {
		result.Status = domain.StepFailed
		result.Error = err.Error()
		return err
	}
	result.Status = domain.StepSucceeded
	result.Error = ""
	return nil
}

// rebroadcast 重发已签名的交易，返回节点是否已确认接收。
//
// 客户端不支持或未缓存该交易时只能轮询回执；瞬时错误不中断回执轮询，下次重试再重发。
func (c *Coordinator) rebroadcast(ctx context.Context, execution *domain.RebalanceExecution, i int, txHash string) (bool, error) {
	rb, ok := c.chain.(chain.Rebroadcaster)
	if !ok {
		return true, nil
	}
	err := rb.Rebroadcast(ctx, txHash)
	switch {
	case err == nil, stdErrors.Is(err, chain.ErrTransactionNotCached), chain.IsAlreadyKnown(err):
		return true, nil
	case domain.IsTransient(err):
		c.log.Warn("重发交易失败，继续等待回执",
			slog.String("execution_id", execution.ID),
			slog.Int("step", i+1),
			slog.String("tx_hash", txHash),
			slog.Any("error", err))
		return false, nil
	default:
		return false, err
	}
}

func (c *Coordinator) awaitReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	receipt, err := c.chain.WaitForReceipt(ctx, txHash, c.cfg.Confirmations, c.cfg.ReceiptTimeout)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, domain.NewTransientChainError(nil, "等待交易 %s 回执超时", txHash)
	}
	if !receipt.Success {
		return receipt, xerrors.New(domain.CodeRevertedTransaction, fmt.Sprintf("交易 %s 被回滚", txHash))
	}
	return receipt, nil
}

func (c *Coordinator) retryNotifier(execution *domain.RebalanceExecution, i int) func(error, time.Duration) {
	step := execution.Steps[i]
	return func(err error, wait time.Duration) {
		c.metrics.StepRetried(execution.PortfolioID, step.Direction)
		c.log.Warn("链上调用失败，准备重试",
			slog.String("execution_id", execution.ID),
			slog.Int("step", i+1),
			slog.String("strategy_id", step.StrategyID),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
	}
}

func (c *Coordinator) cancelRequested(ctx context.Context, r *run, execution *domain.RebalanceExecution) bool {
	if !r.cancelled.Load() {
		// 其它实例可能通过存储写入了取消标记。
		stored, err := c.store.Get(ctx, execution.ID)
		if err != nil || !stored.CancelRequested {
			return false
		}
		r.cancelled.Store(true)
	}
	execution.CancelRequested = true
	return true
}

func (c *Coordinator) transition(ctx context.Context, execution *domain.RebalanceExecution, to domain.Status, reason string) {
	from := execution.Status
	if err := execution.TransitionTo(to, c.now(), reason); err != nil {
		c.log.Error("非法的状态迁移", slog.String("execution_id", execution.ID), slog.Any("error", err))
		return
	}
	c.log.Info("执行状态变化",
		slog.String("execution_id", execution.ID),
		slog.String("portfolio_id", execution.PortfolioID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	c.save(ctx, execution)
}

func (c *Coordinator) save(ctx context.Context, execution *domain.RebalanceExecution) {
	execution.UpdatedAt = c.now()
	if err := c.store.Save(ctx, execution); err != nil {
		c.log.Error("保存执行状态失败", slog.String("execution_id", execution.ID), slog.Any("error", err))
	}
}

// finalize 计算执行结果、写入历史账本、发送告警，最后释放组合锁。
func (c *Coordinator) finalize(ctx context.Context, r *run, execution *domain.RebalanceExecution) {
	if !execution.Status.IsTerminal() {
		// 状态机异常时兜底为失败，保证锁与账本一致。
		execution.SkipRemaining(0, reasonInterrupted)
		status := execution.InterruptedStatus(domain.StatusFailed)
		if !domain.CanTransition(execution.Status, status) {
			status = domain.StatusFailed
		}
		c.transition(ctx, execution, status, "coordinator fallback")
	}

	execution.Outcome = c.outcome(ctx, execution)
	c.save(ctx, execution)

	if err := c.ledger.Append(ctx, execution.Clone()); err != nil {
		if xerrors.CodeOf(err) == domain.CodeExecutionConflict {
			c.log.Warn("执行已存在于历史账本", slog.String("execution_id", execution.ID))
		} else {
			c.log.Error("写入历史账本失败", slog.String("execution_id", execution.ID), slog.Any("error", err))
			c.alert(ctx, execution, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史账本失败"))
		}
	}

	c.metrics.ExecutionFinished(execution, c.now().Sub(r.acceptedAt))

	if execution.Status == domain.StatusFailed || execution.Status == domain.StatusPartiallyCompleted {
		c.alert(ctx, execution, r.err)
	}
	logger.Audit().Info("再平衡执行结束",
		slog.String("execution_id", execution.ID),
		slog.String("portfolio_id", execution.PortfolioID),
		slog.String("status", string(execution.Status)),
		slog.Int("succeeded_steps", execution.SucceededSteps()),
		slog.Int("retry_count", execution.RetryCount),
		slog.String("error", execution.ErrorMessage))

	// 先释放锁再注销，Wait 返回时组合已可再次执行。
	c.releaseLock(r.lock, r.portfolioID)
	c.unregister(r.id)
}

// outcome 基于链上余额重新计算配比，并汇总实际 gas 成本与成交量。
func (c *Coordinator) outcome(ctx context.Context, execution *domain.RebalanceExecution) *domain.Outcome {
	out := &domain.Outcome{
		RealizedGasCost: decimal.Zero,
		ExecutedVolume:  decimal.Zero,
	}
	for _, step := range execution.Steps {
		out.RealizedGasCost = out.RealizedGasCost.Add(step.GasCost)
		if step.Status == domain.StepSucceeded {
			out.ExecutedVolume = out.ExecutedVolume.Add(step.Amount)
		}
	}
	if planned := execution.Plan.Volume(); planned.IsPositive() {
		ratio := out.ExecutedVolume.Div(planned)
		out.APYImprovementBps = domain.BasisPoints(ratio.Mul(decimal.NewFromInt(int64(execution.Plan.ExpectedAPYImprovementBps))).IntPart())
	}

	values := make(map[string]decimal.Decimal)
	for _, id := range strategyIDs(execution.Plan) {
		value, err := c.chain.GetStrategyValue(ctx, id)
		if err != nil {
			c.log.Warn("读取策略价值失败，跳过配比计算",
				slog.String("execution_id", execution.ID),
				slog.String("strategy_id", id),
				slog.Any("error", err))
			return out
		}
		values[id] = value
	}
	out.ResultingAllocation = domain.AllocationFromValues(values)
	return out
}

func strategyIDs(plan *domain.RebalancePlan) []string {
	if len(plan.StrategyIDs) > 0 {
		return plan.StrategyIDs
	}
	seen := make(map[string]struct{}, len(plan.Steps))
	ids := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if _, ok := seen[step.StrategyID]; ok {
			continue
		}
		seen[step.StrategyID] = struct{}{}
		ids = append(ids, step.StrategyID)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) alert(ctx context.Context, execution *domain.RebalanceExecution, cause error) {
	if c.alerter == nil {
		return
	}
	fallback := domain.CodeRevertedTransaction
	if execution.Status == domain.StatusFailed && cause == nil {
		fallback = xerrors.CodeUnknown
	}
	event := alerting.FromError(cause, fallback)
	event.ExecutionID = execution.ID
	event.PortfolioID = execution.PortfolioID
	event.Status = string(execution.Status)
	event.RetryCount = execution.RetryCount
	if event.Message == "" {
		event.Message = execution.ErrorMessage
	}
	if err := c.alerter.Notify(ctx, event); err != nil {
		c.log.Warn("发送告警失败", slog.String("execution_id", execution.ID), slog.Any("error", err))
	}
}

func (c *Coordinator) releaseLock(lock Lock, portfolioID string) {
	if lock == nil {
		return
	}
	if err := lock.Release(context.Background()); err != nil {
		c.log.Warn("释放组合锁失败", slog.String("portfolio_id", portfolioID), slog.Any("error", err))
	}
}

// GetStatus 返回执行的最新快照。
func (c *Coordinator) GetStatus(ctx context.Context, executionID string) (*domain.RebalanceExecution, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, domain.NewValidationError("execution_id", "执行 ID 不能为空")
	}
	return c.store.Get(ctx, executionID)
}

// Cancel 请求协作式取消，执行会在下一步开始前停止。
//
// 返回 true 表示未结束的执行已被标记；已处于终态时返回 false。
func (c *Coordinator) Cancel(ctx context.Context, executionID string) (bool, error) {
	r, local := c.lookup(executionID)
	if local {
		r.cancelled.Store(true)
	}
	// 只写取消标记，运行中的实例随后保存快照也不会清除它。
	ok, err := c.store.RequestCancel(ctx, executionID)
	if err != nil {
		if local && !domain.IsNotFound(err) {
			c.log.Warn("持久化取消标记失败", slog.String("execution_id", executionID), slog.Any("error", err))
			return true, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	logger.Audit().Info("已请求取消再平衡执行", slog.String("execution_id", executionID))
	return true, nil
}

// OpenExecution 返回组合当前未结束的执行，没有时返回 nil。
func (c *Coordinator) OpenExecution(ctx context.Context, portfolioID string) (*domain.RebalanceExecution, error) {
	c.mu.Lock()
	var id string
	for _, r := range c.active {
		if r.portfolioID == portfolioID {
			id = r.id
			break
		}
	}
	c.mu.Unlock()
	if id != "" {
		execution, err := c.store.Get(ctx, id)
		if err == nil && !execution.Status.IsTerminal() {
			return execution, nil
		}
		if err == nil {
			return nil, nil
		}
		if !stdErrors.Is(err, domain.ErrExecutionNotFound) {
			return nil, err
		}
	}
	return c.store.FindOpen(ctx, portfolioID)
}

// Wait 轮询直到执行进入终态且终态处理完成。
func (c *Coordinator) Wait(ctx context.Context, executionID string, interval time.Duration) (*domain.RebalanceExecution, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		execution, err := c.store.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if _, running := c.lookup(executionID); !running && execution.Status.IsTerminal() {
			return execution, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 停止受理新执行并等待进行中的执行结束。
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unwrapPermanent 去掉 backoff 在达到最大次数时可能保留的 Permanent 包装。
func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if stdErrors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
