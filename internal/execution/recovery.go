package execution

import (
	"context"
	"log/slog"

	"OpenYield-Rebalancer/internal/chain"
	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
)

const reasonNotSubmitted = "interrupted before submission"

// Recover 在启动时接管存储中未结束的执行。
//
// 从未提交过交易的执行直接标记为失败；已有在途交易的执行先确认回执，
// 再跳过剩余步骤并按常规规则给出终态。返回接管的执行数量。
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	open, err := c.store.ListOpen(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取未结束执行失败")
	}

	resumed := 0
	for _, execution := range open {
		if _, running := c.lookup(execution.ID); running {
			continue
		}
		ttl := execution.Plan.Deadline.Sub(c.now()) + c.cfg.LockGrace
		if ttl < c.cfg.LockGrace {
			ttl = c.cfg.LockGrace
		}
		lock, ok, err := c.locker.TryAcquire(ctx, execution.PortfolioID, ttl)
		if err != nil {
			return resumed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取组合锁失败")
		}
		if !ok {
			c.log.Info("组合锁被占用，跳过接管", slog.String("execution_id", execution.ID), slog.String("portfolio_id", execution.PortfolioID))
			continue
		}

		r := &run{
			id:          execution.ID,
			portfolioID: execution.PortfolioID,
			lock:        lock,
			acceptedAt:  execution.CreatedAt,
		}
		if !c.register(r) {
			c.releaseLock(lock, execution.PortfolioID)
			return resumed, xerrors.New(xerrors.CodeInitializationFailure, "执行协调器已关闭")
		}
		c.log.Warn("接管中断的执行",
			slog.String("execution_id", execution.ID),
			slog.String("portfolio_id", execution.PortfolioID),
			slog.String("status", string(execution.Status)))
		go c.run(r, execution, c.resume)
		resumed++
	}
	return resumed, nil
}

func (c *Coordinator) resume(ctx context.Context, r *run, execution *domain.RebalanceExecution) {
	submitted := false
	for _, step := range execution.Steps {
		if step.TxHash != "" || step.Status == domain.StepSucceeded {
			submitted = true
			break
		}
	}
	if !submitted {
		execution.ErrorMessage = reasonNotSubmitted
		execution.SkipRemaining(0, reasonNotSubmitted)
		c.transition(ctx, execution, domain.StatusFailed, reasonNotSubmitted)
		return
	}

	for i := range execution.Steps {
		result := &execution.Steps[i]
		if result.Status != domain.StepPending || result.TxHash == "" {
			continue
		}
		receipt, retries, err := retryTransient(ctx, c.cfg.Retry, func() (*chain.Receipt, error) {
			return c.awaitReceipt(ctx, result.TxHash)
		}, c.retryNotifier(execution, i))
		result.RetryCount += retries
		execution.RetryCount += retries
		if receipt != nil {
			result.GasUsed = receipt.GasUsed
			result.GasCost = receipt.Cost
		}
		if err != nil {
			r.err = err
			result.Status = domain.StepFailed
			result.Error = err.Error()
		} else {
			result.Status = domain.StepSucceeded
		}
		c.save(ctx, execution)
	}

	execution.ErrorMessage = reasonInterrupted
	execution.SkipRemaining(0, reasonInterrupted)
	status := execution.InterruptedStatus(domain.StatusFailed)
	if !domain.CanTransition(execution.Status, status) {
		status = domain.StatusFailed
	}
	c.transition(ctx, execution, status, reasonInterrupted)
}
