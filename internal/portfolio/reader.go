package portfolio

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"OpenYield-Rebalancer/internal/chain"
	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/pkg/logger"
)

const defaultReadConcurrency = 4

// ValueReader 读取策略在链上的当前价值，chain.Client 满足该接口。
type ValueReader interface {
	GetStrategyValue(ctx context.Context, strategyID string) (decimal.Decimal, error)
}

// Reader 根据注册表和链上余额组装组合快照。
type Reader struct {
	registry    *Registry
	values      ValueReader
	concurrency int
	now         func() time.Time
	log         *slog.Logger
}

// NewReader 创建 Reader。values 若同时实现 chain.LiquidityReader，会一并读取可提取流动性。
func NewReader(registry *Registry, values ValueReader, concurrency int) *Reader {
	if concurrency <= 0 {
		concurrency = defaultReadConcurrency
	}
	return &Reader{
		registry:    registry,
		values:      values,
		concurrency: concurrency,
		now:         time.Now,
		log:         logger.Named("portfolio"),
	}
}

// IDs 返回全部受管组合。
func (r *Reader) IDs() []string {
	return r.registry.IDs()
}

// Snapshot 并发读取各策略价值并计算当前占比。
func (r *Reader) Snapshot(ctx context.Context, portfolioID string) (domain.Portfolio, error) {
	def, err := r.registry.Lookup(portfolioID)
	if err != nil {
		return domain.Portfolio{}, err
	}

	strategies := make([]domain.Strategy, len(def.Strategies))
	liquidity, hasLiquidity := r.values.(chain.LiquidityReader)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, s := range def.Strategies {
		strategies[i] = domain.Strategy{
			ID:                 s.ID,
			Protocol:           s.Protocol,
			Token:              s.Token,
			Value:              decimal.Zero,
			AvailableLiquidity: decimal.Zero,
			PoolLiquidity:      decimal.Zero,
			Active:             !s.Disabled,
		}
		if s.Disabled {
			continue
		}
		g.Go(func() error {
			value, err := r.values.GetStrategyValue(gctx, s.ID)
			if err != nil {
				return err
			}
			strategies[i].Value = value
			if hasLiquidity {
				// 流动性未知时规划器跳过对应校验，不阻断快照。
				if available, err := liquidity.GetWithdrawableLiquidity(gctx, s.ID); err == nil {
					strategies[i].AvailableLiquidity = available
				} else {
					r.log.Warn("读取可提取流动性失败",
						slog.String("portfolio_id", portfolioID),
						slog.String("strategy_id", s.ID),
						slog.Any("error", err))
				}
				if pool, err := liquidity.GetPoolLiquidity(gctx, s.ID); err == nil {
					strategies[i].PoolLiquidity = pool
				} else {
					r.log.Warn("读取资金池流动性失败",
						slog.String("portfolio_id", portfolioID),
						slog.String("strategy_id", s.ID),
						slog.Any("error", err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Portfolio{}, err
	}

	p := domain.Portfolio{
		ID:            def.ID,
		Strategies:    strategies,
		RiskTolerance: def.RiskTolerance,
		ObservedAt:    r.now().UTC(),
	}
	p.Recalculate()
	return p, nil
}
