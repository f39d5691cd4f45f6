package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/pkg/logger"
)

// BreakerConfig 控制链上调用熔断器。
type BreakerConfig struct {
	Name                string        `yaml:"name"`
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

func (c *BreakerConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "chain"
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
}

// BreakerClient 为任意 Client 增加熔断保护。
//
// 仅瞬时错误计入失败次数；回滚等业务性失败说明节点可用，不会触发熔断。
type BreakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker 包装 next 并返回带熔断能力的客户端。
func WithBreaker(next Client, cfg BreakerConfig) *BreakerClient {
	cfg.applyDefaults()
	log := logger.Named("chain.breaker")
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsTransient(Classify(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("熔断器状态变化", slog.String("name", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	}
	return &BreakerClient{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State 返回熔断器当前状态。
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

// EstimateGas 实现 Client。
func (b *BreakerClient) EstimateGas(ctx context.Context, step domain.RebalanceStep) (GasEstimate, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.EstimateGas(ctx, step)
	})
	if err != nil {
		return GasEstimate{}, Classify(err)
	}
	return out.(GasEstimate), nil
}

// SubmitTransaction 实现 Client。
func (b *BreakerClient) SubmitTransaction(ctx context.Context, step domain.RebalanceStep) (string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.SubmitTransaction(ctx, step)
	})
	// 广播结果不确定时下游会连同错误返回哈希，需要原样透传。
	hash, _ := out.(string)
	if err != nil {
		return hash, Classify(err)
	}
	return hash, nil
}

// Rebroadcast 在下游支持时透传重发。
func (b *BreakerClient) Rebroadcast(ctx context.Context, txHash string) error {
	rb, ok := b.next.(Rebroadcaster)
	if !ok {
		return ErrTransactionNotCached
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, rb.Rebroadcast(ctx, txHash)
	})
	if err != nil && !errors.Is(err, ErrTransactionNotCached) {
		return Classify(err)
	}
	return err
}

// WaitForReceipt 实现 Client。
func (b *BreakerClient) WaitForReceipt(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*Receipt, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.WaitForReceipt(ctx, txHash, confirmations, timeout)
	})
	if err != nil {
		return nil, Classify(err)
	}
	receipt, _ := out.(*Receipt)
	return receipt, nil
}

// GetStrategyValue 实现 Client。
func (b *BreakerClient) GetStrategyValue(ctx context.Context, strategyID string) (decimal.Decimal, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.GetStrategyValue(ctx, strategyID)
	})
	if err != nil {
		return decimal.Zero, Classify(err)
	}
	return out.(decimal.Decimal), nil
}

// GetWithdrawableLiquidity 在下游支持时透传查询。
func (b *BreakerClient) GetWithdrawableLiquidity(ctx context.Context, strategyID string) (decimal.Decimal, error) {
	reader, ok := b.next.(LiquidityReader)
	if !ok {
		return decimal.Zero, nil
	}
	out, err := b.cb.Execute(func() (any, error) {
		return reader.GetWithdrawableLiquidity(ctx, strategyID)
	})
	if err != nil {
		return decimal.Zero, Classify(err)
	}
	return out.(decimal.Decimal), nil
}

// GetPoolLiquidity 在下游支持时透传查询。
func (b *BreakerClient) GetPoolLiquidity(ctx context.Context, strategyID string) (decimal.Decimal, error) {
	reader, ok := b.next.(LiquidityReader)
	if !ok {
		return decimal.Zero, nil
	}
	out, err := b.cb.Execute(func() (any, error) {
		return reader.GetPoolLiquidity(ctx, strategyID)
	})
	if err != nil {
		return decimal.Zero, Classify(err)
	}
	return out.(decimal.Decimal), nil
}
