// Package chain 定义执行协调器依赖的链上客户端能力及错误分类。
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"OpenYield-Rebalancer/internal/domain"
)

// GasEstimate 是单个步骤的 gas 估算结果。
type GasEstimate struct {
	GasUnits     uint64          `json:"gasUnits"`
	GasPriceWei  *big.Int        `json:"gasPriceWei"`
	GasPriceGwei decimal.Decimal `json:"gasPriceGwei"`
	// Cost 为换算到组合记账资产后的成本。
	Cost decimal.Decimal `json:"cost"`
}

// Receipt 是交易确认后的回执摘要。
type Receipt struct {
	TxHash        string          `json:"txHash"`
	BlockNumber   uint64          `json:"blockNumber"`
	Success       bool            `json:"success"`
	GasUsed       uint64          `json:"gasUsed"`
	Cost          decimal.Decimal `json:"cost"`
	Confirmations uint64          `json:"confirmations"`
}

// Client 是链上交互的最小能力集合。
type Client interface {
	EstimateGas(ctx context.Context, step domain.RebalanceStep) (GasEstimate, error)
	// SubmitTransaction 签名并广播步骤交易。签名成功但广播结果不确定时，同时返回交易哈希与瞬时错误，
	// 调用方应记录该哈希，之后只能重发同一笔交易或查询其回执，不得重新签名。
	SubmitTransaction(ctx context.Context, step domain.RebalanceStep) (string, error)
	// WaitForReceipt 在 timeout 内等待达到确认数的回执，超时返回 (nil, nil)。
	WaitForReceipt(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*Receipt, error)
	GetStrategyValue(ctx context.Context, strategyID string) (decimal.Decimal, error)
}

// LiquidityReader 是可选能力：查询策略的流动性。
type LiquidityReader interface {
	// GetWithdrawableLiquidity 返回当前账户可从策略提取的上限。
	GetWithdrawableLiquidity(ctx context.Context, strategyID string) (decimal.Decimal, error)
	// GetPoolLiquidity 返回策略资金池的总流动性，用于估算价格冲击。
	GetPoolLiquidity(ctx context.Context, strategyID string) (decimal.Decimal, error)
}

// ErrTransactionNotCached 表示客户端没有保存该哈希对应的已签名交易，例如进程重启之后。
var ErrTransactionNotCached = errors.New("chain: signed transaction not cached")

// Rebroadcaster 是可选能力：按哈希重发此前签名的同一笔交易。
type Rebroadcaster interface {
	Rebroadcast(ctx context.Context, txHash string) error
}
