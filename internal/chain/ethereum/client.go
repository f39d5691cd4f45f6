// Package ethereum 基于 go-ethereum 实现 ERC-4626 金库的链上客户端。
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"OpenYield-Rebalancer/internal/chain"
	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/pkg/logger"
)

// Vault 描述一个策略对应的 ERC-4626 金库。
type Vault struct {
	StrategyID string `yaml:"strategy_id"`
	Address    string `yaml:"address"`
	Decimals   int32  `yaml:"decimals"`
	// AssetPrice 为底层资产相对组合记账单位的价格，缺省为 1。
	AssetPrice string `yaml:"asset_price"`
}

// Config 描述链上客户端的构造参数。
type Config struct {
	RPCURL             string        `yaml:"rpc_url"`
	SignerURL          string        `yaml:"signer_url"`
	Account            string        `yaml:"account"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	GasLimitMultiplier float64       `yaml:"gas_limit_multiplier"`
	NativeTokenPrice   string        `yaml:"native_token_price"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	Burst              int           `yaml:"burst"`
	// DepositGasLimit 为同批发送授权交易后存入交易使用的固定 gas 上限，此时无法预估。
	DepositGasLimit uint64  `yaml:"deposit_gas_limit"`
	Vaults          []Vault `yaml:"vaults"`
}

// Backend 是客户端依赖的最小节点接口，*ethclient.Client 满足该接口。
type Backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type vault struct {
	address  common.Address
	decimals int32
	price    decimal.Decimal
}

// Client 实现 chain.Client 与 chain.LiquidityReader。
type Client struct {
	backend      Backend
	closer       func()
	signer       *bind.TransactOpts
	account      common.Address
	abi          abi.ABI
	erc20        abi.ABI
	vaults       map[string]vault
	limiter      *rate.Limiter
	pollInterval time.Duration
	gasMultiple  float64
	nativePrice  decimal.Decimal
	depositGas   uint64
	// nonce 分配需要串行，避免同一账户的交易相互覆盖。
	submitMu sync.Mutex
	// pending 保存已签名但尚未确认的交易，重发时复用同一 nonce 与签名。
	pendingMu sync.Mutex
	pending   map[common.Hash]*coretypes.Transaction
	log       *slog.Logger
}

var (
	_ chain.Client          = (*Client)(nil)
	_ chain.LiquidityReader = (*Client)(nil)
	_ chain.Rebroadcaster   = (*Client)(nil)
)

// Dial 连接节点与外部签名服务，返回可用的客户端。
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.Account) {
		return nil, fmt.Errorf("无效的账户地址: %q", cfg.Account)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	var signer *bind.TransactOpts
	if url := strings.TrimSpace(cfg.SignerURL); url != "" {
		clef, err := external.NewExternalSigner(url)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("连接外部签名服务失败: %w", err)
		}
		signer = bind.NewClefTransactor(clef, accounts.Account{Address: common.HexToAddress(cfg.Account)})
	}

	client, err := NewClient(eth, cfg, signer)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewClient 使用给定的后端构造客户端，signer 为空时客户端只读。
func NewClient(backend Backend, cfg Config, signer *bind.TransactOpts) (*Client, error) {
	if backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	parsed, err := parseVaultABI()
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	erc20, err := parseERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}

	nativePrice := decimal.NewFromInt(1)
	if cfg.NativeTokenPrice != "" {
		nativePrice, err = decimal.NewFromString(cfg.NativeTokenPrice)
		if err != nil || !nativePrice.IsPositive() {
			return nil, fmt.Errorf("无效的原生代币价格: %q", cfg.NativeTokenPrice)
		}
	}

	vaults := make(map[string]vault, len(cfg.Vaults))
	for _, v := range cfg.Vaults {
		if v.StrategyID == "" {
			return nil, errors.New("金库配置缺少 strategy_id")
		}
		if !common.IsHexAddress(v.Address) {
			return nil, fmt.Errorf("策略 %s 的金库地址无效: %q", v.StrategyID, v.Address)
		}
		price := decimal.NewFromInt(1)
		if v.AssetPrice != "" {
			price, err = decimal.NewFromString(v.AssetPrice)
			if err != nil || !price.IsPositive() {
				return nil, fmt.Errorf("策略 %s 的资产价格无效: %q", v.StrategyID, v.AssetPrice)
			}
		}
		decimals := v.Decimals
		if decimals == 0 {
			decimals = 18
		}
		vaults[v.StrategyID] = vault{address: common.HexToAddress(v.Address), decimals: decimals, price: price}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	multiple := cfg.GasLimitMultiplier
	if multiple < 1 {
		multiple = 1.2
	}
	depositGas := cfg.DepositGasLimit
	if depositGas == 0 {
		depositGas = 300_000
	}

	account := common.HexToAddress(cfg.Account)
	if signer != nil {
		account = signer.From
	}

	return &Client{
		backend:      backend,
		signer:       signer,
		account:      account,
		abi:          parsed,
		erc20:        erc20,
		vaults:       vaults,
		limiter:      rate.NewLimiter(limit, burst),
		pollInterval: poll,
		gasMultiple:  multiple,
		nativePrice:  nativePrice,
		depositGas:   depositGas,
		pending:      make(map[common.Hash]*coretypes.Transaction),
		log:          logger.Named("chain.ethereum"),
	}, nil
}

// Close 释放底层连接。
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// EstimateGas 估算步骤交易所需的 gas 及其记账成本。
func (c *Client) EstimateGas(ctx context.Context, step domain.RebalanceStep) (chain.GasEstimate, error) {
	msg, err := c.callMsg(step)
	if err != nil {
		return chain.GasEstimate{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return chain.GasEstimate{}, chain.Classify(err)
	}
	units, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return chain.GasEstimate{}, chain.Classify(err)
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return chain.GasEstimate{}, chain.Classify(err)
	}
	units = c.padGas(units)
	return chain.GasEstimate{
		GasUnits:     units,
		GasPriceWei:  price,
		GasPriceGwei: decimal.NewFromBigInt(price, -9),
		Cost:         c.weiCost(new(big.Int).Mul(price, new(big.Int).SetUint64(units))),
	}, nil
}

// SubmitTransaction 签名并广播步骤交易，返回交易哈希。
//
// 存入前若授权额度不足，会先以同一批 nonce 发送 approve。广播结果不确定时连同哈希返回瞬时错误，
// 之后只能通过 Rebroadcast 重发同一笔交易。
func (c *Client) SubmitTransaction(ctx context.Context, step domain.RebalanceStep) (string, error) {
	if c.signer == nil {
		return "", errors.New("未配置交易签名器")
	}
	v, assets, err := c.stepAssets(step)
	if err != nil {
		return "", err
	}
	msg, err := c.callMsg(step)
	if err != nil {
		return "", err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", chain.Classify(err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.signer.From)
	if err != nil {
		return "", chain.Classify(err)
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", chain.Classify(err)
	}

	var gasLimit uint64
	if step.Direction == domain.DirectionDeposit {
		approved, err := c.ensureAllowance(ctx, v, assets, nonce, price)
		if err != nil {
			return "", err
		}
		if approved {
			// approve 尚未上链，存入交易无法预估，使用固定上限。
			nonce++
			gasLimit = c.depositGas
		}
	}
	if gasLimit == 0 {
		gas, err := c.backend.EstimateGas(ctx, msg)
		if err != nil {
			return "", chain.Classify(err)
		}
		gasLimit = c.padGas(gas)
	}

	signed, err := c.sign(nonce, msg, gasLimit, price)
	if err != nil {
		return "", err
	}
	hash := signed.Hash().Hex()
	if err := c.broadcast(ctx, signed); err != nil {
		if domain.IsTransient(err) {
			// 节点可能已经接收该交易。
			return hash, err
		}
		c.forget(signed.Hash())
		return "", err
	}
	c.log.Info("已广播交易",
		slog.String("strategy_id", step.StrategyID),
		slog.String("direction", string(step.Direction)),
		slog.String("tx_hash", hash),
		slog.Uint64("nonce", nonce))
	return hash, nil
}

// Rebroadcast 重发此前签名的交易，nonce 与签名均不变。
func (c *Client) Rebroadcast(ctx context.Context, txHash string) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.pendingMu.Lock()
	tx, ok := c.pending[common.HexToHash(txHash)]
	c.pendingMu.Unlock()
	if !ok {
		return chain.ErrTransactionNotCached
	}
	err := c.broadcast(ctx, tx)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
		// nonce 已被消耗，交易已上链，交由回执轮询确认。
		return nil
	}
	if err == nil {
		c.log.Info("已重发交易", slog.String("tx_hash", txHash), slog.Uint64("nonce", tx.Nonce()))
	}
	return err
}

// ensureAllowance 在金库对底层资产的授权不足时以 nonce 发送 approve，返回是否发送了授权交易。
func (c *Client) ensureAllowance(ctx context.Context, v vault, assets *big.Int, nonce uint64, price *big.Int) (bool, error) {
	out, err := c.call(ctx, c.abi, v.address, "asset")
	if err != nil {
		return false, err
	}
	token, ok := out[0].(common.Address)
	if !ok {
		return false, errors.New("asset 返回值类型异常")
	}
	allowance, err := c.callUint(ctx, c.erc20, token, "allowance", c.owner(), v.address)
	if err != nil {
		return false, err
	}
	if allowance.Cmp(assets) >= 0 {
		return false, nil
	}

	data, err := c.erc20.Pack("approve", v.address, assets)
	if err != nil {
		return false, fmt.Errorf("编码 approve 失败: %w", err)
	}
	msg := gethcore.CallMsg{From: c.owner(), To: &token, Data: data}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return false, chain.Classify(err)
	}
	signed, err := c.sign(nonce, msg, c.padGas(gas), price)
	if err != nil {
		return false, err
	}
	// approve 幂等，广播失败时直接返回，重试会重新检查额度。
	if err := c.broadcast(ctx, signed); err != nil {
		c.forget(signed.Hash())
		return false, err
	}
	c.log.Info("已广播授权交易",
		slog.String("token", token.Hex()),
		slog.String("spender", v.address.Hex()),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return true, nil
}

func (c *Client) sign(nonce uint64, msg gethcore.CallMsg, gas uint64, price *big.Int) (*coretypes.Transaction, error) {
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       msg.To,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: price,
		Data:     msg.Data,
	})
	signed, err := c.signer.Signer(c.signer.From, tx)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	c.pendingMu.Lock()
	c.pending[signed.Hash()] = signed
	c.pendingMu.Unlock()
	return signed, nil
}

func (c *Client) broadcast(ctx context.Context, tx *coretypes.Transaction) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return chain.Classify(err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil && !chain.IsAlreadyKnown(err) {
		return chain.Classify(err)
	}
	return nil
}

func (c *Client) forget(hash common.Hash) {
	c.pendingMu.Lock()
	delete(c.pending, hash)
	c.pendingMu.Unlock()
}

// WaitForReceipt 轮询回执直到达到确认数，超时返回 (nil, nil)。
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, confirmations uint64, timeout time.Duration) (*chain.Receipt, error) {
	hash := common.HexToHash(txHash)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			head, headErr := c.backend.BlockNumber(ctx)
			if headErr != nil {
				return nil, chain.Classify(headErr)
			}
			mined := receipt.BlockNumber.Uint64()
			var depth uint64
			if head >= mined {
				depth = head - mined + 1
			}
			if depth >= confirmations {
				c.forget(hash)
				return c.toReceipt(txHash, receipt, depth), nil
			}
		case err != nil && !errors.Is(err, gethcore.NotFound):
			return nil, chain.Classify(err)
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, chain.Classify(ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetStrategyValue 读取账户在金库中的资产价值。
func (c *Client) GetStrategyValue(ctx context.Context, strategyID string) (decimal.Decimal, error) {
	v, ok := c.vaults[strategyID]
	if !ok {
		return decimal.Zero, fmt.Errorf("未配置策略 %s 的金库", strategyID)
	}
	owner := c.owner()
	shares, err := c.callUint(ctx, c.abi, v.address, "balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	if shares.Sign() == 0 {
		return decimal.Zero, nil
	}
	assets, err := c.callUint(ctx, c.abi, v.address, "convertToAssets", shares)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(assets, -v.decimals).Mul(v.price), nil
}

// GetWithdrawableLiquidity 读取金库允许当前账户提取的资产上限。
func (c *Client) GetWithdrawableLiquidity(ctx context.Context, strategyID string) (decimal.Decimal, error) {
	v, ok := c.vaults[strategyID]
	if !ok {
		return decimal.Zero, fmt.Errorf("未配置策略 %s 的金库", strategyID)
	}
	assets, err := c.callUint(ctx, c.abi, v.address, "maxWithdraw", c.owner())
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(assets, -v.decimals).Mul(v.price), nil
}

// GetPoolLiquidity 读取金库管理的资产总量。
func (c *Client) GetPoolLiquidity(ctx context.Context, strategyID string) (decimal.Decimal, error) {
	v, ok := c.vaults[strategyID]
	if !ok {
		return decimal.Zero, fmt.Errorf("未配置策略 %s 的金库", strategyID)
	}
	assets, err := c.callUint(ctx, c.abi, v.address, "totalAssets")
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(assets, -v.decimals).Mul(v.price), nil
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, chain.Classify(err)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, chain.Classify(err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("解码 %s 返回值失败: %v", method, err)
	}
	return out, nil
}

func (c *Client) callUint(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常", method)
	}
	return value, nil
}

func (c *Client) stepAssets(step domain.RebalanceStep) (vault, *big.Int, error) {
	v, ok := c.vaults[step.StrategyID]
	if !ok {
		return vault{}, nil, fmt.Errorf("未配置策略 %s 的金库", step.StrategyID)
	}
	assets := step.Amount.Div(v.price).Shift(v.decimals).Truncate(0).BigInt()
	if assets.Sign() <= 0 {
		return vault{}, nil, fmt.Errorf("步骤金额无效: %s", step.Amount)
	}
	return v, assets, nil
}

func (c *Client) callMsg(step domain.RebalanceStep) (gethcore.CallMsg, error) {
	v, assets, err := c.stepAssets(step)
	if err != nil {
		return gethcore.CallMsg{}, err
	}
	owner := c.owner()

	var data []byte
	switch step.Direction {
	case domain.DirectionWithdraw:
		data, err = c.abi.Pack("withdraw", assets, owner, owner)
	case domain.DirectionDeposit:
		data, err = c.abi.Pack("deposit", assets, owner)
	default:
		return gethcore.CallMsg{}, fmt.Errorf("未知的步骤方向: %s", step.Direction)
	}
	if err != nil {
		return gethcore.CallMsg{}, fmt.Errorf("编码交易数据失败: %w", err)
	}
	return gethcore.CallMsg{From: owner, To: &v.address, Data: data}, nil
}

func (c *Client) owner() common.Address {
	return c.account
}

func (c *Client) padGas(units uint64) uint64 {
	return uint64(float64(units) * c.gasMultiple)
}

func (c *Client) weiCost(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -18).Mul(c.nativePrice)
}

func (c *Client) toReceipt(txHash string, receipt *coretypes.Receipt, depth uint64) *chain.Receipt {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = new(big.Int)
	}
	return &chain.Receipt{
		TxHash:        txHash,
		BlockNumber:   receipt.BlockNumber.Uint64(),
		Success:       receipt.Status == coretypes.ReceiptStatusSuccessful,
		GasUsed:       receipt.GasUsed,
		Cost:          c.weiCost(new(big.Int).Mul(price, new(big.Int).SetUint64(receipt.GasUsed))),
		Confirmations: depth,
	}
}
