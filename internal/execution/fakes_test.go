package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"OpenYield-Rebalancer/internal/chain"
	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/observability/alerting"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeChain 按策略脚本化链上行为。
type fakeChain struct {
	mu          sync.Mutex
	estimate    chain.GasEstimate
	estimateErr error
	// estimateErrs 按策略覆盖 estimateErr。
	estimateErrs map[string]error
	submitErrs   map[string][]error
	// lostAcks 模拟节点已接收交易但响应丢失：记录提交并连同哈希返回瞬时错误。
	lostAcks     map[string]int
	rebroadcasts []string
	waitErrs     map[string][]error
	waitNil      map[string]int
	reverts      map[string]bool
	values       map[string]decimal.Decimal
	onSubmit     func(step domain.RebalanceStep)
	submitted    []string
	hashes       map[string]string
	waits        int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		estimate: chain.GasEstimate{
			GasUnits:     200_000,
			GasPriceGwei: decimal.NewFromInt(20),
			Cost:         decimal.RequireFromString("0.1"),
		},
		estimateErrs: make(map[string]error),
		submitErrs:   make(map[string][]error),
		lostAcks:     make(map[string]int),
		waitErrs:     make(map[string][]error),
		waitNil:      make(map[string]int),
		reverts:      make(map[string]bool),
		values: map[string]decimal.Decimal{
			"A": decimal.NewFromInt(300),
			"B": decimal.NewFromInt(300),
			"C": decimal.NewFromInt(400),
		},
		hashes: make(map[string]string),
	}
}

func (f *fakeChain) EstimateGas(_ context.Context, step domain.RebalanceStep) (chain.GasEstimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.estimateErrs[step.StrategyID]; ok {
		return chain.GasEstimate{}, err
	}
	return f.estimate, f.estimateErr
}

func (f *fakeChain) SubmitTransaction(_ context.Context, step domain.RebalanceStep) (string, error) {
	if f.onSubmit != nil {
		f.onSubmit(step)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.submitErrs[step.StrategyID]; len(errs) > 0 {
		f.submitErrs[step.StrategyID] = errs[1:]
		if errs[0] != nil {
			return "", errs[0]
		}
	}
	f.submitted = append(f.submitted, step.StrategyID)
	hash := fmt.Sprintf("0x%s%02d", step.StrategyID, len(f.submitted))
	f.hashes[hash] = step.StrategyID
	if f.lostAcks[step.StrategyID] > 0 {
		f.lostAcks[step.StrategyID]--
		return hash, domain.NewTransientChainError(errors.New("i/o timeout"), "RPC 网络错误")
	}
	return hash, nil
}

func (f *fakeChain) Rebroadcast(_ context.Context, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebroadcasts = append(f.rebroadcasts, txHash)
	if _, ok := f.hashes[txHash]; !ok {
		return chain.ErrTransactionNotCached
	}
	return errors.New("already known")
}

func (f *fakeChain) WaitForReceipt(_ context.Context, txHash string, _ uint64, _ time.Duration) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	strategy := f.hashes[txHash]
	if errs := f.waitErrs[strategy]; len(errs) > 0 {
		f.waitErrs[strategy] = errs[1:]
		return nil, errs[0]
	}
	if f.waitNil[strategy] > 0 {
		f.waitNil[strategy]--
		return nil, nil
	}
	return &chain.Receipt{
		TxHash:  txHash,
		Success: !f.reverts[strategy],
		GasUsed: 21_000,
		Cost:    decimal.RequireFromString("0.05"),
	}, nil
}

func (f *fakeChain) GetStrategyValue(_ context.Context, strategyID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[strategyID]
	if !ok {
		return decimal.Zero, errors.New("unknown strategy")
	}
	return value, nil
}

func (f *fakeChain) rebroadcastHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rebroadcasts...)
}

func (f *fakeChain) submittedStrategies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerter) Events() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

type countingRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[domain.Status]int
	retries  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{finished: make(map[domain.Status]int)}
}

func (r *countingRecorder) ExecutionStarted(string) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *countingRecorder) ExecutionFinished(execution *domain.RebalanceExecution, _ time.Duration) {
	r.mu.Lock()
	r.finished[execution.Status]++
	r.mu.Unlock()
}

func (r *countingRecorder) StepRetried(string, domain.Direction) {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}
