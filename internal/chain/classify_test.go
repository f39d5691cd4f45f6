package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code xerrors.Code
	}{
		{"reverted", errors.New("execution reverted: ERC4626: withdraw more than max"), domain.CodeRevertedTransaction},
		{"funds", errors.New("insufficient funds for gas * price + value"), domain.CodeInsufficientFunds},
		{"nonce", errors.New("nonce too low"), domain.CodeTransientChain},
		{"underpriced", errors.New("replacement transaction underpriced"), domain.CodeTransientChain},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), domain.CodeTransientChain},
		{"network", errors.New("dial tcp: connection refused"), domain.CodeTransientChain},
		{"breaker", gobreaker.ErrOpenState, domain.CodeTransientChain},
		{"unknown", errors.New("invalid sender"), xerrors.CodeUpstreamFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, xerrors.CodeOf(Classify(tc.err)))
		})
	}

	assert.Nil(t, Classify(nil))
	assert.False(t, domain.IsTransient(Classify(errors.New("invalid sender"))))

	already := domain.NewTransientChainError(nil, "x")
	assert.Same(t, already, Classify(already))
}

func TestIsAlreadyKnown(t *testing.T) {
	assert.True(t, IsAlreadyKnown(errors.New("already known")))
	assert.False(t, IsAlreadyKnown(errors.New("nonce too low")))
	assert.False(t, IsAlreadyKnown(nil))
}

type flakyClient struct {
	err   error
	hash  string
	calls int
}

func (f *flakyClient) EstimateGas(context.Context, domain.RebalanceStep) (GasEstimate, error) {
	f.calls++
	return GasEstimate{}, f.err
}

func (f *flakyClient) SubmitTransaction(context.Context, domain.RebalanceStep) (string, error) {
	f.calls++
	return f.hash, f.err
}

func (f *flakyClient) WaitForReceipt(context.Context, string, uint64, time.Duration) (*Receipt, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyClient) GetStrategyValue(context.Context, string) (decimal.Decimal, error) {
	f.calls++
	return decimal.NewFromInt(7), f.err
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	inner := &flakyClient{err: errors.New("connection reset by peer")}
	client := WithBreaker(inner, BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := client.SubmitTransaction(context.Background(), domain.RebalanceStep{})
		require.True(t, domain.IsTransient(err))
	}
	require.Equal(t, gobreaker.StateOpen, client.State())

	_, err := client.SubmitTransaction(context.Background(), domain.RebalanceStep{})
	require.True(t, domain.IsTransient(err))
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerIgnoresRevertedTransactions(t *testing.T) {
	inner := &flakyClient{err: errors.New("execution reverted")}
	client := WithBreaker(inner, BreakerConfig{ConsecutiveFailures: 1})

	for i := 0; i < 3; i++ {
		_, err := client.SubmitTransaction(context.Background(), domain.RebalanceStep{})
		require.Equal(t, domain.CodeRevertedTransaction, xerrors.CodeOf(err))
	}
	assert.Equal(t, gobreaker.StateClosed, client.State())
	assert.Equal(t, 3, inner.calls)

	inner.err = nil
	value, err := client.GetStrategyValue(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, value.Equal(decimal.NewFromInt(7)))

	liquidity, err := client.GetWithdrawableLiquidity(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, liquidity.IsZero())
	pool, err := client.GetPoolLiquidity(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, pool.IsZero())
}

func TestBreakerKeepsHashOfUncertainBroadcast(t *testing.T) {
	inner := &flakyClient{err: errors.New("i/o timeout"), hash: "0xabc"}
	client := WithBreaker(inner, BreakerConfig{ConsecutiveFailures: 5})

	hash, err := client.SubmitTransaction(context.Background(), domain.RebalanceStep{})
	require.True(t, domain.IsTransient(err))
	assert.Equal(t, "0xabc", hash)

	err = client.Rebroadcast(context.Background(), hash)
	assert.ErrorIs(t, err, ErrTransactionNotCached)
	assert.Equal(t, gobreaker.StateClosed, client.State())
}
