package portfolio

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenYield-Rebalancer/internal/domain"
)

type fakeValues struct {
	mu        sync.Mutex
	values    map[string]decimal.Decimal
	liquidity map[string]decimal.Decimal
	pools     map[string]decimal.Decimal
	fail      map[string]error
	reads     []string
}

func (f *fakeValues) GetStrategyValue(_ context.Context, id string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id)
	if err := f.fail[id]; err != nil {
		return decimal.Zero, err
	}
	return f.values[id], nil
}

func (f *fakeValues) GetWithdrawableLiquidity(_ context.Context, id string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.liquidity[id]
	if !ok {
		return decimal.Zero, errors.New("maxWithdraw reverted")
	}
	return value, nil
}

func (f *fakeValues) GetPoolLiquidity(_ context.Context, id string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.pools[id]
	if !ok {
		return decimal.Zero, errors.New("totalAssets reverted")
	}
	return value, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry([]Definition{{
		ID: "p1",
		Strategies: []StrategyDefinition{
			{ID: "lido-eth", Protocol: "Lido", Token: "ETH"},
			{ID: "aave-usdc", Protocol: "Aave", Token: "USDC"},
			{ID: "legacy", Protocol: "Yearn", Token: "DAI", Disabled: true},
		},
	}})
	require.NoError(t, err)
	return registry
}

func TestSnapshotReadsValuesAndLiquidity(t *testing.T) {
	values := &fakeValues{
		values: map[string]decimal.Decimal{
			"aave-usdc": decimal.NewFromInt(750),
			"lido-eth":  decimal.NewFromInt(250),
		},
		liquidity: map[string]decimal.Decimal{"aave-usdc": decimal.NewFromInt(500)},
		pools:     map[string]decimal.Decimal{"aave-usdc": decimal.NewFromInt(2_000_000)},
	}
	reader := NewReader(testRegistry(t), values, 2)

	p, err := reader.Snapshot(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, domain.RiskModerate, p.RiskTolerance)
	assert.True(t, p.TotalValue.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, map[string]domain.BasisPoints{"aave-usdc": 7500, "lido-eth": 2500}, p.CurrentAllocation())
	require.Len(t, p.Strategies, 3)
	assert.Equal(t, "aave-usdc", p.Strategies[0].ID)
	assert.True(t, p.Strategies[0].AvailableLiquidity.Equal(decimal.NewFromInt(500)))
	assert.True(t, p.Strategies[0].PoolLiquidity.Equal(decimal.NewFromInt(2_000_000)))
	assert.True(t, p.Strategies[1].AvailableLiquidity.IsZero())
	assert.True(t, p.Strategies[1].PoolLiquidity.IsZero())
	assert.False(t, p.Strategies[2].Active)
	assert.ElementsMatch(t, []string{"aave-usdc", "lido-eth"}, values.reads)
	assert.False(t, p.ObservedAt.IsZero())
}

func TestSnapshotPropagatesValueErrors(t *testing.T) {
	boom := errors.New("rpc down")
	values := &fakeValues{
		values: map[string]decimal.Decimal{"aave-usdc": decimal.NewFromInt(1)},
		fail:   map[string]error{"lido-eth": boom},
	}
	_, err := NewReader(testRegistry(t), values, 0).Snapshot(context.Background(), "p1")
	assert.ErrorIs(t, err, boom)
}

func TestSnapshotUnknownPortfolio(t *testing.T) {
	_, err := NewReader(testRegistry(t), &fakeValues{}, 1).Snapshot(context.Background(), "nope")
	assert.True(t, domain.IsNotFound(err))
	assert.True(t, domain.IsValidationError(err))
}

func TestNewRegistryValidation(t *testing.T) {
	cases := map[string][]Definition{
		"empty id":      {{ID: " ", Strategies: []StrategyDefinition{{ID: "a"}}}},
		"duplicate":     {{ID: "p", Strategies: []StrategyDefinition{{ID: "a"}}}, {ID: "p", Strategies: []StrategyDefinition{{ID: "a"}}}},
		"no strategies": {{ID: "p"}},
		"dup strategy":  {{ID: "p", Strategies: []StrategyDefinition{{ID: "a"}, {ID: "a"}}}},
		"bad risk":      {{ID: "p", RiskTolerance: "yolo", Strategies: []StrategyDefinition{{ID: "a"}}}},
		"missing strat": {{ID: "p", Strategies: []StrategyDefinition{{ID: ""}}}},
	}
	for name, defs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(defs)
			assert.Error(t, err)
		})
	}

	registry, err := NewRegistry([]Definition{
		{ID: "b", Strategies: []StrategyDefinition{{ID: "x"}}},
		{ID: "a", RiskTolerance: domain.RiskAggressive, Strategies: []StrategyDefinition{{ID: "y"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, registry.IDs())
	def, err := registry.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, domain.RiskAggressive, def.RiskTolerance)
}
