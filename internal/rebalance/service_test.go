package rebalance

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/internal/ledger"
	"OpenYield-Rebalancer/internal/optimizer"
	"OpenYield-Rebalancer/internal/planner"
	"OpenYield-Rebalancer/internal/risk"
	"OpenYield-Rebalancer/internal/settings"
	"OpenYield-Rebalancer/internal/tracker"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakePortfolios struct {
	mu        sync.Mutex
	snapshots map[string]domain.Portfolio
	reads     int
}

func (f *fakePortfolios) IDs() []string {
	ids := make([]string, 0, len(f.snapshots))
	for id := range f.snapshots {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakePortfolios) Snapshot(_ context.Context, id string) (domain.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	p, ok := f.snapshots[id]
	if !ok {
		return domain.Portfolio{}, domain.ErrPortfolioNotFound
	}
	return p, nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	open      map[string]*domain.RebalanceExecution
	executed  []*domain.RebalancePlan
	settings  []domain.RebalanceSettings
	executeFn func(plan *domain.RebalancePlan) (string, error)
	cancelled []string
}

func (f *fakeExecutor) Execute(_ context.Context, portfolioID string, plan *domain.RebalancePlan, s domain.RebalanceSettings) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, plan)
	f.settings = append(f.settings, s)
	if f.executeFn != nil {
		return f.executeFn(plan)
	}
	return "exec-" + portfolioID, nil
}

func (f *fakeExecutor) GetStatus(_ context.Context, id string) (*domain.RebalanceExecution, error) {
	for _, e := range f.open {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, domain.ErrExecutionNotFound
}

func (f *fakeExecutor) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

func (f *fakeExecutor) OpenExecution(_ context.Context, portfolioID string) (*domain.RebalanceExecution, error) {
	return f.open[portfolioID], nil
}

type countingOptimizer struct {
	optimizer.Static
	calls       int
	constraints optimizer.Constraints
	block       bool
}

func (c *countingOptimizer) SuggestAllocation(ctx context.Context, p domain.Portfolio, constraints optimizer.Constraints) (domain.SuggestedAllocation, error) {
	c.calls++
	c.constraints = constraints
	if c.block {
		<-ctx.Done()
		return domain.SuggestedAllocation{}, ctx.Err()
	}
	return c.Static.SuggestAllocation(ctx, p, constraints)
}

type recordingMetrics struct {
	decisions []domain.TriggerDecision
}

func (r *recordingMetrics) TriggerEvaluated(d domain.TriggerDecision) {
	r.decisions = append(r.decisions, d)
}

type fixture struct {
	svc        *Service
	portfolios *fakePortfolios
	executor   *fakeExecutor
	optimizer  *countingOptimizer
	settings   *settings.MemoryStore
	history    *ledger.MemoryLedger
	metrics    *recordingMetrics
}

func snapshot(values map[string]int64) domain.Portfolio {
	p := domain.Portfolio{ID: "p1", RiskTolerance: domain.RiskAggressive, ObservedAt: fixedNow}
	for id, v := range values {
		p.Strategies = append(p.Strategies, domain.Strategy{ID: id, Value: decimal.NewFromInt(v), Active: true})
	}
	p.Recalculate()
	return p
}

func newFixture(t *testing.T, values map[string]int64, targets map[string]domain.BasisPoints) *fixture {
	t.Helper()
	f := &fixture{
		portfolios: &fakePortfolios{snapshots: map[string]domain.Portfolio{"p1": snapshot(values)}},
		executor:   &fakeExecutor{open: map[string]*domain.RebalanceExecution{}},
		optimizer: &countingOptimizer{Static: optimizer.Static{Suggestions: map[string]domain.SuggestedAllocation{
			"p1": {
				PortfolioID:               "p1",
				Targets:                   targets,
				ExpectedAPYImprovementBps: 150,
				GeneratedAt:               fixedNow,
				ValidUntil:                fixedNow.Add(15 * time.Minute),
			},
		}}},
		settings: settings.NewMemoryStore(nil),
		history:  ledger.NewMemoryLedger(),
		metrics:  &recordingMetrics{},
	}
	clock := func() time.Time { return fixedNow }
	pl := planner.New(planner.Config{}, planner.WithClock(clock), planner.WithRiskManager(risk.NewCapChecker(domain.FullAllocation)))
	f.svc = New(f.portfolios, f.optimizer, f.settings, f.history, f.executor, pl,
		WithClock(clock), WithMetrics(f.metrics), WithMaxConcentration(6000))
	return f
}

func (f *fixture) record(t *testing.T, id string, status domain.Status, completed time.Time) {
	t.Helper()
	require.NoError(t, f.history.Append(context.Background(), &domain.RebalanceExecution{
		ID:          id,
		PortfolioID: "p1",
		Status:      status,
		CreatedAt:   completed.Add(-time.Minute),
		UpdatedAt:   completed,
		CompletedAt: &completed,
	}))
}

func TestRunCycleExecutesPlanOnThresholdBreach(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 6000, "B": 4000})

	result, err := f.svc.RunCycle(context.Background(), "p1", false)
	require.NoError(t, err)

	assert.True(t, result.Decision.Trigger)
	assert.Equal(t, tracker.ReasonThresholdExceeded, result.Decision.Reason)
	assert.Equal(t, domain.BasisPoints(1000), result.Decision.DeviationBps)
	assert.Equal(t, "exec-p1", result.ExecutionID)
	assert.Equal(t, "exec-p1", result.Decision.ExecutionID)

	require.Len(t, f.executor.executed, 1)
	plan := f.executor.executed[0]
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "A", plan.Steps[0].StrategyID)
	assert.Equal(t, domain.DirectionWithdraw, plan.Steps[0].Direction)
	assert.True(t, plan.Steps[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, domain.DirectionDeposit, plan.Steps[1].Direction)
	assert.Equal(t, domain.DefaultSettings().ThresholdBps, f.executor.settings[0].ThresholdBps)

	assert.Equal(t, optimizer.Constraints{
		RiskTolerance:       domain.RiskAggressive,
		MaxConcentrationBps: 6000,
		Frequency:           domain.FrequencyDaily,
	}, f.optimizer.constraints)
	require.Len(t, f.metrics.decisions, 1)
	assert.True(t, f.metrics.decisions[0].Trigger)
}

func TestEvaluateBelowThresholdIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 6800, "B": 3200})

	first, err := f.svc.Evaluate(context.Background(), "p1", false)
	require.NoError(t, err)
	second, err := f.svc.Evaluate(context.Background(), "p1", false)
	require.NoError(t, err)

	assert.False(t, first.Trigger)
	assert.Equal(t, tracker.ReasonBelowThreshold, first.Reason)
	assert.Equal(t, domain.BasisPoints(200), first.DeviationBps)
	assert.Equal(t, first, second)
	assert.Empty(t, f.executor.executed)
}

func TestEvaluateShortCircuitsOnOpenExecution(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 5000, "B": 5000})
	f.executor.open["p1"] = &domain.RebalanceExecution{ID: "running", PortfolioID: "p1", Status: domain.StatusExecuting}

	result, err := f.svc.RunCycle(context.Background(), "p1", true)
	require.NoError(t, err)

	assert.False(t, result.Decision.Trigger)
	assert.Equal(t, tracker.ReasonInProgress, result.Decision.Reason)
	assert.Equal(t, "running", result.Decision.ExecutionID)
	assert.Zero(t, f.portfolios.reads)
	assert.Zero(t, f.optimizer.calls)
	assert.Empty(t, f.executor.executed)
}

func TestEvaluateEmergencyStopSkipsReads(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 5000, "B": 5000})
	stopped := domain.DefaultSettings()
	stopped.EmergencyStop = true
	_, err := f.svc.UpdateSettings(context.Background(), "p1", stopped)
	require.NoError(t, err)

	decision, err := f.svc.Evaluate(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.False(t, decision.Trigger)
	assert.Equal(t, tracker.ReasonEmergencyStop, decision.Reason)
	assert.Zero(t, f.portfolios.reads)
	assert.Zero(t, f.optimizer.calls)

	disabled := domain.DefaultSettings()
	disabled.Enabled = false
	_, err = f.svc.UpdateSettings(context.Background(), "p1", disabled)
	require.NoError(t, err)
	decision, err = f.svc.Evaluate(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.Equal(t, tracker.ReasonDisabled, decision.Reason)
}

func TestEvaluateHonoursMinimumInterval(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 5000, "B": 5000})
	f.record(t, "failed-recently", domain.StatusFailed, fixedNow.Add(-time.Minute))

	decision, err := f.svc.Evaluate(context.Background(), "p1", false)
	require.NoError(t, err)
	assert.True(t, decision.Trigger, "failed executions do not reset the interval")

	f.record(t, "done", domain.StatusCompleted, fixedNow.Add(-time.Hour))
	decision, err = f.svc.Evaluate(context.Background(), "p1", false)
	require.NoError(t, err)
	assert.False(t, decision.Trigger)
	assert.True(t, strings.HasPrefix(decision.Reason, tracker.ReasonTooSoon), decision.Reason)

	decision, err = f.svc.Evaluate(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.True(t, decision.Trigger)
	assert.Equal(t, tracker.ReasonForced, decision.Reason)
}

func TestRunCycleForcedWithoutStepsDoesNotExecute(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 6000, "B": 4000}, map[string]domain.BasisPoints{"A": 6000, "B": 4000})

	result, err := f.svc.RunCycle(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.False(t, result.Decision.Trigger)
	assert.Equal(t, ReasonNoSteps, result.Decision.Reason)
	assert.Nil(t, result.Plan)
	assert.Empty(t, f.executor.executed)
}

func TestRunCyclePlanningErrorStopsBeforeExecution(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 5000, "B": 5000})
	stale := f.optimizer.Suggestions["p1"]
	stale.ValidUntil = fixedNow.Add(-time.Second)
	f.optimizer.Suggestions["p1"] = stale

	result, err := f.svc.RunCycle(context.Background(), "p1", false)
	require.Error(t, err)
	assert.True(t, domain.IsPlanningError(err))
	assert.Equal(t, domain.CodeStaleSuggestion, xerrors.CodeOf(err))
	require.NotNil(t, result)
	assert.True(t, result.Decision.Trigger)
	assert.Empty(t, f.executor.executed)
}

func TestRunCyclePropagatesConcurrentExecution(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 5000, "B": 5000})
	f.executor.executeFn = func(*domain.RebalancePlan) (string, error) {
		return "", domain.ErrConcurrentExecution
	}

	_, err := f.svc.RunCycle(context.Background(), "p1", false)
	assert.ErrorIs(t, err, domain.ErrConcurrentExecution)
}

func TestEvaluateOptimizerTimeout(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 7000, "B": 3000}, map[string]domain.BasisPoints{"A": 5000, "B": 5000})
	f.optimizer.block = true
	WithOptimizerTimeout(10 * time.Millisecond)(f.svc)

	_, err := f.svc.Evaluate(context.Background(), "p1", false)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestEvaluateUnknownPortfolio(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1}, map[string]domain.BasisPoints{"A": 10000})

	_, err := f.svc.Evaluate(context.Background(), "missing", false)
	assert.ErrorIs(t, err, domain.ErrPortfolioNotFound)

	_, err = f.svc.Evaluate(context.Background(), "  ", false)
	assert.True(t, domain.IsValidationError(err))
}

func TestSettingsAndPassThroughOperations(t *testing.T) {
	f := newFixture(t, map[string]int64{"A": 1}, map[string]domain.BasisPoints{"A": 10000})
	ctx := context.Background()

	bad := domain.DefaultSettings()
	bad.ThresholdBps = 50
	_, err := f.svc.UpdateSettings(ctx, "p1", bad)
	assert.True(t, domain.IsConfigError(err))

	got, err := f.svc.Settings(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.BasisPoints(500), got.ThresholdBps)

	_, err = f.svc.UpdateSettings(ctx, "ghost", domain.DefaultSettings())
	assert.ErrorIs(t, err, domain.ErrPortfolioNotFound)
	_, err = f.svc.Settings(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrPortfolioNotFound)
	_, err = f.svc.UpdateSettings(ctx, " ", domain.DefaultSettings())
	assert.True(t, domain.IsValidationError(err))

	cancelled, err := f.svc.Cancel(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, []string{"exec-1"}, f.executor.cancelled)
	_, err = f.svc.Cancel(ctx, "")
	assert.True(t, domain.IsValidationError(err))

	f.record(t, "e1", domain.StatusCompleted, fixedNow.Add(-2*time.Hour))
	f.record(t, "e2", domain.StatusFailed, fixedNow.Add(-time.Hour))
	page, err := f.svc.History(ctx, "p1", ledger.WithStatuses(domain.StatusFailed))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "e2", page.Items[0].ID)

	_, err = f.svc.GetStatus(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}
