package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/observability/alerting"
	"OpenYield-Rebalancer/internal/rebalance"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string][]error
	total   atomic.Int32
	latency time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, results: map[string][]error{}}
}

func (f *fakeRunner) RunCycle(ctx context.Context, portfolioID string, force bool) (*rebalance.CycleResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	n := f.calls[portfolioID]
	f.calls[portfolioID] = n + 1
	var err error
	if n < len(f.results[portfolioID]) {
		err = f.results[portfolioID][n]
	}
	f.mu.Unlock()
	f.total.Add(1)
	if err != nil {
		return nil, err
	}
	return &rebalance.CycleResult{Decision: domain.TriggerDecision{PortfolioID: portfolioID, Trigger: force}}, nil
}

func (f *fakeRunner) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func startProcessor(t *testing.T, runner Runner, queue Queue, opts ...ProcessorOption) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	processor := NewProcessor(runner, queue, queue, opts...)
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestProcessorHandlesConcurrentRequests(t *testing.T) {
	queue := NewMemoryQueue(1024)
	runner := newFakeRunner()
	runner.latency = 5 * time.Millisecond
	startProcessor(t, runner, queue, WithWorkerCount(8))

	service := NewService(queue, nil)
	total := 100
	for i := 0; i < total; i++ {
		_, err := service.Submit(context.Background(), fmt.Sprintf("p-%d", i), false, SourceScheduler)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return int(runner.total.Load()) == total }, 5*time.Second, 10*time.Millisecond)
}

func TestProcessorRequeuesTransientFailures(t *testing.T) {
	queue := NewMemoryQueue(16)
	runner := newFakeRunner()
	runner.results["p1"] = []error{
		domain.NewTransientChainError(errors.New("dial tcp: i/o timeout"), "读取策略价值失败"),
		errors.New("connection reset by peer"),
	}
	alerts := &recordingDispatcher{}
	startProcessor(t, runner, queue, WithMaxAttempts(3), WithAlertDispatcher(alerts))

	_, err := NewService(queue, []string{"p1"}).Submit(context.Background(), "p1", true, SourceAPI)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runner.count("p1") == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, runner.count("p1"))
	assert.Empty(t, alerts.snapshot())
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	queue := NewMemoryQueue(16)
	runner := newFakeRunner()
	boom := errors.New("rpc unavailable")
	runner.results["p1"] = []error{boom, boom, boom}
	alerts := &recordingDispatcher{}
	startProcessor(t, runner, queue, WithMaxAttempts(2), WithAlertDispatcher(alerts))

	require.NoError(t, queue.Publish(context.Background(), Request{ID: "r1", PortfolioID: "p1", Source: SourceScheduler}))

	assert.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, runner.count("p1"))
	event := alerts.snapshot()[0]
	assert.Equal(t, CodeTriggerProcessing, event.Code)
	assert.Equal(t, "p1", event.PortfolioID)
	assert.Equal(t, "exhausted", event.Metadata["stage"])
	assert.Equal(t, "r1", event.Metadata["request_id"])
}

func TestProcessorDropsPlanningAndConcurrentErrors(t *testing.T) {
	queue := NewMemoryQueue(16)
	runner := newFakeRunner()
	runner.results["plan"] = []error{domain.NewPlanningError(domain.CodeInsufficientLiquidity, "A", "流动性不足")}
	runner.results["busy"] = []error{domain.ErrConcurrentExecution}
	runner.results["bad"] = []error{domain.NewValidationError("portfolio_id", "未知组合")}
	alerts := &recordingDispatcher{}
	startProcessor(t, runner, queue, WithAlertDispatcher(alerts))

	for _, id := range []string{"plan", "busy", "bad"} {
		require.NoError(t, queue.Publish(context.Background(), Request{ID: id, PortfolioID: id}))
	}

	assert.Eventually(t, func() bool { return runner.total.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), runner.total.Load())

	events := alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CodeInsufficientLiquidity, events[0].Code)
	assert.Equal(t, "planning", events[0].Metadata["stage"])
}

func TestServiceSubmitValidation(t *testing.T) {
	queue := NewMemoryQueue(4)
	service := NewService(queue, []string{"p1"})

	_, err := service.Submit(context.Background(), " ", false, SourceAPI)
	assert.True(t, domain.IsValidationError(err))

	_, err = service.Submit(context.Background(), "p2", false, SourceAPI)
	assert.True(t, domain.IsNotFound(err))

	req, err := service.Submit(context.Background(), "p1", true, SourceAPI)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.True(t, req.Force)
	assert.False(t, req.RequestedAt.IsZero())

	require.NoError(t, queue.Close())
	_, err = service.Submit(context.Background(), "p1", false, SourceAPI)
	assert.Error(t, err)
}
