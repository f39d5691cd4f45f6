package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenYield-Rebalancer/internal/trigger"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []trigger.Request
	fail     map[string]error
}

func (r *recordingSubmitter) Submit(_ context.Context, portfolioID string, force bool, source string) (trigger.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[portfolioID]; err != nil {
		return trigger.Request{}, err
	}
	req := trigger.Request{PortfolioID: portfolioID, Force: force, Source: source}
	r.requests = append(r.requests, req)
	return req, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func TestEvaluationJobPublishesPerPortfolio(t *testing.T) {
	boom := errors.New("queue closed")
	sub := &recordingSubmitter{fail: map[string]error{"p2": boom}}
	job := EvaluationJob{
		Portfolios: func() []string { return []string{"p1", "p2", "p3"} },
		Submitter:  sub,
	}

	s := New(Config{})
	err := s.RunNow(job)
	assert.ErrorIs(t, err, boom)

	require.Len(t, sub.requests, 2)
	for _, req := range sub.requests {
		assert.Equal(t, trigger.SourceScheduler, req.Source)
		assert.False(t, req.Force)
	}
	assert.Equal(t, "p1", sub.requests[0].PortfolioID)
	assert.Equal(t, "p3", sub.requests[1].PortfolioID)
}

func TestSchedulerRunsRegisteredJobs(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(Config{PublishTimeout: time.Second})
	require.NoError(t, s.AddJob("* * * * * *", EvaluationJob{
		Portfolios: func() []string { return []string{"p1"} },
		Submitter:  sub,
	}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return sub.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	s := New(Config{})
	err := s.AddJob("*/15 * * * *", EvaluationJob{})
	assert.Error(t, err)
	assert.NoError(t, s.AddJob(DefaultSpec, EvaluationJob{}))
}
