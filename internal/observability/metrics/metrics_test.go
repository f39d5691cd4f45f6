package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenYield-Rebalancer/internal/domain"
)

func TestExecutionMetrics(t *testing.T) {
	c := New()
	c.ExecutionStarted("p1")
	c.ExecutionStarted("p1")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.openExecutions.WithLabelValues("p1")))

	c.ExecutionFinished(&domain.RebalanceExecution{
		PortfolioID: "p1",
		Status:      domain.StatusPartiallyCompleted,
		Outcome:     &domain.Outcome{RealizedGasCost: decimal.RequireFromString("1.5")},
	}, 3*time.Second)
	c.StepRetried("p1", domain.DirectionWithdraw)
	c.TriggerEvaluated(domain.TriggerDecision{PortfolioID: "p1", Trigger: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.openExecutions.WithLabelValues("p1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsFinished.WithLabelValues("p1", "partially_completed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.gasCost.WithLabelValues("p1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepRetries.WithLabelValues("p1", "withdraw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.triggerDecisions.WithLabelValues("p1", "true")))
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	c := New()
	c.ObserveHTTPRequest("/api/v1/executions/{id}", "GET", 200, 20*time.Millisecond)
	c.ObserveHTTPRequest("/api/v1/executions/{id}", "GET", 503, time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `rebalancer_http_requests_total{code="200",handler="/api/v1/executions/{id}",method="GET"} 1`)
	assert.Contains(t, text, `rebalancer_http_request_errors_total{handler="/api/v1/executions/{id}",method="GET"} 1`)
	assert.Contains(t, text, "rebalancer_http_request_duration_seconds_bucket")
}
