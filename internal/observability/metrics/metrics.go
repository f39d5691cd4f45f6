// Package metrics 基于 Prometheus 暴露 HTTP 与再平衡执行指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"OpenYield-Rebalancer/internal/domain"
)

const namespace = "rebalancer"

// Collector 持有全部指标及其独立的 Registry。
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	stepRetries        *prometheus.CounterVec
	gasCost            *prometheus.CounterVec
	openExecutions     *prometheus.GaugeVec
	triggerDecisions   *prometheus.CounterVec
}

// New 创建 Collector 并注册全部指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Rebalance executions accepted by the coordinator.",
		}, []string{"portfolio"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Rebalance executions that reached a terminal state.",
		}, []string{"portfolio", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from acceptance to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Transient chain failures retried during step execution.",
		}, []string{"portfolio", "direction"}),
		gasCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_gas_cost_total",
			Help:      "Realized gas cost in portfolio value units.",
		}, []string{"portfolio"}),
		openExecutions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_executions",
			Help:      "Executions currently not in a terminal state.",
		}, []string{"portfolio"}),
		triggerDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_decisions_total",
			Help:      "Allocation evaluations by outcome.",
		}, []string{"portfolio", "trigger"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.executionsStarted, c.executionsFinished, c.executionDuration,
		c.stepRetries, c.gasCost, c.openExecutions, c.triggerDecisions,
	)
	return c
}

// Default 是进程级默认 Collector。
var Default = New()

// Registry 返回底层 Registry。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ExecutionStarted 记录新接受的执行。
func (c *Collector) ExecutionStarted(portfolioID string) {
	c.executionsStarted.WithLabelValues(portfolioID).Inc()
	c.openExecutions.WithLabelValues(portfolioID).Inc()
}

// ExecutionFinished 记录执行终态、耗时与实际 gas 成本。
func (c *Collector) ExecutionFinished(execution *domain.RebalanceExecution, duration time.Duration) {
	if execution == nil {
		return
	}
	status := string(execution.Status)
	c.executionsFinished.WithLabelValues(execution.PortfolioID, status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.openExecutions.WithLabelValues(execution.PortfolioID).Dec()
	if execution.Outcome != nil {
		cost, _ := execution.Outcome.RealizedGasCost.Float64()
		if cost > 0 {
			c.gasCost.WithLabelValues(execution.PortfolioID).Add(cost)
		}
	}
}

// StepRetried 记录一次步骤重试。
func (c *Collector) StepRetried(portfolioID string, direction domain.Direction) {
	c.stepRetries.WithLabelValues(portfolioID, string(direction)).Inc()
}

// TriggerEvaluated 记录一次偏离评估结果。
func (c *Collector) TriggerEvaluated(decision domain.TriggerDecision) {
	c.triggerDecisions.WithLabelValues(decision.PortfolioID, strconv.FormatBool(decision.Trigger)).Inc()
}

// ObserveHTTPRequest 使用默认 Collector 记录 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default.ObserveHTTPRequest(handler, method, status, duration)
}

// Handler 返回默认 Collector 的指标处理器。
func Handler() http.Handler {
	return Default.Handler()
}

// StartServer 启动独立的 /metrics 服务。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
