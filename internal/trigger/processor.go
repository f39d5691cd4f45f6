package trigger

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/internal/observability/alerting"
	"OpenYield-Rebalancer/internal/rebalance"
	"OpenYield-Rebalancer/pkg/logger"
)

// Runner 定义处理器所需的再平衡能力，*rebalance.Service 满足该接口。
type Runner interface {
	RunCycle(ctx context.Context, portfolioID string, force bool) (*rebalance.CycleResult, error)
}

// Processor 从队列消费触发请求并执行评估周期。
type Processor struct {
	runner      Runner
	consumer    Consumer
	producer    Producer
	workerCount int
	maxAttempts int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置可重试失败的最大处理次数。
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("trigger")
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "触发处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		p.logger.Warn("丢弃非法触发请求", slog.String("request_id", req.ID), slog.Any("error", err))
		return nil
	}
	result, err := p.runner.RunCycle(ctx, req.PortfolioID, req.Force)
	if err != nil {
		return p.handleFailure(ctx, req, err)
	}
	p.logger.Info("触发请求处理完成",
		slog.String("request_id", req.ID),
		slog.String("portfolio_id", req.PortfolioID),
		slog.String("source", req.Source),
		slog.Bool("trigger", result.Decision.Trigger),
		slog.String("reason", result.Decision.Reason),
		slog.String("execution_id", result.ExecutionID))
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, req Request, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTriggerProcessing
	}
	if code == domain.CodeConcurrentExecution {
		p.logger.Debug("组合已有执行，跳过触发请求",
			slog.String("request_id", req.ID),
			slog.String("portfolio_id", req.PortfolioID))
		return nil
	}

	retryable := isRetryable(cause)
	exhausted := req.Attempts+1 >= p.maxAttempts
	if retryable && !exhausted && ctx.Err() == nil {
		next := req
		next.Attempts++
		if err := p.producer.Publish(ctx, next); err != nil {
			return xerrors.Wrap(CodeTriggerPublish, err, "重新投递触发请求失败")
		}
		p.logger.Debug("触发请求已重新排队",
			slog.String("request_id", req.ID),
			slog.String("portfolio_id", req.PortfolioID),
			slog.Int("attempts", next.Attempts),
			slog.Any("error", cause))
		return nil
	}

	logger.Audit().Warn("触发请求处理失败",
		slog.String("request_id", req.ID),
		slog.String("portfolio_id", req.PortfolioID),
		slog.String("source", req.Source),
		slog.String("error_code", string(code)),
		slog.Bool("retryable", retryable),
		slog.Int("attempts", req.Attempts+1),
		slog.String("error", cause.Error()))

	stage := "terminal"
	switch {
	case domain.IsPlanningError(cause):
		stage = "planning"
	case retryable:
		stage = "exhausted"
	case !xerrors.ShouldAlert(cause):
		return nil
	}
	p.emitAlert(ctx, req, code, cause, stage)
	return nil
}

// isRetryable 未编码的错误视为基础设施故障，可以重试。
func isRetryable(err error) bool {
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	if _, ok := xerrors.From(err); !ok {
		return true
	}
	return xerrors.RetryableError(err)
}

func (p *Processor) emitAlert(ctx context.Context, req Request, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError(cause, code)
	event.Code = code
	event.PortfolioID = req.PortfolioID
	event.RetryCount = req.Attempts
	event.OccurredAt = time.Now().UTC()
	metadata := map[string]string{
		"stage":      stage,
		"request_id": req.ID,
		"source":     req.Source,
	}
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	event.Metadata = metadata
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("request_id", req.ID),
			slog.String("stage", stage))
	}
}
