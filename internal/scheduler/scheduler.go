// Package scheduler 按 cron 表达式周期性地为所有受管组合投递评估请求。
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"OpenYield-Rebalancer/internal/trigger"
	"OpenYield-Rebalancer/pkg/logger"
)

// DefaultSpec 每 15 分钟评估一次。
const DefaultSpec = "0 */15 * * * *"

// Config 控制调度器。
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Spec    string `yaml:"spec"`
	// PublishTimeout 为单次投递全部请求的超时时间。
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Submitter 投递触发请求，*trigger.Service 满足该接口。
type Submitter interface {
	Submit(ctx context.Context, portfolioID string, force bool, source string) (trigger.Request, error)
}

// Job 是一个周期任务。
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler 管理后台周期任务。
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New 创建调度器，表达式包含秒字段。
func New(cfg Config) *Scheduler {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := logger.Named("scheduler")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		timeout: timeout,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动调度器。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("调度器已启动", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop 停止调度并等待运行中的任务结束。
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("调度器已停止")
}

// AddJob 按 cron 表达式注册任务。
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.RunNow(job); err != nil {
			s.log.Error("周期任务失败", slog.String("job", job.Name()), slog.Any("error", err))
		}
	})
	if err != nil {
		return err
	}
	s.log.Info("已注册周期任务", slog.String("schedule", spec), slog.String("job", job.Name()))
	return nil
}

// RunNow 立即执行任务。
func (s *Scheduler) RunNow(job Job) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	s.log.Debug("开始执行周期任务", slog.String("job", job.Name()))
	return job.Run(ctx)
}

// EvaluationJob 为每个组合投递一条评估请求。
type EvaluationJob struct {
	Portfolios func() []string
	Submitter  Submitter
}

// Name 实现 Job。
func (j EvaluationJob) Name() string { return "evaluate-portfolios" }

// Run 实现 Job。单个组合投递失败不影响其他组合，返回最后一个错误。
func (j EvaluationJob) Run(ctx context.Context) error {
	var lastErr error
	published := 0
	for _, id := range j.Portfolios() {
		if _, err := j.Submitter.Submit(ctx, id, false, trigger.SourceScheduler); err != nil {
			logger.L().Warn("投递定时评估请求失败", slog.String("portfolio_id", id), slog.Any("error", err))
			lastErr = err
			continue
		}
		published++
	}
	logger.L().Debug("定时评估请求已投递", slog.Int("published", published))
	return lastErr
}

// cronLogger 将 cron 内部日志转发到 slog。
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
