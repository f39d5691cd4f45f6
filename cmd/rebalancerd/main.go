package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenYield-Rebalancer/internal/api"
	"OpenYield-Rebalancer/internal/auth"
	"OpenYield-Rebalancer/internal/chain"
	"OpenYield-Rebalancer/internal/chain/ethereum"
	"OpenYield-Rebalancer/internal/config"
	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/execution"
	"OpenYield-Rebalancer/internal/ledger"
	"OpenYield-Rebalancer/internal/observability/alerting"
	"OpenYield-Rebalancer/internal/observability/metrics"
	"OpenYield-Rebalancer/internal/optimizer"
	"OpenYield-Rebalancer/internal/planner"
	"OpenYield-Rebalancer/internal/portfolio"
	"OpenYield-Rebalancer/internal/rebalance"
	"OpenYield-Rebalancer/internal/risk"
	"OpenYield-Rebalancer/internal/scheduler"
	"OpenYield-Rebalancer/internal/settings"
	"OpenYield-Rebalancer/internal/storage/mysql"
	"OpenYield-Rebalancer/internal/trigger"
	"OpenYield-Rebalancer/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// main 是再平衡守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("rebalancerd 运行失败: %v", err)
	}
}

// stores 汇总执行记录、历史与设置三类存储。
type stores struct {
	executions execution.Store
	history    ledger.Ledger
	settings   settings.Store
	close      func() error
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	lg := logger.Named("rebalancerd")
	lg.Info("配置加载完成", slog.String("summary", cfg.String()))

	collector := metrics.New()

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled() {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Address},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
	}

	st, err := openStores(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			lg.Warn("关闭存储失败", slog.Any("error", err))
		}
	}()

	ethClient, err := ethereum.Dial(ctx, cfg.Chain.Config)
	if err != nil {
		return err
	}
	defer ethClient.Close()
	chainClient := chain.WithBreaker(ethClient, cfg.Chain.Breaker)

	registry, err := portfolio.NewRegistry(cfg.Portfolios)
	if err != nil {
		return err
	}
	reader := portfolio.NewReader(registry, chainClient, cfg.Planner.ReadConcurrency)

	optimizerClient, err := optimizer.NewHTTPClient(cfg.Optimizer)
	if err != nil {
		return err
	}

	capOpts := make([]risk.Option, 0, len(cfg.Planner.StrategyCaps))
	for id, limit := range cfg.Planner.StrategyCaps {
		capOpts = append(capOpts, risk.WithStrategyCap(id, limit))
	}
	capChecker := risk.NewCapChecker(cfg.Planner.ConcentrationCapBps, capOpts...)
	pl := planner.New(cfg.Planner.Config, planner.WithRiskManager(capChecker))

	alerts := alerting.NewFanout(alerting.LogNotifier{})

	coordOpts := []execution.Option{
		execution.WithMetrics(collector),
		execution.WithAlertDispatcher(alerts),
	}
	if cfg.Execution.LockDriver == config.DriverRedis {
		coordOpts = append(coordOpts, execution.WithLocker(execution.NewRedisLocker(redisClient, cfg.RedisKey("lock"))))
	}
	coordinator, err := execution.NewCoordinator(chainClient, st.executions, st.history, cfg.Execution.Config, coordOpts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coordinator.Close(closeCtx); err != nil {
			lg.Warn("等待执行结束超时", slog.Any("error", err))
		}
	}()

	recovered, err := coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("恢复未完成执行失败: %w", err)
	}
	if recovered > 0 {
		lg.Warn("已恢复中断的执行", slog.Int("count", recovered))
	}

	svc := rebalance.New(reader, optimizerClient, st.settings, st.history, coordinator, pl,
		rebalance.WithMetrics(collector),
		rebalance.WithMaxConcentration(cfg.Planner.ConcentrationCapBps),
		rebalance.WithOptimizerTimeout(cfg.Optimizer.Timeout),
	)

	queue, err := openQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	triggers := trigger.NewService(queue, cfg.PortfolioIDs())
	defer func() {
		if err := triggers.Close(); err != nil {
			lg.Warn("关闭触发队列失败", slog.Any("error", err))
		}
	}()

	processor := trigger.NewProcessor(svc, queue, queue,
		trigger.WithWorkerCount(cfg.Queue.Workers),
		trigger.WithMaxAttempts(cfg.Queue.MaxAttempts),
		trigger.WithAlertDispatcher(alerts),
		trigger.WithProcessorLogger(logger.Named("trigger")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("触发处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg.Scheduler)
		job := scheduler.EvaluationJob{Portfolios: svc.Portfolios, Submitter: triggers}
		if err := sched.AddJob(cfg.Scheduler.Spec, job); err != nil {
			return fmt.Errorf("注册调度任务失败: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	authz, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server, svc, triggers, collector, api.WithAuthorizer(authz))
	lg.Info("服务启动", slog.String("addr", cfg.Server.Addr))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("服务已停止")
	return nil
}

// openStores 按配置创建存储。启用 Redis 时设置读取走缓存。
func openStores(ctx context.Context, cfg *config.Config, redisClient redis.UniversalClient) (*stores, error) {
	defaults := domain.DefaultSettings()
	st := &stores{close: func() error { return nil }}

	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		db, err := mysql.Open(ctx, cfg.Storage.MySQL)
		if err != nil {
			return nil, err
		}
		st.executions = db.Executions()
		st.history = db.Ledger()
		st.settings = db.Settings(&defaults)
		st.close = db.Close
	default:
		st.executions = execution.NewMemoryStore()
		st.history = ledger.NewMemoryLedger()
		st.settings = settings.NewMemoryStore(&defaults)
	}

	if redisClient != nil {
		st.settings = settings.NewCachedStore(st.settings, redisClient, settings.CacheOptions{
			Prefix: cfg.RedisKey("settings"),
			TTL:    cfg.Redis.SettingsCacheTTL,
		})
	}
	return st, nil
}

// openQueue 按配置创建触发队列。
func openQueue(cfg *config.Config, redisClient redis.UniversalClient) (trigger.Queue, error) {
	switch cfg.Queue.Driver {
	case config.DriverRedis:
		return trigger.NewRedisQueue(redisClient, cfg.Queue.Redis)
	case config.DriverRabbitMQ:
		return trigger.NewRabbitMQQueue(cfg.Queue.RabbitMQ)
	default:
		return trigger.NewMemoryQueue(cfg.Queue.BufferSize), nil
	}
}
