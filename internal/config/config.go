package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"OpenYield-Rebalancer/internal/api"
	"OpenYield-Rebalancer/internal/auth"
	"OpenYield-Rebalancer/internal/chain"
	"OpenYield-Rebalancer/internal/chain/ethereum"
	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/execution"
	"OpenYield-Rebalancer/internal/optimizer"
	"OpenYield-Rebalancer/internal/planner"
	"OpenYield-Rebalancer/internal/portfolio"
	"OpenYield-Rebalancer/internal/scheduler"
	"OpenYield-Rebalancer/internal/storage/mysql"
	"OpenYield-Rebalancer/internal/trigger"
	"OpenYield-Rebalancer/pkg/logger"
)

// 环境变量。
const (
	EnvConfigPath    = "REBALANCER_CONFIG"
	EnvMySQLDSN      = "REBALANCER_MYSQL_DSN"
	EnvRedisPassword = "REBALANCER_REDIS_PASSWORD"
	EnvRPCURL        = "REBALANCER_RPC_URL"
	EnvAMQPURL       = "REBALANCER_AMQP_URL"
	EnvLogLevel      = "REBALANCER_LOG_LEVEL"
	EnvServerAddr    = "REBALANCER_ADDR"
)

// DefaultPath 是未指定配置文件时的默认位置。
const DefaultPath = "configs/rebalancer.yaml"

// 存储与队列驱动。
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverLocal    = "local"
)

// Config 描述服务启动所需的全部配置。
type Config struct {
	Server     api.Config             `yaml:"server"`
	Auth       auth.Config            `yaml:"auth"`
	Logging    logger.Config          `yaml:"logging"`
	Storage    StorageConfig          `yaml:"storage"`
	Redis      RedisConfig            `yaml:"redis"`
	Queue      QueueConfig            `yaml:"queue"`
	Chain      ChainConfig            `yaml:"chain"`
	Optimizer  optimizer.Config       `yaml:"optimizer"`
	Planner    PlannerConfig          `yaml:"planner"`
	Execution  ExecutionConfig        `yaml:"execution"`
	Scheduler  scheduler.Config       `yaml:"scheduler"`
	Portfolios []portfolio.Definition `yaml:"portfolios"`
}

// StorageConfig 选择执行记录、历史与设置的存储后端。
type StorageConfig struct {
	Driver string       `yaml:"driver"`
	MySQL  mysql.Config `yaml:"mysql"`
}

// RedisConfig 描述共享的 Redis 连接，用于设置缓存、分布式锁与触发队列。
type RedisConfig struct {
	Address          string        `yaml:"address"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	KeyPrefix        string        `yaml:"key_prefix"`
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Address) != ""
}

// QueueConfig 控制触发队列。
type QueueConfig struct {
	Driver      string                   `yaml:"driver"`
	Workers     int                      `yaml:"workers"`
	MaxAttempts int                      `yaml:"max_attempts"`
	BufferSize  int                      `yaml:"buffer_size"`
	Redis       trigger.RedisQueueConfig `yaml:"redis"`
	RabbitMQ    trigger.RabbitMQConfig   `yaml:"rabbitmq"`
}

// ChainConfig 描述链上访问。
type ChainConfig struct {
	ethereum.Config `yaml:",inline"`
	Breaker         chain.BreakerConfig `yaml:"breaker"`
}

// PlannerConfig 控制计划生成与集中度限制。
type PlannerConfig struct {
	planner.Config      `yaml:",inline"`
	ConcentrationCapBps domain.BasisPoints            `yaml:"concentration_cap_bps"`
	StrategyCaps        map[string]domain.BasisPoints `yaml:"strategy_caps"`
	// ReadConcurrency 为读取组合快照时的并发度。
	ReadConcurrency int `yaml:"read_concurrency"`
}

// ExecutionConfig 控制执行协调器及其锁。
type ExecutionConfig struct {
	execution.Config `yaml:",inline"`
	LockDriver       string `yaml:"lock_driver"`
}

// Load 解析配置文件。path 为空时依次使用 REBALANCER_CONFIG 与 DefaultPath。
//
// 当前目录存在 .env 时先加载，已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content)
}

// Parse 解析 YAML 内容，应用环境变量覆盖与默认值并校验。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖敏感或与部署相关的字段。
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMySQLDSN); v != "" {
		c.Storage.MySQL.DSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.Queue.RabbitMQ.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvServerAddr); v != "" {
		c.Server.Addr = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "rebalancer"
	}
	if c.Redis.SettingsCacheTTL <= 0 {
		c.Redis.SettingsCacheTTL = 5 * time.Minute
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverMemory
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 256
	}
	if c.Chain.Breaker.Name == "" {
		c.Chain.Breaker.Name = "chain-rpc"
	}
	if c.Planner.ConcentrationCapBps <= 0 {
		c.Planner.ConcentrationCapBps = 3500
	}
	if c.Execution.LockDriver == "" {
		c.Execution.LockDriver = DriverLocal
		if c.Redis.Enabled() {
			c.Execution.LockDriver = DriverRedis
		}
	}
	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = scheduler.DefaultSpec
	}
	for i := range c.Portfolios {
		if c.Portfolios[i].RiskTolerance == "" {
			c.Portfolios[i].RiskTolerance = domain.RiskModerate
		}
	}
}

// Validate 校验配置的一致性。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMySQL:
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return fmt.Errorf("storage.mysql.dsn 不能为空（或设置 %s）", EnvMySQLDSN)
		}
	default:
		return fmt.Errorf("不支持的存储驱动 %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case DriverMemory:
	case DriverRedis:
		if !c.Redis.Enabled() {
			return errors.New("queue.driver=redis 需要配置 redis.address")
		}
	case DriverRabbitMQ:
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return fmt.Errorf("queue.rabbitmq.url 不能为空（或设置 %s）", EnvAMQPURL)
		}
	default:
		return fmt.Errorf("不支持的队列驱动 %q", c.Queue.Driver)
	}

	switch c.Execution.LockDriver {
	case DriverLocal:
	case DriverRedis:
		if !c.Redis.Enabled() {
			return errors.New("execution.lock_driver=redis 需要配置 redis.address")
		}
	default:
		return fmt.Errorf("不支持的锁驱动 %q", c.Execution.LockDriver)
	}

	if _, err := auth.NewService(c.Auth); err != nil {
		return fmt.Errorf("auth 配置无效: %w", err)
	}

	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url 不能为空（或设置 %s）", EnvRPCURL)
	}
	if strings.TrimSpace(c.Optimizer.BaseURL) == "" {
		return errors.New("optimizer.base_url 不能为空")
	}
	if c.Planner.ConcentrationCapBps > domain.FullAllocation {
		return fmt.Errorf("planner.concentration_cap_bps 不能超过 %d", domain.FullAllocation)
	}

	if len(c.Portfolios) == 0 {
		return errors.New("至少需要配置一个组合")
	}
	vaults := make(map[string]struct{}, len(c.Chain.Vaults))
	for _, v := range c.Chain.Vaults {
		vaults[v.StrategyID] = struct{}{}
	}
	if _, err := portfolio.NewRegistry(c.Portfolios); err != nil {
		return err
	}
	for _, def := range c.Portfolios {
		for _, s := range def.Strategies {
			if s.Disabled {
				continue
			}
			if _, ok := vaults[s.ID]; !ok {
				return fmt.Errorf("组合 %s 的策略 %s 未配置对应的 vault", def.ID, s.ID)
			}
		}
	}
	return nil
}

// PortfolioIDs 返回配置中的组合 ID。
func (c *Config) PortfolioIDs() []string {
	ids := make([]string, 0, len(c.Portfolios))
	for _, def := range c.Portfolios {
		ids = append(ids, def.ID)
	}
	return ids
}

// RedisKey 在全局前缀下拼接键名。
func (c *Config) RedisKey(parts ...string) string {
	return c.Redis.KeyPrefix + ":" + strings.Join(parts, ":")
}

// String 返回隐藏敏感字段后的摘要，便于启动日志输出。
func (c *Config) String() string {
	return "storage=" + c.Storage.Driver +
		" queue=" + c.Queue.Driver +
		" lock=" + c.Execution.LockDriver +
		" portfolios=" + strconv.Itoa(len(c.Portfolios)) +
		" scheduler=" + strconv.FormatBool(c.Scheduler.Enabled)
}
