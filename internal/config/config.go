package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"IntentArena/pkg/logger"
)

// Config 描述了 IntentArena 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     logger.Config     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
	Ledger      LedgerConfig      `json:"ledger"`
	Pricing     PricingConfig     `json:"pricing"`
	Solvers     SolversConfig     `json:"solvers"`
	Competition CompetitionConfig `json:"competition"`
	Risk        RiskConfig        `json:"risk"`
	Admission   AdmissionConfig   `json:"admission"`
	Storage     StorageConfig     `json:"storage"`
	Redis       RedisConfig       `json:"redis"`
	Events      EventsConfig      `json:"events"`
	Settlement  SettlementConfig  `json:"settlement"`
	Web3        Web3Config        `json:"web3"`
}

// Duration 接受 "30s" 形式的字符串或以秒为单位的数字。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("非法的时长 %q: %w", v, err)
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("非法的时长 %s", string(b))
	}
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func orDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string   `json:"address"`
	ReadHeaderTimeout Duration `json:"read_header_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`
	// RequireSignatures 开启后，修改账本的请求必须附带 EIP-191 签名。
	RequireSignatures bool `json:"require_signatures"`
	// EnableFaucet 开启演示用的铸币接口，仅用于测试环境。
	EnableFaucet bool `json:"enable_faucet"`
}

// MetricsConfig 控制 Prometheus 指标输出。
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	// Address 非空时在独立端口暴露 /metrics，否则挂在 API 服务上。
	Address string `json:"address"`
}

// LedgerConfig 描述账本的管理地址与费率。
type LedgerConfig struct {
	Owner           string   `json:"owner"`
	EscrowAccount   string   `json:"escrow_account"`
	FeeRecipient    string   `json:"fee_recipient"`
	FeeBps          uint32   `json:"fee_bps"`
	MaxFeeBps       uint32   `json:"max_fee_bps"`
	ApprovedSolvers []string `json:"approved_solvers"`
	// Store 取值 memory 或 mysql。
	Store string `json:"store"`
}

// SourceConfig 描述单个行情来源。
type SourceConfig struct {
	BaseURL string   `json:"base_url"`
	APIKey  string   `json:"api_key"`
	RPS     float64  `json:"rps"`
	Burst   int      `json:"burst"`
	Timeout Duration `json:"timeout"`
}

// PricingConfig 控制价格解析与缓存。
type PricingConfig struct {
	TTL           Duration     `json:"ttl"`
	StaleAfter    Duration     `json:"stale_after"`
	AddressTTL    Duration     `json:"address_ttl"`
	Timeout       Duration     `json:"timeout"`
	SanityFactor  int64        `json:"sanity_factor"`
	SweepInterval Duration     `json:"sweep_interval"`
	ReferenceFile string       `json:"reference_file"`
	Primary       SourceConfig `json:"primary"`
	Secondary     SourceConfig `json:"secondary"`
	// RedisMirror 开启后价格同时写入 Redis，供多实例共享。
	RedisMirror bool `json:"redis_mirror"`
}

// SolversConfig 描述求解者画像。
type SolversConfig struct {
	ProfilesFile string   `json:"profiles_file"`
	Default      []string `json:"default"`
	MaxPerRun    int      `json:"max_per_run"`
}

// CompetitionConfig 控制竞价引擎与历史记录。
type CompetitionConfig struct {
	Bucket               Duration `json:"bucket"`
	ReliabilityThreshold float64  `json:"reliability_threshold"`
	Concurrency          int      `json:"concurrency"`
	FingerprintTTL       Duration `json:"fingerprint_ttl"`
	// HistoryStore 取值 memory 或 mysql。
	HistoryStore    string `json:"history_store"`
	HistoryFile     string `json:"history_file"`
	HistoryCapacity int    `json:"history_capacity"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey    string   `json:"api_key"`
	APIKeyEnv string   `json:"api_key_env"`
	BaseURL   string   `json:"base_url"`
	Model     string   `json:"model"`
	Timeout   Duration `json:"timeout"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成分类时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// RiskConfig 控制风险闸门与选择策略。
type RiskConfig struct {
	// Provider 取值 none、openai 或 python_bridge。
	Provider            string             `json:"provider"`
	Timeout             Duration           `json:"timeout"`
	AllowDangerOverride bool               `json:"allow_danger_override"`
	OpenAI              OpenAIConfig       `json:"openai"`
	Python              PythonBridgeConfig `json:"python_bridge"`
}

// AdmissionConfig 控制请求准入。
type AdmissionConfig struct {
	Enabled bool `json:"enabled"`
	// Backend 取值 memory 或 redis。
	Backend    string   `json:"backend"`
	Limit      int      `json:"limit"`
	Window     Duration `json:"window"`
	MaxBuckets int      `json:"max_buckets"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	SkipMigrations  bool     `json:"skip_migrations"`
}

// StorageConfig 统一描述持久化后端。
type StorageConfig struct {
	MySQL   MySQLConfig `json:"mysql"`
	DataDir string      `json:"data_dir"`
}

// RedisConfig 描述共享 Redis。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// EventsConfig 控制账本事件的输出。
type EventsConfig struct {
	LogLimit int `json:"log_limit"`
	// Publisher 取值 none 或 rabbitmq。
	Publisher string         `json:"publisher"`
	RabbitMQ  RabbitMQConfig `json:"rabbitmq"`
}

// SettlementConfig 控制异步结算。
type SettlementConfig struct {
	// Queue 取值 memory、redis 或 rabbitmq。
	Queue string `json:"queue"`
	// Store 取值 memory 或 mysql。
	Store        string         `json:"store"`
	Workers      int            `json:"workers"`
	MaxRetries   int            `json:"max_retries"`
	QueueSize    int            `json:"queue_size"`
	AlertWebhook string         `json:"alert_webhook"`
	RabbitMQ     RabbitMQConfig `json:"rabbitmq"`
}

// Web3Config 包含读取链上代币元数据所需的 RPC 信息。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	RPCURL       string `json:"rpc_url"`
	DefaultChain string `json:"default_chain"`
}

// Enabled 报告是否配置了任何链端点。
func (w Web3Config) Enabled() bool {
	return strings.TrimSpace(w.ChainConfig) != "" || strings.TrimSpace(w.RPCURL) != ""
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
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
	cfg := Config{Admission: AdmissionConfig{Enabled: true}}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault 返回不依赖任何外部服务的默认配置。
func LoadDefault() *Config {
	cfg := &Config{Admission: AdmissionConfig{Enabled: true}}
	cfg.applyDefaults(".")
	return cfg
}

const (
	defaultOwner    = "0x00000000000000000000000000000000000000a1"
	defaultEscrow   = "0x00000000000000000000000000000000000000e5"
	defaultTreasury = "0x00000000000000000000000000000000000000fe"
)

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	orDuration(&c.Server.ReadHeaderTimeout, 5*time.Second)
	orDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Ledger.Owner == "" {
		c.Ledger.Owner = defaultOwner
	}
	if c.Ledger.EscrowAccount == "" {
		c.Ledger.EscrowAccount = defaultEscrow
	}
	if c.Ledger.FeeRecipient == "" {
		c.Ledger.FeeRecipient = defaultTreasury
	}
	if c.Ledger.MaxFeeBps == 0 {
		c.Ledger.MaxFeeBps = 100
	}
	c.Ledger.Store = orString(c.Ledger.Store, "memory")

	orDuration(&c.Pricing.TTL, 60*time.Second)
	orDuration(&c.Pricing.StaleAfter, 20*time.Second)
	orDuration(&c.Pricing.AddressTTL, 30*time.Second)
	orDuration(&c.Pricing.Timeout, 4*time.Second)
	orDuration(&c.Pricing.SweepInterval, time.Minute)
	if c.Pricing.SanityFactor <= 0 {
		c.Pricing.SanityFactor = 20
	}
	c.Pricing.ReferenceFile = resolve(baseDir, c.Pricing.ReferenceFile)

	c.Solvers.ProfilesFile = resolve(baseDir, c.Solvers.ProfilesFile)
	if c.Solvers.MaxPerRun <= 0 {
		c.Solvers.MaxPerRun = 16
	}

	orDuration(&c.Competition.Bucket, 30*time.Second)
	orDuration(&c.Competition.FingerprintTTL, 15*time.Minute)
	if c.Competition.ReliabilityThreshold <= 0 {
		c.Competition.ReliabilityThreshold = 0.5
	}
	if c.Competition.Concurrency <= 0 {
		c.Competition.Concurrency = 8
	}
	c.Competition.HistoryStore = orString(c.Competition.HistoryStore, "memory")
	if c.Competition.HistoryCapacity <= 0 {
		c.Competition.HistoryCapacity = 500
	}

	c.Risk.Provider = orString(c.Risk.Provider, "none")
	orDuration(&c.Risk.Timeout, 8*time.Second)
	if c.Risk.OpenAI.APIKeyEnv == "" {
		c.Risk.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Risk.OpenAI.APIKey == "" {
		c.Risk.OpenAI.APIKey = os.Getenv(c.Risk.OpenAI.APIKeyEnv)
	}
	if c.Risk.Python.PythonExecutable == "" {
		c.Risk.Python.PythonExecutable = "python3"
	}
	if c.Risk.Python.WorkingDir == "" {
		c.Risk.Python.WorkingDir = baseDir
	} else {
		c.Risk.Python.WorkingDir = resolve(baseDir, c.Risk.Python.WorkingDir)
	}

	c.Admission.Backend = orString(c.Admission.Backend, "memory")
	if c.Admission.Limit <= 0 {
		c.Admission.Limit = 10
	}
	orDuration(&c.Admission.Window, time.Minute)
	if c.Admission.MaxBuckets <= 0 {
		c.Admission.MaxBuckets = 10_000
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Storage.DataDir = resolve(baseDir, c.Storage.DataDir)
	}
	if c.Competition.HistoryFile != "" {
		c.Competition.HistoryFile = resolve(baseDir, c.Competition.HistoryFile)
	}

	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "intentarena"
	}

	if c.Events.LogLimit <= 0 {
		c.Events.LogLimit = 10_000
	}
	c.Events.Publisher = orString(c.Events.Publisher, "none")

	c.Settlement.Queue = orString(c.Settlement.Queue, "memory")
	c.Settlement.Store = orString(c.Settlement.Store, "memory")
	if c.Settlement.Workers <= 0 {
		c.Settlement.Workers = 4
	}
	if c.Settlement.MaxRetries <= 0 {
		c.Settlement.MaxRetries = 3
	}
	if c.Settlement.QueueSize <= 0 {
		c.Settlement.QueueSize = 256
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}
}

// Validate 校验枚举值、地址与后端依赖。
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值 %q 不合法，可选 %s", field, value, strings.Join(allowed, "|")))
	}
	oneOf("ledger.store", c.Ledger.Store, "memory", "mysql")
	oneOf("competition.history_store", c.Competition.HistoryStore, "memory", "mysql")
	oneOf("risk.provider", c.Risk.Provider, "none", "openai", "python_bridge")
	oneOf("admission.backend", c.Admission.Backend, "memory", "redis")
	oneOf("events.publisher", c.Events.Publisher, "none", "rabbitmq")
	oneOf("settlement.queue", c.Settlement.Queue, "memory", "redis", "rabbitmq")
	oneOf("settlement.store", c.Settlement.Store, "memory", "mysql")

	for field, addr := range map[string]string{
		"ledger.owner":          c.Ledger.Owner,
		"ledger.escrow_account": c.Ledger.EscrowAccount,
		"ledger.fee_recipient":  c.Ledger.FeeRecipient,
	} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s 不是合法地址: %q", field, addr))
		}
	}
	for _, solver := range c.Ledger.ApprovedSolvers {
		if !common.IsHexAddress(solver) {
			errs = append(errs, fmt.Errorf("ledger.approved_solvers 包含非法地址 %q", solver))
		}
	}
	if c.Ledger.FeeBps > c.Ledger.MaxFeeBps {
		errs = append(errs, fmt.Errorf("ledger.fee_bps %d 超过上限 %d", c.Ledger.FeeBps, c.Ledger.MaxFeeBps))
	}
	if c.NeedsMySQL() && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("选择了 mysql 后端但 storage.mysql.dsn 为空"))
	}
	if c.NeedsRedis() && strings.TrimSpace(c.Redis.Address) == "" {
		errs = append(errs, errors.New("选择了 redis 后端但 redis.address 为空"))
	}
	if c.Events.Publisher == "rabbitmq" && c.Events.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
	}
	if c.Settlement.Queue == "rabbitmq" && c.Settlement.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("settlement.rabbitmq.url 不能为空"))
	}
	if c.Risk.Provider == "python_bridge" && c.Risk.Python.ScriptPath == "" {
		errs = append(errs, errors.New("risk.python_bridge.script_path 不能为空"))
	}
	return errors.Join(errs...)
}

// NeedsMySQL 报告是否有组件使用 MySQL。
func (c *Config) NeedsMySQL() bool {
	return c.Ledger.Store == "mysql" || c.Competition.HistoryStore == "mysql" || c.Settlement.Store == "mysql"
}

// NeedsRedis 报告是否有组件使用 Redis。
func (c *Config) NeedsRedis() bool {
	return c.Admission.Backend == "redis" || c.Settlement.Queue == "redis" || c.Pricing.RedisMirror
}

func orString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
