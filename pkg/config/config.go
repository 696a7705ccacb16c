package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultListenAddr        = ":8080"
	DefaultDedupTTL          = 60 * time.Second
	DefaultFingerprintBucket = time.Minute
	DefaultRateLimitMax      = 10
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultFanoutTimeout     = 30 * time.Second
	DefaultGracePeriod       = 30 * time.Second
	DefaultMaxPositionSize   = "1000"
	DefaultRetryMaxAttempts  = 3
	DefaultRetryBaseDelay    = 200 * time.Millisecond
	DefaultRetryMaxDelay     = 2 * time.Second
	DefaultDispatchWorkers   = 4
	DefaultDispatchQueue     = 256
	DefaultHealthInterval    = 15 * time.Second
	DefaultDBPath            = "data/sigrouter.db"
	DefaultSecretStorePath   = "data/secrets"
	DefaultLogFile           = "logs/sigrouter.log"
)

// 适配器类型
const (
	AdapterKindSimulated = "simulated"
	AdapterKindEVMClob   = "evmclob"
)

// ServerConfig HTTP 入口配置
type ServerConfig struct {
	ListenAddr        string // 监听地址，默认 :8080
	WebhookPassphrase string // webhook 口令（为空表示不校验）
	CallerHeader      string // 调用方身份 header，默认 X-Caller-ID
}

// PipelineConfig 信号流水线配置
type PipelineConfig struct {
	DedupTTL          time.Duration
	FingerprintBucket time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	FanoutTimeout     time.Duration     // 单个信号扇出的硬超时
	GracePeriod       time.Duration     // 关闭时等待在途信号的宽限期
	MaxPositionSize   string            // 默认单笔上限（十进制字符串）
	CallerLimits      map[string]string // 按调用方覆盖的上限
	DispatchWorkers   int               // 记录/告警异步分发的 worker 数
	DispatchQueue     int               // 分发队列容量，满时丢弃
}

// RetryConfig 重试策略
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// SimulatedAdapterConfig 模拟适配器参数
type SimulatedAdapterConfig struct {
	MinLatency  time.Duration `yaml:"min_latency" json:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency" json:"max_latency"`
	FillRatio   float64       `yaml:"fill_ratio" json:"fill_ratio"`     // 0 或 1 表示全部成交
	FailureRate float64       `yaml:"failure_rate" json:"failure_rate"` // 0~1，按概率注入 FailWith 错误
	FailWith    string        `yaml:"fail_with" json:"fail_with"`       // timeout/connection/signature/rejection/insufficient_funds/invalid_nonce
	MarkPrice   string        `yaml:"mark_price" json:"mark_price"`     // 成交均价
}

// EVMClobAdapterConfig 链上订单簿交易所适配器参数
type EVMClobAdapterConfig struct {
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	WSURL             string        `yaml:"ws_url" json:"ws_url"`
	ChainID           int64         `yaml:"chain_id" json:"chain_id"`
	ExchangeAddress   string        `yaml:"exchange_address" json:"exchange_address"`
	PrivateKey        string        `yaml:"private_key" json:"private_key"` // 可为 secret://adapter/<id>/private_key
	APIKey            string        `yaml:"api_key" json:"api_key"`
	APISecret         string        `yaml:"api_secret" json:"api_secret"`
	APIPassphrase     string        `yaml:"api_passphrase" json:"api_passphrase"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
}

// AdapterConfig 单个执行后端配置
type AdapterConfig struct {
	ID        string                 `yaml:"id" json:"id"`
	Kind      string                 `yaml:"kind" json:"kind"`
	Enabled   bool                   `yaml:"enabled" json:"enabled"`
	Simulated SimulatedAdapterConfig `yaml:"simulated" json:"simulated"`
	EVMClob   EVMClobAdapterConfig   `yaml:"evmclob" json:"evmclob"`
}

// StorageConfig 执行记录存储
type StorageConfig struct {
	DBPath string
}

// AlertConfig 告警配置
type AlertConfig struct {
	Enabled    bool
	WebhookURL string
	Timeout    time.Duration
}

// Config 应用配置
type Config struct {
	Server          ServerConfig
	Pipeline        PipelineConfig
	Retry           RetryConfig
	Adapters        []AdapterConfig
	Storage         StorageConfig
	Alerts          AlertConfig
	HealthInterval  time.Duration
	SecretStorePath string
	LogLevel        string
	LogFile         string
	DryRun          bool // 纸交易模式：所有适配器按模拟执行，记录标记 simulation
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Server struct {
		ListenAddr        string `yaml:"listen_addr" json:"listen_addr"`
		WebhookPassphrase string `yaml:"webhook_passphrase" json:"webhook_passphrase"`
		CallerHeader      string `yaml:"caller_header" json:"caller_header"`
	} `yaml:"server" json:"server"`
	Pipeline struct {
		DedupTTL          string            `yaml:"dedup_ttl" json:"dedup_ttl"`
		FingerprintBucket string            `yaml:"fingerprint_bucket" json:"fingerprint_bucket"`
		RateLimitMax      int               `yaml:"rate_limit_max" json:"rate_limit_max"`
		RateLimitWindow   string            `yaml:"rate_limit_window" json:"rate_limit_window"`
		FanoutTimeout     string            `yaml:"fanout_timeout" json:"fanout_timeout"`
		GracePeriod       string            `yaml:"grace_period" json:"grace_period"`
		MaxPositionSize   string            `yaml:"max_position_size" json:"max_position_size"`
		CallerLimits      map[string]string `yaml:"caller_limits" json:"caller_limits"`
		DispatchWorkers   int               `yaml:"dispatch_workers" json:"dispatch_workers"`
		DispatchQueue     int               `yaml:"dispatch_queue" json:"dispatch_queue"`
	} `yaml:"pipeline" json:"pipeline"`
	Retry struct {
		MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
		BaseDelay   string `yaml:"base_delay" json:"base_delay"`
		MaxDelay    string `yaml:"max_delay" json:"max_delay"`
	} `yaml:"retry" json:"retry"`
	Adapters []AdapterConfig `yaml:"adapters" json:"adapters"`
	Storage  struct {
		DBPath string `yaml:"db_path" json:"db_path"`
	} `yaml:"storage" json:"storage"`
	Alerts struct {
		Enabled    bool   `yaml:"enabled" json:"enabled"`
		WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
		Timeout    string `yaml:"timeout" json:"timeout"`
	} `yaml:"alerts" json:"alerts"`
	HealthInterval  string `yaml:"health_interval" json:"health_interval"`
	SecretStorePath string `yaml:"secret_store_path" json:"secret_store_path"`
	LogLevel        string `yaml:"log_level" json:"log_level"`
	LogFile         string `yaml:"log_file" json:"log_file"`
	DryRun          bool   `yaml:"dry_run" json:"dry_run"`
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置。优先级：环境变量 > 配置文件 > 默认值。
// filePath 为空或文件不存在时只使用环境变量与默认值。
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	cf := &ConfigFile{}
	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			loaded, err := loadConfigFile(filePath)
			if err != nil {
				return nil, err
			}
			cf = loaded
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("检查配置文件失败: %w", err)
		}
	}

	cfg, err := build(cf)
	if err != nil {
		return nil, err
	}

	globalConfig = cfg
	configFilePath = filePath
	return cfg, nil
}

// build 合并文件值、环境变量与默认值
func build(cf *ConfigFile) (*Config, error) {
	var err error
	cfg := &Config{}

	cfg.Server = ServerConfig{
		ListenAddr:        getEnv("LISTEN_ADDR", firstNonEmpty(cf.Server.ListenAddr, DefaultListenAddr)),
		WebhookPassphrase: getEnv("WEBHOOK_PASSPHRASE", cf.Server.WebhookPassphrase),
		CallerHeader:      getEnv("CALLER_HEADER", firstNonEmpty(cf.Server.CallerHeader, "X-Caller-ID")),
	}

	p := &cfg.Pipeline
	if p.DedupTTL, err = durationFromSources("DEDUP_TTL", cf.Pipeline.DedupTTL, DefaultDedupTTL); err != nil {
		return nil, err
	}
	if p.FingerprintBucket, err = durationFromSources("FINGERPRINT_BUCKET", cf.Pipeline.FingerprintBucket, DefaultFingerprintBucket); err != nil {
		return nil, err
	}
	if p.RateLimitWindow, err = durationFromSources("RATE_LIMIT_WINDOW", cf.Pipeline.RateLimitWindow, DefaultRateLimitWindow); err != nil {
		return nil, err
	}
	if p.FanoutTimeout, err = durationFromSources("FANOUT_TIMEOUT", cf.Pipeline.FanoutTimeout, DefaultFanoutTimeout); err != nil {
		return nil, err
	}
	if p.GracePeriod, err = durationFromSources("GRACE_PERIOD", cf.Pipeline.GracePeriod, DefaultGracePeriod); err != nil {
		return nil, err
	}
	p.RateLimitMax = parseIntEnv("RATE_LIMIT_MAX", intOr(cf.Pipeline.RateLimitMax, DefaultRateLimitMax))
	p.MaxPositionSize = getEnv("MAX_POSITION_SIZE", firstNonEmpty(cf.Pipeline.MaxPositionSize, DefaultMaxPositionSize))
	p.CallerLimits = cf.Pipeline.CallerLimits
	if p.CallerLimits == nil {
		p.CallerLimits = map[string]string{}
	}
	p.DispatchWorkers = parseIntEnv("DISPATCH_WORKERS", intOr(cf.Pipeline.DispatchWorkers, DefaultDispatchWorkers))
	p.DispatchQueue = parseIntEnv("DISPATCH_QUEUE", intOr(cf.Pipeline.DispatchQueue, DefaultDispatchQueue))

	cfg.Retry.MaxAttempts = parseIntEnv("RETRY_MAX_ATTEMPTS", intOr(cf.Retry.MaxAttempts, DefaultRetryMaxAttempts))
	if cfg.Retry.BaseDelay, err = durationFromSources("RETRY_BASE_DELAY", cf.Retry.BaseDelay, DefaultRetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxDelay, err = durationFromSources("RETRY_MAX_DELAY", cf.Retry.MaxDelay, DefaultRetryMaxDelay); err != nil {
		return nil, err
	}

	cfg.Adapters = cf.Adapters
	if len(cfg.Adapters) == 0 {
		// 未配置任何后端时提供一个模拟后端，便于本地启动
		cfg.Adapters = []AdapterConfig{{ID: "sim", Kind: AdapterKindSimulated, Enabled: true}}
	}
	applyAdapterEnv(cfg.Adapters)

	cfg.Storage.DBPath = getEnv("DB_PATH", firstNonEmpty(cf.Storage.DBPath, DefaultDBPath))

	cfg.Alerts.Enabled = parseBoolEnv("ALERTS_ENABLED", cf.Alerts.Enabled)
	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", cf.Alerts.WebhookURL)
	if cfg.Alerts.Timeout, err = durationFromSources("ALERT_TIMEOUT", cf.Alerts.Timeout, 5*time.Second); err != nil {
		return nil, err
	}

	if cfg.HealthInterval, err = durationFromSources("HEALTH_INTERVAL", cf.HealthInterval, DefaultHealthInterval); err != nil {
		return nil, err
	}
	cfg.SecretStorePath = getEnv("SECRET_STORE_PATH", firstNonEmpty(cf.SecretStorePath, DefaultSecretStorePath))
	cfg.LogLevel = getEnv("LOG_LEVEL", firstNonEmpty(cf.LogLevel, "info"))
	cfg.LogFile = getEnv("LOG_FILE", firstNonEmpty(cf.LogFile, DefaultLogFile))
	cfg.DryRun = parseBoolEnv("DRY_RUN", cf.DryRun)

	return cfg, nil
}

// applyAdapterEnv 按适配器 ID 读取敏感字段的环境变量覆盖，例如 ADAPTER_MAIN_PRIVATE_KEY
func applyAdapterEnv(adapters []AdapterConfig) {
	for i := range adapters {
		a := &adapters[i]
		prefix := "ADAPTER_" + envKey(a.ID) + "_"
		a.EVMClob.PrivateKey = getEnv(prefix+"PRIVATE_KEY", a.EVMClob.PrivateKey)
		a.EVMClob.APIKey = getEnv(prefix+"API_KEY", a.EVMClob.APIKey)
		a.EVMClob.APISecret = getEnv(prefix+"API_SECRET", a.EVMClob.APISecret)
		a.EVMClob.APIPassphrase = getEnv(prefix+"API_PASSPHRASE", a.EVMClob.APIPassphrase)
		a.EVMClob.BaseURL = getEnv(prefix+"BASE_URL", a.EVMClob.BaseURL)
	}
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(id))
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR 不能为空")
	}
	if c.Pipeline.DedupTTL <= 0 {
		return fmt.Errorf("DEDUP_TTL 必须大于 0")
	}
	if c.Pipeline.FingerprintBucket <= 0 {
		return fmt.Errorf("FINGERPRINT_BUCKET 必须大于 0")
	}
	if c.Pipeline.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX 必须大于 0")
	}
	if c.Pipeline.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW 必须大于 0")
	}
	if c.Pipeline.FanoutTimeout <= 0 {
		return fmt.Errorf("FANOUT_TIMEOUT 必须大于 0")
	}
	if c.Pipeline.GracePeriod < 0 {
		return fmt.Errorf("GRACE_PERIOD 不能为负数")
	}
	if err := validatePositiveDecimal("MAX_POSITION_SIZE", c.Pipeline.MaxPositionSize); err != nil {
		return err
	}
	for caller, limit := range c.Pipeline.CallerLimits {
		if err := validatePositiveDecimal("caller_limits."+caller, limit); err != nil {
			return err
		}
	}
	if c.Pipeline.DispatchWorkers <= 0 || c.Pipeline.DispatchQueue <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS / DISPATCH_QUEUE 必须大于 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS 必须大于 0")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("重试延迟配置非法: base=%s max=%s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Alerts.Enabled && c.Alerts.WebhookURL == "" {
		return fmt.Errorf("告警已启用但 ALERT_WEBHOOK_URL 未配置")
	}

	seen := make(map[string]struct{}, len(c.Adapters))
	enabled := 0
	for _, a := range c.Adapters {
		if a.ID == "" {
			return fmt.Errorf("适配器 id 不能为空")
		}
		if a.ID == "*" {
			return fmt.Errorf("适配器 id 不能为保留值 *")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("适配器 id 重复: %s", a.ID)
		}
		seen[a.ID] = struct{}{}
		if !a.Enabled {
			continue
		}
		enabled++
		switch a.Kind {
		case AdapterKindSimulated:
			if a.Simulated.FillRatio < 0 || a.Simulated.FillRatio > 1 {
				return fmt.Errorf("适配器 %s: fill_ratio 必须在 0 到 1 之间", a.ID)
			}
			if a.Simulated.FailureRate < 0 || a.Simulated.FailureRate > 1 {
				return fmt.Errorf("适配器 %s: failure_rate 必须在 0 到 1 之间", a.ID)
			}
		case AdapterKindEVMClob:
			if a.EVMClob.BaseURL == "" {
				return fmt.Errorf("适配器 %s: base_url 未配置", a.ID)
			}
			if a.EVMClob.PrivateKey == "" {
				return fmt.Errorf("适配器 %s: private_key 未配置", a.ID)
			}
			if a.EVMClob.ChainID <= 0 {
				return fmt.Errorf("适配器 %s: chain_id 必须大于 0", a.ID)
			}
		default:
			return fmt.Errorf("适配器 %s: 未知的类型 %q", a.ID, a.Kind)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("至少需要启用一个适配器")
	}
	return nil
}

// EnabledAdapters 返回启用的适配器配置（保持配置顺序）
func (c *Config) EnabledAdapters() []AdapterConfig {
	out := make([]AdapterConfig, 0, len(c.Adapters))
	for _, a := range c.Adapters {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

func validatePositiveDecimal(name, value string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fmt.Errorf("%s 不是合法数字: %q", name, value)
	}
	if f <= 0 {
		return fmt.Errorf("%s 必须大于 0", name)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

// durationFromSources 环境变量 > 配置文件 > 默认值；显式配置但无法解析时报错
func durationFromSources(envKey, fileValue string, def time.Duration) (time.Duration, error) {
	raw := getEnv(envKey, fileValue)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s 不是合法时长 %q: %w", envKey, raw, err)
	}
	return d, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// reset 清除缓存的全局配置（测试用）
func reset() {
	globalConfig = nil
	configFilePath = ""
}
