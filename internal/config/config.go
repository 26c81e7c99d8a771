package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// 运行模式。standalone 面向单进程本地部署,放宽 API Key 校验;
// cloud 面向托管部署,强制鉴权并默认使用云端目录。
const (
	ModeStandalone = "standalone"
	ModeCloud      = "cloud"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AMORCE_CONFIG"

// Config 描述运行时在启动阶段加载的全部配置。
type Config struct {
	Mode      string          `json:"mode"`
	Server    ServerConfig    `json:"server"`
	Registry  RegistryConfig  `json:"registry"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	TxLog     TxLogConfig     `json:"transaction_log"`
	Approvals ApprovalConfig  `json:"approvals"`
	Notify    NotifyConfig    `json:"notify"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 HTTP 服务的监听参数与鉴权。
type ServerConfig struct {
	Address string `json:"address"`
	// APIKey 为空且 Mode 为 standalone 时跳过 X-API-Key 校验。
	APIKey string `json:"api_key"`
	// APIKeyEnv 指定承载密钥的环境变量,避免把密钥写进配置文件。
	APIKeyEnv string `json:"api_key_env"`
	// ForwardTimeoutSeconds 投递提供方的超时。
	ForwardTimeoutSeconds int `json:"forward_timeout_seconds"`
}

// RegistryConfig 选择信任目录后端。
type RegistryConfig struct {
	// Driver 取值 local 或 cloud。
	Driver string `json:"driver"`
	// Path 为 local 目录的落盘文件,空表示纯内存。
	Path string `json:"path"`
	// BaseURL/APIKey 为 cloud 目录的访问参数。
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// TimeoutSeconds 单次目录查询的超时。
	TimeoutSeconds int `json:"timeout_seconds"`
	// RetryAttempts/RetryIntervalMS 控制目录不可达时的有限退避重试。
	RetryAttempts   int `json:"retry_attempts"`
	RetryIntervalMS int `json:"retry_interval_ms"`
}

// RateLimitConfig 选择限流后端。
type RateLimitConfig struct {
	// Driver 取值 noop、local 或 redis。
	Driver        string `json:"driver"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// TxLogConfig 选择事务日志后端。
type TxLogConfig struct {
	// Driver 取值 file 或 mysql。
	Driver string `json:"driver"`
	// Path 为 file 日志的目录。
	Path string `json:"path"`
	// DSN 为 mysql 日志的连接串。
	DSN string `json:"dsn"`
}

// ApprovalConfig 控制人工审批的默认行为。
type ApprovalConfig struct {
	DefaultTimeoutSeconds int `json:"default_timeout_seconds"`
	SweepIntervalSeconds  int `json:"sweep_interval_seconds"`
}

// NotifyConfig 选择领域事件的发布通道。
type NotifyConfig struct {
	// Driver 取值 none 或 rabbitmq。
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// LoggingConfig 控制进程日志与审计日志。
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"`
	AuditPath    string `json:"audit_path"`
	AuditMaxSize int    `json:"audit_max_size_mb"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	Version string `json:"version"`
}

// Load 解析指定路径的 JSON 配置文件。路径为空时依次尝试
// AMORCE_CONFIG 环境变量;仍为空则返回纯默认配置(standalone)。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyDefaults(baseDir)
	if cfg.Server.APIKey == "" && cfg.Server.APIKeyEnv != "" {
		cfg.Server.APIKey = strings.TrimSpace(os.Getenv(cfg.Server.APIKeyEnv))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ForwardTimeout 返回投递超时。
func (c *Config) ForwardTimeout() time.Duration {
	return time.Duration(c.Server.ForwardTimeoutSeconds) * time.Second
}

// RegistryTimeout 返回目录查询超时。
func (c *Config) RegistryTimeout() time.Duration {
	return time.Duration(c.Registry.TimeoutSeconds) * time.Second
}

// RetryInterval 返回目录重试的初始间隔。
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Registry.RetryIntervalMS) * time.Millisecond
}

// SweepInterval 返回审批过期巡检间隔。
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Approvals.SweepIntervalSeconds) * time.Second
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Mode == "" {
		c.Mode = ModeStandalone
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ForwardTimeoutSeconds <= 0 {
		c.Server.ForwardTimeoutSeconds = 30
	}

	if c.Registry.Driver == "" {
		if c.Mode == ModeCloud {
			c.Registry.Driver = "cloud"
		} else {
			c.Registry.Driver = "local"
		}
	}
	if c.Registry.TimeoutSeconds <= 0 {
		c.Registry.TimeoutSeconds = 10
	}
	if c.Registry.RetryAttempts <= 0 {
		c.Registry.RetryAttempts = 3
	}
	if c.Registry.RetryIntervalMS <= 0 {
		c.Registry.RetryIntervalMS = 200
	}

	if c.RateLimit.Driver == "" {
		c.RateLimit.Driver = "noop"
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 60
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}

	if c.TxLog.Driver == "" {
		c.TxLog.Driver = "file"
	}

	if c.Approvals.DefaultTimeoutSeconds <= 0 {
		c.Approvals.DefaultTimeoutSeconds = 300
	}
	if c.Approvals.SweepIntervalSeconds <= 0 {
		c.Approvals.SweepIntervalSeconds = 60
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.Version == "" {
		c.Runtime.Version = "dev"
	}

	if c.Registry.Driver == "local" && c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.Runtime.DataDir, "registry.yaml")
	}
	if c.TxLog.Driver == "file" && c.TxLog.Path == "" {
		c.TxLog.Path = c.Runtime.DataDir
	}
}

// validate 检查互相矛盾或缺失的配置组合。
func (c *Config) validate() error {
	if c.Mode != ModeStandalone && c.Mode != ModeCloud {
		return fmt.Errorf("未知运行模式: %s", c.Mode)
	}
	if c.Mode == ModeCloud && c.Server.APIKey == "" {
		return fmt.Errorf("cloud 模式必须配置 server.api_key")
	}
	if c.Registry.Driver == "cloud" && c.Registry.BaseURL == "" {
		return fmt.Errorf("cloud 目录必须配置 registry.base_url")
	}
	if c.RateLimit.Driver == "redis" && c.RateLimit.RedisAddr == "" {
		return fmt.Errorf("redis 限流必须配置 rate_limit.redis_addr")
	}
	if c.TxLog.Driver == "mysql" && c.TxLog.DSN == "" {
		return fmt.Errorf("mysql 事务日志必须配置 transaction_log.dsn")
	}
	if c.Notify.Driver == "rabbitmq" && c.Notify.URL == "" {
		return fmt.Errorf("rabbitmq 事件通道必须配置 notify.url")
	}
	return nil
}
