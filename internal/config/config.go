package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// 配置文件名与环境变量前缀
const (
	ConfigName = "jornada"
	EnvPrefix  = "JORNADA"
)

// Config 全局配置
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Collector CollectorConfig `mapstructure:"collector"`
	Log       LogConfig       `mapstructure:"log"`
}

// AgentConfig 录制代理配置
type AgentConfig struct {
	CollectorURL      string        `mapstructure:"collector_url"`
	// CollectorAdminURL 查询与回放使用的管理地址
	CollectorAdminURL string        `mapstructure:"collector_admin_url"`
	Storage           StorageConfig `mapstructure:"storage"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	MaxBufferedEvents int           `mapstructure:"max_buffered_events"`
	RetainOnFailure   bool          `mapstructure:"retain_on_failure"`
	DrainOnClose      bool          `mapstructure:"drain_on_close"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig 本地会话存储
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	Key    string `mapstructure:"key"`
}

// CollectorConfig 采集服务配置
type CollectorConfig struct {
	Addr           string        `mapstructure:"addr"`
	AdminAddr      string        `mapstructure:"admin_addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Anonymise      bool          `mapstructure:"anonymise"`
	PostgresDSN    string        `mapstructure:"postgres_dsn"`
	StorageMaxAge  time.Duration `mapstructure:"storage_max_age"`
	CleanInterval  time.Duration `mapstructure:"clean_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadOptions 加载选项
type LoadOptions struct {
	// File 显式指定配置文件，为空时按搜索路径查找
	File string
	// Flags 命令行参数，FlagKeys 把参数名映射到配置键
	Flags    *pflag.FlagSet
	FlagKeys map[string]string
}

// setDefaultValues 设置默认值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("agent.collector_url", "http://localhost:3000")
	v.SetDefault("agent.collector_admin_url", "http://localhost:3001")
	v.SetDefault("agent.storage.driver", "memory")
	v.SetDefault("agent.storage.path", "jornada-agent.db")
	v.SetDefault("agent.storage.key", "jornada")
	v.SetDefault("agent.flush_interval", time.Second)
	v.SetDefault("agent.max_buffered_events", 0)
	v.SetDefault("agent.retain_on_failure", false)
	v.SetDefault("agent.drain_on_close", false)
	v.SetDefault("agent.drain_timeout", 5*time.Second)
	v.SetDefault("agent.request_timeout", 10*time.Second)

	v.SetDefault("collector.addr", ":3000")
	v.SetDefault("collector.admin_addr", ":3001")
	v.SetDefault("collector.allowed_origins", []string{"*"})
	v.SetDefault("collector.anonymise", true)
	v.SetDefault("collector.postgres_dsn", "")
	v.SetDefault("collector.storage_max_age", 14*24*time.Hour)
	v.SetDefault("collector.clean_interval", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// newViper 创建带搜索路径、环境变量和默认值的viper实例
func newViper(opts LoadOptions) (*viper.Viper, error) {
	v := viper.New()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	// JORNADA_AGENT_COLLECTOR_URL 覆盖 agent.collector_url
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)

	if opts.Flags != nil {
		for name, key := range opts.FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				return nil, fmt.Errorf("unknown flag %q for key %q", name, key)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %q: %w", name, err)
			}
		}
	}

	return v, nil
}

// readConfig 读取并解析配置，配置文件不存在时使用默认值
func readConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load 一次性加载配置
func Load(opts LoadOptions) (*Config, error) {
	v, err := newViper(opts)
	if err != nil {
		return nil, err
	}
	return readConfig(v)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := validateURL("agent.collector_url", c.Agent.CollectorURL); err != nil {
		return err
	}
	if err := validateURL("agent.collector_admin_url", c.Agent.CollectorAdminURL); err != nil {
		return err
	}

	switch c.Agent.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Agent.Storage.Path == "" {
			return errors.New("agent.storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid agent.storage.driver: %q (memory|sqlite)", c.Agent.Storage.Driver)
	}

	if c.Agent.FlushInterval <= 0 {
		return fmt.Errorf("invalid agent.flush_interval: %v", c.Agent.FlushInterval)
	}
	if c.Agent.MaxBufferedEvents < 0 {
		return fmt.Errorf("invalid agent.max_buffered_events: %d", c.Agent.MaxBufferedEvents)
	}
	if c.Agent.DrainOnClose && c.Agent.DrainTimeout <= 0 {
		return fmt.Errorf("invalid agent.drain_timeout: %v", c.Agent.DrainTimeout)
	}
	if c.Agent.RequestTimeout < 0 {
		return fmt.Errorf("invalid agent.request_timeout: %v", c.Agent.RequestTimeout)
	}

	if c.Collector.Addr == "" {
		return errors.New("collector.addr is required")
	}
	if c.Collector.AdminAddr == c.Collector.Addr {
		return fmt.Errorf("collector.admin_addr must differ from collector.addr: %q", c.Collector.AdminAddr)
	}
	if c.Collector.StorageMaxAge < 0 {
		return fmt.Errorf("invalid collector.storage_max_age: %v", c.Collector.StorageMaxAge)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q (text|json)", c.Log.Format)
	}

	return nil
}

// validateURL 空值视为未配置
func validateURL(key, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
