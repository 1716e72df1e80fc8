package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener 配置变更回调
type ChangeListener func(old, updated *Config)

// Manager 配置管理器，支持文件监控热加载
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	opts         LoadOptions
	watchEnabled bool
	listeners    []ChangeListener
	logger       *slog.Logger
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithLoadOptions 设置加载选项
func WithLoadOptions(opts LoadOptions) ManagerOption {
	return func(m *Manager) {
		m.opts = opts
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "config")
	return m
}

// Load 加载配置；启用监控时配置文件变化会自动重新加载
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	v, err := newViper(m.opts)
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(v)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	m.config = cfg
	m.viper = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		m.watch()
	}
	return cfg, nil
}

// Get 当前配置，未加载时自动加载
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(l ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Reload 重新读取配置；新配置无效时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		_, err := m.Load()
		return err
	}

	cfg, err := readConfig(m.viper)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}

	old := m.config
	m.config = cfg
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(old, cfg)
	}
	return nil
}

// watch 监控配置文件变化
func (m *Manager) watch() {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.Reload(); err != nil {
			m.logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		m.logger.Info("config reloaded", "file", e.Name)
	})
	m.viper.WatchConfig()
}

// ConfigFile 实际使用的配置文件，未找到时为空
func (m *Manager) ConfigFile() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}
