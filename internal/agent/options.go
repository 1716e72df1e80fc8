package agent

import (
	"time"

	"JornadaAgent/internal/session"
)

// 默认参数
const (
	DefaultFlushInterval = time.Second
	DefaultDrainTimeout  = 5 * time.Second
)

// Options 录制代理配置
type Options struct {
	// StorageKey 会话描述在存储中的键
	StorageKey string
	// FlushInterval 同步周期
	FlushInterval time.Duration
	// MaxBufferedEvents 缓冲上限，<=0 表示不限
	MaxBufferedEvents int
	// RetainOnFailure 上传失败时保留批次等待下次发送
	RetainOnFailure bool
	// DrainOnClose 关闭时在 DrainTimeout 内重试发送剩余事件
	DrainOnClose bool
	DrainTimeout time.Duration
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		StorageKey:    session.DefaultStorageKey,
		FlushInterval: DefaultFlushInterval,
		DrainTimeout:  DefaultDrainTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.StorageKey == "" {
		o.StorageKey = session.DefaultStorageKey
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return o
}
