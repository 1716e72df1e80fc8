package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("storage: closed")

// 支持的存储驱动
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// KV 按浏览上下文隔离的键值存储
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Open 根据驱动名称打开存储
func Open(driver, path string) (KV, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryKV(), nil
	case DriverSQLite:
		return NewSQLiteKV(path)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// MemoryKV 进程内存储，生命周期等同于进程
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

// NewMemoryKV 创建内存存储
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string][]byte)}
}

// Get 读取键值，返回副本
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set 写入键值
func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Remove 删除键值，键不存在时不报错
func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.values, key)
	return nil
}

// Close 关闭存储
func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.values = nil
	return nil
}
