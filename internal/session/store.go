package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"JornadaAgent/internal/storage"
)

// DefaultStorageKey 会话描述在存储中的键
const DefaultStorageKey = "jornada"

// ErrCorruptDescriptor 持久化的描述无法解析
var ErrCorruptDescriptor = errors.New("session: corrupt persisted descriptor")

// LocalStore 本地会话存储，同时持有同步状态。
// registered 只在确认注册成功后置为 true，任何修改都会把它重置为 false。
type LocalStore struct {
	kv  storage.KV
	key string

	mu         sync.Mutex
	registered bool
	generation uint64
}

// NewLocalStore 创建本地会话存储
func NewLocalStore(kv storage.KV, key string) *LocalStore {
	if key == "" {
		key = DefaultStorageKey
	}
	return &LocalStore{kv: kv, key: key}
}

// Key 存储键
func (s *LocalStore) Key() string {
	return s.key
}

// Get 读取当前描述；没有持久化数据时返回默认描述但不写入
func (s *LocalStore) Get(ctx context.Context) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, _, err := s.load(ctx)
	return d, err
}

// Save 合并补丁、持久化、标记需要重新注册，返回合并后的描述
func (s *LocalStore) Save(ctx context.Context, patch Patch) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.load(ctx)
	if err != nil {
		return Descriptor{}, err
	}

	merged := patch.Apply(current)
	if err := s.persist(ctx, merged); err != nil {
		return Descriptor{}, err
	}

	s.registered = false
	s.generation++
	return merged.Clone(), nil
}

// Clear 删除持久化的描述，仅在显式关闭时使用
func (s *LocalStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	s.registered = false
	s.generation++
	return nil
}

// Invalidate 采集端丢失会话时调用，保留本地描述和ID，下一次同步重新注册
func (s *LocalStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = false
	s.generation++
}

// Registered 服务端是否持有最新快照
func (s *LocalStore) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// snapshot 读取描述及其代数，供注册使用
func (s *LocalStore) snapshot(ctx context.Context) (Descriptor, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, _, err := s.load(ctx)
	return d, s.generation, err
}

// confirm 注册成功后写回服务端分配的ID。写回ID不会使注册失效；
// 只有快照之后没有发生修改时才标记为已注册。
func (s *LocalStore) confirm(ctx context.Context, generation uint64, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, persisted, err := s.load(ctx)
	if err != nil {
		return false, err
	}

	stale := generation != s.generation
	// 快照之后被清除的会话不再恢复
	if stale && !persisted {
		return false, nil
	}

	if id != "" && current.ID != id {
		current.ID = id
		if err := s.persist(ctx, current); err != nil {
			return false, err
		}
	}

	if stale {
		return false, nil
	}
	s.registered = true
	return true, nil
}

func (s *LocalStore) load(ctx context.Context) (Descriptor, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok {
		return DefaultDescriptor(), false, nil
	}

	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, true, fmt.Errorf("%w: %v", ErrCorruptDescriptor, err)
	}
	return d, true, nil
}

func (s *LocalStore) persist(ctx context.Context, d Descriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}
