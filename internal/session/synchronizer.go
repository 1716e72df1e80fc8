package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Registrar 在采集端创建或确认会话
type Registrar interface {
	CreateSession(ctx context.Context, d Descriptor) (Descriptor, error)
}

// Synchronizer 保证采集端持有最新的会话描述。
// 已注册时不发起任何网络请求；失败后保持未注册状态，由下一次tick重试。
type Synchronizer struct {
	store     *LocalStore
	registrar Registrar
	logger    *slog.Logger

	attempts atomic.Int64
	failures atomic.Int64
}

// NewSynchronizer 创建会话同步器
func NewSynchronizer(store *LocalStore, registrar Registrar, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:     store,
		registrar: registrar,
		logger:    logger.With("component", "session_sync"),
	}
}

// Sync 必要时注册会话。返回值表示本次是否发起了注册请求。
// 每次尝试都重新读取描述，因此重试会带上期间的修改。
func (s *Synchronizer) Sync(ctx context.Context) (bool, error) {
	if s.store.Registered() {
		return false, nil
	}

	snapshot, generation, err := s.store.snapshot(ctx)
	if err != nil {
		return false, err
	}

	s.attempts.Add(1)
	created, err := s.registrar.CreateSession(ctx, snapshot)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("session registration failed, will retry on next tick",
			"error", err,
			"attempt", s.attempts.Load(),
		)
		return true, fmt.Errorf("register session: %w", err)
	}

	confirmed, err := s.store.confirm(ctx, generation, created.ID)
	if err != nil {
		return true, err
	}
	if !confirmed {
		s.logger.Debug("session changed during registration, re-registering on next tick",
			"session_id", created.ID,
		)
		return true, nil
	}

	s.logger.Debug("session registered", "session_id", created.ID)
	return true, nil
}

// SessionID 当前已知的会话ID，未注册时为空
func (s *Synchronizer) SessionID(ctx context.Context) (string, error) {
	d, err := s.store.Get(ctx)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// Attempts 注册请求次数
func (s *Synchronizer) Attempts() int64 {
	return s.attempts.Load()
}

// Failures 注册失败次数
func (s *Synchronizer) Failures() int64 {
	return s.failures.Load()
}
