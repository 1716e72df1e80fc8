package collector

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("collector: session not found")

// Session 采集端存储的会话
type Session struct {
	session.Descriptor
	UserAgent string    `json:"userAgent,omitempty"`
	Browser   Browser   `json:"browser"`
	OS        OS        `json:"os"`
	Device    string    `json:"device,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Repository 会话与事件存储
type Repository interface {
	// SaveSession 按ID upsert，返回是否新建
	SaveSession(ctx context.Context, s Session) (bool, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// ListSessions 按更新时间倒序，先检索再分页
	ListSessions(ctx context.Context, opts ListOptions) ([]Session, error)
	DeleteSession(ctx context.Context, ids ...string) error
	AppendEvents(ctx context.Context, id string, records ...events.Record) error
	Events(ctx context.Context, id string) ([]events.Record, error)
	// SessionsUpdatedBefore 返回最后更新时间早于t的会话ID
	SessionsUpdatedBefore(ctx context.Context, t time.Time) ([]string, error)
	Close() error
}

// MemoryRepository 内存存储，用于测试和本地开发
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]Session
	events   map[string][]events.Record
}

// NewMemoryRepository 创建内存存储
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]Session),
		events:   make(map[string][]events.Record),
	}
}

func (r *MemoryRepository) SaveSession(_ context.Context, s Session) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found := r.sessions[s.ID]
	if found {
		s.CreatedAt = existing.CreatedAt
	}
	s.Descriptor = s.Descriptor.Clone()
	r.sessions[s.ID] = s
	return !found, nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s.Descriptor = s.Descriptor.Clone()
	return s, nil
}

// ListSessions 按更新时间倒序分页
func (r *MemoryRepository) ListSessions(_ context.Context, opts ListOptions) ([]Session, error) {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !opts.Query.Match(s.Field) {
			continue
		}
		s.Descriptor = s.Descriptor.Clone()
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if opts.Offset >= len(out) {
		return []Session{}, nil
	}
	out = out[max(opts.Offset, 0):]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		delete(r.sessions, id)
		delete(r.events, id)
	}
	return nil
}

func (r *MemoryRepository) AppendEvents(_ context.Context, id string, records ...events.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	r.sessions[id] = s
	for _, rec := range records {
		r.events[id] = append(r.events[id], slices.Clone(rec))
	}
	return nil
}

func (r *MemoryRepository) Events(_ context.Context, id string) ([]events.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]events.Record, len(r.events[id]))
	copy(out, r.events[id])
	return out, nil
}

func (r *MemoryRepository) SessionsUpdatedBefore(_ context.Context, t time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sessions {
		if s.UpdatedAt.Before(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
