package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultCleanInterval 清理周期
const DefaultCleanInterval = time.Hour

// Cleaner 周期删除最后更新早于 MaxAge 的会话及其事件
type Cleaner struct {
	repo     Repository
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCleaner 创建清理器，interval<=0 时使用默认周期
func NewCleaner(repo Repository, maxAge, interval time.Duration, logger *slog.Logger) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		repo:     repo,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "cleaner"),
	}
}

// Run 立即清理一次，之后每个周期清理，直到ctx取消
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Clean(ctx); err != nil {
			c.logger.Warn("clean pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Clean 执行一次清理，返回删除的会话数
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	if c.maxAge <= 0 {
		return 0, nil
	}

	cutoff := c.now().Add(-c.maxAge)
	ids, err := c.repo.SessionsUpdatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find expired sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := c.repo.DeleteSession(ctx, ids...); err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	c.logger.Info("expired sessions removed", "count", len(ids), "cutoff", cutoff)
	return len(ids), nil
}
