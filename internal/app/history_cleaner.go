package app

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FramePruner 删除早于截止时间的历史帧
type FramePruner interface {
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// HistoryCleaner 定期清理超过保留期的帧历史
type HistoryCleaner struct {
	repo      FramePruner
	logger    *zap.Logger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	statsCleaned atomic.Int64
}

// NewHistoryCleaner retention<=0 时返回 nil
func NewHistoryCleaner(repo FramePruner, retention, interval time.Duration, logger *zap.Logger) *HistoryCleaner {
	if repo == nil || retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &HistoryCleaner{
		repo:      repo,
		logger:    logger,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

// Start 阻塞直到 ctx 取消
func (c *HistoryCleaner) Start(ctx context.Context) {
	c.logger.Info("frame history cleaner started",
		zap.Duration("retention", c.retention),
		zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.clean(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("frame history cleaner stopped",
				zap.Int64("total_cleaned", c.statsCleaned.Load()))
			return
		case <-ticker.C:
			c.clean(ctx)
		}
	}
}

// Cleaned 累计删除行数
func (c *HistoryCleaner) Cleaned() int64 { return c.statsCleaned.Load() }

func (c *HistoryCleaner) clean(ctx context.Context) {
	cutoff := c.now().Add(-c.retention)
	n, err := c.repo.PruneBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("prune frame history failed", zap.Error(err), zap.Time("cutoff", cutoff))
		}
		return
	}
	if n > 0 {
		total := c.statsCleaned.Add(n)
		c.logger.Info("frame history pruned",
			zap.Int64("cleaned", n),
			zap.Int64("total_cleaned", total),
			zap.Time("cutoff", cutoff))
	}
}
