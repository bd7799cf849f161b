package app

import (
	"context"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
	redisstorage "github.com/taoyao-code/solix-gateway/internal/storage/redis"
)

// NewRedisClient 创建 Redis 客户端；未启用时返回 nil, nil
func NewRedisClient(ctx context.Context, cfg cfgpkg.RedisConfig, logger *zap.Logger) (*redisstorage.Client, error) {
	if !cfg.Enabled {
		logger.Info("redis is disabled, latest snapshots off")
		return nil, nil
	}
	client, err := redisstorage.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("redis client initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))
	return client, nil
}

// NewTelemetryStore 基于 Redis 客户端创建快照存储
func NewTelemetryStore(client *redisstorage.Client, cfg cfgpkg.RedisConfig) *redisstorage.TelemetryStore {
	if client == nil {
		return nil
	}
	return redisstorage.NewTelemetryStore(client.Client, cfg.KeyPrefix, cfg.SnapshotTTL)
}
