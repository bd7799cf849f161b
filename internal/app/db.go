package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/db/migrations"
	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
	"github.com/taoyao-code/solix-gateway/internal/migrate"
	pgstorage "github.com/taoyao-code/solix-gateway/internal/storage/pg"
)

// ConnectDBAndMigrate 建立数据库连接并按需执行迁移
// 未启用时返回 nil, nil；迁移目录为空时使用内嵌脚本
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	if !cfg.Enabled {
		log.Info("database is disabled, frame history off")
		return nil, nil
	}
	pool, err := pgstorage.NewPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		runner := migrate.Runner{Dir: cfg.MigrationsDir, Logger: log}
		if cfg.MigrationsDir == "" {
			runner.FS = migrations.FS
		}
		n, err := runner.Up(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db migrations applied", zap.Int("count", n))
	}
	log.Info("database ready", zap.String("dsn", MaskDSN(cfg.DSN)))
	return pool, nil
}
