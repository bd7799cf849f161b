package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/solix-gateway/internal/health"
	redisstorage "github.com/taoyao-code/solix-gateway/internal/storage/redis"
)

// NewHealthAggregator broker 检查必选，Redis 与数据库按启用情况加入
func NewHealthAggregator(broker *health.BrokerChecker, redisClient *redisstorage.Client, dbpool *pgxpool.Pool) *health.Aggregator {
	agg := health.NewAggregator(broker)
	if redisClient != nil {
		agg.AddChecker(health.NewRedisChecker(redisClient.Client))
	}
	if dbpool != nil {
		agg.AddChecker(health.NewDatabaseChecker(dbpool))
	}
	return agg
}
