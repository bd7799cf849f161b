package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/solix-gateway/internal/storage"
)

// 快照哈希中的元数据字段，以下划线开头避免与设备字段冲突
const (
	metaMessageType = "_msg_type"
	metaReceivedAt  = "_received_at"
	metaProduct     = "_product_number"
	metaChannel     = "_channel"
)

// TelemetryStore 在 Redis 中维护每台设备的最新字段快照
//
//	<prefix>:latest:<sn>  hash  字段名 -> 值
//	<prefix>:last_seen    zset  sn -> 最近接收时间（毫秒）
type TelemetryStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ storage.SnapshotStore = (*TelemetryStore)(nil)

// NewTelemetryStore ttl<=0 表示快照不过期
func NewTelemetryStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *TelemetryStore {
	if prefix == "" {
		prefix = "solix"
	}
	return &TelemetryStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *TelemetryStore) latestKey(serial string) string {
	return fmt.Sprintf("%s:latest:%s", s.prefix, serial)
}

func (s *TelemetryStore) lastSeenKey() string {
	return s.prefix + ":last_seen"
}

// Save 写入快照；全量帧先清空旧快照，增量帧只覆盖出现的字段
func (s *TelemetryStore) Save(ctx context.Context, snap storage.Snapshot) error {
	if snap.DeviceSerial == "" {
		return fmt.Errorf("snapshot without device serial")
	}
	key := s.latestKey(snap.DeviceSerial)

	values := make(map[string]any, len(snap.Fields)+4)
	for _, f := range snap.Fields {
		values[f.Key()] = f.Value
	}
	values[metaMessageType] = fmt.Sprintf("0x%04x", snap.MessageType)
	values[metaReceivedAt] = snap.ReceivedAt.UTC().Format(time.RFC3339Nano)
	values[metaProduct] = snap.ProductNumber
	values[metaChannel] = snap.Channel

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if !snap.Delta {
			pipe.Del(ctx, key)
		}
		pipe.HSet(ctx, key, values)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.ZAdd(ctx, s.lastSeenKey(), redis.Z{
			Score:  float64(snap.ReceivedAt.UnixMilli()),
			Member: snap.DeviceSerial,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.DeviceSerial, err)
	}
	return nil
}

// Latest 读取设备最新快照；不存在时返回空 map
func (s *TelemetryStore) Latest(ctx context.Context, serial string) (map[string]string, error) {
	res, err := s.rdb.HGetAll(ctx, s.latestKey(serial)).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", serial, err)
	}
	return res, nil
}

// LastSeen 最近一次收到设备数据的时间
func (s *TelemetryStore) LastSeen(ctx context.Context, serial string) (time.Time, bool, error) {
	score, err := s.rdb.ZScore(ctx, s.lastSeenKey(), serial).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// ActiveSince 返回 since 之后有数据的设备
func (s *TelemetryStore) ActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.lastSeenKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
}
