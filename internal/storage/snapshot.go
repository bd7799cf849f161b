package storage

import (
	"context"
	"fmt"
	"time"
)

// FieldValue 一个字段的解码结果（持久化形式）
type FieldValue struct {
	ID       byte   `json:"id"`
	Name     string `json:"name,omitempty"`
	Value    string `json:"value"`
	Unit     string `json:"unit,omitempty"`
	Known    bool   `json:"known"`
	Verified bool   `json:"verified"`
}

// Key 快照中的字段键；未登记字段使用 "0x" 加两位十六进制编号
func (v FieldValue) Key() string {
	if v.Name != "" {
		return v.Name
	}
	return fmt.Sprintf("0x%02x", v.ID)
}

// Snapshot 一条已解码的设备帧
type Snapshot struct {
	DeviceSerial  string
	ProductNumber string
	Channel       string
	MessageType   uint16
	// Delta 为 true 时只更新出现的字段，否则替换整个快照
	Delta      bool
	Frame      []byte
	Fields     []FieldValue
	ReceivedAt time.Time
}

// SnapshotStore 设备最新数据
type SnapshotStore interface {
	Save(ctx context.Context, s Snapshot) error
	Latest(ctx context.Context, serial string) (map[string]string, error)
}

// FrameHistory 设备帧历史
type FrameHistory interface {
	InsertFrame(ctx context.Context, s Snapshot) (int64, error)
}
