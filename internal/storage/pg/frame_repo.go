package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taoyao-code/solix-gateway/internal/storage"
)

// DBTX pgxpool.Pool 与 pgx.Tx 的公共子集
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FrameRecord device_frames 表中的一行
type FrameRecord struct {
	ID            int64
	DeviceSerial  string
	ProductNumber string
	Channel       string
	MessageType   uint16
	Delta         bool
	Frame         []byte
	Fields        []storage.FieldValue
	ReceivedAt    time.Time
}

// FrameRepository 设备帧历史
type FrameRepository struct {
	db DBTX
}

var _ storage.FrameHistory = (*FrameRepository)(nil)

func NewFrameRepository(db DBTX) *FrameRepository {
	return &FrameRepository{db: db}
}

// InsertFrame 写入一帧并更新 device_latest
func (r *FrameRepository) InsertFrame(ctx context.Context, s storage.Snapshot) (int64, error) {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return 0, fmt.Errorf("encode fields: %w", err)
	}

	const insert = `INSERT INTO device_frames
        (device_sn, product_number, channel, msg_type, delta, frame, fields, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING id`
	var id int64
	err = r.db.QueryRow(ctx, insert,
		s.DeviceSerial, s.ProductNumber, s.Channel, int32(s.MessageType), s.Delta, s.Frame, fields, s.ReceivedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert frame %s: %w", s.DeviceSerial, err)
	}

	const upsert = `INSERT INTO device_latest (device_sn, product_number, frame_id, msg_type, received_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (device_sn) DO UPDATE SET
            product_number = EXCLUDED.product_number,
            frame_id = EXCLUDED.frame_id,
            msg_type = EXCLUDED.msg_type,
            received_at = EXCLUDED.received_at
        WHERE device_latest.received_at <= EXCLUDED.received_at`
	if _, err := r.db.Exec(ctx, upsert, s.DeviceSerial, s.ProductNumber, id, int32(s.MessageType), s.ReceivedAt); err != nil {
		return id, fmt.Errorf("update latest %s: %w", s.DeviceSerial, err)
	}
	return id, nil
}

// RecentFrames 按接收时间倒序返回最近的帧
func (r *FrameRepository) RecentFrames(ctx context.Context, serial string, limit int) ([]FrameRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT id, device_sn, product_number, channel, msg_type, delta, frame, fields, received_at
        FROM device_frames
        WHERE device_sn = $1
        ORDER BY received_at DESC, id DESC
        LIMIT $2`
	rows, err := r.db.Query(ctx, q, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var (
			rec     FrameRecord
			msgType int32
			fields  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.DeviceSerial, &rec.ProductNumber, &rec.Channel, &msgType,
			&rec.Delta, &rec.Frame, &fields, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		rec.MessageType = uint16(msgType)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode fields of frame %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestFrameID device_latest 中记录的最新帧
func (r *FrameRepository) LatestFrameID(ctx context.Context, serial string) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `SELECT frame_id FROM device_latest WHERE device_sn = $1`, serial).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// PruneBefore 删除早于 before 的历史帧
func (r *FrameRepository) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM device_frames f WHERE received_at < $1
            AND NOT EXISTS (SELECT 1 FROM device_latest l WHERE l.frame_id = f.id)`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
