package solix

import (
	"encoding/hex"
	"time"
)

// Frame 解码后的设备帧（头部 + 有序字段 + 尾部时间戳/校验和）
// 每次编解码都会创建新的 Frame；交给回调后不再被修改
type Frame struct {
	Header Header

	fields    []Field
	timestamp uint32
	hasTS     bool
	checksum  byte
}

// NewFrame 创建下行帧
func NewFrame(t MessageType) *Frame {
	return &Frame{Header: NewHeader(t)}
}

// MessageType 消息类型
func (f *Frame) MessageType() MessageType {
	return f.Header.MessageType
}

func (f *Frame) index(id byte) int {
	for i := range f.fields {
		if f.fields[i].ID == id {
			return i
		}
	}
	return -1
}

// UpdateField 同ID字段原位替换，否则追加；重复调用结果不变
// 时间戳字段 0xFE 写入尾部而不是字段区
func (f *Frame) UpdateField(fld Field) {
	if fld.ID == FieldTimestamp {
		if ts, ok := fld.Uint(); ok && len(fld.Value) == 4 {
			f.timestamp = uint32(ts)
			f.hasTS = true
		}
		return
	}
	fld = fld.clone()
	if i := f.index(fld.ID); i >= 0 {
		f.fields[i] = fld
		return
	}
	f.fields = append(f.fields, fld)
}

// Field 按ID查找字段（返回副本）
func (f *Frame) Field(id byte) (Field, bool) {
	i := f.index(id)
	if i < 0 {
		return Field{}, false
	}
	return f.fields[i].clone(), true
}

// Fields 按插入顺序返回字段副本
func (f *Frame) Fields() []Field {
	out := make([]Field, len(f.fields))
	for i := range f.fields {
		out[i] = f.fields[i].clone()
	}
	return out
}

// Len 字段个数（不含时间戳）
func (f *Frame) Len() int {
	return len(f.fields)
}

// AddTimestampField 将时间戳设置为当前时间，可重复调用，以最后一次为准
func (f *Frame) AddTimestampField() {
	f.SetTimestamp(nowFunc())
}

// SetTimestamp 显式设置时间戳（秒）
func (f *Frame) SetTimestamp(t time.Time) {
	f.timestamp = uint32(t.Unix())
	f.hasTS = true
}

// Timestamp 尾部时间戳；帧不含时间戳时 ok=false
func (f *Frame) Timestamp() (time.Time, bool) {
	if !f.hasTS {
		return time.Time{}, false
	}
	return time.Unix(int64(f.timestamp), 0), true
}

// Checksum 编码或解码得到的校验和
func (f *Frame) Checksum() byte {
	return f.checksum
}

// Clone 深拷贝
func (f *Frame) Clone() *Frame {
	c := *f
	c.fields = f.Fields()
	return &c
}

// Hex 编码后的十六进制表示，编码失败时返回空串
func (f *Frame) Hex() string {
	b, err := f.Clone().Marshal()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
