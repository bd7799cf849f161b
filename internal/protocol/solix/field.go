package solix

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ValueType 字段值类型码：len>=2 时字段体的第一个字节
type ValueType int

const (
	TypeString   ValueType = 0x00 // 文本
	TypeUnsigned ValueType = 0x01 // 无符号整数（通常1字节）
	TypeSigned   ValueType = 0x02 // 有符号整数，小端
	TypeVar      ValueType = 0x03 // 变长无符号整数，小端（通常4字节）
	TypeBinary   ValueType = 0x04 // 二进制/子记录
	TypeFloat    ValueType = 0x05 // float32 小端

	// TypeNone 无类型单字节字段（len==1），不占用类型字节
	TypeNone ValueType = -1
)

// FieldTimestamp 保留的时间戳字段ID，同时是尾部标记
const FieldTimestamp byte = 0xFE

// maxFieldBody 字段体最大长度（长度字段为1字节）
const maxFieldBody = 0xFF

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeUnsigned:
		return "unsigned"
	case TypeSigned:
		return "signed"
	case TypeVar:
		return "var"
	case TypeBinary:
		return "binary"
	case TypeFloat:
		return "float"
	case TypeNone:
		return "none"
	default:
		return fmt.Sprintf("type(0x%02x)", int(t))
	}
}

// WireKind 字段在线上的宽度分类
type WireKind int

const (
	FixedWidth     WireKind = iota // 定宽小端数值
	LengthPrefixed                 // 变长文本/数据块
	Raw                            // 原样透传（子记录、无类型、未知类型）
)

func (k WireKind) String() string {
	switch k {
	case FixedWidth:
		return "fixed"
	case LengthPrefixed:
		return "length-prefixed"
	default:
		return "raw"
	}
}

// Field 帧内的一个带类型字段，ID 在帧内唯一
type Field struct {
	ID    byte
	Type  ValueType
	Value []byte
}

// NewField 创建带类型的字段
func NewField(id byte, t ValueType, value []byte) Field {
	return Field{ID: id, Type: t, Value: append([]byte(nil), value...)}
}

// ByteField 无类型单字节字段，如 a1 01 22
func ByteField(id byte, v byte) Field {
	return Field{ID: id, Type: TypeNone, Value: []byte{v}}
}

// Uint8Field 单字节无符号字段，如 a2 02 01 01
func Uint8Field(id byte, v uint8) Field {
	return Field{ID: id, Type: TypeUnsigned, Value: []byte{v}}
}

// Int16Field 2字节有符号字段
func Int16Field(id byte, v int16) Field {
	return Field{ID: id, Type: TypeSigned, Value: binary.LittleEndian.AppendUint16(nil, uint16(v))}
}

// VarField 4字节小端无符号字段，如 a3 05 03 3c000000
func VarField(id byte, v uint32) Field {
	return Field{ID: id, Type: TypeVar, Value: binary.LittleEndian.AppendUint32(nil, v)}
}

// FloatField float32 小端字段
func FloatField(id byte, v float32) Field {
	return Field{ID: id, Type: TypeFloat, Value: binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))}
}

// StringField 文本字段
func StringField(id byte, s string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(s)}
}

// BinaryField 二进制字段
func BinaryField(id byte, b []byte) Field {
	return NewField(id, TypeBinary, b)
}

// Kind 返回线上宽度分类
func (f Field) Kind() WireKind {
	switch f.Type {
	case TypeUnsigned, TypeSigned, TypeVar, TypeFloat:
		return FixedWidth
	case TypeString:
		return LengthPrefixed
	default:
		return Raw
	}
}

// Uint 按小端解释为无符号整数（最多8字节）
func (f Field) Uint() (uint64, bool) {
	if len(f.Value) == 0 || len(f.Value) > 8 {
		return 0, false
	}
	var v uint64
	for i := len(f.Value) - 1; i >= 0; i-- {
		v = v<<8 | uint64(f.Value[i])
	}
	return v, true
}

// Int 按小端解释为有符号整数（符号位扩展）
func (f Field) Int() (int64, bool) {
	u, ok := f.Uint()
	if !ok {
		return 0, false
	}
	shift := uint(64 - 8*len(f.Value))
	return int64(u<<shift) >> shift, true
}

// Float 解释为 float32 小端
func (f Field) Float() (float32, bool) {
	if len(f.Value) != 4 {
		return 0, false
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(f.Value)), true
}

// Text 文本值
func (f Field) Text() string {
	return string(f.Value)
}

// Bytes 返回值的副本
func (f Field) Bytes() []byte {
	return append([]byte(nil), f.Value...)
}

// Equal 判断两个字段是否相同
func (f Field) Equal(o Field) bool {
	if f.ID != o.ID || f.Type != o.Type || len(f.Value) != len(o.Value) {
		return false
	}
	for i := range f.Value {
		if f.Value[i] != o.Value[i] {
			return false
		}
	}
	return true
}

func (f Field) clone() Field {
	f.Value = append([]byte(nil), f.Value...)
	return f
}

// validate 编码前校验，保证解码后能得到同样的字段
func (f Field) validate() error {
	if f.ID == FieldTimestamp {
		return fmt.Errorf("%w: id 0x%02x is reserved for the timestamp trailer", ErrInvalidField, f.ID)
	}
	if f.Type == TypeNone {
		if len(f.Value) > 1 {
			return fmt.Errorf("%w: untyped field 0x%02x must be at most 1 byte, got %d", ErrInvalidField, f.ID, len(f.Value))
		}
		return nil
	}
	if f.Type < 0 || f.Type > 0xFF {
		return fmt.Errorf("%w: field 0x%02x has type %d outside the wire range", ErrInvalidField, f.ID, int(f.Type))
	}
	if len(f.Value) == 0 {
		return fmt.Errorf("%w: typed field 0x%02x needs a value", ErrInvalidField, f.ID)
	}
	if len(f.Value)+1 > maxFieldBody {
		return fmt.Errorf("%w: field 0x%02x value too long: %d bytes", ErrInvalidField, f.ID, len(f.Value))
	}
	return nil
}

// bodyLen 线上字段体长度（长度字节的值）
func (f Field) bodyLen() int {
	if f.Type == TypeNone {
		return len(f.Value)
	}
	return 1 + len(f.Value)
}

func (f Field) appendTo(buf []byte) []byte {
	buf = append(buf, f.ID, byte(f.bodyLen()))
	if f.Type != TypeNone {
		buf = append(buf, byte(f.Type))
	}
	return append(buf, f.Value...)
}

// readField 从 b[off:] 读取一个字段，返回字段与下一个字段的偏移
func readField(b []byte, off int) (Field, int, error) {
	if off+2 > len(b) {
		return Field{}, off, malformed(off, "field header truncated: %d bytes left", len(b)-off)
	}
	id := b[off]
	n := int(b[off+1])
	body := off + 2
	if body+n > len(b) {
		return Field{}, off, malformed(off, "field 0x%02x length %d exceeds remaining %d bytes", id, n, len(b)-body)
	}
	f := Field{ID: id, Type: TypeNone}
	switch {
	case n == 0:
		f.Value = []byte{}
	case n == 1:
		f.Value = []byte{b[body]}
	default:
		f.Type = ValueType(b[body])
		f.Value = append([]byte(nil), b[body+1:body+n]...)
	}
	return f, body + n, nil
}

// ParseSubFields 解析嵌套的子字段序列（与帧内字段同格式）
func ParseSubFields(data []byte) ([]Field, error) {
	var out []Field
	off := 0
	for off < len(data) {
		f, next, err := readField(data, off)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
		off = next
	}
	return out, nil
}
