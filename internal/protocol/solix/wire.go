package solix

import (
	"encoding/binary"
	"fmt"
	"time"
)

// 帧格式：
// ff09(2) + len(2,LE,整帧长度) + 03 dir 0f(3) + msgType(2) + fields(var) + fe 05 03 ts(4,LE) + xor(1)
const (
	headerSize         = 9
	timestampFieldSize = 7
	// MinFrameSize 头部 + 校验和
	MinFrameSize = headerSize + 1
	// MaxFrameSize 长度字段为2字节
	MaxFrameSize = 0xFFFF
)

var preamble = [2]byte{0xFF, 0x09}

// MessageType 消息类型码，按线上顺序（04 01 => 0x0401）
type MessageType uint16

func (t MessageType) String() string {
	return fmt.Sprintf("%04x", uint16(t))
}

// Direction 数据方向（pattern 中间字节）
type Direction byte

const (
	DirectionToDevice   Direction = 0x00 // 服务器->设备
	DirectionFromDevice Direction = 0x01 // 设备->服务器
)

// Header 帧头
type Header struct {
	Length      uint16  // 声明的整帧长度，编码时计算
	Pattern     [3]byte // 03 dir 0f
	MessageType MessageType
}

// NewHeader 创建下行帧头
func NewHeader(t MessageType) Header {
	return Header{Pattern: [3]byte{0x03, byte(DirectionToDevice), 0x0F}, MessageType: t}
}

// Direction 数据方向
func (h Header) Direction() Direction {
	return Direction(h.Pattern[1])
}

var nowFunc = time.Now

// Encode 按帧头与字段编码完整帧；未设置时间戳时使用当前时间
func Encode(h Header, fields []Field) ([]byte, error) {
	f := &Frame{Header: h}
	seen := make(map[byte]bool, len(fields))
	for _, fld := range fields {
		if seen[fld.ID] {
			return nil, fmt.Errorf("%w: duplicate field 0x%02x", ErrInvalidField, fld.ID)
		}
		seen[fld.ID] = true
		f.UpdateField(fld)
	}
	return f.Marshal()
}

// Marshal 编码帧；帧没有时间戳时追加当前时间，并回填 Header.Length
func (f *Frame) Marshal() ([]byte, error) {
	if !f.hasTS {
		f.AddTimestampField()
	}
	size := headerSize + timestampFieldSize + 1
	for _, fld := range f.fields {
		if err := fld.validate(); err != nil {
			return nil, err
		}
		size += 2 + fld.bodyLen()
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame too large: %d bytes", ErrInvalidField, size)
	}

	pattern := f.Header.Pattern
	if pattern == ([3]byte{}) {
		pattern = NewHeader(0).Pattern
	}

	buf := make([]byte, 0, size)
	buf = append(buf, preamble[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(size))
	buf = append(buf, pattern[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(f.Header.MessageType))
	for _, fld := range f.fields {
		buf = fld.appendTo(buf)
	}
	buf = append(buf, FieldTimestamp, 0x05, byte(TypeVar))
	buf = binary.LittleEndian.AppendUint32(buf, f.timestamp)
	buf = appendChecksum(buf)

	f.Header.Length = uint16(size)
	f.Header.Pattern = pattern
	f.checksum = buf[len(buf)-1]
	return buf, nil
}

// Decode 解析完整帧；任何截断或异常输入都返回 *DecodeError，不会越界
func Decode(b []byte) (*Frame, error) {
	if len(b) < MinFrameSize {
		return nil, malformed(0, "frame too short: %d bytes", len(b))
	}
	if b[0] != preamble[0] || b[1] != preamble[1] {
		return nil, malformed(0, "invalid preamble %02x%02x", b[0], b[1])
	}
	declared := int(binary.LittleEndian.Uint16(b[2:4]))
	if declared != len(b) {
		return nil, malformed(2, "declared length %d, got %d bytes", declared, len(b))
	}
	end := len(b) - 1
	if sum := Checksum(b[:end]); sum != b[end] {
		return nil, &DecodeError{
			Kind:   ErrChecksumMismatch,
			Offset: end,
			Reason: fmt.Sprintf("expected 0x%02x, got 0x%02x", sum, b[end]),
		}
	}

	f := &Frame{
		Header: Header{
			Length:      uint16(declared),
			Pattern:     [3]byte{b[4], b[5], b[6]},
			MessageType: MessageType(binary.BigEndian.Uint16(b[7:9])),
		},
		checksum: b[end],
	}

	body := b[:end]
	off := headerSize
	for off < end {
		fld, next, err := readField(body, off)
		if err != nil {
			return nil, err
		}
		if fld.ID == FieldTimestamp {
			if next != end {
				return nil, malformed(next, "%d bytes after timestamp trailer", end-next)
			}
			ts, ok := fld.Uint()
			if !ok || len(fld.Value) != 4 {
				return nil, malformed(off, "invalid timestamp trailer length %d", len(fld.Value))
			}
			f.timestamp = uint32(ts)
			f.hasTS = true
			break
		}
		if f.index(fld.ID) >= 0 {
			return nil, malformed(off, "duplicate field 0x%02x", fld.ID)
		}
		f.fields = append(f.fields, fld)
		off = next
	}
	return f, nil
}
