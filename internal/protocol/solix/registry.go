package solix

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
)

// RegistryVersion 内置字段表版本
const RegistryVersion = "1"

// 已知消息类型
const (
	MsgRealtimeTrigger MessageType = 0x0057 // 实时数据触发（下行）
	MsgTelemetry0401   MessageType = 0x0401
	MsgTelemetry0405   MessageType = 0x0405
	MsgTelemetry0408   MessageType = 0x0408
	MsgTelemetry0421   MessageType = 0x0421
)

// MessageClass 消息方向/类别
type MessageClass int

const (
	ClassTelemetry MessageClass = iota // 设备遥测
	ClassControl                       // 下行控制
	ClassAck                           // 应答
)

func (c MessageClass) String() string {
	switch c {
	case ClassTelemetry:
		return "telemetry"
	case ClassControl:
		return "control"
	case ClassAck:
		return "ack"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// UpdateMode 增量/全量判定方式
type UpdateMode int

const (
	UpdateByChannel UpdateMode = iota // 按主题通道判定
	UpdateDelta                       // 总是增量
	UpdateSnapshot                    // 总是全量快照
)

// MessageTypeInfo 消息类型登记项
type MessageTypeInfo struct {
	Code   MessageType
	Name   string
	Class  MessageClass
	Update UpdateMode
}

// FieldKey 字段表主键
type FieldKey struct {
	MessageType MessageType
	ID          byte
}

// FieldSpec 字段语义
type FieldSpec struct {
	Name     string
	Types    []ValueType // 允许的线上类型，空表示不限
	Decoder  Decoder
	Unit     string
	Verified bool
}

func (s FieldSpec) accepts(t ValueType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, a := range s.Types {
		if a == t {
			return true
		}
	}
	return false
}

// ValueKind 解码结果类型
type ValueKind int

const (
	ValueRaw ValueKind = iota
	ValueUint
	ValueInt
	ValueFloat
	ValueText
	ValueWords
	ValueSubFields
	ValueScaled
)

// Value 字段解码结果；未登记字段为 ValueRaw，原样携带字节
type Value struct {
	Field    byte
	Name     string
	Unit     string
	Kind     ValueKind
	Known    bool
	Verified bool
	Strategy string

	Uint  uint64
	Int   int64
	Float float64
	Text  string
	Words []uint16
	Sub   []Field
	Raw   []byte
}

func (v Value) String() string {
	var s string
	switch v.Kind {
	case ValueUint:
		s = fmt.Sprintf("%d", v.Uint)
	case ValueInt:
		s = fmt.Sprintf("%d", v.Int)
	case ValueFloat, ValueScaled:
		s = fmt.Sprintf("%g", v.Float)
	case ValueText:
		s = fmt.Sprintf("%q", v.Text)
	case ValueWords:
		s = fmt.Sprintf("%v", v.Words)
	case ValueSubFields:
		s = fmt.Sprintf("%d sub-fields", len(v.Sub))
	default:
		s = fmt.Sprintf("%x", v.Raw)
	}
	if v.Unit != "" {
		s += v.Unit
	}
	if v.Known && !v.Verified {
		s += " (unverified)"
	}
	return s
}

// Decoder 命名的字段解码器
type Decoder struct {
	Name string
	fn   func(Field) (Value, error)
}

// Decode 解码单个字段
func (d Decoder) Decode(f Field) (Value, error) {
	if d.fn == nil {
		return Value{Kind: ValueRaw, Raw: f.Bytes()}, nil
	}
	return d.fn(f)
}

var (
	Uint8          = Decoder{Name: "uint8", fn: decodeUint(1)}
	Uint16LE       = Decoder{Name: "uint16le", fn: decodeUint(2)}
	Uint32LE       = Decoder{Name: "uint32le", fn: decodeUint(4)}
	Int16LE        = Decoder{Name: "int16le", fn: decodeInt16}
	Float32LE      = Decoder{Name: "float32le", fn: decodeFloat32}
	Text           = Decoder{Name: "text", fn: decodeText}
	RawBytes       = Decoder{Name: "raw"}
	PackedUint16LE = Decoder{Name: "packed-uint16le", fn: decodeWords}
	SubRecords     = Decoder{Name: "subrecords", fn: decodeSubRecords}
	// Legacy 由注册表当前的 ScaleStrategy 解码
	Legacy = Decoder{Name: "legacy"}
)

var decodersByName = map[string]Decoder{}

func init() {
	for _, d := range []Decoder{Uint8, Uint16LE, Uint32LE, Int16LE, Float32LE, Text, RawBytes, PackedUint16LE, SubRecords, Legacy} {
		decodersByName[d.Name] = d
	}
}

// DecoderByName 按名字查找解码器（目录文件使用）
func DecoderByName(name string) (Decoder, bool) {
	d, ok := decodersByName[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

func decodeUint(width int) func(Field) (Value, error) {
	return func(f Field) (Value, error) {
		if len(f.Value) == 0 || len(f.Value) > width {
			return Value{}, fmt.Errorf("%w: want up to %d bytes, got %d", ErrUnknownFieldType, width, len(f.Value))
		}
		u, _ := f.Uint()
		return Value{Kind: ValueUint, Uint: u}, nil
	}
}

func decodeInt16(f Field) (Value, error) {
	if len(f.Value) != 2 {
		return Value{}, fmt.Errorf("%w: want 2 bytes, got %d", ErrUnknownFieldType, len(f.Value))
	}
	return Value{Kind: ValueInt, Int: int64(int16(binary.LittleEndian.Uint16(f.Value)))}, nil
}

func decodeFloat32(f Field) (Value, error) {
	if len(f.Value) != 4 {
		return Value{}, fmt.Errorf("%w: want 4 bytes, got %d", ErrUnknownFieldType, len(f.Value))
	}
	return Value{Kind: ValueFloat, Float: float64(math.Float32frombits(binary.LittleEndian.Uint32(f.Value)))}, nil
}

func decodeText(f Field) (Value, error) {
	return Value{Kind: ValueText, Text: strings.TrimRight(string(f.Value), "\x00")}, nil
}

// decodeWords 按小端2字节切分，奇数长度的最后一个字节保留在 Raw
func decodeWords(f Field) (Value, error) {
	n := len(f.Value) / 2
	v := Value{Kind: ValueWords, Words: make([]uint16, n)}
	for i := 0; i < n; i++ {
		v.Words[i] = binary.LittleEndian.Uint16(f.Value[2*i:])
	}
	if len(f.Value)%2 == 1 {
		v.Raw = []byte{f.Value[len(f.Value)-1]}
	}
	return v, nil
}

func decodeSubRecords(f Field) (Value, error) {
	sub, err := ParseSubFields(f.Value)
	if err != nil {
		return Value{}, fmt.Errorf("sub-records of field 0x%02x: %w", f.ID, err)
	}
	return Value{Kind: ValueSubFields, Sub: sub}, nil
}

var builtinMessages = []MessageTypeInfo{
	{Code: MsgRealtimeTrigger, Name: "realtime_trigger", Class: ClassControl, Update: UpdateSnapshot},
	{Code: MsgTelemetry0401, Name: "telemetry_0401", Class: ClassTelemetry},
	{Code: MsgTelemetry0405, Name: "telemetry_0405", Class: ClassTelemetry},
	{Code: MsgTelemetry0408, Name: "telemetry_0408", Class: ClassTelemetry},
	{Code: MsgTelemetry0421, Name: "telemetry_0421", Class: ClassTelemetry},
}

var builtinFields = map[FieldKey]FieldSpec{
	{MsgRealtimeTrigger, 0xa1}: {Name: "command", Types: []ValueType{TypeNone}, Decoder: Uint8, Verified: true},
	{MsgRealtimeTrigger, 0xa2}: {Name: "enable", Types: []ValueType{TypeUnsigned}, Decoder: Uint8, Verified: true},
	{MsgRealtimeTrigger, 0xa3}: {Name: "duration", Types: []ValueType{TypeVar}, Decoder: Uint32LE, Unit: "s", Verified: true},

	// 以下字段仅有抓包观察，语义未经验证
	{MsgTelemetry0401, 0xa3}: {Name: "ac_output_power", Types: []ValueType{TypeNone, TypeUnsigned, TypeVar}, Decoder: Legacy, Unit: "W"},
	{MsgTelemetry0421, 0xa6}: {Name: "output_channels", Types: []ValueType{TypeBinary}, Decoder: PackedUint16LE},
}

// Registry (消息类型, 字段ID) -> 语义 的静态表，可由目录文件扩展
type Registry struct {
	mu       sync.RWMutex
	version  string
	messages map[MessageType]MessageTypeInfo
	fields   map[FieldKey]FieldSpec
	legacy   ScaleStrategy
}

// NewRegistry 基于内置表创建注册表
func NewRegistry() *Registry {
	r := &Registry{
		version:  RegistryVersion,
		messages: make(map[MessageType]MessageTypeInfo, len(builtinMessages)),
		fields:   make(map[FieldKey]FieldSpec, len(builtinFields)),
		legacy:   UnverifiedIdentity,
	}
	for _, m := range builtinMessages {
		r.messages[m.Code] = m
	}
	for k, s := range builtinFields {
		r.fields[k] = s
	}
	return r
}

// Version 内置表版本，合并目录后追加目录版本
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// RegisterMessage 登记/覆盖消息类型
func (r *Registry) RegisterMessage(info MessageTypeInfo) {
	r.mu.Lock()
	r.messages[info.Code] = info
	r.mu.Unlock()
}

// RegisterField 登记/覆盖字段语义
func (r *Registry) RegisterField(key FieldKey, spec FieldSpec) {
	r.mu.Lock()
	r.fields[key] = spec
	r.mu.Unlock()
}

// SetLegacyScale 替换旧式单字节字段的换算策略，nil 恢复默认
func (r *Registry) SetLegacyScale(s ScaleStrategy) {
	if s == nil {
		s = UnverifiedIdentity
	}
	r.mu.Lock()
	r.legacy = s
	r.mu.Unlock()
}

// LegacyScale 当前换算策略
func (r *Registry) LegacyScale() ScaleStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.legacy
}

// Message 查询消息类型
func (r *Registry) Message(t MessageType) (MessageTypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[t]
	return m, ok
}

// Lookup 查询字段语义
func (r *Registry) Lookup(t MessageType, id byte) (FieldSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.fields[FieldKey{t, id}]
	return s, ok
}

// UnknownFieldName 未登记字段的名称，如 "0xa2"
func UnknownFieldName(id byte) string {
	return fmt.Sprintf("0x%02x", id)
}

// Resolve 解码单个字段；未登记字段返回 ValueRaw，不会报错
func (r *Registry) Resolve(t MessageType, f Field) (Value, error) {
	spec, ok := r.Lookup(t, f.ID)
	if !ok {
		return Value{Field: f.ID, Name: UnknownFieldName(f.ID), Kind: ValueRaw, Raw: f.Bytes()}, nil
	}
	if !spec.accepts(f.Type) {
		return Value{}, fmt.Errorf("%w: %s field 0x%02x (%s) has wire type %s", ErrUnknownFieldType, t, f.ID, spec.Name, f.Type)
	}

	var v Value
	var err error
	if spec.Decoder.Name == Legacy.Name {
		v = r.decodeLegacy(f)
	} else {
		v, err = spec.Decoder.Decode(f)
		if err != nil {
			return Value{}, fmt.Errorf("%s field 0x%02x (%s): %w", t, f.ID, spec.Name, err)
		}
		v.Verified = spec.Verified
	}
	v.Field = f.ID
	v.Name = spec.Name
	v.Unit = spec.Unit
	v.Known = true
	return v, nil
}

// decodeLegacy 单字节值走换算策略；多字节值按小端整数给出，均不视为已验证
func (r *Registry) decodeLegacy(f Field) Value {
	s := r.LegacyScale()
	if len(f.Value) == 1 {
		return Value{Kind: ValueScaled, Float: s.Scale(f.Value[0]), Strategy: s.Name(), Verified: s.Verified(), Raw: f.Bytes()}
	}
	if u, ok := f.Uint(); ok {
		return Value{Kind: ValueUint, Uint: u, Raw: f.Bytes()}
	}
	return Value{Kind: ValueRaw, Raw: f.Bytes()}
}

// ResolveFrame 解码整帧字段
func (r *Registry) ResolveFrame(f *Frame) ([]Value, error) {
	out := make([]Value, 0, f.Len())
	for _, fld := range f.fields {
		v, err := r.Resolve(f.MessageType(), fld)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Validate 检查已登记字段的线上类型是否与登记一致
func (r *Registry) Validate(f *Frame) error {
	_, err := r.ResolveFrame(f)
	return err
}
