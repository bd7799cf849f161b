package solix

import (
	"fmt"
	"time"
)

// 实时数据触发的持续时间范围（秒）
const (
	MinRealtimeDuration = 60 * time.Second
	MaxRealtimeDuration = 300 * time.Second

	realtimeCommand byte = 0x22
)

// ClampRealtimeDuration 截断到 [60s, 300s]
func ClampRealtimeDuration(d time.Duration) time.Duration {
	if d < MinRealtimeDuration {
		return MinRealtimeDuration
	}
	if d > MaxRealtimeDuration {
		return MaxRealtimeDuration
	}
	return d
}

// RealtimeTrigger 构造开启实时数据推送的控制帧
// 持续时间超出 [60s, 300s] 时截断到边界
func RealtimeTrigger(d time.Duration) *Frame {
	d = ClampRealtimeDuration(d)
	return realtimeFrame(true, uint32(d/time.Second))
}

// RealtimeTriggerOff 构造关闭实时数据推送的控制帧
func RealtimeTriggerOff() *Frame {
	return realtimeFrame(false, uint32(MinRealtimeDuration/time.Second))
}

func realtimeFrame(enable bool, seconds uint32) *Frame {
	f := NewFrame(MsgRealtimeTrigger)
	var on uint8
	if enable {
		on = 1
	}
	f.UpdateField(ByteField(0xa1, realtimeCommand))
	f.UpdateField(Uint8Field(0xa2, on))
	f.UpdateField(VarField(0xa3, seconds))
	f.AddTimestampField()
	return f
}

// NewControlFrame 以给定字段构造任意下行帧
func NewControlFrame(t MessageType, fields ...Field) (*Frame, error) {
	f := NewFrame(t)
	for _, fld := range fields {
		if fld.ID == FieldTimestamp {
			return nil, fmt.Errorf("%w: use SetTimestamp for the trailer", ErrInvalidField)
		}
		if err := fld.validate(); err != nil {
			return nil, err
		}
		f.UpdateField(fld)
	}
	f.AddTimestampField()
	return f, nil
}
