package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/solix-gateway/internal/poller"
	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
)

// FieldACOutputPower 交流输出功率字段名
const FieldACOutputPower = "ac_output_power"

// Extractor 从一条设备消息中取出功率读数
type Extractor func(d poller.Delivery) (float64, bool)

// FieldExtractor 按字段名取数值；缩放值与浮点值取 Float，整数取 Uint/Int
func FieldExtractor(name string) Extractor {
	return func(d poller.Delivery) (float64, bool) {
		v, ok := d.Value(name)
		if !ok {
			return 0, false
		}
		return numeric(v)
	}
}

func numeric(v solix.Value) (float64, bool) {
	switch v.Kind {
	case solix.ValueFloat, solix.ValueScaled:
		return v.Float, true
	case solix.ValueUint:
		return float64(v.Uint), true
	case solix.ValueInt:
		return float64(v.Int), true
	default:
		return 0, false
	}
}

// PowerChange 一次功率变化
type PowerChange struct {
	Device   string
	Previous float64
	Current  float64
	// First 为设备的第一次读数
	First bool
	// Verified 字段缩放未确认时为 false
	Verified bool
	At       time.Time
}

type powerState struct {
	value float64
	at    time.Time
}

// PowerTracker 按设备记录最近一次功率读数，仅在数值变化时报告
type PowerTracker struct {
	extract Extractor

	mu   sync.Mutex
	last map[string]powerState
}

// NewPowerTracker extract 为 nil 时使用 ac_output_power 字段
func NewPowerTracker(extract Extractor) *PowerTracker {
	if extract == nil {
		extract = FieldExtractor(FieldACOutputPower)
	}
	return &PowerTracker{extract: extract, last: make(map[string]powerState)}
}

// Observe 处理一条消息；无读数或数值未变化时返回 false
func (t *PowerTracker) Observe(d poller.Delivery) (PowerChange, bool) {
	power, ok := t.extract(d)
	if !ok {
		return PowerChange{}, false
	}
	verified := false
	if v, ok := d.Value(FieldACOutputPower); ok {
		verified = v.Verified
	}
	ch, changed := t.Record(d.DeviceSerial, power, d.ReceivedAt)
	ch.Verified = verified
	return ch, changed
}

// Record 记录一个读数
func (t *PowerTracker) Record(device string, power float64, at time.Time) (PowerChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[device]
	if seen && prev.value == power {
		prev.at = at
		t.last[device] = prev
		return PowerChange{}, false
	}
	t.last[device] = powerState{value: power, at: at}
	return PowerChange{
		Device:   device,
		Previous: prev.value,
		Current:  power,
		First:    !seen,
		At:       at,
	}, true
}

// Last 设备最近一次读数
func (t *PowerTracker) Last(device string) (float64, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.last[device]
	return s.value, s.at, ok
}

// Devices 有读数的设备
func (t *PowerTracker) Devices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.last))
	for sn := range t.last {
		out = append(out, sn)
	}
	sort.Strings(out)
	return out
}

// Forget 清除设备读数
func (t *PowerTracker) Forget(device string) {
	t.mu.Lock()
	delete(t.last, device)
	t.mu.Unlock()
}
