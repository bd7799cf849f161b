package transport

import (
	"fmt"
	"strings"
)

// DefaultVendor 设备主题中的厂商段
const DefaultVendor = "anker_power"

// 遥测通道
const (
	ChannelState = "state_info" // 增量
	ChannelParam = "param_info" // 全量
)

// 命令方向
const (
	CommandRequest  = "req"
	CommandResponse = "res"
)

// TopicKind 主题类别
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicTelemetry
	TopicCommand
)

// Topics 设备主题构造器，纯函数
type Topics struct {
	Vendor string
}

func (t Topics) vendor() string {
	if t.Vendor == "" {
		return DefaultVendor
	}
	return t.Vendor
}

// Prefix 设备遥测主题前缀 dt/<vendor>/<pn>/<sn>
func (t Topics) Prefix(pn, sn string) string {
	return fmt.Sprintf("dt/%s/%s/%s", t.vendor(), pn, sn)
}

// Telemetry 遥测主题，channel 为空时返回通配订阅
func (t Topics) Telemetry(pn, sn, channel string) string {
	if channel == "" {
		return t.Prefix(pn, sn) + "/#"
	}
	return t.Prefix(pn, sn) + "/" + channel
}

// Command 命令主题 cmd/<vendor>/<pn>/<sn>/<req|res>
func (t Topics) Command(pn, sn, dir string) string {
	return fmt.Sprintf("cmd/%s/%s/%s/%s", t.vendor(), pn, sn, dir)
}

// DeviceSubscriptions 单个设备需要订阅的主题
func (t Topics) DeviceSubscriptions(pn, sn string) []string {
	return []string{
		t.Telemetry(pn, sn, ""),
		t.Command(pn, sn, CommandResponse),
	}
}

// TopicInfo 主题解析结果
type TopicInfo struct {
	Kind          TopicKind
	Vendor        string
	ProductNumber string
	DeviceSerial  string
	Suffix        string // 遥测通道或命令方向
}

// ParseTopic 解析设备主题；无法识别时 ok=false
func ParseTopic(topic string) (TopicInfo, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return TopicInfo{}, false
	}
	info := TopicInfo{Vendor: parts[1], ProductNumber: parts[2], DeviceSerial: parts[3]}
	switch parts[0] {
	case "dt":
		info.Kind = TopicTelemetry
	case "cmd":
		info.Kind = TopicCommand
	default:
		return TopicInfo{}, false
	}
	if info.DeviceSerial == "" || info.ProductNumber == "" {
		return TopicInfo{}, false
	}
	if len(parts) > 4 {
		info.Suffix = strings.Join(parts[4:], "/")
	}
	return info, true
}

// MatchTopic 按 MQTT 通配规则（+ 与 #）判断主题是否匹配订阅
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, seg := range f {
		if seg == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
