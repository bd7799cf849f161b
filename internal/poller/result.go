package poller

import (
	"errors"
	"time"

	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	"github.com/taoyao-code/solix-gateway/internal/session"
	"github.com/taoyao-code/solix-gateway/internal/transport"
)

var (
	// ErrPollActive 同一会话已有轮询在运行
	ErrPollActive = errors.New("poll already active on session")
	// ErrNoCallback 未提供回调
	ErrNoCallback = errors.New("poll callback is required")
)

// Callback 收到有效设备帧时调用；在接收协程中同步执行，不应长时间阻塞
type Callback func(s *session.Session, d Delivery)

// Delivery 交给回调的一条设备消息
// Frame 与 Values 交出后不再被轮询器引用
type Delivery struct {
	Topic         string
	Channel       string // state_info / param_info / res
	Envelope      *transport.Envelope
	Raw           []byte
	Frame         *solix.Frame
	Values        []solix.Value
	ProductNumber string
	DeviceSerial  string
	ValueUpdate   bool // true 为增量，false 为全量快照
	ReceivedAt    time.Time
}

// Value 按字段名查找解码值
func (d Delivery) Value(name string) (solix.Value, bool) {
	for _, v := range d.Values {
		if v.Known && v.Name == name {
			return v, true
		}
	}
	return solix.Value{}, false
}

// Request 一次轮询
type Request struct {
	// Topics 为空时订阅清单中全部设备的主题
	Topics   []string
	Callback Callback
	// Timeout 整体时长；<=0 表示直到取消或连接断开
	Timeout time.Duration
}

// Reason 轮询结束原因
type Reason int

const (
	TimedOut Reason = iota
	Cancelled
	TransportLost
)

func (r Reason) String() string {
	switch r {
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case TransportLost:
		return "transport_lost"
	default:
		return "unknown"
	}
}

// Result 轮询结果
type Result struct {
	RunID         string
	Reason        Reason
	Delivered     int
	Dropped       int
	Triggers      int
	TriggerErrors int
	Started       time.Time
	Ended         time.Time
	// Err 连接断开原因（仅 TransportLost）
	Err error
}
