package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("transport closed")

// Message 收到的 broker 消息
type Message struct {
	Topic      string
	Payload    []byte
	Retained   bool
	ReceivedAt time.Time
}

// DeliveryResult 发布结果
type DeliveryResult struct {
	MessageID uint16
	Topic     string
}

// Conn 一条 broker 连接
//
// Messages 在连接存续期间不会被关闭，读取方应同时监听 Lost。
// Lost 在连接意外断开或 Close 后关闭，Err 返回原因。
type Conn interface {
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte) (DeliveryResult, error)
	Messages() <-chan Message
	Lost() <-chan struct{}
	Err() error
	Close() error
}

// Dialer 建立连接
type Dialer interface {
	Dial(ctx context.Context, cred Credentials) (Conn, error)
}

// Credentials broker 地址与认证信息
type Credentials struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// ConnectionError 建连/订阅阶段的失败，会话建立因此失败
type ConnectionError struct {
	Op     string // connect / subscribe / unsubscribe / tls
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
