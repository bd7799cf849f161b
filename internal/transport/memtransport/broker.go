// Package memtransport 进程内 broker，用于测试会话与轮询
package memtransport

import (
	"context"
	"sync"
	"time"

	"github.com/taoyao-code/solix-gateway/internal/transport"
)

// Broker 进程内 broker
type Broker struct {
	mu        sync.Mutex
	conns     map[*Conn]struct{}
	published []transport.Message
	notify    chan struct{}

	// 以下错误用于模拟失败
	DialErr      error
	SubscribeErr error
	PublishErr   error
}

// NewBroker 创建 broker
func NewBroker() *Broker {
	return &Broker{
		conns:  make(map[*Conn]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Dial 实现 transport.Dialer
func (b *Broker) Dial(ctx context.Context, cred transport.Credentials) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transport.ConnectionError{Op: "connect", Broker: cred.BrokerURL, Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DialErr != nil {
		return nil, &transport.ConnectionError{Op: "connect", Broker: cred.BrokerURL, Err: b.DialErr}
	}
	c := &Conn{
		broker: b,
		subs:   make(map[string]struct{}),
		msgs:   make(chan transport.Message, 64),
		lost:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// Inject 模拟设备发布消息，返回投递到的连接数
func (b *Broker) Inject(topic string, payload []byte) int {
	b.mu.Lock()
	targets := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		if c.matches(topic) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	msg := transport.Message{Topic: topic, Payload: append([]byte(nil), payload...), ReceivedAt: time.Now()}
	for _, c := range targets {
		select {
		case c.msgs <- msg:
		case <-c.lost:
		}
	}
	return len(targets)
}

// Published 返回所有发布过的消息
func (b *Broker) Published() []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Message(nil), b.published...)
}

// WaitPublished 等待发布数达到 n
func (b *Broker) WaitPublished(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		got := len(b.published)
		b.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-b.notify:
		case <-deadline:
			return false
		}
	}
}

// Subscriptions 当前所有连接的订阅
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for c := range b.conns {
		c.mu.Lock()
		for t := range c.subs {
			out = append(out, t)
		}
		c.mu.Unlock()
	}
	return out
}

// Disconnect 模拟所有连接断开
func (b *Broker) Disconnect(err error) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.markLost(err)
	}
}

func (b *Broker) remove(c *Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

func (b *Broker) record(m transport.Message) {
	b.mu.Lock()
	b.published = append(b.published, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Conn 进程内连接
type Conn struct {
	broker *Broker

	mu   sync.Mutex
	subs map[string]struct{}
	seq  uint16
	err  error

	msgs     chan transport.Message
	lost     chan struct{}
	lostOnce sync.Once
}

func (c *Conn) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f := range c.subs {
		if transport.MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *Conn) markLost(err error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.lost)
	})
}

func (c *Conn) Subscribe(ctx context.Context, topics ...string) error {
	if err := c.Err(); err != nil {
		return err
	}
	c.broker.mu.Lock()
	subErr := c.broker.SubscribeErr
	c.broker.mu.Unlock()
	if subErr != nil {
		return &transport.ConnectionError{Op: "subscribe", Err: subErr}
	}
	c.mu.Lock()
	for _, t := range topics {
		c.subs[t] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := c.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) (transport.DeliveryResult, error) {
	if err := c.Err(); err != nil {
		return transport.DeliveryResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return transport.DeliveryResult{}, err
	}
	c.broker.mu.Lock()
	pubErr := c.broker.PublishErr
	c.broker.mu.Unlock()
	if pubErr != nil {
		return transport.DeliveryResult{}, pubErr
	}
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.mu.Unlock()
	c.broker.record(transport.Message{Topic: topic, Payload: append([]byte(nil), payload...), ReceivedAt: time.Now()})
	return transport.DeliveryResult{MessageID: id, Topic: topic}, nil
}

func (c *Conn) Messages() <-chan transport.Message { return c.msgs }

func (c *Conn) Lost() <-chan struct{} { return c.lost }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.markLost(transport.ErrClosed)
	c.broker.remove(c)
	return nil
}
