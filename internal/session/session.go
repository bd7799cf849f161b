package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	"github.com/taoyao-code/solix-gateway/internal/transport"
)

var (
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("session closed")
	// ErrUnknownDevice 设备不在清单中
	ErrUnknownDevice = errors.New("unknown device")
)

// Config 会话参数
type Config struct {
	Credentials transport.Credentials
	Topics      transport.Topics
	AccountID   string
	Devices     []Device
	// Triggers 初始触发设备
	Triggers      []string
	OnlineTimeout time.Duration
	Logger        *zap.Logger
}

// Session 持有一条 broker 连接、订阅集合与触发设备集合
// 连接断开后不会自动重连，调用方需要重新 Connect
type Session struct {
	conn      transport.Conn
	topics    transport.Topics
	clientID  string
	accountID string
	inventory *Inventory
	triggers  *TriggerSet
	log       *zap.Logger

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool

	seq     atomic.Int64
	polling atomic.Bool
}

// Connect 建立连接并创建会话；连接失败返回 *transport.ConnectionError
func Connect(ctx context.Context, d transport.Dialer, cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	inv := NewInventory(cfg.Devices, cfg.OnlineTimeout)
	for _, sn := range cfg.Triggers {
		if _, ok := inv.Lookup(sn); !ok {
			return nil, fmt.Errorf("trigger device %s: %w", sn, ErrUnknownDevice)
		}
	}

	conn, err := d.Dial(ctx, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	s := &Session{
		conn:      conn,
		topics:    cfg.Topics,
		clientID:  cfg.Credentials.ClientID,
		accountID: cfg.AccountID,
		inventory: inv,
		triggers:  NewTriggerSet(cfg.Triggers...),
		log:       log,
		subs:      make(map[string]struct{}),
	}
	log.Info("session connected",
		zap.String("broker", cfg.Credentials.BrokerURL),
		zap.Int("devices", len(cfg.Devices)),
		zap.Int("triggers", len(cfg.Triggers)))
	return s, nil
}

// Inventory 设备清单
func (s *Session) Inventory() *Inventory { return s.inventory }

// Topics 主题构造器
func (s *Session) Topics() transport.Topics { return s.topics }

// Triggers 触发设备集合
func (s *Session) Triggers() *TriggerSet { return s.triggers }

// AddTrigger 将清单中的设备加入触发集合
func (s *Session) AddTrigger(serial string) error {
	if _, ok := s.inventory.Lookup(serial); !ok {
		return fmt.Errorf("%s: %w", serial, ErrUnknownDevice)
	}
	s.triggers.Add(serial)
	return nil
}

// RemoveTrigger 从触发集合移除设备
func (s *Session) RemoveTrigger(serial string) bool {
	return s.triggers.Remove(serial)
}

// DeviceTopics 清单中所有设备需要订阅的主题
func (s *Session) DeviceTopics() []string {
	var out []string
	for _, d := range s.inventory.Devices() {
		out = append(out, s.topics.DeviceSubscriptions(d.ProductNumber, d.Serial)...)
	}
	return out
}

// Subscribe 订阅主题，已订阅的主题跳过；返回本次新增的主题
func (s *Session) Subscribe(ctx context.Context, topics ...string) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var added []string
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		if _, ok := s.subs[t]; !ok && !seen[t] {
			added = append(added, t)
			seen[t] = true
		}
	}
	s.mu.Unlock()

	if len(added) == 0 {
		return nil, nil
	}
	if err := s.conn.Subscribe(ctx, added...); err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, t := range added {
		s.subs[t] = struct{}{}
	}
	s.mu.Unlock()
	return added, nil
}

// Release 取消订阅
func (s *Session) Release(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	var drop []string
	for _, t := range topics {
		if _, ok := s.subs[t]; ok {
			drop = append(drop, t)
			delete(s.subs, t)
		}
	}
	closed := s.closed
	s.mu.Unlock()
	if len(drop) == 0 || closed {
		return nil
	}
	return s.conn.Unsubscribe(ctx, drop...)
}

// Subscriptions 当前订阅（排序）
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Publish 发布原始消息
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) (transport.DeliveryResult, error) {
	if s.isClosed() {
		return transport.DeliveryResult{}, ErrClosed
	}
	return s.conn.Publish(ctx, topic, payload)
}

// PublishFrame 将控制帧封装进信封发往设备命令主题
func (s *Session) PublishFrame(ctx context.Context, serial string, f *solix.Frame) (transport.DeliveryResult, error) {
	d, ok := s.inventory.Lookup(serial)
	if !ok {
		return transport.DeliveryResult{}, fmt.Errorf("%s: %w", serial, ErrUnknownDevice)
	}
	raw, err := f.Marshal()
	if err != nil {
		return transport.DeliveryResult{}, fmt.Errorf("encode %s frame: %w", f.MessageType(), err)
	}
	env := transport.NewCommandEnvelope(transport.CommandTarget{
		ProductNumber: d.ProductNumber,
		DeviceSerial:  d.Serial,
		AccountID:     s.accountID,
		ClientID:      s.clientID,
	}, int(s.seq.Add(1)), raw)
	payload, err := env.Marshal()
	if err != nil {
		return transport.DeliveryResult{}, err
	}
	res, err := s.Publish(ctx, s.topics.Command(d.ProductNumber, d.Serial, transport.CommandRequest), payload)
	if err != nil {
		return res, fmt.Errorf("publish %s to %s: %w", f.MessageType(), serial, err)
	}
	if ce := s.log.Check(zap.DebugLevel, "frame published"); ce != nil {
		ce.Write(
			zap.String("device", serial),
			zap.String("msg_type", f.MessageType().String()),
			zap.Uint16("message_id", res.MessageID),
			zap.String("frame", hex.EncodeToString(raw)))
	}
	return res, nil
}

// Messages 入站消息
func (s *Session) Messages() <-chan transport.Message { return s.conn.Messages() }

// Lost 连接断开信号
func (s *Session) Lost() <-chan struct{} { return s.conn.Lost() }

// Err 连接断开原因
func (s *Session) Err() error { return s.conn.Err() }

// AcquirePoll 占用轮询权，同一会话同时只允许一个轮询
func (s *Session) AcquirePoll() bool { return s.polling.CompareAndSwap(false, true) }

// ReleasePoll 释放轮询权
func (s *Session) ReleasePoll() { s.polling.Store(false) }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 取消全部订阅并关闭连接，可重复调用
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := make([]string, 0, len(s.subs))
	for t := range s.subs {
		topics = append(topics, t)
	}
	s.subs = make(map[string]struct{})
	s.mu.Unlock()

	var unsubErr error
	if len(topics) > 0 && s.conn.Err() == nil {
		unsubErr = s.conn.Unsubscribe(ctx, topics...)
		if unsubErr != nil {
			s.log.Warn("unsubscribe on close failed", zap.Error(unsubErr))
		}
	}
	if err := s.conn.Close(); err != nil {
		return err
	}
	s.log.Info("session closed", zap.Int("released", len(topics)))
	return unsubErr
}
