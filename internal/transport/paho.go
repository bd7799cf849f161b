package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// PahoDialer 基于 paho 的 MQTT 连接
// 不启用自动重连：断线后 Lost 关闭，由调用方决定是否重建会话
type PahoDialer struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	QoS            byte
	InboundBuffer  int
	Limiter        *Limiter
	Logger         *zap.Logger
}

func (d *PahoDialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Dial 建立连接；认证或网络失败返回 *ConnectionError
func (d *PahoDialer) Dial(ctx context.Context, cred Credentials) (Conn, error) {
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = connectTimeout
	}
	buffer := d.InboundBuffer
	if buffer <= 0 {
		buffer = 256
	}

	tlsconf, err := tlsConfig(cred)
	if err != nil {
		return nil, &ConnectionError{Op: "tls", Broker: cred.BrokerURL, Err: err}
	}

	c := &pahoConn{
		qos:     d.QoS,
		timeout: writeTimeout,
		limiter: d.Limiter,
		log:     d.logger().With(zap.String("broker", cred.BrokerURL), zap.String("client_id", cred.ClientID)),
		msgs:    make(chan Message, buffer),
		lost:    make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cred.BrokerURL).
		SetClientID(cred.ClientID).
		SetUsername(cred.Username).
		SetPassword(cred.Password).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetPingTimeout(writeTimeout).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(writeTimeout).
		SetOrderMatters(false).
		SetDefaultPublishHandler(c.onMessage).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.markLost(err)
		})
	if tlsconf != nil {
		opts.SetTLSConfig(tlsconf)
	}
	c.client = mqtt.NewClient(opts)

	tok := c.client.Connect()
	if err := tokenWait(ctx, tok, connectTimeout, "connect"); err != nil {
		c.abandon(tok)
		return nil, &ConnectionError{Op: "connect", Broker: cred.BrokerURL, Err: err}
	}
	c.log.Info("mqtt connected")
	return c, nil
}

// abandon 放弃未完成的建连
// 握手中调用 Disconnect 会在 CONNACK 到达后中止连接
func (c *pahoConn) abandon(tok mqtt.Token) {
	c.markLost(ErrClosed)
	select {
	case <-tok.Done():
	default:
		c.client.Disconnect(0)
	}
	go func() {
		<-tok.Done()
		if c.client.IsConnectionOpen() {
			c.log.Warn("abandoned mqtt connection completed late, disconnecting")
			c.client.Disconnect(0)
		}
	}()
}

func tlsConfig(cred Credentials) (*tls.Config, error) {
	if cred.CAFile == "" && cred.CertFile == "" && !cred.InsecureSkipVerify {
		return nil, nil
	}
	conf := &tls.Config{InsecureSkipVerify: cred.InsecureSkipVerify}
	if cred.CAFile != "" {
		ca, err := os.ReadFile(cred.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		conf.RootCAs = x509.NewCertPool()
		if !conf.RootCAs.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates in %s", cred.CAFile)
		}
	}
	if cred.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cred.CertFile, cred.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

type pahoConn struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	limiter *Limiter
	log     *zap.Logger

	msgs    chan Message
	dropped atomic.Int64

	lost     chan struct{}
	lostOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (c *pahoConn) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg := Message{
		Topic:      m.Topic(),
		Payload:    append([]byte(nil), m.Payload()...),
		Retained:   m.Retained(),
		ReceivedAt: time.Now(),
	}
	select {
	case c.msgs <- msg:
	case <-c.lost:
	default:
		// 读取方跟不上时丢弃，避免阻塞 paho 的分发
		n := c.dropped.Add(1)
		c.log.Warn("inbound buffer full, message dropped", zap.String("topic", msg.Topic), zap.Int64("dropped_total", n))
	}
}

func (c *pahoConn) markLost(err error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.lost)
		if !errors.Is(err, ErrClosed) {
			c.log.Warn("mqtt connection lost", zap.Error(err))
		}
	})
}

func (c *pahoConn) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := c.Err(); err != nil {
		return err
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = c.qos
	}
	if err := tokenWait(ctx, c.client.SubscribeMultiple(filters, c.onMessage), c.timeout, "subscribe"); err != nil {
		return &ConnectionError{Op: "subscribe", Err: err}
	}
	c.log.Debug("subscribed", zap.Strings("topics", topics))
	return nil
}

func (c *pahoConn) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := c.Err(); err != nil {
		return err
	}
	if err := tokenWait(ctx, c.client.Unsubscribe(topics...), c.timeout, "unsubscribe"); err != nil {
		return &ConnectionError{Op: "unsubscribe", Err: err}
	}
	c.log.Debug("unsubscribed", zap.Strings("topics", topics))
	return nil
}

func (c *pahoConn) Publish(ctx context.Context, topic string, payload []byte) (DeliveryResult, error) {
	if err := c.Err(); err != nil {
		return DeliveryResult{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return DeliveryResult{}, fmt.Errorf("publish %s: rate limit: %w", topic, err)
	}
	tok := c.client.Publish(topic, c.qos, false, payload)
	if err := tokenWait(ctx, tok, c.timeout, "publish "+topic); err != nil {
		return DeliveryResult{}, err
	}
	res := DeliveryResult{Topic: topic}
	if pt, ok := tok.(*mqtt.PublishToken); ok {
		res.MessageID = pt.MessageID()
	}
	return res, nil
}

func (c *pahoConn) Messages() <-chan Message { return c.msgs }

func (c *pahoConn) Lost() <-chan struct{} { return c.lost }

func (c *pahoConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pahoConn) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(uint(c.timeout / time.Millisecond))
	}
	c.markLost(ErrClosed)
	return nil
}

// tokenWait 等待 paho token 完成，受 ctx 与超时约束
func tokenWait(ctx context.Context, t mqtt.Token, timeout time.Duration, tag string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", tag, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%s: timeout after %s", tag, timeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	return nil
}
