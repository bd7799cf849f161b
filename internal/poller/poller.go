package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/metrics"
	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	"github.com/taoyao-code/solix-gateway/internal/session"
	"github.com/taoyao-code/solix-gateway/internal/transport"
)

// 丢弃原因（指标标签）
const (
	dropTopic     = "unmatched_topic"
	dropDevice    = "unknown_device"
	dropEnvelope  = "envelope"
	dropMalformed = "malformed"
	dropChecksum  = "checksum"
	dropFieldType = "field_type"
)

// Options 轮询器参数
type Options struct {
	// TriggerDuration 触发帧请求的实时推送时长，截断到 [60s, 300s]
	TriggerDuration time.Duration
	// TriggerInterval 重发间隔；为 0 或大于 TriggerDuration 时取 TriggerDuration
	TriggerInterval time.Duration
	// DelayedTriggers 在 TriggerDelay 之后加入触发集合的设备
	DelayedTriggers []string
	TriggerDelay    time.Duration
	// PublishTimeout 单次触发发布的超时
	PublishTimeout time.Duration

	Registry *solix.Registry
	Metrics  *metrics.AppMetrics
	Logger   *zap.Logger
}

// Poller 在一个会话上订阅设备主题、周期触发实时数据并分发解码后的帧
type Poller struct {
	s    *session.Session
	opts Options
	reg  *solix.Registry
	m    *metrics.AppMetrics
	log  *zap.Logger
}

// New 创建轮询器
func New(s *session.Session, opts Options) *Poller {
	opts.TriggerDuration = solix.ClampRealtimeDuration(opts.TriggerDuration)
	if opts.TriggerInterval <= 0 || opts.TriggerInterval > opts.TriggerDuration {
		opts.TriggerInterval = opts.TriggerDuration
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	reg := opts.Registry
	if reg == nil {
		reg = solix.NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{s: s, opts: opts, reg: reg, m: opts.Metrics, log: log}
}

type counters struct {
	delivered     atomic.Int64
	dropped       atomic.Int64
	triggers      atomic.Int64
	triggerErrors atomic.Int64
}

// Poll 运行一次轮询，直到超时、ctx 取消或连接断开
// 订阅失败直接返回错误；正常结束（包括超时）返回 Result 与 nil
func (p *Poller) Poll(ctx context.Context, req Request) (Result, error) {
	if req.Callback == nil {
		return Result{}, ErrNoCallback
	}
	if !p.s.AcquirePoll() {
		return Result{}, ErrPollActive
	}
	defer p.s.ReleasePoll()

	topics := req.Topics
	if len(topics) == 0 {
		topics = p.s.DeviceTopics()
	}
	added, err := p.s.Subscribe(ctx, topics...)
	if err != nil {
		return Result{}, fmt.Errorf("poll subscribe: %w", err)
	}
	defer p.release(added)

	res := Result{RunID: uuid.NewString(), Started: time.Now()}
	log := p.log.With(zap.String("run_id", res.RunID))
	log.Info("poll started",
		zap.Strings("topics", topics),
		zap.Strings("triggers", p.s.Triggers().List()),
		zap.Duration("timeout", req.Timeout))

	var c counters
	schedCtx, stopSched := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.schedule(schedCtx, log, &c)
	}()

	var timeoutC <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			res.Reason = Cancelled
			break loop
		case <-timeoutC:
			res.Reason = TimedOut
			break loop
		case <-p.s.Lost():
			res.Reason = TransportLost
			res.Err = p.s.Err()
			break loop
		case msg := <-p.s.Messages():
			p.handle(log, msg, req.Callback, &c)
		}
	}

	stopSched()
	wg.Wait()

	res.Ended = time.Now()
	res.Delivered = int(c.delivered.Load())
	res.Dropped = int(c.dropped.Load())
	res.Triggers = int(c.triggers.Load())
	res.TriggerErrors = int(c.triggerErrors.Load())
	if p.m != nil {
		p.m.PollTermination.WithLabelValues(res.Reason.String()).Inc()
	}
	log.Info("poll finished",
		zap.String("reason", res.Reason.String()),
		zap.Int("delivered", res.Delivered),
		zap.Int("dropped", res.Dropped),
		zap.Int("triggers", res.Triggers),
		zap.Duration("elapsed", res.Ended.Sub(res.Started)),
		zap.Error(res.Err))
	return res, nil
}

// release 取消本次轮询新增的订阅；连接已断开时跳过
func (p *Poller) release(topics []string) {
	if len(topics) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
	defer cancel()
	if err := p.s.Release(ctx, topics...); err != nil && !errors.Is(err, transport.ErrClosed) {
		p.log.Warn("release subscriptions failed", zap.Strings("topics", topics), zap.Error(err))
	}
}

// channelLabel 主题后缀映射为固定的指标标签
func channelLabel(suffix string) string {
	switch suffix {
	case transport.ChannelState, transport.ChannelParam, transport.CommandRequest, transport.CommandResponse:
		return suffix
	}
	return "other"
}

func (p *Poller) drop(c *counters, reason string) {
	c.dropped.Add(1)
	if p.m != nil {
		p.m.DroppedTotal.WithLabelValues(reason).Inc()
	}
}

func (p *Poller) decodeResult(result string) {
	if p.m != nil {
		p.m.FrameDecodeTotal.WithLabelValues(result).Inc()
	}
}

// handle 处理一条入站消息：匹配设备 → 解信封 → 解帧 → 校验字段 → 回调
func (p *Poller) handle(log *zap.Logger, msg transport.Message, cb Callback, c *counters) {
	info, topicOK := transport.ParseTopic(msg.Topic)
	if p.m != nil {
		p.m.MessagesReceived.WithLabelValues(channelLabel(info.Suffix)).Inc()
	}

	serial := info.DeviceSerial
	var dev session.Device
	if topicOK {
		d, ok := p.s.Inventory().Lookup(serial)
		if !ok {
			p.drop(c, dropDevice)
			return
		}
		dev = d
	}

	env, err := transport.DecodeEnvelope(msg.Payload)
	if err != nil {
		if !topicOK {
			p.drop(c, dropTopic)
			return
		}
		p.decodeResult(dropEnvelope)
		p.drop(c, dropEnvelope)
		log.Warn("envelope decode failed", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}

	if !topicOK {
		serial = env.Head.DeviceSN
		if serial == "" {
			serial = env.Payload.DeviceSN
		}
		d, ok := p.s.Inventory().Lookup(serial)
		if !ok {
			p.drop(c, dropTopic)
			return
		}
		dev = d
	}

	raw := env.Payload.Data
	frame, err := solix.Decode(raw)
	if err != nil {
		reason := dropMalformed
		if errors.Is(err, solix.ErrChecksumMismatch) {
			reason = dropChecksum
		}
		p.decodeResult(reason)
		p.drop(c, reason)
		log.Warn("frame decode failed",
			zap.String("device", serial),
			zap.String("topic", msg.Topic),
			zap.Binary("raw", raw),
			zap.Error(err))
		return
	}

	values, err := p.reg.ResolveFrame(frame)
	if err != nil {
		p.decodeResult(dropFieldType)
		p.drop(c, dropFieldType)
		log.Warn("frame field validation failed",
			zap.String("device", serial),
			zap.String("msg_type", frame.MessageType().String()),
			zap.Error(err))
		return
	}
	p.decodeResult("ok")
	if p.m != nil {
		p.m.FramesByType.WithLabelValues(frame.MessageType().String()).Inc()
	}

	p.s.Inventory().OnSeen(dev.Serial, msg.ReceivedAt)
	d := Delivery{
		Topic:         msg.Topic,
		Channel:       info.Suffix,
		Envelope:      env,
		Raw:           raw,
		Frame:         frame,
		Values:        values,
		ProductNumber: dev.ProductNumber,
		DeviceSerial:  dev.Serial,
		ValueUpdate:   p.valueUpdate(frame.MessageType(), info.Suffix),
		ReceivedAt:    msg.ReceivedAt,
	}
	if p.invoke(log, cb, d) {
		c.delivered.Add(1)
	}
}

// valueUpdate 消息类型登记了更新方式时以登记为准，否则 state_info 为增量
func (p *Poller) valueUpdate(t solix.MessageType, channel string) bool {
	if info, ok := p.reg.Message(t); ok {
		switch info.Update {
		case solix.UpdateDelta:
			return true
		case solix.UpdateSnapshot:
			return false
		}
	}
	return channel == transport.ChannelState
}

// invoke 调用回调并恢复 panic
func (p *Poller) invoke(log *zap.Logger, cb Callback, d Delivery) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if p.m != nil {
				p.m.CallbackPanics.Inc()
			}
			log.Error("poll callback panic",
				zap.String("device", d.DeviceSerial),
				zap.String("msg_type", d.Frame.MessageType().String()),
				zap.Any("panic", r))
		}
	}()
	cb(p.s, d)
	return true
}
