package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/metrics"
	"github.com/taoyao-code/solix-gateway/internal/poller"
	"github.com/taoyao-code/solix-gateway/internal/session"
	"github.com/taoyao-code/solix-gateway/internal/storage"
)

const defaultQueueSize = 256

// Options 管道配置；Latest 与 History 为 nil 时跳过对应写入
type Options struct {
	Latest       storage.SnapshotStore
	History      storage.FrameHistory
	Power        *PowerTracker
	Metrics      *metrics.AppMetrics
	Logger       *zap.Logger
	QueueSize    int
	WriteTimeout time.Duration
	// BreakerThreshold 连续失败多少次后暂停该存储的写入，BreakerCooldown 后试探恢复
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// OnPowerChange 在接收协程中同步调用
	OnPowerChange func(PowerChange)
}

// Pipeline 轮询回调的组合实现
// 日志、指标与功率跟踪在回调中同步完成；持久化交给后台协程，队列满时丢弃
type Pipeline struct {
	opts  Options
	log   *zap.Logger
	queue chan storage.Snapshot

	latestBreaker  *Breaker
	historyBreaker *Breaker

	dropped atomic.Int64
	stored  atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	p := &Pipeline{
		opts:  opts,
		log:   opts.Logger,
		queue: make(chan storage.Snapshot, opts.QueueSize),
	}
	p.latestBreaker = p.newBreaker("redis")
	p.historyBreaker = p.newBreaker("pg")
	return p
}

func (p *Pipeline) newBreaker(sink string) *Breaker {
	b := NewBreaker(p.opts.BreakerThreshold, p.opts.BreakerCooldown)
	b.OnStateChange(func(from, to BreakerState) {
		p.log.Warn("telemetry sink breaker state changed",
			zap.String("sink", sink),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})
	return b
}

// BreakerStates 各存储熔断器状态
func (p *Pipeline) BreakerStates() map[string]BreakerState {
	return map[string]BreakerState{
		"redis": p.latestBreaker.State(),
		"pg":    p.historyBreaker.State(),
	}
}

// Start 启动持久化协程；没有配置存储时不启动
func (p *Pipeline) Start(ctx context.Context) {
	if !p.persists() {
		return
	}
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run(ctx)
	})
}

// Close 停止接收并等待队列写完；之后不应再调用 Handle
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
	p.wg.Wait()
}

// Stats 已写入与丢弃的快照数
func (p *Pipeline) Stats() (stored, dropped int64) {
	return p.stored.Load(), p.dropped.Load()
}

func (p *Pipeline) persists() bool {
	return p.opts.Latest != nil || p.opts.History != nil
}

// Callback 作为 poller.Request.Callback 使用
func (p *Pipeline) Callback() poller.Callback {
	return p.Handle
}

// Handle 处理一条设备消息
func (p *Pipeline) Handle(_ *session.Session, d poller.Delivery) {
	p.log.Debug("device frame",
		zap.String("device", d.DeviceSerial),
		zap.String("channel", d.Channel),
		zap.String("msg_type", d.Frame.MessageType().String()),
		zap.Bool("delta", d.ValueUpdate),
		zap.Int("fields", len(d.Values)))

	if p.opts.Power != nil {
		if ch, ok := p.opts.Power.Observe(d); ok {
			if p.opts.Metrics != nil {
				p.opts.Metrics.ACOutputPower.WithLabelValues(ch.Device).Set(ch.Current)
			}
			p.log.Info("ac output power changed",
				zap.String("device", ch.Device),
				zap.Float64("previous", ch.Previous),
				zap.Float64("current", ch.Current),
				zap.Bool("first", ch.First),
				zap.Bool("verified", ch.Verified))
			if p.opts.OnPowerChange != nil {
				p.opts.OnPowerChange(ch)
			}
		}
	}

	if !p.persists() {
		return
	}
	select {
	case p.queue <- ToSnapshot(d):
	default:
		p.dropped.Add(1)
		if p.opts.Metrics != nil {
			p.opts.Metrics.DroppedTotal.WithLabelValues("sink_queue_full").Inc()
		}
		p.log.Warn("telemetry queue full, snapshot dropped", zap.String("device", d.DeviceSerial))
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	for snap := range p.queue {
		p.write(ctx, snap)
	}
}

func (p *Pipeline) write(ctx context.Context, snap storage.Snapshot) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()

	ok := true
	if p.opts.Latest != nil {
		err := p.latestBreaker.Call(func() error { return p.opts.Latest.Save(wctx, snap) })
		if err != nil {
			ok = false
			p.sinkError("redis", snap, err)
		}
	}
	if p.opts.History != nil {
		err := p.historyBreaker.Call(func() error {
			_, err := p.opts.History.InsertFrame(wctx, snap)
			return err
		})
		if err != nil {
			ok = false
			p.sinkError("pg", snap, err)
		}
	}
	if ok {
		p.stored.Add(1)
	}
}

func (p *Pipeline) sinkError(sink string, snap storage.Snapshot, err error) {
	if errors.Is(err, ErrSinkOpen) {
		if p.opts.Metrics != nil {
			p.opts.Metrics.DroppedTotal.WithLabelValues("sink_open").Inc()
		}
		return
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.SinkErrors.WithLabelValues(sink).Inc()
	}
	p.log.Warn("telemetry sink write failed",
		zap.String("sink", sink),
		zap.String("device", snap.DeviceSerial),
		zap.Error(err))
}

// ToSnapshot 转为持久化形式
func ToSnapshot(d poller.Delivery) storage.Snapshot {
	fields := make([]storage.FieldValue, 0, len(d.Values))
	for _, v := range d.Values {
		fields = append(fields, storage.FieldValue{
			ID:       v.Field,
			Name:     v.Name,
			Value:    v.String(),
			Unit:     v.Unit,
			Known:    v.Known,
			Verified: v.Verified,
		})
	}
	var msgType uint16
	if d.Frame != nil {
		msgType = uint16(d.Frame.MessageType())
	}
	return storage.Snapshot{
		DeviceSerial:  d.DeviceSerial,
		ProductNumber: d.ProductNumber,
		Channel:       d.Channel,
		MessageType:   msgType,
		Delta:         d.ValueUpdate,
		Frame:         append([]byte(nil), d.Raw...),
		Fields:        fields,
		ReceivedAt:    d.ReceivedAt,
	}
}
