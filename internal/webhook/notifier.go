package webhook

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Notifier 异步事件推送
// 内存队列满时丢弃新事件，不阻塞调用方
type Notifier struct {
	pusher   *Pusher
	endpoint string
	queue    chan Event
	logger   *zap.Logger
	counter  *prometheus.CounterVec

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier counter 可为 nil，标签为 result
func NewNotifier(p *Pusher, endpoint string, queueSize int, counter *prometheus.CounterVec, logger *zap.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		pusher:   p,
		endpoint: endpoint,
		queue:    make(chan Event, queueSize),
		logger:   logger,
		counter:  counter,
	}
}

// Enqueue 入队；队列满或已关闭时返回 false
func (n *Notifier) Enqueue(e Event) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- e:
		return true
	default:
		n.dropped.Add(1)
		n.count("dropped")
		n.logger.Warn("webhook queue full, event dropped",
			zap.String("event", e.Event),
			zap.String("device", e.DeviceSerial))
		return false
	}
}

// Start 启动推送 worker
func (n *Notifier) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	n.logger.Info("webhook notifier started",
		zap.Int("worker_count", workers),
		zap.String("endpoint", n.endpoint))
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx, i+1)
	}
}

// Close 停止接收并等待队列中的事件推送完成
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// Stats 已推送、失败、丢弃数
func (n *Notifier) Stats() (sent, failed, dropped int64) {
	return n.sent.Load(), n.failed.Load(), n.dropped.Load()
}

func (n *Notifier) worker(ctx context.Context, id int) {
	defer n.wg.Done()
	log := n.logger.With(zap.Int("worker_id", id))
	// 关闭阶段仍把剩余事件推完
	pushCtx := context.WithoutCancel(ctx)
	for e := range n.queue {
		code, _, err := n.pusher.SendJSON(pushCtx, n.endpoint, e)
		if err != nil {
			n.failed.Add(1)
			n.count("failed")
			log.Warn("webhook push failed",
				zap.String("event_id", e.ID),
				zap.String("event", e.Event),
				zap.Int("status", code),
				zap.Error(err))
			continue
		}
		n.sent.Add(1)
		n.count("sent")
		log.Debug("webhook pushed", zap.String("event_id", e.ID), zap.String("event", e.Event))
	}
}

func (n *Notifier) count(result string) {
	if n.counter != nil {
		n.counter.WithLabelValues(result).Inc()
	}
}
