package telemetry

import (
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常写入
	BreakerOpen                         // 跳过写入
	BreakerHalfOpen                     // 放行一次试探写入
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrSinkOpen 熔断期间跳过写入
var ErrSinkOpen = errors.New("sink circuit open")

// Breaker 存储写入熔断器
// 连续失败 threshold 次后打开，cooldown 后放行一次试探；试探成功则关闭，失败则重新打开
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probing   bool
	trips     int64
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	onStateChange func(from, to BreakerState)
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// OnStateChange 状态变化回调，在持锁外同步调用
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Call 受熔断保护地执行 fn
func (b *Breaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var err error
	halfOpened := false
	switch b.state {
	case BreakerClosed:
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			err = ErrSinkOpen
			break
		}
		b.state = BreakerHalfOpen
		b.probing = true
		halfOpened = true
	default:
		// 半开时只允许一个试探
		if b.probing {
			err = ErrSinkOpen
			break
		}
		b.probing = true
	}
	cb := b.onStateChange
	b.mu.Unlock()

	if halfOpened && cb != nil {
		cb(BreakerOpen, BreakerHalfOpen)
	}
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	to := from
	if err == nil {
		b.failures = 0
		to = BreakerClosed
	} else {
		b.failures++
		if from == BreakerHalfOpen || b.failures >= b.threshold {
			to = BreakerOpen
		}
	}
	b.probing = false
	if to == BreakerOpen && from != BreakerOpen {
		b.openedAt = b.now()
		b.trips++
	}
	b.state = to
	cb := b.onStateChange
	b.mu.Unlock()

	if to != from && cb != nil {
		cb(from, to)
	}
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trips 累计打开次数
func (b *Breaker) Trips() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
