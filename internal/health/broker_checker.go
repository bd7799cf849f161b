package health

import (
	"context"
	"sync"
	"time"
)

// BrokerSession 会话的连接状态视图，*session.Session 满足该接口
type BrokerSession interface {
	Lost() <-chan struct{}
	Err() error
	Subscriptions() []string
}

// BrokerChecker broker 连接检查
// 会话建立前与连接断开后为 unhealthy；已连接但无订阅为 degraded
type BrokerChecker struct {
	mu     sync.RWMutex
	s      BrokerSession
	broker string
}

func NewBrokerChecker(broker string) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

// SetSession 绑定当前会话；传 nil 解绑
func (c *BrokerChecker) SetSession(s BrokerSession) {
	c.mu.Lock()
	c.s = s
	c.mu.Unlock()
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	c.mu.RLock()
	s := c.s
	c.mu.RUnlock()

	details := map[string]any{"broker": c.broker}
	if s == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not connected", Details: details, Latency: time.Since(start)}
	}

	select {
	case <-s.Lost():
		msg := "connection lost"
		if err := s.Err(); err != nil {
			msg = "connection lost: " + err.Error()
		}
		return CheckResult{Status: StatusUnhealthy, Message: msg, Details: details, Latency: time.Since(start)}
	default:
	}

	subs := s.Subscriptions()
	details["subscriptions"] = len(subs)
	if len(subs) == 0 {
		return CheckResult{Status: StatusDegraded, Message: "no active subscriptions", Details: details, Latency: time.Since(start)}
	}
	return CheckResult{Status: StatusHealthy, Message: "ok", Details: details, Latency: time.Since(start)}
}
