package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/poller"
	"github.com/taoyao-code/solix-gateway/internal/session"
)

// PollLoop 反复执行轮询
// 超时结束后在 RunForever 时等待 RestartDelay 再开始下一轮；取消或连接断开时返回
type PollLoop struct {
	Session      *session.Session
	Options      poller.Options
	Request      poller.Request
	RunForever   bool
	RestartDelay time.Duration
	Logger       *zap.Logger
	// OnResult 每轮结束后调用
	OnResult func(poller.Result)
}

// Run 返回最后一轮的结果
func (l *PollLoop) Run(ctx context.Context) (poller.Result, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	opts := l.Options
	for round := 1; ; round++ {
		res, err := poller.New(l.Session, opts).Poll(ctx, l.Request)
		if err != nil {
			return res, err
		}
		if l.OnResult != nil {
			l.OnResult(res)
		}
		log.Info("poll round finished",
			zap.Int("round", round),
			zap.String("run_id", res.RunID),
			zap.Stringer("reason", res.Reason),
			zap.Int("delivered", res.Delivered),
			zap.Int("dropped", res.Dropped))

		if res.Reason != poller.TimedOut || !l.RunForever {
			return res, nil
		}
		// 延迟触发只在第一轮生效，之后由触发集合本身维持
		opts.DelayedTriggers = nil

		if l.RestartDelay > 0 {
			t := time.NewTimer(l.RestartDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return res, nil
			case <-l.Session.Lost():
				t.Stop()
				return res, nil
			case <-t.C:
			}
		}
	}
}
