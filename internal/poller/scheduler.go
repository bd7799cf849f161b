package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
)

// schedule 触发调度协程
// 集合中的设备立即触发一次，之后每隔 TriggerInterval 重发；
// 新加入的设备立即触发，被移除的设备不再重发
func (p *Poller) schedule(ctx context.Context, log *zap.Logger, c *counters) {
	triggers := p.s.Triggers()
	due := make(map[string]time.Time)

	var delayC <-chan time.Time
	if len(p.opts.DelayedTriggers) > 0 {
		if p.opts.TriggerDelay > 0 {
			t := time.NewTimer(p.opts.TriggerDelay)
			defer t.Stop()
			delayC = t.C
		} else {
			p.addDelayed(log)
		}
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		current := triggers.List()
		if p.m != nil {
			p.m.TriggerGauge.Set(float64(len(current)))
		}

		inSet := make(map[string]bool, len(current))
		for _, sn := range current {
			inSet[sn] = true
			if _, ok := due[sn]; !ok {
				due[sn] = now
			}
		}
		for sn := range due {
			if !inSet[sn] {
				delete(due, sn)
			}
		}

		var next time.Time
		for sn, at := range due {
			if !at.After(now) {
				if ctx.Err() != nil {
					return
				}
				p.trigger(ctx, log, c, sn)
				at = time.Now().Add(p.opts.TriggerInterval)
				due[sn] = at
			}
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var wakeC <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			wakeC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-wakeC:
		case <-triggers.Changed():
		case <-delayC:
			delayC = nil
			p.addDelayed(log)
		}
	}
}

func (p *Poller) addDelayed(log *zap.Logger) {
	for _, sn := range p.opts.DelayedTriggers {
		if err := p.s.AddTrigger(sn); err != nil {
			log.Warn("delayed trigger skipped", zap.String("device", sn), zap.Error(err))
		}
	}
	log.Info("delayed triggers enabled", zap.Strings("devices", p.opts.DelayedTriggers))
}

// trigger 发布一次实时数据触发帧；失败只记录日志
func (p *Poller) trigger(ctx context.Context, log *zap.Logger, c *counters, serial string) {
	pubCtx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()
	_, err := p.s.PublishFrame(pubCtx, serial, solix.RealtimeTrigger(p.opts.TriggerDuration))
	if err != nil {
		c.triggerErrors.Add(1)
		if p.m != nil {
			p.m.TriggerPublish.WithLabelValues("error").Inc()
		}
		log.Warn("realtime trigger publish failed", zap.String("device", serial), zap.Error(err))
		return
	}
	c.triggers.Add(1)
	if p.m != nil {
		p.m.TriggerPublish.WithLabelValues("ok").Inc()
	}
	log.Debug("realtime trigger published", zap.String("device", serial), zap.Duration("duration", p.opts.TriggerDuration))
}
