package app

import (
	"net/http"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
	"github.com/taoyao-code/solix-gateway/internal/metrics"
	"github.com/taoyao-code/solix-gateway/internal/telemetry"
	"github.com/taoyao-code/solix-gateway/internal/webhook"
)

// EventPowerChanged 功率变化事件名
const EventPowerChanged = "ac_output_power_changed"

// NewNotifierIfEnabled 未启用时返回 nil
func NewNotifierIfEnabled(cfg cfgpkg.WebhookConfig, appm *metrics.AppMetrics, log *zap.Logger) *webhook.Notifier {
	if !cfg.Enabled || cfg.URL == "" {
		return nil
	}
	p := webhook.NewPusher(&http.Client{Timeout: cfg.Timeout}, cfg.APIKey, cfg.Secret)
	if cfg.Retries >= 0 {
		p.Retries = cfg.Retries
	}
	return webhook.NewNotifier(p, cfg.URL, cfg.QueueSize, appm.WebhookPush, log.Named("webhook"))
}

// PowerChangeEvent 转为推送事件
func PowerChangeEvent(c telemetry.PowerChange) webhook.Event {
	return webhook.NewEvent(EventPowerChanged, c.Device, c.At, map[string]any{
		"previous": c.Previous,
		"current":  c.Current,
		"first":    c.First,
		"verified": c.Verified,
		"unit":     "W",
	})
}
