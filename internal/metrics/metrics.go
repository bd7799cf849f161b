package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	MessagesReceived *prometheus.CounterVec // labels: channel
	FrameDecodeTotal *prometheus.CounterVec // labels: result=ok|malformed|checksum|field_type|envelope
	DroppedTotal     *prometheus.CounterVec // labels: reason
	FramesByType     *prometheus.CounterVec // labels: msg_type
	TriggerPublish   *prometheus.CounterVec // labels: result=ok|error
	PollTermination  *prometheus.CounterVec // labels: reason
	CallbackPanics   prometheus.Counter
	OnlineGauge      prometheus.Gauge       // 当前在线设备数
	TriggerGauge     prometheus.Gauge       // 当前触发设备数
	ACOutputPower    *prometheus.GaugeVec   // labels: device
	SinkErrors       *prometheus.CounterVec // labels: sink=redis|pg
	WebhookPush      *prometheus.CounterVec // labels: result=sent|failed|dropped
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_messages_received_total",
			Help: "Broker messages received by telemetry channel.",
		}, []string{"channel"}),
		FrameDecodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_frame_decode_total",
			Help: "Device frame decode attempts by result.",
		}, []string{"result"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_messages_dropped_total",
			Help: "Inbound messages dropped before reaching the callback.",
		}, []string{"reason"}),
		FramesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_frames_total",
			Help: "Decoded frames by message type.",
		}, []string{"msg_type"}),
		TriggerPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_trigger_publish_total",
			Help: "Realtime trigger publishes by result.",
		}, []string{"result"}),
		PollTermination: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_poll_termination_total",
			Help: "Poll runs by termination reason.",
		}, []string{"reason"}),
		CallbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solix_callback_panics_total",
			Help: "Recovered panics in poll callbacks.",
		}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solix_devices_online",
			Help: "Current number of online devices.",
		}),
		TriggerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solix_trigger_devices",
			Help: "Devices currently receiving realtime triggers.",
		}),
		ACOutputPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solix_ac_output_power",
			Help: "Last AC output power reading (unverified scaling).",
		}, []string{"device"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_sink_errors_total",
			Help: "Telemetry persistence failures by sink.",
		}, []string{"sink"}),
		WebhookPush: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solix_webhook_push_total",
			Help: "Webhook event pushes by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.MessagesReceived, m.FrameDecodeTotal, m.DroppedTotal, m.FramesByType,
		m.TriggerPublish, m.PollTermination, m.CallbackPanics, m.OnlineGauge, m.TriggerGauge, m.ACOutputPower,
		m.SinkErrors, m.WebhookPush)
	return m
}
