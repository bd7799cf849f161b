package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/api/middleware"
	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	"github.com/taoyao-code/solix-gateway/internal/session"
	"github.com/taoyao-code/solix-gateway/internal/storage"
	"github.com/taoyao-code/solix-gateway/internal/telemetry"
)

// DeviceHandler 设备与触发集合管理接口
// 会话建立前所有依赖会话的接口返回 503
type DeviceHandler struct {
	sess            atomic.Pointer[session.Session]
	latest          storage.SnapshotStore
	power           *telemetry.PowerTracker
	triggerDuration time.Duration
	publishTimeout  time.Duration
	logger          *zap.Logger
}

// HandlerOptions latest 与 power 可为空
type HandlerOptions struct {
	Latest          storage.SnapshotStore
	Power           *telemetry.PowerTracker
	TriggerDuration time.Duration
	PublishTimeout  time.Duration
	Logger          *zap.Logger
}

func NewDeviceHandler(opts HandlerOptions) *DeviceHandler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TriggerDuration <= 0 {
		opts.TriggerDuration = solix.MinRealtimeDuration
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	return &DeviceHandler{
		latest:          opts.Latest,
		power:           opts.Power,
		triggerDuration: opts.TriggerDuration,
		publishTimeout:  opts.PublishTimeout,
		logger:          opts.Logger,
	}
}

// SetSession 绑定当前会话
func (h *DeviceHandler) SetSession(s *session.Session) { h.sess.Store(s) }

// DeviceView 设备列表项
type DeviceView struct {
	session.Device
	Trigger       bool       `json:"trigger"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	ACOutputPower *float64   `json:"ac_output_power,omitempty"`
}

func (h *DeviceHandler) current(c *gin.Context) (*session.Session, bool) {
	s := h.sess.Load()
	if s == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker session not established"})
		return nil, false
	}
	return s, true
}

func (h *DeviceHandler) view(s *session.Session, d session.Device, now time.Time) DeviceView {
	v := DeviceView{Device: d, Trigger: s.Triggers().Contains(d.Serial)}
	v.Online = s.Inventory().IsOnline(d.Serial, now)
	if t, ok := s.Inventory().LastSeen(d.Serial); ok {
		v.LastSeen = &t
	}
	if h.power != nil {
		if p, _, ok := h.power.Last(d.Serial); ok {
			v.ACOutputPower = &p
		}
	}
	return v
}

// ListDevices 查询设备列表
// @Summary 查询设备列表
// @Description 返回清单中的设备、触发状态、最后上报时间与在线数
// @Tags 设备管理
// @Produce json
// @Success 200 {object} map[string]interface{} "成功"
// @Failure 503 {object} map[string]interface{} "会话未建立"
// @Router /api/v1/devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	s, ok := h.current(c)
	if !ok {
		return
	}
	now := time.Now()
	devices := s.Inventory().Devices()
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, h.view(s, d, now))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out, "online": s.Inventory().OnlineCount(now)})
}

// GetDevice 查询单个设备
// @Summary 查询设备
// @Tags 设备管理
// @Produce json
// @Param sn path string true "设备序列号"
// @Success 200 {object} DeviceView "成功"
// @Failure 404 {object} map[string]interface{} "未知设备"
// @Router /api/v1/devices/{sn} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	s, ok := h.current(c)
	if !ok {
		return
	}
	d, found := s.Inventory().Lookup(c.Param("sn"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	c.JSON(http.StatusOK, h.view(s, d, time.Now()))
}

// Latest 查询最新快照
// @Summary 查询设备最新解码字段
// @Description 读取 Redis 中的最新快照；未配置 Redis 时返回 501
// @Tags 设备管理
// @Produce json
// @Param sn path string true "设备序列号"
// @Success 200 {object} map[string]interface{} "成功"
// @Failure 404 {object} map[string]interface{} "未知设备"
// @Failure 501 {object} map[string]interface{} "未配置快照存储"
// @Router /api/v1/devices/{sn}/latest [get]
func (h *DeviceHandler) Latest(c *gin.Context) {
	s, ok := h.current(c)
	if !ok {
		return
	}
	sn := c.Param("sn")
	if _, found := s.Inventory().Lookup(sn); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	if h.latest == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "snapshot store not configured"})
		return
	}
	fields, err := h.latest.Latest(c.Request.Context(), sn)
	if err != nil {
		h.logger.Warn("load snapshot failed", zap.String("device", sn), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": sn, "fields": fields})
}

// EnableTrigger 加入触发集合
// @Summary 开启周期实时触发
// @Tags 触发管理
// @Produce json
// @Security ApiKeyAuth
// @Param sn path string true "设备序列号"
// @Success 200 {object} map[string]interface{} "成功"
// @Failure 404 {object} map[string]interface{} "未知设备"
// @Router /api/v1/devices/{sn}/trigger [put]
func (h *DeviceHandler) EnableTrigger(c *gin.Context) {
	s, ok := h.current(c)
	if !ok {
		return
	}
	sn := c.Param("sn")
	if err := s.AddTrigger(sn); err != nil {
		if errors.Is(err, session.ErrUnknownDevice) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("realtime trigger enabled", zap.String("device", sn), zap.String("by", c.GetString(middleware.ContextAPIKey)))
	c.JSON(http.StatusOK, gin.H{"device": sn, "trigger": true, "triggers": s.Triggers().List()})
}

// DisableTrigger 移出触发集合
// @Summary 关闭周期实时触发
// @Tags 触发管理
// @Produce json
// @Security ApiKeyAuth
// @Param sn path string true "设备序列号"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/v1/devices/{sn}/trigger [delete]
func (h *DeviceHandler) DisableTrigger(c *gin.Context) {
	s, ok := h.current(c)
	if !ok {
		return
	}
	sn := c.Param("sn")
	removed := s.RemoveTrigger(sn)
	if removed {
		h.logger.Info("realtime trigger disabled", zap.String("device", sn), zap.String("by", c.GetString(middleware.ContextAPIKey)))
	}
	c.JSON(http.StatusOK, gin.H{"device": sn, "trigger": false, "removed": removed, "triggers": s.Triggers().List()})
}

type realtimeRequest struct {
	// DurationSeconds 0 表示使用默认触发时长；超出 60~300 时截断
	DurationSeconds int  `json:"duration_seconds"`
	Off             bool `json:"off"`
}

// Realtime 立即发送一次实时数据开关帧
// @Summary 发送实时数据开关帧
// @Description duration_seconds 为 0 时使用默认时长，超出 60~300 截断；off=true 发送关闭帧
// @Tags 触发管理
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param sn path string true "设备序列号"
// @Param request body realtimeRequest false "触发参数"
// @Success 202 {object} map[string]interface{} "已发布"
// @Failure 400 {object} map[string]interface{} "参数错误"
// @Failure 404 {object} map[string]interface{} "未知设备"
// @Failure 502 {object} map[string]interface{} "发布失败"
// @Router /api/v1/devices/{sn}/realtime [post]
func (h *DeviceHandler) Realtime(c *gin.Context) {
	s, ok := h.current(c)
	if !ok {
		return
	}
	var req realtimeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.DurationSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_seconds must not be negative"})
		return
	}

	frame := solix.RealtimeTriggerOff()
	if !req.Off {
		d := h.triggerDuration
		if req.DurationSeconds > 0 {
			d = time.Duration(req.DurationSeconds) * time.Second
		}
		frame = solix.RealtimeTrigger(d)
	}

	sn := c.Param("sn")
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.publishTimeout)
	defer cancel()
	res, err := s.PublishFrame(ctx, sn, frame)
	if err != nil {
		if errors.Is(err, session.ErrUnknownDevice) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		h.logger.Warn("realtime publish failed", zap.String("device", sn), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"device":     sn,
		"topic":      res.Topic,
		"message_id": res.MessageID,
		"frame":      frame.Hex(),
	})
}

// Subscriptions 查询当前订阅
// @Summary 查询会话订阅的主题
// @Tags 会话管理
// @Produce json
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/v1/subscriptions [get]
func (h *DeviceHandler) Subscriptions(c *gin.Context) {
	s, ok := h.current(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": s.Subscriptions()})
}
