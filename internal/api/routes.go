package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/api/middleware"
	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
)

// RegisterRoutes 注册 /api/v1 路由；写操作需要 API Key
func RegisterRoutes(r gin.IRouter, h *DeviceHandler, authCfg cfgpkg.APIAuthConfig, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v1 := r.Group("/api/v1")
	v1.GET("/devices", h.ListDevices)
	v1.GET("/devices/:sn", h.GetDevice)
	v1.GET("/devices/:sn/latest", h.Latest)
	v1.GET("/subscriptions", h.Subscriptions)

	write := v1.Group("")
	write.Use(middleware.APIKeyAuth(authCfg, logger))
	write.PUT("/devices/:sn/trigger", h.EnableTrigger)
	write.DELETE("/devices/:sn/trigger", h.DisableTrigger)
	write.POST("/devices/:sn/realtime", h.Realtime)

	if authCfg.Enabled {
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled")
	}
}
