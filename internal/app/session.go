package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	"github.com/taoyao-code/solix-gateway/internal/session"
	"github.com/taoyao-code/solix-gateway/internal/transport"
)

// NewRegistry 内置字段表 + 可选的 YAML 扩展 + 旧字段缩放策略
func NewRegistry(cfg cfgpkg.ProtocolConfig, log *zap.Logger) (*solix.Registry, error) {
	reg := solix.NewRegistry()

	scale, err := solix.ParseScaleStrategy(cfg.LegacyScale)
	if err != nil {
		return nil, err
	}
	reg.SetLegacyScale(scale)

	if cfg.CatalogPath != "" {
		cat, err := solix.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		if err := reg.Merge(cat); err != nil {
			return nil, fmt.Errorf("merge catalog %s: %w", cfg.CatalogPath, err)
		}
		log.Info("field catalog loaded", zap.String("path", cfg.CatalogPath))
	}
	log.Info("field registry ready",
		zap.String("version", reg.Version()),
		zap.String("legacy_scale", scale.Name()),
		zap.Bool("legacy_scale_verified", scale.Verified()))
	return reg, nil
}

// Devices 清单、初始触发设备与延迟触发设备
func Devices(cfg []cfgpkg.DeviceConfig) (devices []session.Device, triggers, delayed []string) {
	for _, d := range cfg {
		devices = append(devices, session.Device{
			Serial:        d.Serial,
			ProductNumber: d.ProductNumber,
			Alias:         d.Alias,
			Online:        d.Online,
		})
		switch {
		case d.Trigger:
			triggers = append(triggers, d.Serial)
		case d.DelayedTrigger:
			delayed = append(delayed, d.Serial)
		}
	}
	return devices, triggers, delayed
}

// NewDialer 基于配置创建 paho 拨号器
func NewDialer(cfg cfgpkg.MQTTConfig, log *zap.Logger) *transport.PahoDialer {
	return &transport.PahoDialer{
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		QoS:            byte(cfg.QoS),
		InboundBuffer:  cfg.InboundBuffer,
		Limiter:        transport.NewLimiter(cfg.PublishRate, cfg.PublishBurst),
		Logger:         log.Named("transport"),
	}
}

// Credentials MQTT 连接凭据
func Credentials(cfg cfgpkg.MQTTConfig) transport.Credentials {
	return transport.Credentials{
		BrokerURL:          cfg.BrokerURL,
		ClientID:           GenerateClientID(cfg.ClientID),
		Username:           cfg.Username,
		Password:           cfg.Password,
		CAFile:             cfg.CAFile,
		CertFile:           cfg.CertFile,
		KeyFile:            cfg.KeyFile,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}

// ConnectSession 拨号并创建会话
func ConnectSession(ctx context.Context, d transport.Dialer, cfg *cfgpkg.Config, log *zap.Logger) (*session.Session, []string, error) {
	devices, triggers, delayed := Devices(cfg.Devices)
	s, err := session.Connect(ctx, d, session.Config{
		Credentials:   Credentials(cfg.MQTT),
		Topics:        transport.Topics{Vendor: cfg.MQTT.Vendor},
		AccountID:     cfg.MQTT.AccountID,
		Devices:       devices,
		Triggers:      triggers,
		OnlineTimeout: cfg.Poller.OnlineTimeout,
		Logger:        log.Named("session"),
	})
	if err != nil {
		return nil, nil, err
	}
	return s, delayed, nil
}
