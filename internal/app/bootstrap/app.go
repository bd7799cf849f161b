package bootstrap

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/solix-gateway/internal/api"
	"github.com/taoyao-code/solix-gateway/internal/app"
	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
	"github.com/taoyao-code/solix-gateway/internal/health"
	"github.com/taoyao-code/solix-gateway/internal/httpserver"
	"github.com/taoyao-code/solix-gateway/internal/metrics"
	"github.com/taoyao-code/solix-gateway/internal/poller"
	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	pgstorage "github.com/taoyao-code/solix-gateway/internal/storage/pg"
	"github.com/taoyao-code/solix-gateway/internal/telemetry"
	"github.com/taoyao-code/solix-gateway/internal/transport"
)

// Run 统一启动流程
// 先就绪存储与 HTTP，再连接 broker 开始轮询；收到 SIGINT/SIGTERM 后优雅退出
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting solix gateway",
		zap.String("name", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.Int("devices", len(cfg.Devices)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ========== 阶段1: 指标与字段注册表 ==========
	reg, appm := app.NewMetrics()
	registry, err := app.NewRegistry(cfg.Protocol, log)
	if err != nil {
		log.Error("field registry initialization failed", zap.Error(err))
		return err
	}

	// ========== 阶段2: 可选存储（Redis 最新快照 / PostgreSQL 帧历史）==========
	redisClient, err := app.NewRedisClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Error("redis initialization failed", zap.Error(err))
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	latest := app.NewTelemetryStore(redisClient, cfg.Redis)

	dbpool, err := app.ConnectDBAndMigrate(ctx, cfg.Database, log)
	if err != nil {
		log.Error("database initialization failed", zap.Error(err))
		return err
	}
	var history *pgstorage.FrameRepository
	if dbpool != nil {
		defer dbpool.Close()
		history = pgstorage.NewFrameRepository(dbpool)
		if cleaner := app.NewHistoryCleaner(history, cfg.Database.Retention, cfg.Database.PruneInterval, log.Named("history")); cleaner != nil {
			go cleaner.Start(ctx)
		}
	}

	// ========== 阶段3: 事件推送与遥测管道 ==========
	notifier := app.NewNotifierIfEnabled(cfg.Webhook, appm, log)
	if notifier != nil {
		notifier.Start(ctx, cfg.Webhook.Workers)
		defer notifier.Close()
	}

	power := telemetry.NewPowerTracker(telemetry.FieldExtractor(telemetry.FieldACOutputPower))
	popts := telemetry.Options{
		Power:            power,
		Metrics:          appm,
		Logger:           log.Named("telemetry"),
		QueueSize:        cfg.Telemetry.QueueSize,
		WriteTimeout:     cfg.Telemetry.WriteTimeout,
		BreakerThreshold: cfg.Telemetry.BreakerThreshold,
		BreakerCooldown:  cfg.Telemetry.BreakerCooldown,
	}
	if notifier != nil {
		popts.OnPowerChange = func(c telemetry.PowerChange) {
			notifier.Enqueue(app.PowerChangeEvent(c))
		}
	}
	// 接口字段不能直接接收 nil 指针
	if latest != nil {
		popts.Latest = latest
	}
	if history != nil {
		popts.History = history
	}
	pipeline := telemetry.NewPipeline(popts)
	pipeline.Start(ctx)
	defer pipeline.Close()

	// ========== 阶段4: 健康检查与 HTTP（非阻塞）==========
	brokerChecker := health.NewBrokerChecker(cfg.MQTT.BrokerURL)
	healthAgg := app.NewHealthAggregator(brokerChecker, redisClient, dbpool)

	hopts := api.HandlerOptions{
		Power:           power,
		TriggerDuration: cfg.Poller.TriggerDuration,
		PublishTimeout:  cfg.MQTT.WriteTimeout,
		Logger:          log.Named("api"),
	}
	if latest != nil {
		hopts.Latest = latest
	}
	deviceHandler := api.NewDeviceHandler(hopts)

	httpSrv := httpserver.New(cfg.HTTP, httpserver.Options{
		Metrics:    cfg.Metrics,
		MetricsH:   metrics.Handler(reg),
		Aggregator: healthAgg,
		Logger:     log.Named("http"),
	})
	api.RegisterRoutes(httpSrv.Engine(), deviceHandler, cfg.API.Auth, log)

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	// ========== 阶段5: 连接 broker 并轮询 ==========
	transport.SetPahoLogger(log.Named("paho"), cfg.Logging.MQTTDebug)
	dialer := app.NewDialer(cfg.MQTT, log)

	runErr := pollUntilDone(ctx, cfg, dialer, registry, appm, pipeline, deviceHandler, brokerChecker, log)

	// ========== 阶段6: 优雅关闭 ==========
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	log.Info("http server stopped")

	stored, dropped := pipeline.Stats()
	log.Info("shutdown complete",
		zap.Int64("snapshots_stored", stored),
		zap.Int64("snapshots_dropped", dropped))
	return runErr
}

// pollUntilDone 建立会话并运行轮询循环
// 连接断开时在 RunForever 下等待 RestartDelay 后重连；否则返回
func pollUntilDone(
	ctx context.Context,
	cfg *cfgpkg.Config,
	dialer transport.Dialer,
	registry *solix.Registry,
	appm *metrics.AppMetrics,
	pipeline *telemetry.Pipeline,
	handler *api.DeviceHandler,
	checker *health.BrokerChecker,
	log *zap.Logger,
) error {
	for attempt := 1; ; attempt++ {
		s, delayed, err := app.ConnectSession(ctx, dialer, cfg, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if attempt == 1 && !cfg.Poller.RunForever {
				log.Error("broker connect failed", zap.Error(err))
				return err
			}
			log.Warn("broker connect failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", cfg.Poller.RestartDelay),
				zap.Error(err))
			if !sleepCtx(ctx, cfg.Poller.RestartDelay) {
				return nil
			}
			continue
		}
		attempt = 0

		handler.SetSession(s)
		checker.SetSession(s)

		loop := &app.PollLoop{
			Session: s,
			Options: poller.Options{
				TriggerDuration: cfg.Poller.TriggerDuration,
				DelayedTriggers: delayed,
				TriggerDelay:    cfg.Poller.TriggerDelay,
				PublishTimeout:  cfg.MQTT.WriteTimeout,
				Registry:        registry,
				Metrics:         appm,
				Logger:          log.Named("poller"),
			},
			Request: poller.Request{
				Callback: pipeline.Callback(),
				Timeout:  cfg.Poller.Timeout,
			},
			RunForever:   cfg.Poller.RunForever,
			RestartDelay: cfg.Poller.RestartDelay,
			Logger:       log,
		}
		res, err := loop.Run(ctx)

		handler.SetSession(nil)
		checker.SetSession(nil)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := s.Close(closeCtx); cerr != nil {
			log.Warn("session close", zap.Error(cerr))
		}
		cancel()

		if err != nil {
			log.Error("poll failed", zap.Error(err))
			return err
		}
		if res.Reason != poller.TransportLost || !cfg.Poller.RunForever || ctx.Err() != nil {
			if res.Reason == poller.TransportLost {
				return res.Err
			}
			return nil
		}
		log.Warn("broker connection lost, reconnecting",
			zap.Duration("delay", cfg.Poller.RestartDelay),
			zap.Error(res.Err))
		if !sleepCtx(ctx, cfg.Poller.RestartDelay) {
			return nil
		}
	}
}

// sleepCtx ctx 取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
