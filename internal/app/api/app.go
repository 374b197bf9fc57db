package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	hertzserver "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"flow-platform/internal/app"
	"flow-platform/internal/broker"
	"flow-platform/internal/event"
	"flow-platform/internal/render"
	"flow-platform/internal/server"
	"flow-platform/pkg/metrics"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 broker、派发器与 HTTP 路由；存储来自 Bootstrap）
type App struct {
	config       *app.Bootstrap
	dispatcher   *broker.Dispatcher
	router       *server.Router
	hertz        *hertzserver.Hertz
	otelProvider otelProviderShutdown
	reaperStop   chan struct{}
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	brokerCfg := broker.Config{}
	if cfg != nil {
		brokerCfg.DefaultMaxAttempts = cfg.Queue.MaxAttempts
	}
	b := broker.New(bootstrap.Events, bootstrap.Queue, bootstrap.Catalog, bootstrap.Index,
		render.New(), bootstrap.Secrets, bootstrap.Logger, brokerCfg)
	d := broker.NewDispatcher(b, bootstrap.Logger)
	if cfg != nil && cfg.Broker.EvalDelay != "" {
		d.EvalDelay = app.ParseDuration(cfg.Broker.EvalDelay, d.EvalDelay)
	}

	handler := server.NewHandler(bootstrap.Events, bootstrap.Queue, bootstrap.Catalog)
	handler.SetDispatcher(d)
	handler.SetRetryController(b.Retry())
	node := 0
	if cfg != nil {
		node = cfg.EventStore.Node
	}
	handler.SetIDGen(event.NewIDGen(node))

	router := server.NewRouter(handler)
	if cfg != nil && cfg.API.MaxInflight > 0 {
		router.SetOverloadGate(server.NewOverloadGate(cfg.API.MaxInflight))
	}

	if cfg != nil && cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		timeout := app.ParseDuration(cfg.API.Middleware.JWTTimeout, time.Hour)
		maxRefresh := app.ParseDuration(cfg.API.Middleware.JWTMaxRefresh, time.Hour)
		jwtAuth, err := server.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), timeout, maxRefresh)
		if err != nil {
			bootstrap.Logger.Warn("JWT 初始化失败，将跳过认证", "error", err)
		} else {
			router.SetJWT(jwtAuth)
			bootstrap.Logger.Info("JWT 认证已启用")
		}
	}

	return &App{
		config:     bootstrap,
		dispatcher: d,
		router:     router,
		reaperStop: make(chan struct{}),
	}, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if a.config.Config != nil && a.config.Config.Log.File != "" {
		f, err := os.OpenFile(a.config.Config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	if a.config.Config != nil && a.config.Config.Log.Level != "" {
		switch a.config.Config.Log.Level {
		case "debug":
			levelVar.Set(slog.LevelDebug)
		case "warn":
			levelVar.Set(slog.LevelWarn)
		case "error":
			levelVar.Set(slog.LevelError)
		default:
			levelVar.Set(slog.LevelInfo)
		}
	} else {
		levelVar.Set(slog.LevelInfo)
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	if a.config.Config != nil && a.config.Config.Monitoring.Tracing.Enable {
		serviceName := a.config.Config.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "flow-api"
		}
		exportEndpoint := a.config.Config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.config.Config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	go a.reapLoop()
	return a.hertz.Run()
}

// reapLoop 周期回收过期租约，顺带刷新队列深度指标
func (a *App) reapLoop() {
	interval := 15 * time.Second
	if a.config.Config != nil {
		interval = app.ParseDuration(a.config.Config.Queue.ReapInterval, interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.reaperStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if n, err := a.config.Queue.ReapExpired(ctx); err != nil {
				a.config.Logger.Warn("回收过期租约失败", "error", err)
			} else if n > 0 {
				a.config.Logger.Info("回收过期租约", "count", n)
			}
			if sizes, err := a.config.Queue.Size(ctx); err == nil {
				for status, n := range sizes {
					metrics.QueueDepth.WithLabelValues(status).Set(float64(n))
				}
			}
			cancel()
		}
	}
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	close(a.reaperStop)
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	// 在途评估排空后再退出，最后一批事件的调度不丢
	a.dispatcher.Wait()
	return nil
}
