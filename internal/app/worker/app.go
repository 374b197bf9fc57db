package worker

import (
	"context"
	"fmt"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"flow-platform/internal/app"
	"flow-platform/internal/executor"
	"flow-platform/internal/render"
	flowworker "flow-platform/internal/worker"
	"flow-platform/pkg/config"
	"flow-platform/pkg/log"
	"flow-platform/pkg/secrets"
	"flow-platform/pkg/tracing"
)

// App Worker 应用：租约驱动的任务执行进程，只经 HTTP 依赖服务端
type App struct {
	config *config.Config
	logger *log.Logger
	pool   *flowworker.Pool
	tracer *sdktrace.TracerProvider
	cancel context.CancelFunc
}

// NewApp 创建新的 Worker 应用
func NewApp(cfg *config.Config) (*App, error) {
	// 初始化日志
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	var workerCfg config.WorkerConfig
	var secretsCfg config.SecretsConfig
	if cfg != nil {
		workerCfg = cfg.Worker
		secretsCfg = cfg.Secrets
	}
	serverURL := workerCfg.ServerURL
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	client := flowworker.NewClient(serverURL)

	// secrets 在 worker 本地解析，不经服务端存储
	secretStore, err := secrets.NewStore(secrets.Config{Provider: secretsCfg.Provider, Config: secretsCfg.Config})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret 存储失败: %w", err)
	}

	registry := executor.NewRegistry()
	registry.Register(executor.NewHTTPExecutor())
	registry.Register(executor.NewPythonExecutor(workerCfg.PythonBin))
	registry.Register(executor.NewPostgresExecutor())
	registry.Register(executor.NewSecretsExecutor(secretStore))
	registry.Register(executor.NewSaveExecutor())
	registry.Register(executor.NewIteratorExecutor())
	registry.Register(executor.NewWorkbookExecutor(registry))
	registry.Register(executor.NewPlaybookExecutor(client))
	registry.Register(flowworker.NewAggregationExecutor(client))

	pool := flowworker.New(client, registry, render.New(), logger, flowworker.Options{
		WorkerID:          flowworker.DefaultWorkerID(),
		PoolName:          workerCfg.PoolName,
		Runtime:           workerCfg.Runtime,
		Concurrency:       workerCfg.Concurrency,
		LeaseFor:          time.Duration(workerCfg.LeaseSeconds) * time.Second,
		PollInterval:      app.ParseDuration(workerCfg.PollInterval, 0),
		PollQPS:           workerCfg.PollQPS,
		HeartbeatInterval: app.ParseDuration(workerCfg.HeartbeatInterval, 0),
		GateMax:           workerCfg.GateMax,
	})

	// 任务与租约 span 接到 OTLP；未启用时 span 为 no-op
	var tracer *sdktrace.TracerProvider
	if cfg != nil && cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "flow-worker"
		}
		tracer, err = tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("初始化链路追踪失败，将跳过", "error", err)
			tracer = nil
		} else {
			logger.Info("链路追踪已启用", "service", serviceName)
		}
	}

	return &App{
		config: cfg,
		logger: logger,
		pool:   pool,
		tracer: tracer,
	}, nil
}

// Start 启动应用（租约泵在后台运行）
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用")

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.pool.Run(ctx)

	a.logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用：先停止领任务等在途收尾；超时则取消在途任务，
// 租约到期后由其他 worker 重领
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	stopped := make(chan struct{})
	go func() {
		a.pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		if a.cancel != nil {
			a.cancel()
		}
		<-stopped
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("关闭链路追踪失败", "error", err)
		}
	}

	a.logger.Info("worker 应用关闭成功")
	return nil
}
