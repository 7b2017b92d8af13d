package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/target/researchq/config"
	"github.com/target/researchq/internal/adapters/jobrunner"
	"github.com/target/researchq/internal/adapters/reaper"
	"github.com/target/researchq/internal/breaker"
	"github.com/target/researchq/internal/cache"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/observability/statsd"
	"github.com/target/researchq/internal/pipeline"
	"github.com/target/researchq/internal/ratelimit"
	"github.com/target/researchq/internal/service"
	"github.com/target/researchq/internal/service/execlog"
	"github.com/target/researchq/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Backends *Backends
	Jobs     *service.JobService
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Cache    *cache.ReportCache
	// ExecLog is nil when the execution log is disabled.
	ExecLog *execlog.Dispatcher
	// Pipeline is nil unless the worker service is enabled.
	Pipeline *pipeline.Pipeline
	// Alerts is nil unless a failure notification sink is configured.
	Alerts *failurenotifier.Service
	// Metrics is nil when metrics are disabled.
	Metrics statsd.Sink
	// metricsClient is kept for Close.
	metricsClient *statsd.Client
}

// Close releases resources owned by the container.
func (c *ServiceContainer) Close() error {
	if c == nil || c.metricsClient == nil {
		return nil
	}
	return c.metricsClient.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// NewServices wires adapters, intake and the research pipeline.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service deps with config are required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &ServiceContainer{}
	c.metricsClient, c.Metrics = buildMetricsSink(cfg, logger)

	backends, err := BuildBackends(BackendDeps{
		Config: cfg,
		DB:     deps.DB,
		Redis:  deps.RedisClient,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build backends: %w", err)
	}
	c.Backends = backends

	c.Limiter, err = ratelimit.New(ratelimit.Config{
		Capacity:        cfg.RateLimit.Capacity,
		RefillPerSecond: cfg.RateLimit.RefillPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	c.Jobs, err = service.NewJobService(service.JobServiceOptions{
		Queue:      backends.Queue,
		Store:      backends.Jobs,
		Reports:    backends.Reports,
		Limiter:    c.Limiter,
		Logs:       backends.Logs,
		MaxRetries: cfg.Queue.MaxRetries,
		Metrics:    c.Metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}

	if !cfg.IsWorkerEnabled() {
		return c, nil
	}

	c.Breakers = BuildBreakers(cfg.Breaker, c.Metrics, logger)
	c.Cache = BuildReportCache(cfg.Cache, cfg.Queue.VisibilityTimeout, backends.Remote, logger)
	if backends.LogStore != nil {
		c.ExecLog, err = execlog.New(execlog.Options{
			Store:         backends.LogStore,
			Buffer:        cfg.ExecLog.Buffer,
			AppendTimeout: cfg.ExecLog.AppendTimeout,
			Metrics:       c.Metrics,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("execution log: %w", err)
		}
	}

	c.Pipeline, err = buildPipeline(cfg, c, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	c.Alerts = BuildFailureNotifier(cfg.Observability.Notifications, c.Metrics, logger)
	return c, nil
}

func buildPipeline(cfg *config.AppConfig, c *ServiceContainer, logger *slog.Logger) (*pipeline.Pipeline, error) {
	toolset, err := BuildTools(cfg.Tools, cfg.Pipeline.ToolTimeout)
	if err != nil {
		return nil, err
	}
	generator, err := BuildGenerator(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	var logStore core.LogStore
	if c.ExecLog != nil {
		logStore = c.ExecLog
	}
	logger.Info("research pipeline configured",
		"tools_mode", cfg.Tools.Mode,
		"generator", generator.Name(),
		"execution_log", logStore != nil,
	)
	return pipeline.New(pipeline.Options{
		Tools:       toolset,
		Generator:   generator,
		Breakers:    c.Breakers,
		LogStore:    logStore,
		ToolTimeout: cfg.Pipeline.ToolTimeout,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		Logger:      logger,
	})
}

// buildMetricsSink returns a nil Sink when metrics are disabled so helpers skip emission.
func buildMetricsSink(cfg *config.AppConfig, logger *slog.Logger) (*statsd.Client, statsd.Sink) {
	m := cfg.Observability.Metrics
	if !m.IsEnabled() {
		return nil, nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: m.StatsdAddress,
		Prefix:  m.Prefix,
		GlobalTags: map[string]string{
			"version":  cfg.Observability.OTel.ServiceVersion,
			"services": strings.Join(GetEnabledServices(cfg), "+"),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil, nil
	}
	return client, client
}

// ServiceOrchestrationConfig contains dependencies for running services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(ctx context.Context) error
}

func buildBackgroundServices(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []backgroundService {
	return []backgroundService{
		{
			mode: config.ServiceModeHTTP,
			name: "http server",
			start: func(ctx context.Context) error {
				server := NewHTTPServer(HTTPServerConfig{
					HTTP:     cfg.Config.HTTP,
					Research: cfg.Services.Jobs,
					Logger:   logger,
				})
				return ServeHTTP(ctx, server, cfg.Config.HTTP.ShutdownTimeout, logger)
			},
		},
		{
			mode: config.ServiceModeWorker,
			name: "research workers",
			start: func(ctx context.Context) error {
				return runWorkers(ctx, cfg.Config, cfg.Services, logger)
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			start: func(ctx context.Context) error {
				runner, err := reaper.NewRunner(reaper.RunnerOptions{
					Repo:    cfg.Services.Backends.Reaper,
					Config:  cfg.Config.Reaper,
					Logger:  logger,
					Metrics: cfg.Services.Metrics,
				})
				if err != nil {
					return err
				}
				return runner.Run(ctx)
			},
		},
	}
}

// runWorkers runs the worker pool. The execution log dispatcher outlives the
// pool so entries appended while draining are still delivered.
func runWorkers(ctx context.Context, cfg *config.AppConfig, svc *ServiceContainer, logger *slog.Logger) error {
	if svc.Pipeline == nil {
		return errors.New("worker service enabled without a pipeline")
	}
	opts := jobrunner.RunnerOptions{
		Queue:           svc.Backends.Queue,
		Reports:         svc.Backends.Reports,
		Pipeline:        svc.Pipeline,
		Cache:           svc.Cache,
		CacheTTL:        cfg.Cache.TTL,
		Breakers:        svc.Breakers,
		Visibility:      cfg.Queue.VisibilityTimeout,
		Concurrency:     cfg.Worker.PoolSize,
		DrainTimeout:    cfg.Worker.DrainTimeout,
		MetricsInterval: cfg.Worker.MetricsInterval,
		IdlePoll:        cfg.Worker.IdlePoll,
		RetryDelay:      cfg.Queue.RetryDelay,
		Metrics:         svc.Metrics,
		Logger:          logger,
	}
	if svc.Alerts != nil {
		opts.Alerts = svc.Alerts
	}
	runner, err := jobrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create research runner: %w", err)
	}

	if svc.ExecLog == nil {
		return runner.Run(ctx)
	}

	logCtx, stopLog := context.WithCancel(context.WithoutCancel(ctx))
	logDone := make(chan error, 1)
	go func() { logDone <- svc.ExecLog.Run(logCtx) }()

	runErr := runner.Run(ctx)
	stopLog()
	return errors.Join(runErr, <-logDone)
}

// RunServices starts all enabled services and blocks until ctx is canceled
// or one of them fails. A failing service cancels the others.
func RunServices(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is incomplete")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range buildBackgroundServices(cfg, logger) {
		if !enabled[svc.mode] {
			continue
		}
		g.Go(func() error {
			logger.InfoContext(gctx, "starting "+svc.name)
			if err := svc.start(gctx); err != nil {
				logger.ErrorContext(gctx, svc.name+" failed", "error", err)
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			logger.InfoContext(gctx, svc.name+" stopped")
			return nil
		})
	}
	return g.Wait()
}
