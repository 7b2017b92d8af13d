// Command researchq runs the research job intake API, the worker pool and
// the maintenance reaper, in any combination selected by SERVICES.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/researchq/config"
	"github.com/target/researchq/internal/bootstrap"
	"github.com/target/researchq/internal/observability/telemetry"
)

const shutdownGrace = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		slog.Default().Error("researchq exited", "error", err)
		os.Exit(1) //nolint:forbidigo // non-zero exit on fatal error
	}
}

func run(ctx context.Context) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Observability.OTel.Endpoint,
		Headers:        cfg.Observability.OTel.Headers,
		ServiceName:    cfg.Observability.OTel.ServiceName,
		ServiceVersion: cfg.Observability.OTel.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer withGrace(ctx, "telemetry shutdown", tel.Shutdown)

	logger := bootstrap.InitLogger(&cfg)
	logger.InfoContext(ctx, "starting researchq",
		"services", bootstrap.GetEnabledServices(&cfg),
		"store", cfg.Store.Driver,
		"tools_mode", cfg.Tools.Mode,
		"llm_enabled", cfg.LLM.Enabled)

	if err = bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	infra, err := connect(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer infra.close(ctx, logger)

	if err = infra.migrate(ctx, &cfg, logger); err != nil {
		return err
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cfg,
		DB:          infra.db,
		RedisClient: infra.redis,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close services failed", "error", cerr)
		}
	}()

	err = bootstrap.RunServices(ctx, &bootstrap.ServiceOrchestrationConfig{
		Config:   &cfg,
		Services: services,
		Logger:   logger,
	})
	logger.InfoContext(ctx, "shutdown complete", "error", err)
	return err
}

// withGrace runs a shutdown hook on a context that outlives ctx by
// shutdownGrace.
func withGrace(ctx context.Context, what string, fn func(context.Context) error) {
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := fn(graceCtx); err != nil {
		slog.Default().Error(what+" failed", "error", err)
	}
}

// infrastructure holds the shared connections. Either may be nil: the memory
// store needs no database and Redis is only dialed when something uses it.
type infrastructure struct {
	db    *sql.DB
	redis redis.UniversalClient
}

func usesRedis(cfg *config.AppConfig) bool {
	return cfg.Cache.RedisEnabled || (cfg.ExecLog.Enabled && cfg.IsWorkerEnabled())
}

func connect(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*infrastructure, error) {
	infra := &infrastructure{}
	if cfg.Store.Driver == config.StoreDriverPostgres {
		db, err := bootstrap.ConnectDB(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		infra.db = db
	}
	if usesRedis(cfg) {
		client, err := bootstrap.ConnectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", err), infra.closeAll())
		}
		infra.redis = client
	}
	return infra, nil
}

func (i *infrastructure) migrate(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	switch {
	case i.db == nil:
		return nil
	case !cfg.Postgres.RunMigrationsOnStart:
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
		return nil
	default:
		return bootstrap.RunMigrations(ctx, i.db, logger)
	}
}

func (i *infrastructure) closeAll() error {
	var errs []error
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if i.db != nil {
		if err := i.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (i *infrastructure) close(ctx context.Context, logger *slog.Logger) {
	if err := i.closeAll(); err != nil {
		logger.ErrorContext(ctx, "close infrastructure failed", "error", err)
	}
}
