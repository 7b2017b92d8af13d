package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/researchq/config"
	"github.com/target/researchq/internal/breaker"
	"github.com/target/researchq/internal/cache"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/data"
	"github.com/target/researchq/internal/data/memstore"
	domainjob "github.com/target/researchq/internal/domain/job"
	"github.com/target/researchq/internal/observability/metrics"
	"github.com/target/researchq/internal/observability/notify/pagerduty"
	"github.com/target/researchq/internal/observability/notify/slack"
	"github.com/target/researchq/internal/observability/statsd"
	"github.com/target/researchq/internal/pipeline"
	"github.com/target/researchq/internal/pipeline/llm"
	"github.com/target/researchq/internal/pipeline/tools"
	"github.com/target/researchq/internal/service/failurenotifier"
)

// Backends groups the storage adapters selected by STORE_DRIVER.
type Backends struct {
	Queue   core.JobQueue
	Jobs    core.JobStore
	Reports core.ReportStore
	Reaper  core.ReaperRepository
	// Remote is the shared cache tier; nil keeps the report cache process-local.
	Remote core.CacheRepository
	// LogStore is the execution log sink behind the dispatcher; nil disables logging.
	LogStore core.LogStore
	// Logs reads traces back from LogStore for the intake API.
	Logs core.LogReader
}

// BackendDeps groups the connections backends are built on. DB is required
// for the postgres driver; Redis is optional for both drivers.
type BackendDeps struct {
	Config *config.AppConfig
	DB     *sql.DB
	Redis  redis.UniversalClient
	Logger *slog.Logger
}

// BuildBackends builds the queue, transactional store and log store adapters.
func BuildBackends(deps BackendDeps) (*Backends, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	leases, err := domainjob.NewLeasePolicy(cfg.Queue.VisibilityTimeout, cfg.Queue.MaxLease)
	if err != nil {
		return nil, fmt.Errorf("lease policy: %w", err)
	}

	var b Backends
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		store := memstore.New(memstore.Options{
			LeasePolicy: leases,
			RetryDelay:  cfg.Queue.RetryDelay,
			Logger:      logger,
		})
		b.Queue, b.Jobs, b.Reports, b.Reaper = store, store, store, store
	default:
		if deps.DB == nil {
			return nil, errors.New("postgres store requires a database connection")
		}
		repo := data.NewJobRepo(deps.DB, data.RepoConfig{
			RetryDelay:  cfg.Queue.RetryDelay,
			LeasePolicy: leases,
			Logger:      logger,
		})
		b.Queue, b.Jobs, b.Reaper = repo, repo, repo
		b.Reports = data.NewReportRepo(data.ReportRepoOptions{DB: deps.DB, Logger: logger})
	}

	if deps.Redis != nil && cfg.Cache.RedisEnabled {
		b.Remote = data.NewRedisCacheRepo(data.RedisCacheRepoOptions{
			Client:    deps.Redis,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
	}

	if cfg.ExecLog.Enabled {
		if deps.Redis != nil {
			stream := data.NewExecutionLogStream(data.ExecutionLogStreamOptions{
				Client: deps.Redis,
				Stream: cfg.ExecLog.Stream,
				MaxLen: cfg.ExecLog.MaxLen,
			})
			b.LogStore, b.Logs = stream, stream
		} else {
			logs := memstore.NewLogStore(int(min(cfg.ExecLog.MaxLen, int64(cfg.ExecLog.Buffer)*16)))
			b.LogStore, b.Logs = logs, logs
		}
	}

	return &b, nil
}

// BuildBreakers builds the per-dependency breaker registry and reports every
// state change as a metric and a log line.
func BuildBreakers(cfg config.BreakerConfig, sink statsd.Sink, logger *slog.Logger) *breaker.Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.FailureThreshold,
		Cooldown:          cfg.Cooldown,
		MaxCooldown:       cfg.MaxCooldown,
		BackoffMultiplier: cfg.BackoffMultiplier,
		OnStateChange: func(name string, from, to breaker.State) {
			metrics.EmitBreakerTransition(sink, name, from.String(), to.String())
			logger.Warn("circuit breaker state changed",
				"dependency", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// BuildTools returns the tool set selected by TOOLS_MODE.
func BuildTools(cfg config.ToolsConfig, timeout time.Duration) ([]tools.Capability, error) {
	if cfg.Mode != config.ToolsModeHTTP {
		return tools.MockSet(tools.MockOptions{Seed: cfg.MockSeed}), nil
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers[cfg.APIKeyHeader] = cfg.APIKey
	}
	client := &http.Client{Timeout: timeout}

	price, err := tools.NewHTTPTool(tools.HTTPToolOptions{
		Name:        tools.MarketPriceName,
		Description: "Current market price and volatility for an asset",
		Endpoint:    cfg.MarketPriceURL,
		Headers:     headers,
		Client:      client,
	})
	if err != nil {
		return nil, err
	}
	sentiment, err := tools.NewHTTPTool(tools.HTTPToolOptions{
		Name:        tools.InternalSentimentName,
		Description: "Internal sentiment score and outlook for an asset",
		Endpoint:    cfg.SentimentURL,
		Headers:     headers,
		Client:      client,
	})
	if err != nil {
		return nil, err
	}
	return []tools.Capability{price, sentiment}, nil
}

// BuildGenerator returns the LLM generator when enabled and the rule-based
// generator otherwise.
//
//nolint:ireturn // the generator is chosen at runtime.
func BuildGenerator(cfg config.LLMConfig, logger *slog.Logger) (pipeline.Generator, error) {
	if !cfg.Enabled {
		return pipeline.NewRuleGenerator(), nil
	}
	client, err := llm.New(llm.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}
	return pipeline.NewLLMGenerator(pipeline.LLMGeneratorOptions{
		Client:      client,
		Temperature: llm.Temp(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
	})
}

// BuildReportCache builds the single-flight report cache. Awaiting followers
// wait at most one lease visibility timeout for the leader.
func BuildReportCache(cfg config.CacheConfig, visibility time.Duration, remote core.CacheRepository, logger *slog.Logger) *cache.ReportCache {
	return cache.New(cache.Options{
		TTL:          cfg.TTL,
		Mode:         cache.FollowerMode(cfg.FollowerMode),
		AwaitTimeout: visibility,
		Remote:       remote,
		Logger:       logger,
	})
}

// BuildFailureNotifier returns a notifier for the configured sinks, or nil
// when none are enabled. A sink that fails to build is logged and skipped.
func BuildFailureNotifier(cfg config.NotificationsConfig, sink statsd.Sink, logger *slog.Logger) *failurenotifier.Service {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.AnySink() {
		return nil
	}

	var sinks []failurenotifier.SinkRegistration
	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:      cfg.Slack.WebhookURL,
			Channel:         cfg.Slack.Channel,
			Username:        cfg.Slack.Username,
			Timeout:         cfg.Timeout,
			RetryLimit:      cfg.RetryLimit,
			StatusURLPrefix: cfg.Slack.StatusURLPrefix,
		})
		if err != nil {
			logger.Error("failed to configure slack notifications", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}
	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Endpoint:   cfg.PagerDuty.Endpoint,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to configure pagerduty notifications", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}
	if len(sinks) == 0 {
		return nil
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name)
	}
	logger.Info("failure notifications enabled", "sinks", names)

	// Each sink retries on its own, so the fan-out gets room for every attempt.
	return failurenotifier.NewService(failurenotifier.Options{
		Logger:  logger,
		Sinks:   sinks,
		Timeout: cfg.Timeout * time.Duration(cfg.RetryLimit+1),
		Metrics: sink,
	})
}
