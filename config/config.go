// Package config holds the researchq process configuration. Every field is
// read from the environment with github.com/caarlos0/env; Sanitize then
// clamps values into their working ranges.
package config

import (
	"slices"
	"strings"
)

// AppConfig is the root of the configuration tree. The groups live in:
//
//	database.go       Postgres, Redis and the store driver
//	http.go           intake server
//	jobs.go           queue, workers, pipeline, cache, limiter, breakers
//	observability.go  logging, tracing, metrics, alerts
//	services.go       service selection and the reaper
type AppConfig struct {
	// IsDev switches to debug text logs. APP_ENV=dev or development also
	// turns it on.
	IsDev  bool   `env:"DEV" envDefault:"false"`
	AppEnv string `env:"APP_ENV"`

	// Services is a comma separated subset of http, worker and reaper.
	Services string `env:"SERVICES" envDefault:"http,worker,reaper"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Store    StoreConfig
	HTTP     HTTPConfig

	Queue     QueueConfig
	Worker    WorkerConfig
	Pipeline  PipelineConfig
	Tools     ToolsConfig
	LLM       LLMConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	ExecLog   ExecLogConfig
	Reaper    ReaperConfig

	Observability ObservabilityConfig
}

var devEnvironments = []string{"dev", "development"}

// Sanitize clamps every group and resolves dev mode.
func (c *AppConfig) Sanitize() {
	for _, group := range []interface{ Sanitize() }{
		&c.Store, &c.Postgres, &c.HTTP,
		&c.Queue, &c.Worker, &c.Pipeline, &c.Tools, &c.LLM,
		&c.Cache, &c.RateLimit, &c.Breaker, &c.ExecLog,
		&c.Reaper, &c.Observability,
	} {
		group.Sanitize()
	}
	if !c.IsDev {
		c.IsDev = slices.Contains(devEnvironments, strings.ToLower(strings.TrimSpace(c.AppEnv)))
	}
}

// GetEnabledServices parses Services.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) IsHTTPServerEnabled() bool { return c.isEnabled(ServiceModeHTTP) }
func (c *AppConfig) IsWorkerEnabled() bool     { return c.isEnabled(ServiceModeWorker) }
func (c *AppConfig) IsReaperEnabled() bool     { return c.isEnabled(ServiceModeReaper) }

// isEnabled is false for every mode when Services does not parse.
func (c *AppConfig) isEnabled(mode ServiceMode) bool {
	enabled, err := c.GetEnabledServices()
	return err == nil && enabled[mode]
}
