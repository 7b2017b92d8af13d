package config

import (
	"strings"
	"time"
)

const maxRetryBudget = 25

// QueueConfig contains job queue configuration.
type QueueConfig struct {
	// VisibilityTimeout is the lease length granted to a worker.
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"60s"`

	// MaxLease caps lease requests and extensions.
	MaxLease time.Duration `env:"QUEUE_MAX_LEASE" envDefault:"10m"`

	// MaxRetries is the retry budget applied to jobs submitted without one.
	// Capped at the per-request maximum of 25.
	MaxRetries int `env:"QUEUE_MAX_RETRIES" envDefault:"3"`

	// RetryDelay hides a job requeued after a store or timeout failure, and
	// is the fallback backoff for dead-lettered jobs returned to pending.
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"5s"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.VisibilityTimeout < time.Second {
		q.VisibilityTimeout = time.Second
	}
	if q.MaxLease < q.VisibilityTimeout {
		q.MaxLease = q.VisibilityTimeout
	}
	q.MaxRetries = min(max(q.MaxRetries, 1), maxRetryBudget)
	if q.RetryDelay < 0 {
		q.RetryDelay = 0
	}
}

// WorkerConfig contains research worker pool configuration.
type WorkerConfig struct {
	// PoolSize is the number of worker goroutines.
	PoolSize int `env:"WORKER_POOL_SIZE" envDefault:"4"`

	// DrainTimeout bounds how long in-flight jobs may run after shutdown starts.
	DrainTimeout time.Duration `env:"WORKER_DRAIN_TIMEOUT" envDefault:"30s"`

	// MetricsInterval is how often queue depth and breaker gauges are emitted.
	MetricsInterval time.Duration `env:"WORKER_METRICS_INTERVAL" envDefault:"15s"`

	// IdlePoll is the fallback poll interval when no notification arrives.
	IdlePoll time.Duration `env:"WORKER_IDLE_POLL" envDefault:"5s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.PoolSize < 1 {
		w.PoolSize = 1
	}
	if w.DrainTimeout < 0 {
		w.DrainTimeout = 0
	}
	if w.MetricsInterval < time.Second {
		w.MetricsInterval = time.Second
	}
	if w.IdlePoll < 100*time.Millisecond {
		w.IdlePoll = 100 * time.Millisecond
	}
}

// PipelineConfig contains agent pipeline configuration.
type PipelineConfig struct {
	// MaxRetries bounds generation attempts after validation failures.
	MaxRetries int `env:"PIPELINE_MAX_RETRIES" envDefault:"3"`

	// ToolTimeout bounds each tool call.
	ToolTimeout time.Duration `env:"PIPELINE_TOOL_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to pipeline configuration values.
func (p *PipelineConfig) Sanitize() {
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	if p.ToolTimeout < 100*time.Millisecond {
		p.ToolTimeout = 100 * time.Millisecond
	}
}

// ToolsMode selects the tool implementations.
type ToolsMode string

const (
	ToolsModeMock ToolsMode = "mock"
	ToolsModeHTTP ToolsMode = "http"
)

// ToolsConfig selects and configures the pipeline's tools.
type ToolsConfig struct {
	Mode ToolsMode `env:"TOOLS_MODE" envDefault:"mock"`

	// Seed makes mock tool jitter reproducible; zero picks a random seed.
	MockSeed uint64 `env:"TOOLS_MOCK_SEED" envDefault:"0"`

	MarketPriceURL string `env:"TOOLS_MARKET_PRICE_URL"`
	SentimentURL   string `env:"TOOLS_SENTIMENT_URL"`
	APIKey         string `env:"TOOLS_API_KEY"`
	// APIKeyHeader names the header that carries APIKey.
	APIKeyHeader string `env:"TOOLS_API_KEY_HEADER" envDefault:"X-Api-Key"`
}

// Sanitize falls back to mock tools unless every HTTP endpoint is configured.
func (t *ToolsConfig) Sanitize() {
	t.Mode = ToolsMode(strings.ToLower(strings.TrimSpace(string(t.Mode))))
	t.MarketPriceURL = strings.TrimSpace(t.MarketPriceURL)
	t.SentimentURL = strings.TrimSpace(t.SentimentURL)
	if t.Mode != ToolsModeHTTP || t.MarketPriceURL == "" || t.SentimentURL == "" {
		t.Mode = ToolsModeMock
	}
}

// LLMConfig configures the optional model-backed report generator.
type LLMConfig struct {
	Enabled     bool    `env:"LLM_ENABLED"     envDefault:"false"`
	APIKey      string  `env:"LLM_API_KEY"`
	BaseURL     string  `env:"LLM_BASE_URL"    envDefault:"https://openrouter.ai/api/v1"`
	Model       string  `env:"LLM_MODEL"       envDefault:"openai/gpt-4o-mini"`
	Temperature float64 `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	MaxTokens   int     `env:"LLM_MAX_TOKENS"  envDefault:"2000"`
}

// Sanitize disables the generator when no API key is set.
func (l *LLMConfig) Sanitize() {
	l.APIKey = strings.TrimSpace(l.APIKey)
	if l.APIKey == "" {
		l.Enabled = false
	}
	if l.Temperature < 0 {
		l.Temperature = 0
	}
	if l.MaxTokens < 1 {
		l.MaxTokens = 2000
	}
}

// Follower modes accepted by CacheConfig.FollowerMode.
const (
	CacheFollowerAwait       = "await"
	CacheFollowerNonBlocking = "nonblocking"
)

// CacheConfig contains report cache configuration.
type CacheConfig struct {
	TTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	// FollowerMode is await or nonblocking.
	FollowerMode string `env:"CACHE_FOLLOWER_MODE" envDefault:"await"`

	// RedisEnabled adds the shared Redis tier.
	RedisEnabled bool   `env:"CACHE_REDIS_ENABLED"    envDefault:"false"`
	KeyPrefix    string `env:"CACHE_REDIS_KEY_PREFIX" envDefault:"researchq:cache:"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	c.FollowerMode = strings.ToLower(strings.TrimSpace(c.FollowerMode))
	if c.FollowerMode != CacheFollowerNonBlocking {
		c.FollowerMode = CacheFollowerAwait
	}
}

// RateLimitConfig contains per-client admission configuration.
type RateLimitConfig struct {
	Capacity        int     `env:"RATE_LIMIT_CAPACITY"          envDefault:"10"`
	RefillPerSecond float64 `env:"RATE_LIMIT_REFILL_PER_SECOND" envDefault:"1"`
}

// Sanitize applies guardrails to rate limit configuration values.
func (r *RateLimitConfig) Sanitize() {
	if r.Capacity < 1 {
		r.Capacity = 1
	}
	if r.RefillPerSecond <= 0 {
		r.RefillPerSecond = 1
	}
}

// BreakerConfig contains circuit breaker configuration shared by every dependency.
type BreakerConfig struct {
	FailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD"  envDefault:"5"`
	Cooldown          time.Duration `env:"BREAKER_COOLDOWN"           envDefault:"30s"`
	MaxCooldown       time.Duration `env:"BREAKER_MAX_COOLDOWN"       envDefault:"5m"`
	BackoffMultiplier float64       `env:"BREAKER_BACKOFF_MULTIPLIER" envDefault:"2"`
}

// Sanitize applies guardrails to breaker configuration values.
func (b *BreakerConfig) Sanitize() {
	if b.FailureThreshold < 1 {
		b.FailureThreshold = 1
	}
	if b.Cooldown < time.Second {
		b.Cooldown = time.Second
	}
	if b.MaxCooldown < b.Cooldown {
		b.MaxCooldown = b.Cooldown
	}
	if b.BackoffMultiplier < 1 {
		b.BackoffMultiplier = 1
	}
}

// ExecLogConfig contains execution log configuration.
type ExecLogConfig struct {
	Enabled bool   `env:"EXECLOG_ENABLED" envDefault:"true"`
	Stream  string `env:"EXECLOG_STREAM"  envDefault:"research:execlog"`
	// Buffer is the dispatcher queue length; the oldest entry is dropped when full.
	Buffer int `env:"EXECLOG_BUFFER" envDefault:"1024"`
	// MaxLen approximately caps the stream length.
	MaxLen int64 `env:"EXECLOG_MAX_LEN" envDefault:"100000"`
	// AppendTimeout bounds one append to the log store.
	AppendTimeout time.Duration `env:"EXECLOG_APPEND_TIMEOUT" envDefault:"2s"`
}

// Sanitize applies guardrails to execution log configuration values.
func (e *ExecLogConfig) Sanitize() {
	e.Stream = strings.TrimSpace(e.Stream)
	if e.Stream == "" {
		e.Stream = "research:execlog"
	}
	if e.Buffer < 1 {
		e.Buffer = 1
	}
	if e.MaxLen < 0 {
		e.MaxLen = 0
	}
	if e.AppendTimeout <= 0 {
		e.AppendTimeout = 2 * time.Second
	}
}
