package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - worker",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:  "all services with spaces",
			input: " http , worker , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:     "duplicate services",
			input:    "worker,worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:     "mixed case",
			input:    "HTTP,Reaper",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true, ServiceModeReaper: true},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "invalid service",
			input:       "http,scheduler",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		services string
		http     bool
		worker   bool
		reaper   bool
	}{
		{"http", true, false, false},
		{"worker,reaper", false, true, true},
		{"http,worker,reaper", true, true, true},
		{"bogus", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.services, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}
			if got := cfg.IsHTTPServerEnabled(); got != tt.http {
				t.Errorf("IsHTTPServerEnabled() = %v, want %v", got, tt.http)
			}
			if got := cfg.IsWorkerEnabled(); got != tt.worker {
				t.Errorf("IsWorkerEnabled() = %v, want %v", got, tt.worker)
			}
			if got := cfg.IsReaperEnabled(); got != tt.reaper {
				t.Errorf("IsReaperEnabled() = %v, want %v", got, tt.reaper)
			}
		})
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Services != "http,worker,reaper" {
		t.Errorf("Services = %q", cfg.Services)
	}
	if cfg.Store.Driver != StoreDriverPostgres {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	expectedQueue := QueueConfig{
		VisibilityTimeout: 60 * time.Second,
		MaxLease:          10 * time.Minute,
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
	}
	if cfg.Queue != expectedQueue {
		t.Errorf("Queue = %#v, want %#v", cfg.Queue, expectedQueue)
	}
	expectedWorker := WorkerConfig{
		PoolSize:        4,
		DrainTimeout:    30 * time.Second,
		MetricsInterval: 15 * time.Second,
		IdlePoll:        5 * time.Second,
	}
	if cfg.Worker != expectedWorker {
		t.Errorf("Worker = %#v, want %#v", cfg.Worker, expectedWorker)
	}
	if cfg.Pipeline.MaxRetries != 3 || cfg.Pipeline.ToolTimeout != 10*time.Second {
		t.Errorf("Pipeline = %#v", cfg.Pipeline)
	}
	if cfg.Cache.TTL != 5*time.Minute || cfg.Cache.FollowerMode != CacheFollowerAwait || cfg.Cache.RedisEnabled {
		t.Errorf("Cache = %#v", cfg.Cache)
	}
	if cfg.RateLimit.Capacity != 10 || cfg.RateLimit.RefillPerSecond != 1 {
		t.Errorf("RateLimit = %#v", cfg.RateLimit)
	}
	expectedBreaker := BreakerConfig{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		MaxCooldown:       5 * time.Minute,
		BackoffMultiplier: 2,
	}
	if cfg.Breaker != expectedBreaker {
		t.Errorf("Breaker = %#v, want %#v", cfg.Breaker, expectedBreaker)
	}
	if cfg.Tools.Mode != ToolsModeMock {
		t.Errorf("Tools.Mode = %q", cfg.Tools.Mode)
	}
	if cfg.LLM.Enabled {
		t.Errorf("LLM should be disabled without an API key")
	}
	if !cfg.ExecLog.Enabled || cfg.ExecLog.Stream != "research:execlog" || cfg.ExecLog.Buffer != 1024 {
		t.Errorf("ExecLog = %#v", cfg.ExecLog)
	}
	if cfg.Observability.OTel.Enabled() {
		t.Errorf("OTel should be disabled without an endpoint")
	}
}

func TestAppConfig_ParseEnv(t *testing.T) {
	environment := map[string]string{
		"STORE_DRIVER":             "Memory",
		"QUEUE_VISIBILITY_TIMEOUT": "90s",
		"WORKER_POOL_SIZE":         "8",
		"CACHE_FOLLOWER_MODE":      "NonBlocking",
		"TOOLS_MODE":               "http",
		"TOOLS_MARKET_PRICE_URL":   "https://data.example.com/price",
		"TOOLS_SENTIMENT_URL":      "https://data.example.com/sentiment",
		"LLM_ENABLED":              "true",
		"LLM_API_KEY":              "sk-test",
		"DB_HOST":                  "db",
		"REDIS_URI":                "redis:6379",
	}
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Queue.VisibilityTimeout != 90*time.Second {
		t.Errorf("VisibilityTimeout = %v", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Worker.PoolSize != 8 {
		t.Errorf("PoolSize = %d", cfg.Worker.PoolSize)
	}
	if cfg.Cache.FollowerMode != CacheFollowerNonBlocking {
		t.Errorf("FollowerMode = %q", cfg.Cache.FollowerMode)
	}
	if cfg.Tools.Mode != ToolsModeHTTP {
		t.Errorf("Tools.Mode = %q", cfg.Tools.Mode)
	}
	if !cfg.LLM.Enabled || cfg.LLM.Model != "openai/gpt-4o-mini" {
		t.Errorf("LLM = %#v", cfg.LLM)
	}
	if cfg.Postgres.Host != "db" || cfg.Redis.URI != "redis:6379" {
		t.Errorf("connections = %#v %#v", cfg.Postgres, cfg.Redis)
	}
}

func TestToolsConfig_Sanitize(t *testing.T) {
	cfg := ToolsConfig{Mode: "http", MarketPriceURL: "https://x"}
	cfg.Sanitize()
	if cfg.Mode != ToolsModeMock {
		t.Errorf("expected fallback to mock without every endpoint, got %q", cfg.Mode)
	}
}

func TestQueueConfig_Sanitize(t *testing.T) {
	cfg := QueueConfig{VisibilityTimeout: 0, MaxLease: 0, MaxRetries: 0, RetryDelay: -time.Second}
	cfg.Sanitize()
	expected := QueueConfig{VisibilityTimeout: time.Second, MaxLease: time.Second, MaxRetries: 1}
	if cfg != expected {
		t.Errorf("got %#v, want %#v", cfg, expected)
	}

	capped := QueueConfig{VisibilityTimeout: time.Minute, MaxLease: time.Minute, MaxRetries: 1 << 30}
	capped.Sanitize()
	if capped.MaxRetries != maxRetryBudget {
		t.Errorf("MaxRetries = %d, want cap %d", capped.MaxRetries, maxRetryBudget)
	}
}

func TestDBConfig_PoolDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{"DB_MAX_IDLE_CONNS": "50"}}); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	db := cfg.Postgres
	if db.MaxOpenConns != 25 || db.MaxIdleConns != 25 {
		t.Errorf("idle conns must not exceed open conns: %#v", db)
	}
	if db.ConnMaxLifetime != 5*time.Minute || db.ConnectTimeout != 5*time.Second {
		t.Errorf("unexpected pool timings: %#v", db)
	}
	if cfg.Redis.ClientName != "researchq" || cfg.Redis.ConnectTimeout != 5*time.Second {
		t.Errorf("unexpected redis defaults: %#v", cfg.Redis)
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{BatchSize: 50_000}
	cfg.Sanitize()
	expected := ReaperConfig{
		Interval:        10 * time.Second,
		PendingMaxAge:   5 * time.Minute,
		CompletedMaxAge: time.Hour,
		FailedMaxAge:    time.Hour,
		BatchSize:       10_000,
	}
	if cfg != expected {
		t.Errorf("got %#v, want %#v", cfg, expected)
	}

	cfg = ReaperConfig{Interval: time.Minute, PendingMaxAge: 2 * time.Hour, CompletedMaxAge: 48 * time.Hour, FailedMaxAge: 24 * time.Hour}
	cfg.Sanitize()
	if cfg.Interval != time.Minute || cfg.PendingMaxAge != 2*time.Hour || cfg.BatchSize != 1 {
		t.Errorf("values above the floor must be kept: %#v", cfg)
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}
	if !reflect.DeepEqual(modes, expected) {
		t.Errorf("ValidServiceModes() = %v, want %v", modes, expected)
	}
	modes[0] = "mutated"
	if ValidServiceModes()[0] != ServiceModeHTTP {
		t.Errorf("ValidServiceModes must return a copy")
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "   "}
	cfg.Sanitize()
	if cfg.IsEnabled() {
		t.Errorf("metrics should be disabled without an address")
	}

	cfg = ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " 127.0.0.1:8125 "}
	cfg.Sanitize()
	if !cfg.IsEnabled() || cfg.StatsdAddress != "127.0.0.1:8125" {
		t.Errorf("unexpected config %#v", cfg)
	}
}

func TestLoggingConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := LoggingConfig{Level: in}
		cfg.Sanitize()
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOTelConfig_Sanitize(t *testing.T) {
	cfg := OTelConfig{Endpoint: " http://collector:4318/ "}
	cfg.Sanitize()
	if cfg.Endpoint != "http://collector:4318" || cfg.ServiceName != "researchq" || !cfg.Enabled() {
		t.Errorf("unexpected config %#v", cfg)
	}
}

func TestNotificationsConfig_Sanitize(t *testing.T) {
	tests := []struct {
		name          string
		cfg           NotificationsConfig
		wantSlack     bool
		wantPagerDuty bool
	}{
		{
			name: "master switch off",
			cfg: NotificationsConfig{
				Slack:     SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.slack.test/x"},
				PagerDuty: PagerDutyNotificationConfig{Enabled: true, RoutingKey: "rk"},
			},
		},
		{
			name: "missing credentials",
			cfg: NotificationsConfig{
				Enabled:   true,
				Slack:     SlackNotificationConfig{Enabled: true, WebhookURL: "  "},
				PagerDuty: PagerDutyNotificationConfig{Enabled: true},
			},
		},
		{
			name: "both sinks",
			cfg: NotificationsConfig{
				Enabled:   true,
				Slack:     SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.slack.test/x"},
				PagerDuty: PagerDutyNotificationConfig{Enabled: true, RoutingKey: " rk "},
			},
			wantSlack:     true,
			wantPagerDuty: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Sanitize()
			if cfg.Slack.Enabled != tt.wantSlack || cfg.PagerDuty.Enabled != tt.wantPagerDuty {
				t.Errorf("slack=%v pagerduty=%v, want %v/%v",
					cfg.Slack.Enabled, cfg.PagerDuty.Enabled, tt.wantSlack, tt.wantPagerDuty)
			}
			if cfg.AnySink() != (tt.wantSlack || tt.wantPagerDuty) {
				t.Errorf("AnySink() = %v", cfg.AnySink())
			}
			if cfg.Timeout != 5*time.Second {
				t.Errorf("Timeout = %v, want default", cfg.Timeout)
			}
			if cfg.Slack.Username != "researchq" || cfg.PagerDuty.Component != "research-worker" {
				t.Errorf("defaults not applied: %#v", cfg)
			}
		})
	}
}

func TestNotificationsConfig_EnvDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	n := cfg.Observability.Notifications
	if n.Enabled || n.RetryLimit != 3 || n.PagerDuty.Endpoint != "https://events.pagerduty.com/v2/enqueue" {
		t.Errorf("unexpected defaults %#v", n)
	}
}

func TestAppConfig_DevMode(t *testing.T) {
	tests := []struct {
		environment map[string]string
		want        bool
	}{
		{map[string]string{}, false},
		{map[string]string{"DEV": "true"}, true},
		{map[string]string{"APP_ENV": "Development"}, true},
		{map[string]string{"APP_ENV": " dev "}, true},
		{map[string]string{"APP_ENV": "production"}, false},
	}
	for _, tt := range tests {
		var cfg AppConfig
		if err := env.ParseWithOptions(&cfg, env.Options{Environment: tt.environment}); err != nil {
			t.Fatalf("parse %v: %v", tt.environment, err)
		}
		cfg.Sanitize()
		if cfg.IsDev != tt.want {
			t.Errorf("IsDev for %v = %v, want %v", tt.environment, cfg.IsDev, tt.want)
		}
	}
}
