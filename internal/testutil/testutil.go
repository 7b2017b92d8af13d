// Package testutil provides Postgres and Redis fixtures for integration tests.
// Tests skip when the services are unreachable unless TEST_REQUIRE_* is set.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver

	"github.com/target/researchq/internal/migrate"
)

// InfraConfig locates the integration test services. The defaults match the
// docker-compose test profile; CI points TEST_DB_* at its own service.
type InfraConfig struct {
	DBHost     string `env:"TEST_DB_HOST"     envDefault:"localhost"`
	DBPort     int    `env:"TEST_DB_PORT"     envDefault:"55432"`
	DBUser     string `env:"TEST_DB_USER"     envDefault:"researchq"`
	DBPassword string `env:"TEST_DB_PASSWORD" envDefault:"researchq"`
	DBName     string `env:"TEST_DB_NAME"     envDefault:"researchq"`
	DBSSLMode  string `env:"DB_SSL_MODE"      envDefault:"disable"`

	// RedisAddr pins the Redis address; empty probes the usual candidates.
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisDB pins the Redis database; negative reserves one automatically.
	RedisDB int `env:"TEST_REDIS_DB" envDefault:"-1"`

	RequireDB    bool `env:"TEST_REQUIRE_DB"`
	RequireRedis bool `env:"TEST_REQUIRE_REDIS"`
	RequireInfra bool `env:"TEST_REQUIRE_INFRA"`
}

// LoadInfraConfig reads InfraConfig from the environment. A malformed value
// falls back to the defaults.
func LoadInfraConfig() InfraConfig {
	cfg, err := env.ParseAs[InfraConfig]()
	if err != nil {
		cfg, _ = env.ParseAsWithOptions[InfraConfig](env.Options{Environment: map[string]string{}})
	}
	return cfg
}

func (c InfraConfig) dbRequired() bool    { return c.RequireDB || c.RequireInfra }
func (c InfraConfig) redisRequired() bool { return c.RequireRedis || c.RequireInfra }

// DSN renders the database URL, optionally pinned to schema through search_path.
func (c InfraConfig) DSN(schema string) string {
	q := url.Values{}
	q.Set("sslmode", c.DBSSLMode)
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// TestingTB is the subset of testing.TB the fixtures need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// SetupTestDB returns a migrated database whose search_path points at a fresh
// schema. The schema is dropped on cleanup.
func SetupTestDB(t TestingTB) *sql.DB {
	t.Helper()
	cfg := LoadInfraConfig()
	admin := connectOrSkip(t, cfg)

	schema := schemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeAndLog(t, "admin DB", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	db, err := sql.Open("pgx", cfg.DSN(schema))
	if err != nil {
		closeAndLog(t, "admin DB", admin)
		t.Fatal("open schema DB:", err)
	}
	db.SetMaxOpenConns(20)
	registerCleanup(t, func() {
		closeAndLog(t, "schema DB", db)
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		if _, derr := admin.ExecContext(cctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); derr != nil {
			t.Logf("warning: drop schema %s: %v", schema, derr)
		}
		closeAndLog(t, "admin DB", admin)
	})

	if err = migrate.Run(ctx, db); err != nil {
		t.Fatal("run migrations:", err)
	}
	return db
}

// WithAutoDB runs fn against a database from SetupTestDB.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	fn(SetupTestDB(t))
}

// SkipIfNoTestDB skips the test when the database cannot be reached.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	closeAndLog(t, "probe DB", connectOrSkip(t, LoadInfraConfig()))
}

// connectOrSkip opens and pings the unscoped database, skipping the test (or
// failing it when required) if that does not work.
func connectOrSkip(t TestingTB, cfg InfraConfig) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", cfg.DSN(""))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			closeAndLog(t, "probe DB", db)
		}
	}
	if err != nil {
		skipOrFail(t, cfg.dbRequired(), "test database not available (docker compose --profile test up -d):", err)
	}
	return db
}

func skipOrFail(t TestingTB, required bool, args ...any) {
	t.Helper()
	if required {
		t.Fatal(args...)
	}
	t.Skip(args...)
}

// schemaName returns a random lowercase schema name safe to splice into DDL.
func schemaName() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "t_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "t_" + hex.EncodeToString(b)
}

func closeAndLog(t TestingTB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("warning: failed to close %s: %v", name, err)
	}
}

func registerCleanup(t TestingTB, fn func()) {
	if tc, ok := any(t).(interface{ Cleanup(func()) }); ok {
		tc.Cleanup(fn)
	}
}

// TestTime is the fixed instant fixtures are stamped with.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// StringPtr returns &s.
func StringPtr(s string) *string {
	return &s
}
