// Package migrate applies the embedded SQL schema for jobs and research reports.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var embedded embed.FS

// lockKey is the session advisory lock held by whichever process is migrating.
const lockKey int64 = 7_240_001

// migration is one NNNN_name.sql file.
type migration struct {
	seq     int
	version string // file stem, recorded in schema_migrations
	body    string
}

// Run applies every pending migration in sequence order, one transaction per
// file. Concurrent callers serialize on an advisory lock, so it is safe to run
// from every replica at startup.
func Run(ctx context.Context, db *sql.DB) error {
	migrations, err := load(embedded, "migrations")
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get migration conn: %w", err)
	}
	defer conn.Close()

	if _, err = conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if _, err = conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	logger := slog.Default().With("component", "migrate")
	for _, m := range pending(migrations, applied) {
		logger.InfoContext(ctx, "applying migration", "version", m.version)
		if err = apply(ctx, conn, m); err != nil {
			return err
		}
	}
	return nil
}

// load reads and orders the migrations under dir. File names must start with
// a unique numeric sequence followed by an underscore.
func load(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".sql")
		prefix, _, ok := strings.Cut(stem, "_")
		seq, convErr := strconv.Atoi(prefix)
		if !ok || convErr != nil {
			return nil, fmt.Errorf("migration %s: name must look like 0001_description.sql", e.Name())
		}
		if prev, dup := seen[seq]; dup {
			return nil, fmt.Errorf("migrations %s and %s share sequence %d", prev, e.Name(), seq)
		}
		seen[seq] = e.Name()

		body, readErr := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if readErr != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), readErr)
		}
		out = append(out, migration{seq: seq, version: stem, body: string(body)})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.seq - b.seq })
	return out, nil
}

func pending(all []migration, applied map[string]bool) []migration {
	return slices.DeleteFunc(slices.Clone(all), func(m migration) bool { return applied[m.version] })
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func appliedVersions(ctx context.Context, q querier) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err = rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, conn *sql.Conn, m migration) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.version, err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback migration %s: %w", m.version, rerr))
		}
	}()

	if _, err = tx.ExecContext(ctx, m.body); err != nil {
		return fmt.Errorf("exec migration %s: %w", m.version, err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.version, err)
	}
	return nil
}
