package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNoDB = errors.New("db required")

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Runner applies *.sql files from Dir in lexical order, each in its own
// transaction, and records them in schema_migrations.
type Runner struct {
	Dir      string
	ReadFile func(name string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
	Logf     func(format string, args ...any)
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

// Run returns the names of the files applied in this call.
func (r Runner) Run(ctx context.Context, db migrationDB) ([]string, error) {
	if db == nil {
		return nil, ErrNoDB
	}
	readFile := r.ReadFile
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	glob := r.Glob
	if glob == nil {
		glob = filepath.Glob
	}
	logf := r.Logf
	if logf == nil {
		logf = log.Printf
	}
	dir := r.Dir
	if dir == "" {
		dir = "migrations"
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir = filepath.Clean(dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := []string{}
	for _, file := range files {
		cleanFile, err := validateMigrationPath(dir, file)
		if err != nil {
			return applied, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return applied, fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", cleanFile, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied = append(applied, name)
		logf("migrate: applied %s", name)
	}
	logf("migrate: %d applied, %d total", len(applied), len(files))
	return applied, nil
}
