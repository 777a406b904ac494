package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	migrationAppliedSQL = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1);`
	recordMigrationSQL  = `INSERT INTO schema_migrations (name) VALUES ($1);`
)

// Migrate applies every *.sql file under dir not yet recorded in
// schema_migrations, in file name order. Each file runs in its own transaction.
func (r *Repository) Migrate(ctx context.Context, dir string) (int, error) {
	pool, err := r.getPool()
	if err != nil {
		return 0, err
	}
	files, err := migrationFiles(dir)
	if err != nil {
		return 0, err
	}
	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, path := range files {
		name := filepath.Base(path)
		var done bool
		if err := pool.QueryRow(ctx, migrationAppliedSQL, name).Scan(&done); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", name, err)
		}
		if done {
			continue
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return applied, err
		}
		// No arguments, so pgx sends the file over the simple protocol and
		// multiple statements are allowed.
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, recordMigrationSQL, name); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
	}
	return applied, nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
