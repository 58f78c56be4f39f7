// Command migrate applies migrations/*.sql in name order. Applied files are
// recorded in schema_migrations and skipped on later runs.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

func main() {
	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	cfg, err := config.LoadFromEnv("")
	if err != nil {
		fatal("load config", err)
	}
	if cfg.DatabaseURL == "" {
		fatal("config", fmt.Errorf("DATABASE_URL is required"))
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fatal("connect", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		fatal("ping", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		fatal("create schema_migrations", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		fatal("read schema_migrations", err)
	}

	files, err := migrationFiles(dir)
	if err != nil {
		fatal("read migrations dir", err)
	}

	if listOnly {
		for _, f := range files {
			state := "pending"
			if applied[f] {
				state = "applied"
			}
			fmt.Printf("  %-40s %s\n", f, state)
		}
		return
	}

	var okCount int
	for _, f := range files {
		if applied[f] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			fatal("read "+f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if err := apply(ctx, db, f, string(data)); err != nil {
			fatal("apply "+f, err)
		}
		logger.Info("[Migrate] applied", "file", f)
		okCount++
	}
	logger.Info("[Migrate] done", "applied", okCount, "total", len(files))
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, name, content string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, content); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func fatal(step string, err error) {
	logger.Error("[Migrate] failed", "step", step, "error", err)
	logger.Sync()
	os.Exit(1)
}
