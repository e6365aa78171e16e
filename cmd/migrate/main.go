package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"FarmEscrow/internal/config"
	"FarmEscrow/internal/db"
	"FarmEscrow/internal/logging"

	"github.com/jackc/pgx/v5"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Service+"-migrate", cfg.Env, cfg.Log.Level)
	if cfg.DB.DSN == "" {
		logger.Error("db.dsn is required for migrations")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := run(ctx, pool, *dir, logger); err != nil {
		logger.Error("migrate failed", "err", err)
		pool.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, pool *db.Pool, dir string, logger *slog.Logger) error {
	if err := ensureSchemaTable(ctx, pool); err != nil {
		return err
	}
	files, err := listSQLFiles(dir)
	if err != nil {
		return err
	}
	for _, file := range files {
		name := filepath.Base(file)
		applied, err := isApplied(ctx, pool, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, pool, file, name); err != nil {
			return err
		}
		logger.Info("applied migration", "file", name)
	}
	return nil
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists)
	return exists, err
}

// applyMigration runs the file and records it in the same transaction.
func applyMigration(ctx context.Context, pool *db.Pool, file, name string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if strings.TrimSpace(string(data)) != "" {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
		return err
	})
}
