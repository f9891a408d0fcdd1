package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"price-pulse/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// MigrationFiles lists the *.sql files under dir in lexical order.
func MigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
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

// Migrate applies every migration file. Statements must be idempotent.
func (s *Store) Migrate(ctx context.Context, dir string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	files, err := MigrationFiles(dir)
	if err != nil {
		return 0, err
	}
	for _, path := range files {
		body, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return 0, fmt.Errorf("apply migration %s: %w", filepath.Base(path), err)
		}
	}
	return len(files), nil
}
