package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"twapguard/internal/config"
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

// Open returns the backend selected by storage.driver.
func Open(ctx context.Context, cfg *config.Config) (PairStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		repo := NewRepository(pool, cfg.Scheduler.AdvisoryLockKey)
		if cfg.Database.MigrationsPath != "" {
			if _, err := repo.Migrate(ctx, cfg.Database.MigrationsPath); err != nil {
				repo.Close()
				return nil, err
			}
		}
		return repo, nil
	case config.DriverBadger:
		return OpenBadger(BadgerOptions{Path: cfg.Storage.Badger.Path, InMemory: cfg.Storage.Badger.InMemory})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
