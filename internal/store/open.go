// Package store selects the credit store backing a process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/credits/internal"
	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/store/postgres"
	"github.com/DukeRupert/credits/internal/store/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects the store named by cfg.DatabaseDriver. Postgres schemas are
// migrated before the store is returned; SQLite creates its own schema.
func Open(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (domain.CreditStore, error) {
	switch cfg.DatabaseDriver {
	case internal.DriverPostgres:
		db, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := internal.RunMigrations(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Database ready", "driver", cfg.DatabaseDriver)
		return postgres.New(db, postgres.Config{LockTimeout: cfg.DBLockTimeout}), nil

	case internal.DriverSQLite:
		s, err := sqlite.New(cfg.DatabaseUrl, cfg.DBLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		logger.Info("Database ready", "driver", cfg.DatabaseDriver, "path", cfg.DatabaseUrl)
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// OpenPostgres opens and pings a pgx-backed database handle without
// migrating it.
func OpenPostgres(ctx context.Context, cfg *internal.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}
