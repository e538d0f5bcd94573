package storage

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"permittracer/internal/obslog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator applies goose migrations against a pgxpool.Pool.
type Migrator struct {
	pool *pgxpool.Pool
}

func NewMigrator(pool *pgxpool.Pool) *Migrator {
	return &Migrator{pool: pool}
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(m.pool)
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	obslog.Log.Info("migrations applied")
	return nil
}

// RunMigrations applies migrations if cfg.AutoMigrate is set.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, autoMigrate bool) error {
	if !autoMigrate {
		obslog.Log.Info("auto-migration disabled")
		return nil
	}
	return NewMigrator(pool).Up(ctx)
}
