package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/Freeeeeet/booking_core/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrator обёртка над goose
type Migrator struct {
	db  *sql.DB
	dir string
}

// NewMigrator создаёт мигратор. При пустом dir берутся миграции, вшитые в бинарник.
func NewMigrator(pool *pgxpool.Pool, dir string) (*Migrator, error) {
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}

	if dir == "" {
		goose.SetBaseFS(migrations.FS)
		dir = "."
	} else {
		goose.SetBaseFS(nil)
	}

	// Goose работает с *sql.DB, поэтому открываем его поверх пула
	return &Migrator{
		db:  stdlib.OpenDBFromPool(pool),
		dir: dir,
	}, nil
}

// Run применяет все pending миграции
func (mg *Migrator) Run(ctx context.Context) error {
	log.Println("🔄 Applying database migrations...")

	if err := goose.UpContext(ctx, mg.db, mg.dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Println("✅ Migrations applied successfully")
	return nil
}

// Version текущая версия схемы
func (mg *Migrator) Version(ctx context.Context) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, mg.db)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

// Reset откатывает все миграции; для интеграционных тестов
func (mg *Migrator) Reset(ctx context.Context) error {
	if err := goose.ResetContext(ctx, mg.db, mg.dir); err != nil {
		return fmt.Errorf("reset migrations: %w", err)
	}
	return nil
}

// Close закрывает sql.DB, но не пул: им управляет main
func (mg *Migrator) Close() error {
	if mg.db != nil {
		return mg.db.Close()
	}
	return nil
}
