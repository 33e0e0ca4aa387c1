package database

import (
	"context"
	"fmt"
	"log/slog"

	"fleetdesk/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewConnection opens the console's Postgres pool, migrates its tables and
// installs the permission functions. A failed migration is logged, not fatal,
// so the console can still run against a schema managed elsewhere.
func NewConnection(ctx context.Context, dsn string, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		log.Warn("auto-migrate failed", "error", err)
	}
	if err := InstallFunctions(ctx, db); err != nil {
		log.Warn("installing permission functions failed", "error", err)
	}
	return db, nil
}

// Migrate creates or updates the tables this service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.PermissionRecord{},
		&model.RoleRecord{},
		&model.Profile{},
		&model.AuditLog{},
		&model.LocalCredential{},
		&model.LocalRefreshToken{},
	)
}
