package repository

import (
	"context"
	"fmt"

	"github.com/fastcrud/userapi/internal/models"
	"gorm.io/gorm"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.User{},
	}
}

// Migrate creates or upgrades the schema. It is idempotent and safe to run on
// every startup.
func Migrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addUserListingIndexes,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// addUserListingIndexes covers role filtered listings ordered newest first.
func addUserListingIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_users_role_created_at
		ON users(role, created_at DESC)
	`).Error; err != nil {
		return fmt.Errorf("create idx_users_role_created_at: %w", err)
	}
	return nil
}
