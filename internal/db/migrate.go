package db

import (
	"fmt"

	"github.com/mwhitten/ingestd/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Operation{},
		&models.Document{},
	}
}

// AutoMigrate creates or updates all tables and constraint indexes.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return createActiveOperationIndex(db)
}

// createActiveOperationIndex adds the partial unique index enforcing at
// most one non-terminal operation per type. MySQL has no partial indexes;
// there the atomic conditional insert in the operation store is the sole
// enforcement, which holds for a single-database deployment.
func createActiveOperationIndex(db *gorm.DB) error {
	if db.Dialector.Name() != "sqlite" {
		return nil
	}
	sql := `CREATE UNIQUE INDEX IF NOT EXISTS active_operation_idx
		ON operations (operation_type)
		WHERE current_status NOT IN ('COMPLETED', 'FAILED', 'IDLE')`
	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create active operation index: %w", err)
	}
	return nil
}
