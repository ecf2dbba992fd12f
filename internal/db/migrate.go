package db

import (
	"fmt"

	"github.com/darwin7381/oao-to-sub001/internal/models"

	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all ledger core tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if err := conn.AutoMigrate(
		&models.Account{},
		&models.APIKey{},
		&models.Balance{},
		&models.Transaction{},
		&models.Usage{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
