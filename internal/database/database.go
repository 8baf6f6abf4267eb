package database

import (
	"fmt"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the database and migrates the engine's persisted shapes.
// The engine only relies on primary-key and (userID, brokerKey) lookups, so
// the sqlite driver is swappable for any gorm dialect.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the schema for all persisted models.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.BrokerConnection{},
		&models.OAuthTokenRecord{},
		&models.Order{},
		&models.RiskProfile{},
		&models.DailyRisk{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
