package db

import (
	"threatwatch/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil {
		return nil
	}
	return db.Gorm.AutoMigrate(
		&models.ThreatAlert{},
		&models.AlertAction{},
		&models.FeedSource{},
	)
}
