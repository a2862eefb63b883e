package db

import (
	"fmt"

	"github.com/calloway/waypoint/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model persisted in the local mirror: one
// table per synced entity type, the sync queue, and the dead-letter list.
func AllModels() []interface{} {
	return []interface{}{
		&models.Trip{},
		&models.TripCity{},
		&models.ItineraryEvent{},
		&models.PackingItem{},
		&models.TravelDocument{},
		&models.TravelExpense{},
		&models.SavedPlace{},
		&models.PinnedPOI{},
		&models.SyncQueueEntry{},
		&models.DeadLetter{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
