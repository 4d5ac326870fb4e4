package db

import (
	"github.com/appforge/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.TaskOutcome{}); err != nil {
		return err
	}

	return createCustomIndexes(db)
}

func createCustomIndexes(db *gorm.DB) error {
	// Lookup of every round/nonce recorded for a task
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_outcomes_task_round
		ON task_outcomes (task, round)
	`).Error; err != nil {
		return err
	}

	return nil
}
