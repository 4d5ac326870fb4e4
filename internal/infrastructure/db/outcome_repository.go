package db

import (
	"context"
	"errors"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// outcomeRepository keeps one row per idempotency key. The primary key makes
// PutIfAbsent a compare-and-set.
type outcomeRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutcomeRepository(db *gorm.DB, log *logger.Logger) ports.OutcomeStore {
	return &outcomeRepository{db: db, log: log}
}

func (r *outcomeRepository) Load(ctx context.Context) (map[string]domain.TaskOutcome, error) {
	var rows []domain.TaskOutcome
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		r.log.Errorw("outcome_repo_load_failed", "error", err)
		return nil, err
	}
	outcomes := make(map[string]domain.TaskOutcome, len(rows))
	for _, row := range rows {
		outcomes[row.Key] = row
	}
	r.log.Infow("outcome_repo_load_ok", "count", len(outcomes))
	return outcomes, nil
}

func (r *outcomeRepository) Save(ctx context.Context, outcomes map[string]domain.TaskOutcome) error {
	rows := make([]domain.TaskOutcome, 0, len(outcomes))
	for key, outcome := range outcomes {
		outcome.Key = key
		rows = append(rows, outcome)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.TaskOutcome{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		r.log.Errorw("outcome_repo_save_failed", "count", len(rows), "error", err)
		return err
	}
	r.log.Infow("outcome_repo_save_ok", "count", len(rows))
	return nil
}

func (r *outcomeRepository) Get(ctx context.Context, key string) (*domain.TaskOutcome, error) {
	var outcome domain.TaskOutcome
	if err := r.db.WithContext(ctx).Where("key = ?", key).First(&outcome).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("outcome_repo_get_failed", "key", key, "error", err)
		return nil, err
	}
	return &outcome, nil
}

func (r *outcomeRepository) PutIfAbsent(ctx context.Context, key string, outcome domain.TaskOutcome) (bool, error) {
	outcome.Key = key
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(&outcome)
	if res.Error != nil {
		r.log.Errorw("outcome_repo_put_failed", "key", key, "error", res.Error)
		return false, res.Error
	}
	inserted := res.RowsAffected == 1
	r.log.Infow("outcome_repo_put_ok", "key", key, "inserted", inserted)
	return inserted, nil
}
