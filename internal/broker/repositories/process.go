package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codyde/sentryvibe/internal/broker/db"
)

// gormRunningProcessRepository is the GORM implementation of RunningProcessRepository.
type gormRunningProcessRepository struct {
	db *gorm.DB
}

// NewRunningProcessRepository returns a RunningProcessRepository backed by the provided *gorm.DB.
func NewRunningProcessRepository(db *gorm.DB) RunningProcessRepository {
	return &gormRunningProcessRepository{db: db}
}

// Upsert inserts or replaces the row for proc.ProjectID. The project-keyed
// primary key enforces the at-most-one-process-per-project invariant at the
// storage layer regardless of event ordering.
func (r *gormRunningProcessRepository) Upsert(ctx context.Context, proc *db.RunningProcess) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			UpdateAll: true,
		}).
		Create(proc).Error
	if err != nil {
		return fmt.Errorf("running_processes: upsert: %w", err)
	}
	return nil
}

// GetByProject retrieves the process row for a project.
func (r *gormRunningProcessRepository) GetByProject(ctx context.Context, projectID uuid.UUID) (*db.RunningProcess, error) {
	var proc db.RunningProcess
	err := r.db.WithContext(ctx).First(&proc, "project_id = ?", projectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("running_processes: get by project: %w", err)
	}
	return &proc, nil
}

// Delete removes the process row for a project. Absent rows are fine —
// process unregister happens on both graceful stop and crash cleanup, and
// the two can race.
func (r *gormRunningProcessRepository) Delete(ctx context.Context, projectID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Delete(&db.RunningProcess{}, "project_id = ?", projectID).Error; err != nil {
		return fmt.Errorf("running_processes: delete: %w", err)
	}
	return nil
}

// List returns every tracked process.
func (r *gormRunningProcessRepository) List(ctx context.Context) ([]db.RunningProcess, error) {
	var procs []db.RunningProcess
	if err := r.db.WithContext(ctx).Find(&procs).Error; err != nil {
		return nil, fmt.Errorf("running_processes: list: %w", err)
	}
	return procs, nil
}

// ListByRunner returns the processes supervised by one runner.
func (r *gormRunningProcessRepository) ListByRunner(ctx context.Context, runnerID string) ([]db.RunningProcess, error) {
	var procs []db.RunningProcess
	if err := r.db.WithContext(ctx).
		Where("runner_id = ?", runnerID).
		Find(&procs).Error; err != nil {
		return nil, fmt.Errorf("running_processes: list by runner: %w", err)
	}
	return procs, nil
}
