package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codyde/sentryvibe/internal/broker/db"
)

// gormPortAllocationRepository is the GORM implementation of PortAllocationRepository.
type gormPortAllocationRepository struct {
	db *gorm.DB
}

// NewPortAllocationRepository returns a PortAllocationRepository backed by the provided *gorm.DB.
func NewPortAllocationRepository(db *gorm.DB) PortAllocationRepository {
	return &gormPortAllocationRepository{db: db}
}

// GetUnreleased returns the active reservation for a project.
func (r *gormPortAllocationRepository) GetUnreleased(ctx context.Context, projectID uuid.UUID) (*db.PortAllocation, error) {
	var alloc db.PortAllocation
	err := r.db.WithContext(ctx).
		First(&alloc, "project_id = ? AND released_at IS NULL", projectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("port_allocations: get unreleased: %w", err)
	}
	return &alloc, nil
}

// ListUnreleasedPorts returns every port currently held by an active
// reservation. The allocator skips these when scanning for a free port.
func (r *gormPortAllocationRepository) ListUnreleasedPorts(ctx context.Context) ([]int, error) {
	var ports []int
	err := r.db.WithContext(ctx).
		Model(&db.PortAllocation{}).
		Where("released_at IS NULL").
		Pluck("port", &ports).Error
	if err != nil {
		return nil, fmt.Errorf("port_allocations: list unreleased: %w", err)
	}
	return ports, nil
}

// Reserve writes a reservation for the project. A released row from an
// earlier reservation is replaced in place via upsert on the project key.
// A concurrent reservation holding the same port trips the partial unique
// index on (port) and surfaces as ErrPortTaken.
func (r *gormPortAllocationRepository) Reserve(ctx context.Context, alloc *db.PortAllocation) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			UpdateAll: true,
		}).
		Create(alloc).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPortTaken
		}
		return fmt.Errorf("port_allocations: reserve: %w", err)
	}
	return nil
}

// isUniqueViolation detects the port uniqueness index firing across
// drivers: gorm translates it on postgres, modernc sqlite surfaces the raw
// constraint message.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}

// Release stamps released_at on the active reservation. Releasing an
// already-released or absent reservation affects zero rows and succeeds.
func (r *gormPortAllocationRepository) Release(ctx context.Context, projectID uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.PortAllocation{}).
		Where("project_id = ? AND released_at IS NULL", projectID).
		Update("released_at", at).Error
	if err != nil {
		return fmt.Errorf("port_allocations: release: %w", err)
	}
	return nil
}

// DeleteAbandoned removes unreleased reservations older than cutoff whose
// project has no running_processes row. The NOT EXISTS subquery keeps the
// check and the delete in a single statement so concurrent registration
// cannot slip between them.
func (r *gormPortAllocationRepository) DeleteAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("released_at IS NULL AND reserved_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM running_processes WHERE running_processes.project_id = port_allocations.project_id)").
		Delete(&db.PortAllocation{})
	if result.Error != nil {
		return 0, fmt.Errorf("port_allocations: delete abandoned: %w", result.Error)
	}
	return result.RowsAffected, nil
}
