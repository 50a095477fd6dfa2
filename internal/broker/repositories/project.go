package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/codyde/sentryvibe/internal/broker/db"
)

// gormProjectRepository is the GORM implementation of ProjectRepository.
type gormProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository returns a ProjectRepository backed by the provided *gorm.DB.
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &gormProjectRepository{db: db}
}

// Create inserts a new project record.
func (r *gormProjectRepository) Create(ctx context.Context, project *db.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("projects: create: %w", err)
	}
	return nil
}

// GetByID retrieves a project by its UUID. Returns ErrNotFound if absent.
func (r *gormProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error) {
	var project db.Project
	err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projects: get by id: %w", err)
	}
	return &project, nil
}

// GetBySlug retrieves a project by its unique slug.
func (r *gormProjectRepository) GetBySlug(ctx context.Context, slug string) (*db.Project, error) {
	var project db.Project
	err := r.db.WithContext(ctx).First(&project, "slug = ?", slug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projects: get by slug: %w", err)
	}
	return &project, nil
}

// Update persists all fields of an existing project record.
func (r *gormProjectRepository) Update(ctx context.Context, project *db.Project) error {
	result := r.db.WithContext(ctx).Save(project)
	if result.Error != nil {
		return fmt.Errorf("projects: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a project record.
func (r *gormProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Project{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("projects: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of the user's projects and the total count.
func (r *gormProjectRepository) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Project, int64, error) {
	var projects []db.Project
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Project{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("projects: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&projects).Error; err != nil {
		return nil, 0, fmt.Errorf("projects: list: %w", err)
	}

	return projects, total, nil
}

// BindRunner sets runner_id only when it is empty or already equal to
// runnerID. The conditional update makes the bind atomic with respect to
// concurrent command dispatches — the row either transitions from unbound
// to bound exactly once, or the update matches zero rows and the caller
// gets ErrRunnerMismatch (or ErrNotFound if the project is gone).
func (r *gormProjectRepository) BindRunner(ctx context.Context, id uuid.UUID, runnerID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ? AND (runner_id = '' OR runner_id = ?)", id, runnerID).
		Update("runner_id", runnerID)
	if result.Error != nil {
		return fmt.Errorf("projects: bind runner: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish "project missing" from "bound elsewhere".
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Project{}).
			Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("projects: bind runner: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrRunnerMismatch
	}
	return nil
}

// ClearRunner resets runner_id to empty. Used after the runner confirms
// the project's files are gone — the next build may bind anywhere.
// Clearing an unbound or missing project affects zero rows and succeeds.
func (r *gormProjectRepository) ClearRunner(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", id).
		Update("runner_id", "").Error
	if err != nil {
		return fmt.Errorf("projects: clear runner: %w", err)
	}
	return nil
}

// UpdateDevServer writes the dev-server lifecycle columns in one query.
// Applying the same values twice leaves the row unchanged, which is what
// the event router's at-least-once delivery relies on.
func (r *gormProjectRepository) UpdateDevServer(ctx context.Context, id uuid.UUID, status string, port, pid int, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"dev_server_status": status,
			"dev_server_port":   port,
			"dev_server_pid":    pid,
			"error_message":     errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("projects: update dev server: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTunnelURL updates only the tunnel_url column. An empty url clears it.
func (r *gormProjectRepository) UpdateTunnelURL(ctx context.Context, id uuid.UUID, url string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", id).
		Update("tunnel_url", url)
	if result.Error != nil {
		return fmt.Errorf("projects: update tunnel url: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateGenerationState replaces the opaque generation_state JSON blob.
func (r *gormProjectRepository) UpdateGenerationState(ctx context.Context, id uuid.UUID, state string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", id).
		Update("generation_state", state)
	if result.Error != nil {
		return fmt.Errorf("projects: update generation state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchActivity updates only last_activity_at.
func (r *gormProjectRepository) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Project{}).
		Where("id = ?", id).
		Update("last_activity_at", at)
	if result.Error != nil {
		return fmt.Errorf("projects: touch activity: %w", result.Error)
	}
	return nil
}
