package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/codyde/sentryvibe/internal/broker/db"
)

// gormMessageRepository is the GORM implementation of MessageRepository.
type gormMessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a MessageRepository backed by the provided *gorm.DB.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create appends a message to a project's transcript.
func (r *gormMessageRepository) Create(ctx context.Context, msg *db.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("messages: create: %w", err)
	}
	return nil
}

// ListByProject returns a project's transcript in chronological order.
func (r *gormMessageRepository) ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Message, int64, error) {
	var msgs []db.Message
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Message{}).
		Where("project_id = ?", projectID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("messages: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&msgs).Error; err != nil {
		return nil, 0, fmt.Errorf("messages: list: %w", err)
	}

	return msgs, total, nil
}
