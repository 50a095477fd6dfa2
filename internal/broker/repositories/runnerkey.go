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

// gormRunnerKeyRepository is the GORM implementation of RunnerKeyRepository.
type gormRunnerKeyRepository struct {
	db *gorm.DB
}

// NewRunnerKeyRepository returns a RunnerKeyRepository backed by the provided *gorm.DB.
func NewRunnerKeyRepository(db *gorm.DB) RunnerKeyRepository {
	return &gormRunnerKeyRepository{db: db}
}

// Create inserts a new runner key record.
func (r *gormRunnerKeyRepository) Create(ctx context.Context, key *db.RunnerKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("runner_keys: create: %w", err)
	}
	return nil
}

// GetByID retrieves a key by its UUID, revoked or not.
func (r *gormRunnerKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.RunnerKey, error) {
	var key db.RunnerKey
	err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runner_keys: get by id: %w", err)
	}
	return &key, nil
}

// GetActiveByHash looks up a non-revoked key by its keyed hash.
// The unique index on key_hash guarantees at most one active key can match
// a presented plaintext.
func (r *gormRunnerKeyRepository) GetActiveByHash(ctx context.Context, hash string) (*db.RunnerKey, error) {
	var key db.RunnerKey
	err := r.db.WithContext(ctx).
		First(&key, "key_hash = ? AND revoked_at IS NULL", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runner_keys: get by hash: %w", err)
	}
	return &key, nil
}

// TouchLastUsed updates only last_used_at. Called on every attach; a missed
// update is not worth failing the handshake over, so zero affected rows is
// still ErrNotFound but database errors are the only other failure mode.
func (r *gormRunnerKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunnerKey{}).
		Where("id = ?", id).
		Update("last_used_at", at)
	if result.Error != nil {
		return fmt.Errorf("runner_keys: touch last used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke sets revoked_at on a key owned by userID. The ownership predicate
// is part of the query so a user cannot revoke another user's key even with
// a guessed id. Already-revoked keys are left untouched (idempotent).
func (r *gormRunnerKeyRepository) Revoke(ctx context.Context, userID, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunnerKey{}).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", id, userID).
		Update("revoked_at", at)
	if result.Error != nil {
		return fmt.Errorf("runner_keys: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Either absent, not owned, or already revoked. Check existence so
		// the handler can return 404 for the first two and 204 for the last.
		var key db.RunnerKey
		err := r.db.WithContext(ctx).First(&key, "id = ? AND user_id = ?", id, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("runner_keys: revoke: %w", err)
		}
		// Already revoked — idempotent success.
	}
	return nil
}

// ListByUser returns all keys owned by the user, newest first.
func (r *gormRunnerKeyRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.RunnerKey, error) {
	var keys []db.RunnerKey
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("runner_keys: list by user: %w", err)
	}
	return keys, nil
}
