// Package repositories defines the persistence interfaces consumed by the
// command/event plane and their GORM implementations. The broker never
// touches *gorm.DB outside this package — components depend on the
// interfaces so tests can substitute in-memory fakes.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/codyde/sentryvibe/internal/broker/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// RunnerKeyRepository
// -----------------------------------------------------------------------------

type RunnerKeyRepository interface {
	Create(ctx context.Context, key *db.RunnerKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.RunnerKey, error)

	// GetActiveByHash looks up a key by its keyed hash, excluding revoked
	// keys. This is the hot path of every runner attach.
	GetActiveByHash(ctx context.Context, hash string) (*db.RunnerKey, error)

	// TouchLastUsed updates only last_used_at, avoiding write amplification
	// on the full row during attach.
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error

	// Revoke sets revoked_at. Revoking an already-revoked key is a no-op.
	Revoke(ctx context.Context, userID, id uuid.UUID, at time.Time) error

	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.RunnerKey, error)
}

// -----------------------------------------------------------------------------
// ProjectRepository
// -----------------------------------------------------------------------------

type ProjectRepository interface {
	Create(ctx context.Context, project *db.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Project, error)
	GetBySlug(ctx context.Context, slug string) (*db.Project, error)
	Update(ctx context.Context, project *db.Project) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Project, int64, error)

	// BindRunner sets runner_id if and only if it is currently empty or
	// already equal to runnerID. Returns ErrRunnerMismatch when the project
	// is bound to a different runner — the caller maps this to HTTP 409.
	BindRunner(ctx context.Context, id uuid.UUID, runnerID string) error

	// ClearRunner voids the binding so the next build can bind any runner.
	// Idempotent.
	ClearRunner(ctx context.Context, id uuid.UUID) error

	// UpdateDevServer updates the dev-server lifecycle columns in one write.
	// Called by the event router's persistence side effects; overwriting
	// with the same values must be safe (idempotent application).
	UpdateDevServer(ctx context.Context, id uuid.UUID, status string, port, pid int, errMsg string) error

	UpdateTunnelURL(ctx context.Context, id uuid.UUID, url string) error
	UpdateGenerationState(ctx context.Context, id uuid.UUID, state string) error
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// RunningProcessRepository
// -----------------------------------------------------------------------------

type RunningProcessRepository interface {
	// Upsert inserts or replaces the row for proc.ProjectID. At most one row
	// exists per project.
	Upsert(ctx context.Context, proc *db.RunningProcess) error
	GetByProject(ctx context.Context, projectID uuid.UUID) (*db.RunningProcess, error)

	// Delete removes the row for the project. Deleting a non-existent row is
	// not an error — unregister must be idempotent.
	Delete(ctx context.Context, projectID uuid.UUID) error

	List(ctx context.Context) ([]db.RunningProcess, error)
	ListByRunner(ctx context.Context, runnerID string) ([]db.RunningProcess, error)
}

// -----------------------------------------------------------------------------
// PortAllocationRepository
// -----------------------------------------------------------------------------

type PortAllocationRepository interface {
	// GetUnreleased returns the active reservation for a project, if any.
	GetUnreleased(ctx context.Context, projectID uuid.UUID) (*db.PortAllocation, error)

	// ListUnreleasedPorts returns every port held by an unreleased row.
	ListUnreleasedPorts(ctx context.Context) ([]int, error)

	// Reserve writes a reservation for the project, replacing any released
	// row left behind by an earlier reservation.
	Reserve(ctx context.Context, alloc *db.PortAllocation) error

	// Release stamps released_at on the project's reservation. Idempotent:
	// releasing an already-released or absent reservation is a no-op.
	Release(ctx context.Context, projectID uuid.UUID, at time.Time) error

	// DeleteAbandoned removes unreleased reservations older than cutoff
	// whose project has no running_processes row. Returns the number of
	// reclaimed reservations.
	DeleteAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// MessageRepository
// -----------------------------------------------------------------------------

type MessageRepository interface {
	Create(ctx context.Context, msg *db.Message) error
	ListByProject(ctx context.Context, projectID uuid.UUID, opts ListOptions) ([]db.Message, int64, error)
}
