package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Runner keys
// -----------------------------------------------------------------------------

// RunnerKey is a long-lived bearer secret that lets a runner attach to the
// broker. Only the keyed hash of the plaintext is stored — the plaintext is
// shown exactly once at creation and never persisted. Revocation is soft:
// RevokedAt is set and the key stops authenticating, but the row remains so
// the key list can show when it was revoked.
type RunnerKey struct {
	base
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	Name       string    `gorm:"not null"`
	KeyHash    string    `gorm:"not null;uniqueIndex"` // HMAC-SHA256 hex of the plaintext
	KeyPrefix  string    `gorm:"not null"`             // "sv_" + first 8 chars, for display
	LastUsedAt *time.Time
	RevokedAt  *time.Time `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Projects
// -----------------------------------------------------------------------------

// Dev-server status values stored in Project.DevServerStatus.
const (
	DevServerStopped    = "stopped"
	DevServerStarting   = "starting"
	DevServerRunning    = "running"
	DevServerFailed     = "failed"
	DevServerRestarting = "restarting"
	DevServerStopping   = "stopping"
)

// Project holds the fields of a project record that the command/event plane
// owns. RunnerID, once set by the first dispatched build, identifies the
// runner whose disk holds the project files; every later command must target
// the same runner. GenerationState is opaque JSON written by the build
// executor's project-metadata events.
type Project struct {
	base
	UserID          uuid.UUID `gorm:"type:text;not null;index"`
	Slug            string    `gorm:"uniqueIndex;not null"`
	Name            string    `gorm:"not null"`
	RunnerID        string    `gorm:"index;default:''"`
	DevServerStatus string    `gorm:"not null;default:'stopped'"`
	DevServerPort   int       `gorm:"default:0"`
	DevServerPID    int       `gorm:"default:0"`
	TunnelURL       string    `gorm:"default:''"`
	ErrorMessage    string    `gorm:"type:text;default:''"`
	GenerationState string    `gorm:"type:text;default:'{}'"` // opaque JSON
	LastActivityAt  *time.Time
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// Message is one entry of a project's chat transcript. User prompts are
// written by the HTTP layer when a build is requested; assistant messages
// are appended by the event router when a build reaches its terminal event,
// so the transcript survives page reloads. Parts holds the canonical build
// stream serialized as a JSON array.
type Message struct {
	base
	ProjectID uuid.UUID `gorm:"type:text;not null;index"`
	CommandID string    `gorm:"index;default:''"`
	Role      string    `gorm:"not null"` // "user" or "assistant"
	Parts     string    `gorm:"type:text;not null;default:'[]'"`
}

// -----------------------------------------------------------------------------
// Running processes
// -----------------------------------------------------------------------------

// RunningProcess mirrors a dev server the runner currently supervises.
// Keyed by project — at most one supervised process per project. The row is
// upserted when the runner registers a child and deleted when the runner
// reports exit or the project is deleted.
type RunningProcess struct {
	ProjectID            uuid.UUID `gorm:"type:text;primaryKey"`
	PID                  int       `gorm:"not null"`
	Command              string    `gorm:"not null"`
	Port                 int       `gorm:"default:0"`
	RunnerID             string    `gorm:"index;default:''"`
	StartedAt            time.Time `gorm:"not null"`
	HealthCheckFailCount int       `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Port allocations
// -----------------------------------------------------------------------------

// PortAllocation is a dev-server port reservation. Ports are unique among
// unreleased rows; a released row keeps its ReleasedAt stamp as allocation
// history. Reservations older than the abandonment TTL with no matching
// RunningProcess are reclaimed by the sweeper.
type PortAllocation struct {
	ProjectID  uuid.UUID `gorm:"type:text;primaryKey"`
	Port       int       `gorm:"not null;index"`
	ReservedAt time.Time `gorm:"not null"`
	ReleasedAt *time.Time
}
