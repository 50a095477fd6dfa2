// Package registry maintains the in-memory registry of attached runners.
//
// When a runner completes the attach handshake, its session is registered
// here. The dispatcher uses the registry to resolve a runner ID to the live
// session that can deliver commands.
//
// All state is in-memory and intentionally non-persistent: if the broker
// restarts, runners reconnect and re-register automatically via their
// reconnection loop. Persistent runner state (bindings, processes) lives in
// the database.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

// Sink is the delivery side of a runner session. Registered by the
// WebSocket layer; the registry and dispatcher only see this interface.
type Sink interface {
	// Send enqueues a command frame for the runner. Must not block
	// indefinitely; the session's writer owns the socket.
	Send(cmd *protocol.Command) error
	// Close tears the session down. Safe to call more than once.
	Close()
}

// AttachedRunner is a runner with a live session.
type AttachedRunner struct {
	// ID is the runner-chosen stable identifier presented at attach.
	ID string

	// UserID is the owner resolved from the presented key.
	UserID string

	// Version and Platform are advertised at attach, kept here so status
	// endpoints do not need a round trip to the runner.
	Version  string
	Platform string

	// ConnectedAt is when the current session attached. Reset on every
	// reconnect.
	ConnectedAt time.Time

	// LastHeartbeat is bumped on every heartbeat or event frame. The
	// staleness sweep displaces sessions that go quiet.
	LastHeartbeat time.Time

	// generation disambiguates sessions for the same runner ID: a displaced
	// session's deferred Deregister must not remove its replacement.
	generation uint64

	sink Sink
}

// StatusFunc is invoked outside the registry lock whenever a runner
// attaches or detaches, with online reporting the new state. The broker
// fans this out to UI subscribers.
type StatusFunc func(runnerID string, online bool)

// Registry is the in-memory registry of currently attached runners.
// Safe for concurrent use.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*AttachedRunner
	nextGen uint64
	logger  *zap.Logger
	onState StatusFunc
}

// New creates a Registry. onState may be nil.
func New(logger *zap.Logger, onState StatusFunc) *Registry {
	return &Registry{
		runners: make(map[string]*AttachedRunner),
		logger:  logger.Named("registry"),
		onState: onState,
	}
}

// Register adds a runner session and returns its generation token.
// If the same runner ID is already attached, the existing session is
// displaced: its sink is closed and the new session wins. This is the
// expected path when a runner reconnects before the broker has noticed the
// old socket is dead.
func (r *Registry) Register(id, userID, version, platform string, sink Sink) uint64 {
	r.mu.Lock()

	var displaced Sink
	if old, exists := r.runners[id]; exists {
		displaced = old.sink
		r.logger.Warn("displacing existing runner session",
			zap.String("runner_id", id),
		)
	}

	r.nextGen++
	gen := r.nextGen
	now := time.Now().UTC()
	r.runners[id] = &AttachedRunner{
		ID:            id,
		UserID:        userID,
		Version:       version,
		Platform:      platform,
		ConnectedAt:   now,
		LastHeartbeat: now,
		generation:    gen,
		sink:          sink,
	}
	total := len(r.runners)
	r.mu.Unlock()

	if displaced != nil {
		displaced.Close()
	}

	r.logger.Info("runner attached",
		zap.String("runner_id", id),
		zap.String("version", version),
		zap.String("platform", platform),
		zap.Int("total_attached", total),
	)

	if r.onState != nil {
		r.onState(id, true)
	}
	return gen
}

// Deregister removes a runner session, but only if gen still identifies the
// registered session. A displaced session calling Deregister on its way out
// is a no-op.
func (r *Registry) Deregister(id string, gen uint64) {
	r.mu.Lock()
	runner, exists := r.runners[id]
	if !exists || runner.generation != gen {
		r.mu.Unlock()
		return
	}
	delete(r.runners, id)
	total := len(r.runners)
	connectedAt := runner.ConnectedAt
	r.mu.Unlock()

	r.logger.Info("runner detached",
		zap.String("runner_id", id),
		zap.Duration("session_duration", time.Since(connectedAt)),
		zap.Int("total_attached", total),
	)

	if r.onState != nil {
		r.onState(id, false)
	}
}

// Heartbeat records liveness for a runner. Unknown IDs are ignored — the
// frame may arrive after a displacement removed the session.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runner, exists := r.runners[id]; exists {
		runner.LastHeartbeat = time.Now().UTC()
	}
}

// Sink returns the delivery sink for a runner, or false when not attached.
func (r *Registry) Sink(id string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, exists := r.runners[id]
	if !exists {
		return nil, false
	}
	return runner.sink, true
}

// IsAttached reports whether the runner currently has a live session.
func (r *Registry) IsAttached(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.runners[id]
	return exists
}

// Attached returns a snapshot of all attached runners. The returned values
// are copies.
func (r *Registry) Attached() []AttachedRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]AttachedRunner, 0, len(r.runners))
	for _, runner := range r.runners {
		result = append(result, *runner)
	}
	return result
}

// SweepStale displaces runners whose last heartbeat is older than maxAge
// and returns their IDs. maxAge is conventionally twice the heartbeat
// interval: one missed beat is forgiven, two is a dead peer.
func (r *Registry) SweepStale(maxAge time.Duration) []string {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.Lock()
	var stale []*AttachedRunner
	for id, runner := range r.runners {
		if runner.LastHeartbeat.Before(cutoff) {
			stale = append(stale, runner)
			delete(r.runners, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, runner := range stale {
		r.logger.Warn("displacing stale runner session",
			zap.String("runner_id", runner.ID),
			zap.Time("last_heartbeat", runner.LastHeartbeat),
		)
		runner.sink.Close()
		ids = append(ids, runner.ID)
		if r.onState != nil {
			r.onState(runner.ID, false)
		}
	}
	return ids
}
