// Package events routes frames arriving on runner sessions to their
// subscribers and applies the persistence side effects that keep the
// database in step with runner reality.
//
// Subscriptions are keyed three ways: by command id (one build's stream),
// by project id (everything happening to a project), and "all" (operator
// dashboards, runner presence). Each subscriber owns a bounded buffer; a
// subscriber that cannot keep up is dropped rather than allowed to stall
// the session reader.
//
// Side effects are written before fan-out so a subscriber that reacts to an
// event by reading the database sees the updated row. All side effects are
// idempotent: a reconnecting runner may replay its last events.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/protocol"
)

// DefaultBuffer is the per-subscriber channel capacity used when a
// subscriber does not pick its own.
const DefaultBuffer = 256

// ScopeAll subscribes to every event from every runner.
const ScopeAll = "all"

// Acker resolves command-delivery waits. Satisfied by dispatch.Dispatcher.
type Acker interface {
	Ack(commandID string)
}

// Heartbeater records runner liveness. Satisfied by registry.Registry.
type Heartbeater interface {
	Heartbeat(id string)
}

var _ Heartbeater = (*registry.Registry)(nil)

// Subscription is one subscriber's bounded event feed. The channel is
// closed when the subscription is cancelled, dropped for falling behind,
// or (for command scopes) when the stream reaches its terminal event.
type Subscription struct {
	ch     chan *protocol.Event
	scope  string // command:<id> | project:<id> | all
	closed bool   // guarded by the router lock
}

// Events is the subscriber's receive side.
func (s *Subscription) Events() <-chan *protocol.Event { return s.ch }

// Stores groups the repositories the router writes through.
type Stores struct {
	Projects  repositories.ProjectRepository
	Processes repositories.RunningProcessRepository
	Messages  repositories.MessageRepository
	Ports     repositories.PortAllocationRepository
}

// Router fans runner events out to subscribers.
type Router struct {
	logger *zap.Logger
	acker  Acker
	hb     Heartbeater
	stores Stores

	// Metric hooks, installed once at startup. Nil when unobserved.
	onRouted  func(protocol.EventType)
	onDropped func()

	mu        sync.Mutex
	byCommand map[string]map[*Subscription]struct{}
	byProject map[string]map[*Subscription]struct{}
	all       map[*Subscription]struct{}

	// owner maps in-flight command ids to the runner executing them, learned
	// from the events the runner sends (the ack is the earliest). Entries are
	// dropped with the command's terminal event or when the runner detaches.
	owner map[string]string
}

// NewRouter creates a Router. acker and hb may be nil in tests.
func NewRouter(logger *zap.Logger, acker Acker, hb Heartbeater, stores Stores) *Router {
	return &Router{
		logger:    logger.Named("events"),
		acker:     acker,
		hb:        hb,
		stores:    stores,
		byCommand: make(map[string]map[*Subscription]struct{}),
		byProject: make(map[string]map[*Subscription]struct{}),
		all:       make(map[*Subscription]struct{}),
		owner:     make(map[string]string),
	}
}

// SetObserver installs counters for routed events and dropped subscribers.
// Call before the first Route; either hook may be nil.
func (r *Router) SetObserver(routed func(protocol.EventType), dropped func()) {
	r.onRouted = routed
	r.onDropped = dropped
}

// SubscribeCommand follows one command's event stream until its terminal
// event.
func (r *Router) SubscribeCommand(commandID string, buffer int) *Subscription {
	return r.subscribe(r.byCommand, commandID, "command:"+commandID, buffer)
}

// SubscribeProject follows every event tagged with the project id.
func (r *Router) SubscribeProject(projectID string, buffer int) *Subscription {
	return r.subscribe(r.byProject, projectID, "project:"+projectID, buffer)
}

// SubscribeAll follows every event from every runner.
func (r *Router) SubscribeAll(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{ch: make(chan *protocol.Event, buffer), scope: ScopeAll}
	r.mu.Lock()
	r.all[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

func (r *Router) subscribe(index map[string]map[*Subscription]struct{}, key, scope string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{ch: make(chan *protocol.Event, buffer), scope: scope}
	r.mu.Lock()
	set, ok := index[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		index[key] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Unsubscribe cancels a subscription and closes its channel. Safe to call
// after the router already closed it.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sub)
}

// removeLocked detaches sub from every index and closes it once.
func (r *Router) removeLocked(sub *Subscription) {
	for key, set := range r.byCommand {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.byCommand, key)
			}
		}
	}
	for key, set := range r.byProject {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.byProject, key)
			}
		}
	}
	delete(r.all, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Route processes one event from a runner session: plumbing frames feed
// the dispatcher and registry, state-bearing frames are persisted, and
// everything visible fans out to matching subscribers.
//
// Route never blocks on a subscriber. The session reader calls it from a
// dedicated dispatcher goroutine, off the socket-read path.
func (r *Router) Route(ctx context.Context, runnerID string, evt *protocol.Event) {
	if evt.CommandID != "" && runnerID != "" {
		r.mu.Lock()
		r.owner[evt.CommandID] = runnerID
		r.mu.Unlock()
	}

	switch evt.Type {
	case protocol.EvtAck:
		if r.acker != nil {
			r.acker.Ack(evt.CommandID)
		}
		return
	case protocol.EvtRunnerStatus:
		if r.hb != nil {
			r.hb.Heartbeat(runnerID)
		}
	default:
		r.persist(ctx, runnerID, evt)
	}

	if r.onRouted != nil {
		r.onRouted(evt.Type)
	}
	r.fanout(evt)

	if evt.Type.Terminal() && evt.CommandID != "" {
		r.closeCommand(evt.CommandID)
	}
}

// fanout delivers evt to command, project, and all subscribers. A full
// buffer drops the subscriber on the spot.
func (r *Router) fanout(evt *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lagging []*Subscription
	deliver := func(sub *Subscription) {
		select {
		case sub.ch <- evt:
		default:
			lagging = append(lagging, sub)
		}
	}

	if evt.CommandID != "" {
		for sub := range r.byCommand[evt.CommandID] {
			deliver(sub)
		}
	}
	if evt.ProjectID != "" {
		for sub := range r.byProject[evt.ProjectID] {
			deliver(sub)
		}
	}
	for sub := range r.all {
		deliver(sub)
	}

	for _, sub := range lagging {
		r.logger.Warn("dropping slow event subscriber",
			zap.String("scope", sub.scope),
		)
		if r.onDropped != nil {
			r.onDropped()
		}
		r.removeLocked(sub)
	}
}

// closeCommand ends every subscription following a finished command.
func (r *Router) closeCommand(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owner, commandID)
	for sub := range r.byCommand[commandID] {
		r.removeLocked(sub)
	}
}

// RunnerDetached fails every open command stream owned by the runner:
// each subscriber receives a terminal error event with code
// "runner-disconnected" and its channel is closed. Called from session
// teardown and the stale-session sweep so command followers learn about
// the disconnect promptly instead of waiting out their own timeouts.
func (r *Router) RunnerDetached(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for commandID, owner := range r.owner {
		if owner != runnerID {
			continue
		}
		delete(r.owner, commandID)

		subs := r.byCommand[commandID]
		if len(subs) == 0 {
			continue
		}
		r.logger.Info("failing command stream, runner detached",
			zap.String("command_id", commandID),
			zap.String("runner_id", runnerID),
		)
		evt := protocol.NewEvent(protocol.EvtError, commandID, "", protocol.ErrorPayload{
			Error: "runner disconnected",
			Code:  "runner-disconnected",
		})
		for sub := range subs {
			select {
			case sub.ch <- evt:
			default:
			}
			r.removeLocked(sub)
		}
	}
}

// persist applies the event's database side effect. Failures are logged
// and do not stop fan-out — subscribers still deserve the event, and the
// next event of the same kind will retry the write.
func (r *Router) persist(ctx context.Context, runnerID string, evt *protocol.Event) {
	switch evt.Type {
	case protocol.EvtPortDetected, protocol.EvtTunnelCreated, protocol.EvtTunnelClosed,
		protocol.EvtProcessExited, protocol.EvtBuildCompleted, protocol.EvtBuildFailed,
		protocol.EvtFilesDeleted:
	default:
		// Log chunks and build stream frames are volume traffic with no
		// database footprint.
		return
	}

	projectID, err := uuid.Parse(evt.ProjectID)
	if err != nil {
		return
	}

	switch evt.Type {
	case protocol.EvtPortDetected:
		var p protocol.PortDetectedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			r.logWarn(evt, "malformed port-detected payload", err)
			return
		}
		if err := r.stores.Projects.UpdateDevServer(ctx, projectID, db.DevServerRunning, p.Port, p.PID, ""); err != nil {
			r.logWarn(evt, "persisting port-detected", err)
		}
		err := r.stores.Processes.Upsert(ctx, &db.RunningProcess{
			ProjectID: projectID,
			PID:       p.PID,
			Port:      p.Port,
			RunnerID:  runnerID,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			r.logWarn(evt, "registering running process", err)
		}

	case protocol.EvtTunnelCreated:
		var p protocol.TunnelPayloadEvent
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			r.logWarn(evt, "malformed tunnel-created payload", err)
			return
		}
		if err := r.stores.Projects.UpdateTunnelURL(ctx, projectID, p.URL); err != nil {
			r.logWarn(evt, "persisting tunnel url", err)
		}

	case protocol.EvtTunnelClosed:
		if err := r.stores.Projects.UpdateTunnelURL(ctx, projectID, ""); err != nil {
			r.logWarn(evt, "clearing tunnel url", err)
		}

	case protocol.EvtProcessExited:
		var p protocol.ProcessExitedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			r.logWarn(evt, "malformed process-exited payload", err)
			return
		}
		status := db.DevServerStopped
		errMsg := ""
		if p.ExitCode != 0 || p.QuickExit {
			status = db.DevServerFailed
			errMsg = exitDescription(&p)
		}
		if err := r.stores.Projects.UpdateDevServer(ctx, projectID, status, 0, 0, errMsg); err != nil {
			r.logWarn(evt, "persisting process exit", err)
		}
		if err := r.stores.Processes.Delete(ctx, projectID); err != nil {
			r.logWarn(evt, "removing running process", err)
		}
		if err := r.stores.Ports.Release(ctx, projectID, time.Now().UTC()); err != nil {
			r.logWarn(evt, "releasing port reservation", err)
		}

	case protocol.EvtBuildCompleted:
		msg := &db.Message{
			ProjectID: projectID,
			CommandID: evt.CommandID,
			Role:      "assistant",
			Parts:     string(evt.Payload),
		}
		if err := r.stores.Messages.Create(ctx, msg); err != nil {
			r.logWarn(evt, "appending assistant message", err)
		}
		if err := r.stores.Projects.UpdateGenerationState(ctx, projectID, `{"status":"completed"}`); err != nil {
			r.logWarn(evt, "persisting build completion", err)
		}

	case protocol.EvtBuildFailed:
		if err := r.stores.Projects.UpdateGenerationState(ctx, projectID, `{"status":"failed"}`); err != nil {
			r.logWarn(evt, "persisting build failure", err)
		}

	case protocol.EvtFilesDeleted:
		// The runner wiped the project directory; the binding is void and
		// the next build may go to any runner.
		if err := r.stores.Projects.UpdateDevServer(ctx, projectID, db.DevServerStopped, 0, 0, ""); err != nil {
			r.logWarn(evt, "persisting files-deleted", err)
		}
		if err := r.stores.Projects.ClearRunner(ctx, projectID); err != nil {
			r.logWarn(evt, "clearing runner binding", err)
		}
		if err := r.stores.Processes.Delete(ctx, projectID); err != nil {
			r.logWarn(evt, "removing running process", err)
		}
	}

	if err := r.stores.Projects.TouchActivity(ctx, projectID, time.Now().UTC()); err != nil {
		r.logWarn(evt, "touching project activity", err)
	}
}

func (r *Router) logWarn(evt *protocol.Event, msg string, err error) {
	r.logger.Warn(msg,
		zap.String("event_type", string(evt.Type)),
		zap.String("command_id", evt.CommandID),
		zap.String("project_id", evt.ProjectID),
		zap.Error(err),
	)
}

// exitDescription renders a process exit for the project's error column.
func exitDescription(p *protocol.ProcessExitedPayload) string {
	if p.Signal != "" {
		return "dev server killed by signal " + p.Signal
	}
	if p.QuickExit {
		return "dev server exited immediately; check the run command"
	}
	return "dev server exited with a non-zero status"
}
