package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
	"github.com/codyde/sentryvibe/internal/runner/build"
	"github.com/codyde/sentryvibe/internal/runner/supervisor"
	"github.com/codyde/sentryvibe/internal/runner/tunnel"
	"github.com/codyde/sentryvibe/internal/runner/workspace"
)

// EventSink receives every event the runner produces, in order.
// Implemented by the Manager, which forwards them over the attach channel.
type EventSink interface {
	SendEvent(evt *protocol.Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(evt *protocol.Event)

func (f SinkFunc) SendEvent(evt *protocol.Event) { f(evt) }

// Handler executes commands received from the broker by dispatching to the
// supervisor, tunnel manager, build executor, and workspace.
//
// Handler also sits in the event path between those components and the
// Manager: it watches port-detected events to drive tunnel recreation.
// When a new port supersedes a previous one on the same project and a
// tunnel existed for the old port, the old tunnel is closed and a new one
// opened — the broker never has to ask.
type Handler struct {
	supervisor *supervisor.Supervisor
	tunnels    *tunnel.Manager
	builder    *build.Executor
	files      *workspace.Workspace
	sink       EventSink
	logger     *zap.Logger

	// mu guards lastPort, the last detected dev-server port per project.
	mu       sync.Mutex
	lastPort map[string]int
}

// NewHandler creates a Handler. Components are attached afterwards with
// SetComponents because the supervisor and build executor need the Handler
// as their event sink.
func NewHandler(sink EventSink, logger *zap.Logger) *Handler {
	return &Handler{
		sink:     sink,
		logger:   logger.Named("handler"),
		lastPort: make(map[string]int),
	}
}

// SetComponents wires in the command targets.
func (h *Handler) SetComponents(sup *supervisor.Supervisor, tun *tunnel.Manager, bld *build.Executor, files *workspace.Workspace) {
	h.supervisor = sup
	h.tunnels = tun
	h.builder = bld
	h.files = files
}

// SendEvent implements the event sink for the runner components. It watches
// for superseding port detections before forwarding.
func (h *Handler) SendEvent(evt *protocol.Event) {
	if evt.Type == protocol.EvtPortDetected && evt.ProjectID != "" {
		var p protocol.PortDetectedPayload
		if err := json.Unmarshal(evt.Payload, &p); err == nil {
			h.portDetected(evt.ProjectID, p.Port)
		}
	}
	h.sink.SendEvent(evt)
}

// portDetected records the project's port and recreates its tunnel when a
// restart moved the dev server to a different port.
func (h *Handler) portDetected(projectID string, port int) {
	h.mu.Lock()
	prev := h.lastPort[projectID]
	h.lastPort[projectID] = port
	h.mu.Unlock()

	if prev == 0 || prev == port {
		return
	}
	if h.tunnels.URL(prev) == "" {
		return
	}

	h.logger.Info("dev server moved, recreating tunnel",
		zap.String("project_id", projectID),
		zap.Int("old_port", prev),
		zap.Int("new_port", port),
	)
	go func() {
		h.tunnels.Close("", prev)
		if _, err := h.tunnels.Create(context.Background(), "", projectID, port); err != nil {
			h.logger.Warn("recreating tunnel", zap.Error(err))
		}
	}()
}

// Handle executes one command to completion. Called on its own goroutine
// per command; the ack has already been sent by the Manager.
func (h *Handler) Handle(ctx context.Context, cmd *protocol.Command) {
	h.logger.Info("executing command",
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
		zap.String("project_id", cmd.ProjectID),
	)

	switch cmd.Type {
	case protocol.CmdStartBuild:
		h.startBuild(ctx, cmd)
	case protocol.CmdStartDevServer:
		h.startDevServer(ctx, cmd)
	case protocol.CmdStopDevServer:
		h.stopDevServer(ctx, cmd)
	case protocol.CmdStartTunnel:
		h.startTunnel(ctx, cmd)
	case protocol.CmdStopTunnel:
		h.stopTunnel(cmd)
	case protocol.CmdFetchLogs:
		h.fetchLogs(cmd)
	case protocol.CmdHealthCheck:
		// The ack is the answer; nothing else to do.
	case protocol.CmdDeleteProjectFiles:
		h.deleteProjectFiles(ctx, cmd)
	case protocol.CmdReadFile:
		h.readFile(cmd)
	case protocol.CmdWriteFile:
		h.writeFile(cmd)
	case protocol.CmdListFiles:
		h.listFiles(cmd)
	default:
		h.fail(cmd, "unsupported command type", "unsupported")
	}
}

func (h *Handler) startBuild(ctx context.Context, cmd *protocol.Command) {
	var p protocol.StartBuildPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Prompt == "" {
		h.fail(cmd, "invalid start-build payload", "validation")
		return
	}
	if p.Cwd == "" {
		dir, err := h.files.ProjectDir(cmd.ProjectID)
		if err != nil {
			h.fail(cmd, err.Error(), "workspace")
			return
		}
		p.Cwd = dir
	}
	// Terminal events come from the executor.
	_ = h.builder.Execute(ctx, cmd.ID, cmd.ProjectID, p)
}

func (h *Handler) startDevServer(ctx context.Context, cmd *protocol.Command) {
	var p protocol.StartDevServerPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.RunCommand == "" {
		h.fail(cmd, "invalid start-dev-server payload", "validation")
		return
	}
	if p.Cwd == "" {
		dir, err := h.files.ProjectDir(cmd.ProjectID)
		if err != nil {
			h.fail(cmd, err.Error(), "workspace")
			return
		}
		p.Cwd = dir
	}

	// On success the dispatch ack is the whole answer: the server's
	// lifecycle is reported as project-scoped events (port-detected, log
	// chunks, process-exited) as it happens, not on the command stream.
	if _, err := h.supervisor.StartDevServer(ctx, cmd.ID, cmd.ProjectID, p); err != nil {
		h.fail(cmd, err.Error(), "supervisor")
	}
}

// stopDevServer is ack-only on success, like startDevServer: the exit is
// observed through the project-scoped process-exited event.
func (h *Handler) stopDevServer(ctx context.Context, cmd *protocol.Command) {
	port := h.supervisor.Port(cmd.ProjectID)
	if err := h.supervisor.StopDevServer(ctx, cmd.ProjectID); err != nil {
		h.fail(cmd, err.Error(), "supervisor")
		return
	}
	if port > 0 {
		h.tunnels.Close("", port)
	}

	h.mu.Lock()
	delete(h.lastPort, cmd.ProjectID)
	h.mu.Unlock()
}

func (h *Handler) startTunnel(ctx context.Context, cmd *protocol.Command) {
	var p protocol.TunnelPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Port == 0 {
		h.fail(cmd, "invalid start-tunnel payload", "validation")
		return
	}
	// The tunnel-created event is emitted by the manager.
	if _, err := h.tunnels.Create(ctx, cmd.ID, cmd.ProjectID, p.Port); err != nil {
		h.fail(cmd, err.Error(), "tunnel")
	}
}

func (h *Handler) stopTunnel(cmd *protocol.Command) {
	var p protocol.TunnelPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Port == 0 {
		h.fail(cmd, "invalid stop-tunnel payload", "validation")
		return
	}
	h.tunnels.Close(cmd.ID, p.Port)
}

func (h *Handler) fetchLogs(cmd *protocol.Command) {
	var p protocol.FetchLogsPayload
	if cmd.Payload != nil {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			h.fail(cmd, "invalid fetch-logs payload", "validation")
			return
		}
	}

	chunks, err := h.supervisor.FetchLogs(cmd.ProjectID, p.Cursor)
	if err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			h.fail(cmd, "no process for project", "not_running")
			return
		}
		h.fail(cmd, err.Error(), "supervisor")
		return
	}
	for _, chunk := range chunks {
		h.sink.SendEvent(protocol.NewEvent(protocol.EvtLogChunk, cmd.ID, cmd.ProjectID, chunk))
	}
}

func (h *Handler) deleteProjectFiles(ctx context.Context, cmd *protocol.Command) {
	// Tear down everything the project has running before touching disk.
	port := h.supervisor.Port(cmd.ProjectID)
	if err := h.supervisor.StopDevServer(ctx, cmd.ProjectID); err != nil {
		h.logger.Warn("stopping dev server before delete", zap.Error(err))
	}
	if port > 0 {
		h.tunnels.Close("", port)
	}

	path, deleted, err := h.files.DeleteProject(cmd.ProjectID)
	if err != nil {
		h.fail(cmd, err.Error(), "workspace")
		return
	}

	h.mu.Lock()
	delete(h.lastPort, cmd.ProjectID)
	h.mu.Unlock()

	h.sink.SendEvent(protocol.NewEvent(protocol.EvtFilesDeleted, cmd.ID, cmd.ProjectID, protocol.FilesDeletedPayload{
		Path:    path,
		Deleted: deleted,
	}))
}

func (h *Handler) readFile(cmd *protocol.Command) {
	var p protocol.FilePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Path == "" {
		h.fail(cmd, "invalid read-file payload", "validation")
		return
	}

	content, err := h.files.ReadFile(cmd.ProjectID, p.Path)
	if err != nil {
		h.fail(cmd, err.Error(), "workspace")
		return
	}
	h.sink.SendEvent(protocol.NewEvent(protocol.EvtFileContent, cmd.ID, cmd.ProjectID, protocol.FileContentPayload{
		Path:    p.Path,
		Content: content,
	}))
}

func (h *Handler) writeFile(cmd *protocol.Command) {
	var p protocol.FilePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Path == "" {
		h.fail(cmd, "invalid write-file payload", "validation")
		return
	}

	n, err := h.files.WriteFile(cmd.ProjectID, p.Path, p.Content)
	if err != nil {
		h.fail(cmd, err.Error(), "workspace")
		return
	}
	h.sink.SendEvent(protocol.NewEvent(protocol.EvtFileWritten, cmd.ID, cmd.ProjectID, protocol.FileWrittenPayload{
		Path:  p.Path,
		Bytes: n,
	}))
}

func (h *Handler) listFiles(cmd *protocol.Command) {
	var p protocol.FilePayload
	if cmd.Payload != nil {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			h.fail(cmd, "invalid list-files payload", "validation")
			return
		}
	}
	if p.Path == "" {
		p.Path = "."
	}

	entries, err := h.files.ListFiles(cmd.ProjectID, p.Path)
	if err != nil {
		h.fail(cmd, err.Error(), "workspace")
		return
	}
	h.sink.SendEvent(protocol.NewEvent(protocol.EvtFileList, cmd.ID, cmd.ProjectID, protocol.FileListPayload{
		Path:    p.Path,
		Entries: entries,
	}))
}

// fail emits the terminal error event for a command.
func (h *Handler) fail(cmd *protocol.Command, msg, code string) {
	h.logger.Warn("command failed",
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
		zap.String("error", msg),
	)
	h.sink.SendEvent(protocol.NewEvent(protocol.EvtError, cmd.ID, cmd.ProjectID, protocol.ErrorPayload{
		Error: msg,
		Code:  code,
	}))
}
