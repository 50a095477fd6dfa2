package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of report carried by an Event.
type EventType string

const (
	EvtAck             EventType = "ack"
	EvtLogChunk        EventType = "log-chunk"
	EvtPortDetected    EventType = "port-detected"
	EvtTunnelCreated   EventType = "tunnel-created"
	EvtTunnelClosed    EventType = "tunnel-closed"
	EvtProcessExited   EventType = "process-exited"
	EvtBuildProgress   EventType = "build-progress"
	EvtBuildCompleted  EventType = "build-completed"
	EvtBuildFailed     EventType = "build-failed"
	EvtRunnerStatus    EventType = "runner-status"
	EvtBuildStream     EventType = "build-stream"
	EvtProjectMetadata EventType = "project-metadata"
	EvtFilesDeleted    EventType = "files-deleted"
	EvtFileContent     EventType = "file-content"
	EvtFileWritten     EventType = "file-written"
	EvtFileList        EventType = "file-list"
	EvtError           EventType = "error"
)

// valid reports whether t is a known event type.
func (t EventType) valid() bool {
	switch t {
	case EvtAck, EvtLogChunk, EvtPortDetected, EvtTunnelCreated,
		EvtTunnelClosed, EvtProcessExited, EvtBuildProgress,
		EvtBuildCompleted, EvtBuildFailed, EvtRunnerStatus,
		EvtBuildStream, EvtProjectMetadata, EvtFilesDeleted,
		EvtFileContent, EvtFileWritten, EvtFileList, EvtError:
		return true
	}
	return false
}

// Terminal reports whether an event of this type ends the command's event
// stream. The router closes command subscriptions after delivering one.
func (t EventType) Terminal() bool {
	switch t {
	case EvtBuildCompleted, EvtBuildFailed, EvtError,
		EvtFilesDeleted, EvtFileContent, EvtFileWritten, EvtFileList:
		return true
	}
	return false
}

// Event is the envelope for every runner → broker report.
// CommandID is set when the event was produced while executing a command;
// ProjectID is set for everything tied to a project (dev-server lifecycle,
// tunnels). runner-status carries neither.
type Event struct {
	Type      EventType       `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseEvent decodes a wire frame into an Event and validates the tag.
// Payloads are left raw — the router forwards them without decoding, and
// only the persistence side effects unmarshal the payloads they act on.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("protocol: malformed event frame: %w", err)
	}
	if !ev.Type.valid() {
		return nil, fmt.Errorf("protocol: unknown event type %q", ev.Type)
	}
	return &ev, nil
}

// NewEvent builds an event envelope with the payload marshalled in.
// It panics only on unmarshalable payloads, which would be a programming
// error (all payload types in this package are plain structs).
func NewEvent(t EventType, commandID, projectID string, payload any) *Event {
	ev := &Event{
		Type:      t,
		CommandID: commandID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("protocol: unmarshalable event payload: %v", err))
		}
		ev.Payload = data
	}
	return ev
}

// -----------------------------------------------------------------------------
// Event payloads
// -----------------------------------------------------------------------------

// LogChunkPayload carries one chunk of dev-server output. Cursor is a
// per-process monotonic counter so clients can resume with fetch-logs.
type LogChunkPayload struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`
	Cursor int64  `json:"cursor"`
}

// PortDetectedPayload reports the port a dev server was observed listening on.
type PortDetectedPayload struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// TunnelPayloadEvent reports a tunnel lifecycle change. URL is only set on
// tunnel-created.
type TunnelPayloadEvent struct {
	Port int    `json:"port"`
	URL  string `json:"url,omitempty"`
}

// ProcessExitedPayload reports a supervised child exiting. QuickExit is set
// when the process lived under five seconds, a strong signal that the dev
// server failed on startup rather than being stopped deliberately.
type ProcessExitedPayload struct {
	PID       int    `json:"pid"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
	DurationS float64 `json:"durationSeconds"`
	QuickExit bool   `json:"quickExit"`
}

// BuildStreamPayload carries one canonical build event produced by the
// executor's protocol transformation (text deltas, tool calls, todo
// updates). Kind names the canonical event ("text-delta",
// "tool-input-available", ...); Data is the kind-specific body, forwarded
// opaquely to the UI.
type BuildStreamPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// BuildProgressPayload is a coarse progress notification for list views
// that do not consume the full stream.
type BuildProgressPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// BuildCompletedPayload ends a successful build.
type BuildCompletedPayload struct {
	Summary string     `json:"summary"`
	Todos   []TodoItem `json:"todos,omitempty"`
}

// BuildFailedPayload ends a failed build.
type BuildFailedPayload struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

// TodoItem is one entry of the canonical build todo list, sourced
// exclusively from TodoWrite tool invocations.
type TodoItem struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"content"`
	Status string `json:"status"` // "pending", "in_progress", "completed"
}

// RunnerStatusPayload is the periodic heartbeat. The host metrics come from
// gopsutil and are forwarded to status subscribers for live gauges.
type RunnerStatusPayload struct {
	RunnerID    string  `json:"runnerId"`
	Version     string  `json:"version"`
	Platform    string  `json:"platform"`
	ActiveJobs  int     `json:"activeJobs"`
	CPUPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	DiskPercent float64 `json:"diskPercent"`
}

// ErrorPayload is a generic failure report tied to a command.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// FilesDeletedPayload reports the outcome of delete-project-files.
type FilesDeletedPayload struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

// FileContentPayload answers read-file.
type FileContentPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileWrittenPayload answers write-file.
type FileWrittenPayload struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// FileListPayload answers list-files.
type FileListPayload struct {
	Path    string   `json:"path"`
	Entries []string `json:"entries"`
}

// ProjectMetadataPayload reports framework detection results after a build,
// persisted to the project's generation state.
type ProjectMetadataPayload struct {
	Framework  string `json:"framework,omitempty"`
	RunCommand string `json:"runCommand,omitempty"`
}
