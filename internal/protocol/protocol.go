// Package protocol defines the wire format spoken between the broker and
// runners over the persistent WebSocket attach channel. Every frame is a
// JSON object with a "type" tag; the remaining fields depend on the tag.
//
// Three frame families exist:
//
//   - Handshake: the runner's first frame is an attach request carrying its
//     key; the broker answers with attached or an error frame, then either
//     side may close.
//   - Commands (broker → runner): directives targeted at a project, each
//     carrying a unique id the runner echoes back in its events.
//   - Events (runner → broker): everything the runner reports, from command
//     acks and build stream chunks to dev-server lifecycle notifications.
//
// The envelope types keep their payloads as json.RawMessage so the broker
// can route frames on the tag without decoding payloads it only forwards.
// Typed payload structs are provided for both ends to marshal/unmarshal
// the payloads they actually produce or consume.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol revision sent in the attach handshake. The broker
// currently accepts any version and logs a warning on mismatch; it exists so
// incompatible revisions can be rejected later without changing the frame
// layout.
const Version = "1"

// -----------------------------------------------------------------------------
// Handshake
// -----------------------------------------------------------------------------

// AttachRequest is the first frame a runner sends after opening the socket.
// Secret is the plaintext runner key issued by the broker (shown once at
// creation); in local mode it is the fixed shared secret instead.
type AttachRequest struct {
	Type     string `json:"type"` // always "attach"
	RunnerID string `json:"runnerId"`
	Secret   string `json:"secret"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// AttachResponse is the broker's answer to an AttachRequest.
// On success Type is "attached" and Error is empty. On failure Type is
// "error", Error carries a stable code ("unauthorized"), and the broker
// closes the connection immediately after writing the frame.
type AttachResponse struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// ParseAttach decodes and validates an attach frame. It is strict about the
// type tag so that a runner accidentally sending an event before attaching
// is rejected with a clear error instead of being half-installed.
func ParseAttach(data []byte) (*AttachRequest, error) {
	var req AttachRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("protocol: malformed attach frame: %w", err)
	}
	if req.Type != "attach" {
		return nil, fmt.Errorf("protocol: expected attach frame, got %q", req.Type)
	}
	if req.RunnerID == "" {
		return nil, fmt.Errorf("protocol: attach frame missing runnerId")
	}
	return &req, nil
}

// -----------------------------------------------------------------------------
// Commands (broker → runner)
// -----------------------------------------------------------------------------

// CommandType identifies the kind of directive carried by a Command.
//
// Most commands answer on their own event stream and end it with a
// terminal event. start-dev-server and stop-dev-server are ack-only on
// success: the ack is the answer, and everything that follows (ports,
// logs, exits) arrives as project-scoped lifecycle events. They still
// produce a terminal error event on failure.
type CommandType string

const (
	CmdStartBuild         CommandType = "start-build"
	CmdStartDevServer     CommandType = "start-dev-server"
	CmdStopDevServer      CommandType = "stop-dev-server"
	CmdStartTunnel        CommandType = "start-tunnel"
	CmdStopTunnel         CommandType = "stop-tunnel"
	CmdFetchLogs          CommandType = "fetch-logs"
	CmdHealthCheck        CommandType = "runner-health-check"
	CmdDeleteProjectFiles CommandType = "delete-project-files"
	CmdReadFile           CommandType = "read-file"
	CmdWriteFile          CommandType = "write-file"
	CmdListFiles          CommandType = "list-files"
)

// valid reports whether t is a known command type. Unknown types are
// rejected at the HTTP boundary, not silently forwarded to runners.
func (t CommandType) valid() bool {
	switch t {
	case CmdStartBuild, CmdStartDevServer, CmdStopDevServer,
		CmdStartTunnel, CmdStopTunnel, CmdFetchLogs, CmdHealthCheck,
		CmdDeleteProjectFiles, CmdReadFile, CmdWriteFile, CmdListFiles:
		return true
	}
	return false
}

// Command is the envelope for every broker → runner directive.
// ID is unique per command and echoed back in every event the command
// produces, which is how the broker routes event streams to subscribers.
type Command struct {
	ID        string          `json:"id"`
	Type      CommandType     `json:"type"`
	ProjectID string          `json:"projectId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope fields every command must carry.
// Payload validation is the responsibility of the runner-side handler —
// the broker forwards payloads opaquely.
func (c *Command) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("protocol: command missing id")
	}
	if !c.Type.valid() {
		return fmt.Errorf("protocol: unknown command type %q", c.Type)
	}
	// Health probes are runner-scoped, every other command targets a project.
	if c.ProjectID == "" && c.Type != CmdHealthCheck {
		return fmt.Errorf("protocol: command %s missing projectId", c.Type)
	}
	return nil
}

// StartBuildPayload is the payload for start-build commands.
type StartBuildPayload struct {
	Prompt string `json:"prompt"`
	// Provider selects the agent provider on the runner ("claude-code",
	// "openai-codex", ...). Empty means the runner's default.
	Provider string `json:"provider,omitempty"`
	// Cwd is the project directory on the runner's disk.
	Cwd string `json:"cwd"`
	// MessageID links the build to the originating chat message so the
	// transcript can be reconstructed after a reload.
	MessageID string `json:"messageId,omitempty"`
}

// StartDevServerPayload is the payload for start-dev-server commands.
type StartDevServerPayload struct {
	RunCommand    string            `json:"runCommand"`
	Cwd           string            `json:"cwd"`
	Env           map[string]string `json:"env,omitempty"`
	PreferredPort int               `json:"preferredPort,omitempty"`
}

// TunnelPayload is the payload for start-tunnel and stop-tunnel commands.
type TunnelPayload struct {
	Port int `json:"port"`
}

// FetchLogsPayload is the payload for fetch-logs commands. Cursor is the
// monotonic position of the last chunk the caller has already seen; the
// runner replies with everything after it.
type FetchLogsPayload struct {
	Cursor int64 `json:"cursor"`
}

// FilePayload is the payload for read-file, write-file and list-files
// commands. Path is relative to the project directory; Content is only set
// for write-file.
type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}
