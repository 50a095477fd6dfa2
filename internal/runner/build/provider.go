package build

import (
	"context"
	"encoding/json"
)

// FrameType tags one element of a provider's assistant stream.
type FrameType string

const (
	// FrameTextDelta carries a chunk of assistant text for a message.
	FrameTextDelta FrameType = "text-delta"
	// FrameToolCall announces a tool invocation with its input.
	FrameToolCall FrameType = "tool-call"
	// FrameToolResult carries a tool invocation's output.
	FrameToolResult FrameType = "tool-result"
	// FrameCommandStart announces a shell execution.
	FrameCommandStart FrameType = "command-start"
	// FrameCommandEnd reports a shell execution's outcome.
	FrameCommandEnd FrameType = "command-end"
	// FrameResult terminates a successful stream with a summary.
	FrameResult FrameType = "result"
	// FrameError terminates a failed stream.
	FrameError FrameType = "error"
)

// Frame is one element of a provider stream. Which fields are populated
// depends on Type.
type Frame struct {
	Type FrameType

	// MessageID groups text deltas into assistant messages. A new id closes
	// the previous message.
	MessageID string
	Text      string

	ToolCallID string
	ToolName   string
	ToolInput  json.RawMessage
	ToolOutput string

	// Shell execution fields.
	Command  string
	Output   string
	ExitCode int

	// Terminal fields.
	Summary string
	Err     string
	Stack   string
}

// StreamOptions parameterizes a provider stream.
type StreamOptions struct {
	// Cwd is the project directory the agent operates in.
	Cwd string
	// ProjectID identifies the project being built.
	ProjectID string
}

// AgentProvider produces an assistant frame stream for a build prompt.
// Implementations wrap a specific coding agent (claude-code, openai-codex).
// The returned channel is closed when the stream ends; a stream that ends
// without a FrameResult or FrameError is treated as a failure.
type AgentProvider interface {
	Name() string
	Stream(ctx context.Context, prompt string, opts StreamOptions) (<-chan Frame, error)
}
