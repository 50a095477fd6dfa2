// Package build runs agent builds and transforms the provider's assistant
// stream into the canonical event stream the UI consumes. The transformation
// is where message boundaries, tool-call surfacing, todo tracking, and
// path-safety warnings live — providers stay thin.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

// todoMarkerPattern finds TODO_WRITE:{...} markers embedded in tool result
// text. The JSON object extends to the end of the line.
var todoMarkerPattern = regexp.MustCompile(`TODO_WRITE:(\{.*\})`)

// inlineTodoPattern matches legacy inline todo lines in assistant text.
// These predate the TodoWrite tool and would double-source the todo list if
// forwarded, so they are stripped from deltas.
var inlineTodoPattern = regexp.MustCompile(`(?m)^\s*TODO_WRITE:.*$\n?`)

// EventSink receives the events the executor produces. Implemented by the
// connection manager.
type EventSink interface {
	SendEvent(evt *protocol.Event)
}

// Executor owns the configured agent providers and runs builds.
type Executor struct {
	providers       map[string]AgentProvider
	defaultProvider string
	workspaceRoot   string
	sink            EventSink
	logger          *zap.Logger
}

// New creates an Executor. The first registered provider becomes the
// default unless defaultProvider names another.
func New(providers []AgentProvider, defaultProvider, workspaceRoot string, sink EventSink, logger *zap.Logger) *Executor {
	byName := make(map[string]AgentProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if defaultProvider == "" && len(providers) > 0 {
		defaultProvider = providers[0].Name()
	}
	return &Executor{
		providers:       byName,
		defaultProvider: defaultProvider,
		workspaceRoot:   workspaceRoot,
		sink:            sink,
		logger:          logger.Named("build"),
	}
}

// Execute runs one build to completion, emitting the canonical event
// stream and exactly one terminal event (build-completed or build-failed).
// It returns an error only for reporting in the runner's logs — the
// broker learns the outcome from the terminal event.
func (e *Executor) Execute(ctx context.Context, commandID, projectID string, p protocol.StartBuildPayload) error {
	providerName := p.Provider
	if providerName == "" {
		providerName = e.defaultProvider
	}
	provider, ok := e.providers[providerName]
	if !ok {
		err := fmt.Errorf("build: unknown provider %q", providerName)
		e.fail(commandID, projectID, err.Error(), "")
		return err
	}

	e.logger.Info("build started",
		zap.String("command_id", commandID),
		zap.String("project_id", projectID),
		zap.String("provider", providerName),
	)
	e.sink.SendEvent(protocol.NewEvent(protocol.EvtBuildProgress, commandID, projectID, protocol.BuildProgressPayload{
		Stage:   "starting",
		Message: "invoking " + providerName,
	}))

	frames, err := provider.Stream(ctx, p.Prompt, StreamOptions{
		Cwd:       p.Cwd,
		ProjectID: projectID,
	})
	if err != nil {
		e.fail(commandID, projectID, fmt.Sprintf("provider stream failed: %v", err), "")
		return fmt.Errorf("build: opening stream: %w", err)
	}

	t := &transform{
		exec:      e,
		commandID: commandID,
		projectID: projectID,
		cwd:       p.Cwd,
	}

	for frame := range frames {
		if ctx.Err() != nil {
			e.fail(commandID, projectID, "build cancelled", "")
			return ctx.Err()
		}
		t.apply(frame)
	}

	if !t.finished {
		// The stream ended without a terminal frame — provider crash.
		e.fail(commandID, projectID, "provider stream ended unexpectedly", "")
		return fmt.Errorf("build: stream ended without result")
	}

	e.logger.Info("build finished",
		zap.String("command_id", commandID),
		zap.Bool("failed", t.failed),
		zap.Int("todos", len(t.todos)),
	)
	return nil
}

// fail emits the terminal failure event.
func (e *Executor) fail(commandID, projectID, msg, stack string) {
	e.logger.Error("build failed",
		zap.String("command_id", commandID),
		zap.String("error", msg),
	)
	e.sink.SendEvent(protocol.NewEvent(protocol.EvtBuildFailed, commandID, projectID, protocol.BuildFailedPayload{
		Error: msg,
		Stack: stack,
	}))
}

// transform is the per-build accumulator for the frame → canonical event
// mapping. It tracks the open assistant message, the canonical todo list,
// and whether a terminal frame has been seen.
type transform struct {
	exec      *Executor
	commandID string
	projectID string
	cwd       string

	openMessageID string
	todos         []protocol.TodoItem
	finished      bool
	failed        bool
}

// streamKind payload bodies for the canonical kinds.
type textBody struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta,omitempty"`
}

type toolInputBody struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type toolOutputBody struct {
	ToolCallID string `json:"toolCallId"`
	Output     string `json:"output"`
}

type commandBody struct {
	Command  string `json:"command"`
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Status   string `json:"status,omitempty"`
}

type warningBody struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// apply maps one provider frame to its canonical events.
func (t *transform) apply(f Frame) {
	switch f.Type {
	case FrameTextDelta:
		delta := inlineTodoPattern.ReplaceAllString(f.Text, "")
		if f.MessageID != t.openMessageID {
			t.closeMessage()
			t.openMessageID = f.MessageID
			t.emit("text-start", textBody{MessageID: f.MessageID})
		}
		if delta != "" {
			t.emit("text-delta", textBody{MessageID: f.MessageID, Delta: delta})
		}

	case FrameToolCall:
		t.checkPathSafety(f.ToolName, f.ToolInput)
		if f.ToolName == "TodoWrite" {
			t.applyTodoWrite(f.ToolInput)
		}
		t.emit("tool-input-available", toolInputBody{
			ToolCallID: f.ToolCallID,
			ToolName:   f.ToolName,
			Input:      f.ToolInput,
		})

	case FrameToolResult:
		t.emit("tool-output-available", toolOutputBody{
			ToolCallID: f.ToolCallID,
			Output:     f.ToolOutput,
		})
		// TODO_WRITE markers smuggled through tool results become synthetic
		// TodoWrite calls so the UI has a single todo source.
		for _, m := range todoMarkerPattern.FindAllStringSubmatch(f.ToolOutput, -1) {
			input := json.RawMessage(m[1])
			t.applyTodoWrite(input)
			t.emit("tool-input-available", toolInputBody{
				ToolCallID: f.ToolCallID + "-todo",
				ToolName:   "TodoWrite",
				Input:      input,
			})
		}

	case FrameCommandStart:
		t.emit("command_start", commandBody{Command: f.Command})

	case FrameCommandEnd:
		status := "success"
		if f.ExitCode != 0 {
			status = "failed"
		}
		t.emit("command_complete", commandBody{
			Command:  f.Command,
			Output:   f.Output,
			ExitCode: f.ExitCode,
			Status:   status,
		})

	case FrameResult:
		t.closeMessage()
		t.emit("finish", nil)
		t.finished = true
		t.exec.sink.SendEvent(protocol.NewEvent(protocol.EvtBuildCompleted, t.commandID, t.projectID, protocol.BuildCompletedPayload{
			Summary: f.Summary,
			Todos:   t.todos,
		}))

	case FrameError:
		t.closeMessage()
		t.finished = true
		t.failed = true
		t.exec.fail(t.commandID, t.projectID, f.Err, f.Stack)
	}
}

// closeMessage emits text-end for the open assistant message, if any.
func (t *transform) closeMessage() {
	if t.openMessageID == "" {
		return
	}
	t.emit("text-end", textBody{MessageID: t.openMessageID})
	t.openMessageID = ""
}

// emit wraps a canonical event into a build-stream frame.
func (t *transform) emit(kind string, body any) {
	var data json.RawMessage
	if body != nil {
		if raw, ok := body.(json.RawMessage); ok {
			data = raw
		} else {
			data, _ = json.Marshal(body)
		}
	}
	t.exec.sink.SendEvent(protocol.NewEvent(protocol.EvtBuildStream, t.commandID, t.projectID, protocol.BuildStreamPayload{
		Kind: kind,
		Data: data,
	}))
}

// todoWriteInput is the shape of TodoWrite tool inputs and TODO_WRITE
// markers.
type todoWriteInput struct {
	Todos []protocol.TodoItem `json:"todos"`
}

// applyTodoWrite replaces the canonical todo list. TodoWrite semantics are
// whole-list replacement, not append.
func (t *transform) applyTodoWrite(input json.RawMessage) {
	var in todoWriteInput
	if err := json.Unmarshal(input, &in); err != nil {
		t.exec.logger.Warn("malformed TodoWrite input", zap.Error(err))
		return
	}
	t.todos = in.Todos
}

// pathInput extracts the filesystem target from tool inputs that carry one.
type pathInput struct {
	Path     string `json:"path"`
	FilePath string `json:"file_path"`
}

// checkPathSafety warns when a tool call targets a path outside the
// project's directory or workspace, or anything under a /Desktop/ segment.
// Warnings never block — the provider is trusted, the user is informed.
func (t *transform) checkPathSafety(toolName string, input json.RawMessage) {
	var in pathInput
	if err := json.Unmarshal(input, &in); err != nil {
		return
	}
	target := in.FilePath
	if target == "" {
		target = in.Path
	}
	if target == "" {
		return
	}

	if strings.Contains(target, "/Desktop/") {
		t.warn(toolName, target, "path targets a Desktop directory")
		return
	}
	if !filepath.IsAbs(target) {
		return
	}

	workspace := filepath.Dir(t.cwd)
	if !pathWithin(target, t.cwd) && !pathWithin(target, workspace) {
		t.warn(toolName, target, "absolute path outside the project workspace")
	}
}

func (t *transform) warn(toolName, path, msg string) {
	t.exec.logger.Warn("suspicious tool path",
		zap.String("tool", toolName),
		zap.String("path", path),
	)
	t.emit("warning", warningBody{
		Message: fmt.Sprintf("%s: %s", toolName, msg),
		Path:    path,
	})
}

// pathWithin reports whether path is inside dir.
func pathWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
