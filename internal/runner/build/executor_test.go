package build

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (r *recordingSink) SendEvent(evt *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// streamKinds returns the ordered kinds of every build-stream event.
func (r *recordingSink) streamKinds(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, evt := range r.events {
		if evt.Type != protocol.EvtBuildStream {
			continue
		}
		var p protocol.BuildStreamPayload
		require.NoError(t, json.Unmarshal(evt.Payload, &p))
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

func (r *recordingSink) terminal(t *testing.T) *protocol.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var term *protocol.Event
	for _, evt := range r.events {
		if evt.Type == protocol.EvtBuildCompleted || evt.Type == protocol.EvtBuildFailed {
			require.Nil(t, term, "more than one terminal event")
			term = evt
		}
	}
	return term
}

// scriptedProvider replays a fixed frame sequence.
type scriptedProvider struct {
	name    string
	frames  []Frame
	openErr error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Stream(_ context.Context, _ string, _ StreamOptions) (<-chan Frame, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	ch := make(chan Frame, len(p.frames))
	for _, f := range p.frames {
		ch <- f
	}
	close(ch)
	return ch, nil
}

func newExecutor(frames []Frame, sink *recordingSink) *Executor {
	p := &scriptedProvider{name: "scripted", frames: frames}
	return New([]AgentProvider{p}, "", "/ws", sink, zap.NewNop())
}

func TestTextDeltasGetMessageBoundaries(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		{Type: FrameTextDelta, MessageID: "m1", Text: "Hello"},
		{Type: FrameTextDelta, MessageID: "m1", Text: " world"},
		{Type: FrameTextDelta, MessageID: "m2", Text: "Second message"},
		{Type: FrameResult, Summary: "done"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	assert.Equal(t, []string{
		"text-start", "text-delta", "text-delta",
		"text-end", "text-start", "text-delta",
		"text-end", "finish",
	}, sink.streamKinds(t))

	term := sink.terminal(t)
	require.NotNil(t, term)
	assert.Equal(t, protocol.EvtBuildCompleted, term.Type)
}

func TestToolCallsAndResults(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		{Type: FrameToolCall, ToolCallID: "t1", ToolName: "Write", ToolInput: json.RawMessage(`{"file_path":"src/app.ts"}`)},
		{Type: FrameToolResult, ToolCallID: "t1", ToolOutput: "wrote 120 bytes"},
		{Type: FrameResult, Summary: "done"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	assert.Equal(t, []string{"tool-input-available", "tool-output-available", "finish"}, sink.streamKinds(t))
}

func TestTodoMarkersBecomeSyntheticTodoWrite(t *testing.T) {
	sink := &recordingSink{}
	marker := `ok TODO_WRITE:{"todos":[{"content":"scaffold app","status":"completed"},{"content":"add routes","status":"pending"}]}`
	e := newExecutor([]Frame{
		{Type: FrameToolResult, ToolCallID: "t1", ToolOutput: marker},
		{Type: FrameResult, Summary: "done"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	// The marker became a synthetic TodoWrite call.
	kinds := sink.streamKinds(t)
	assert.Equal(t, []string{"tool-output-available", "tool-input-available", "finish"}, kinds)

	// And the canonical todo list made it into build-completed.
	term := sink.terminal(t)
	require.NotNil(t, term)
	var done protocol.BuildCompletedPayload
	require.NoError(t, json.Unmarshal(term.Payload, &done))
	require.Len(t, done.Todos, 2)
	assert.Equal(t, "scaffold app", done.Todos[0].Text)
	assert.Equal(t, "completed", done.Todos[0].Status)
}

func TestTodoWriteReplacesList(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		{Type: FrameToolCall, ToolCallID: "t1", ToolName: "TodoWrite",
			ToolInput: json.RawMessage(`{"todos":[{"content":"a","status":"pending"},{"content":"b","status":"pending"}]}`)},
		{Type: FrameToolCall, ToolCallID: "t2", ToolName: "TodoWrite",
			ToolInput: json.RawMessage(`{"todos":[{"content":"a","status":"completed"}]}`)},
		{Type: FrameResult, Summary: "done"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	var done protocol.BuildCompletedPayload
	require.NoError(t, json.Unmarshal(sink.terminal(t).Payload, &done))
	require.Len(t, done.Todos, 1)
	assert.Equal(t, "a", done.Todos[0].Text)
	assert.Equal(t, "completed", done.Todos[0].Status)
}

func TestInlineTodoTextStripped(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		{Type: FrameTextDelta, MessageID: "m1", Text: "Working on it\nTODO_WRITE:{\"todos\":[]}\nmore text"},
		{Type: FrameResult, Summary: "done"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, evt := range sink.events {
		if evt.Type != protocol.EvtBuildStream {
			continue
		}
		var p protocol.BuildStreamPayload
		require.NoError(t, json.Unmarshal(evt.Payload, &p))
		if p.Kind == "text-delta" {
			var body struct {
				Delta string `json:"delta"`
			}
			require.NoError(t, json.Unmarshal(p.Data, &body))
			assert.NotContains(t, body.Delta, "TODO_WRITE")
		}
	}
}

func TestCommandFrames(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		{Type: FrameCommandStart, Command: "npm install"},
		{Type: FrameCommandEnd, Command: "npm install", Output: "added 200 packages", ExitCode: 0},
		{Type: FrameResult, Summary: "done"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	assert.Equal(t, []string{"command_start", "command_complete", "finish"}, sink.streamKinds(t))
}

func TestPathSafetyWarnings(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		// Relative path inside the project: no warning.
		{Type: FrameToolCall, ToolCallID: "t1", ToolName: "Write", ToolInput: json.RawMessage(`{"file_path":"src/ok.ts"}`)},
		// Absolute path inside the project: no warning.
		{Type: FrameToolCall, ToolCallID: "t2", ToolName: "Write", ToolInput: json.RawMessage(`{"file_path":"/ws/proj-1/src/ok.ts"}`)},
		// Absolute path outside the workspace: warn.
		{Type: FrameToolCall, ToolCallID: "t3", ToolName: "Write", ToolInput: json.RawMessage(`{"file_path":"/etc/hosts"}`)},
		// Desktop segment always warns, even relative.
		{Type: FrameToolCall, ToolCallID: "t4", ToolName: "Write", ToolInput: json.RawMessage(`{"file_path":"/home/u/Desktop/app.ts"}`)},
		{Type: FrameResult, Summary: "done"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	warnings := 0
	for _, kind := range sink.streamKinds(t) {
		if kind == "warning" {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestProviderErrorFrame(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		{Type: FrameTextDelta, MessageID: "m1", Text: "starting"},
		{Type: FrameError, Err: "rate limited", Stack: "trace"},
	}, sink)

	require.NoError(t, e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	}))

	term := sink.terminal(t)
	require.NotNil(t, term)
	assert.Equal(t, protocol.EvtBuildFailed, term.Type)

	var failed protocol.BuildFailedPayload
	require.NoError(t, json.Unmarshal(term.Payload, &failed))
	assert.Equal(t, "rate limited", failed.Error)
}

func TestStreamEndsWithoutTerminal(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor([]Frame{
		{Type: FrameTextDelta, MessageID: "m1", Text: "starting"},
	}, sink)

	err := e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	})
	require.Error(t, err)

	term := sink.terminal(t)
	require.NotNil(t, term)
	assert.Equal(t, protocol.EvtBuildFailed, term.Type)
}

func TestUnknownProvider(t *testing.T) {
	sink := &recordingSink{}
	e := newExecutor(nil, sink)

	err := e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Provider: "no-such-provider", Cwd: "/ws/proj-1",
	})
	require.Error(t, err)
	require.NotNil(t, sink.terminal(t))
}

func TestStreamOpenError(t *testing.T) {
	sink := &recordingSink{}
	p := &scriptedProvider{name: "scripted", openErr: errors.New("no credentials")}
	e := New([]AgentProvider{p}, "", "/ws", sink, zap.NewNop())

	err := e.Execute(context.Background(), "cmd-1", "proj-1", protocol.StartBuildPayload{
		Prompt: "build", Cwd: "/ws/proj-1",
	})
	require.Error(t, err)

	term := sink.terminal(t)
	require.NotNil(t, term)
	assert.Equal(t, protocol.EvtBuildFailed, term.Type)
}
