package build

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collectFrames(t *testing.T, ch <-chan Frame) []Frame {
	t.Helper()
	var frames []Frame
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestCLIProviderParsesFrames(t *testing.T) {
	script := `
echo '{"type":"text-delta","messageId":"m1","text":"hello"}'
echo 'not json, ignored'
echo '{"type":"tool-call","toolCallId":"t1","toolName":"Write","input":{"file_path":"a.ts"}}'
echo '{"type":"tool-result","toolCallId":"t1","output":"ok"}'
echo '{"type":"result","summary":"built"}'
`
	p := NewCLIProvider("fake", script, zap.NewNop())
	ch, err := p.Stream(context.Background(), "build it", StreamOptions{Cwd: t.TempDir(), ProjectID: "proj-1"})
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.Len(t, frames, 4)
	assert.Equal(t, FrameTextDelta, frames[0].Type)
	assert.Equal(t, "hello", frames[0].Text)
	assert.Equal(t, FrameToolCall, frames[1].Type)
	assert.Equal(t, "Write", frames[1].ToolName)
	assert.Equal(t, FrameToolResult, frames[2].Type)
	assert.Equal(t, "ok", frames[2].ToolOutput)
	assert.Equal(t, FrameResult, frames[3].Type)
	assert.Equal(t, "built", frames[3].Summary)
}

func TestCLIProviderReadsPromptFromStdin(t *testing.T) {
	// The fake agent echoes its stdin back as a text delta.
	script := `read line; printf '{"type":"text-delta","messageId":"m1","text":"%s"}\n{"type":"result","summary":"done"}\n' "$line"`
	p := NewCLIProvider("fake", script, zap.NewNop())

	ch, err := p.Stream(context.Background(), "the-prompt", StreamOptions{Cwd: t.TempDir()})
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.Len(t, frames, 2)
	assert.Equal(t, "the-prompt", frames[0].Text)
}

func TestCLIProviderNonZeroExitBecomesError(t *testing.T) {
	script := `echo '{"type":"text-delta","messageId":"m1","text":"partial"}'; echo boom >&2; exit 1`
	p := NewCLIProvider("fake", script, zap.NewNop())

	ch, err := p.Stream(context.Background(), "build", StreamOptions{Cwd: t.TempDir()})
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameError, frames[1].Type)
	assert.Contains(t, frames[1].Err, "exited")
	assert.Contains(t, frames[1].Stack, "boom")
}

func TestCLIProviderCleanExitWithoutTerminalFrame(t *testing.T) {
	// A zero exit with no terminal frame closes the channel as-is; the
	// executor decides that an unterminated stream is a failure.
	script := `echo '{"type":"text-delta","messageId":"m1","text":"partial"}'`
	p := NewCLIProvider("fake", script, zap.NewNop())

	ch, err := p.Stream(context.Background(), "build", StreamOptions{Cwd: t.TempDir()})
	require.NoError(t, err)

	frames := collectFrames(t, ch)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameTextDelta, frames[0].Type)
}
