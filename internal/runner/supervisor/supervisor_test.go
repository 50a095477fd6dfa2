package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
)

// recordingSink collects every event the supervisor emits.
type recordingSink struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (r *recordingSink) SendEvent(evt *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) byType(t protocol.EventType) []*protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func TestDetectPort(t *testing.T) {
	cases := []struct {
		line string
		port int
		ok   bool
	}{
		{"  ➜  Local:   http://localhost:5173/", 5173, true},
		{"Server listening on 127.0.0.1:3001", 3001, true},
		{"listening on 0.0.0.0:8080", 8080, true},
		{"port: 4000", 4000, true},
		{"port 3999", 3999, true},
		{"ready in 320ms on 3005", 3005, true},
		// Out of range: below 3000.
		{"port: 2999", 0, false},
		// Version strings must not match.
		{"vite v5.2.1 building", 0, false},
		{"compiled successfully", 0, false},
	}
	for _, tc := range cases {
		port, ok := detectPort(tc.line)
		assert.Equal(t, tc.ok, ok, "line %q", tc.line)
		if tc.ok {
			assert.Equal(t, tc.port, port, "line %q", tc.line)
		}
	}
}

func TestStartEmitsPortAndExit(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, zap.NewNop())

	_, err := s.StartDevServer(context.Background(), "cmd-1", "proj-1", protocol.StartDevServerPayload{
		RunCommand: `echo "Local: http://localhost:3456/"; echo "Local: http://localhost:3457/"`,
		Cwd:        t.TempDir(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.byType(protocol.EvtProcessExited)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Port detected exactly once despite two matching lines.
	ports := sink.byType(protocol.EvtPortDetected)
	require.Len(t, ports, 1)
	var p protocol.PortDetectedPayload
	require.NoError(t, unmarshalPayload(ports[0], &p))
	assert.Equal(t, 3456, p.Port)
	assert.Positive(t, p.PID)

	// The quick exit is flagged.
	var exited protocol.ProcessExitedPayload
	require.NoError(t, unmarshalPayload(sink.byType(protocol.EvtProcessExited)[0], &exited))
	assert.True(t, exited.QuickExit)
	assert.Equal(t, 0, exited.ExitCode)

	assert.Equal(t, 0, s.ActiveCount())
}

func TestLogChunksHaveMonotonicCursor(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, zap.NewNop())

	_, err := s.StartDevServer(context.Background(), "cmd-1", "proj-1", protocol.StartDevServerPayload{
		RunCommand: `echo one; echo two; echo three`,
		Cwd:        t.TempDir(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.byType(protocol.EvtProcessExited)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	chunks := sink.byType(protocol.EvtLogChunk)
	require.Len(t, chunks, 3)
	var last int64
	for _, evt := range chunks {
		var c protocol.LogChunkPayload
		require.NoError(t, unmarshalPayload(evt, &c))
		assert.Greater(t, c.Cursor, last)
		last = c.Cursor
	}
}

func TestStopKillsLongRunningChild(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, zap.NewNop())

	_, err := s.StartDevServer(context.Background(), "cmd-1", "proj-1", protocol.StartDevServerPayload{
		RunCommand: `echo started; sleep 60`,
		Cwd:        t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ActiveCount())

	require.NoError(t, s.StopDevServer(context.Background(), "proj-1"))

	require.Eventually(t, func() bool {
		return len(sink.byType(protocol.EvtProcessExited)) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, s.ActiveCount())
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(&recordingSink{}, zap.NewNop())

	require.NoError(t, s.StopDevServer(context.Background(), "no-such-project"))
	require.NoError(t, s.StopDevServer(context.Background(), "no-such-project"))
}

func TestRestartReplacesChild(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, zap.NewNop())

	_, err := s.StartDevServer(context.Background(), "cmd-1", "proj-1", protocol.StartDevServerPayload{
		RunCommand: `sleep 60`,
		Cwd:        t.TempDir(),
	})
	require.NoError(t, err)

	pid2, err := s.StartDevServer(context.Background(), "cmd-2", "proj-1", protocol.StartDevServerPayload{
		RunCommand: `sleep 60`,
		Cwd:        t.TempDir(),
	})
	require.NoError(t, err)

	// The first child exited, exactly one remains.
	require.Eventually(t, func() bool {
		return len(sink.byType(protocol.EvtProcessExited)) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, s.ActiveCount())

	require.NoError(t, s.StopDevServer(context.Background(), "proj-1"))
	_ = pid2
}

func TestFetchLogsAfterCursor(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, zap.NewNop())

	_, err := s.StartDevServer(context.Background(), "cmd-1", "proj-1", protocol.StartDevServerPayload{
		RunCommand: `echo a; echo b; echo c; sleep 60`,
		Cwd:        t.TempDir(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.byType(protocol.EvtLogChunk)) == 3
	}, 5*time.Second, 20*time.Millisecond)

	chunks, err := s.FetchLogs("proj-1", 1)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "b", chunks[0].Data)
	assert.Equal(t, "c", chunks[1].Data)

	require.NoError(t, s.StopDevServer(context.Background(), "proj-1"))

	_, err = s.FetchLogs("proj-1", 0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

// unmarshalPayload decodes an event payload into dst.
func unmarshalPayload(evt *protocol.Event, dst any) error {
	return json.Unmarshal(evt.Payload, dst)
}
